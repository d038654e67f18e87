package places

import (
	"sort"

	"placesadmin/internal/logging"
)

// Node is one entity in the presentation tree.
type Node struct {
	Entity   PlaceEntity `json:"entity"`
	Children []*Node     `json:"children,omitempty"`
}

// BuildHierarchy converts a flat entity set into a nested tree for
// presentation. It never decides persistence: invalid parent references are
// repaired best-effort here (attach somewhere plausible, warn), whereas the
// reconciliation engine skips such entities outright. That asymmetry is
// deliberate — a misplaced node in a tree view is tolerable, a misparented
// database row is not.
//
// Duplicate external identifiers keep the first-seen record; later
// duplicates are dropped with a warning. Output ordering is deterministic:
// every child list and the root list are sorted by display name (byte-wise,
// case-sensitive), ties keeping input order.
func BuildHierarchy(entities []PlaceEntity) []*Node {
	index := make(map[string]*Node, len(entities))
	ordered := make([]*Node, 0, len(entities))

	for _, e := range entities {
		if _, dup := index[e.ExternalID]; dup {
			logging.HierarchyWarn("duplicate external id %s, keeping first record", e.ExternalID)
			continue
		}
		n := &Node{Entity: e}
		index[e.ExternalID] = n
		ordered = append(ordered, n)
	}

	var roots []*Node
	for _, n := range ordered {
		e := n.Entity

		if e.Type == TypeBuilding {
			if e.HasParent() {
				logging.HierarchyWarn("building %s carries stray parent reference %s, treating as root",
					e.ExternalID, e.ParentExternalID)
			}
			roots = append(roots, n)
			continue
		}

		parent, ok := index[e.ParentExternalID]
		if ok && e.HasParent() && IsValidParent(parent.Entity.Type, e.Type) {
			parent.Children = append(parent.Children, n)
			continue
		}

		// Best-effort repair: adopt the orphan under the first entity of an
		// allowed parent type, falling back to the root level. Never drop.
		foster := findFosterParent(ordered, n, e.Type)
		if foster != nil {
			logging.HierarchyWarn("entity %s (%s) has unresolved parent %q, attaching under %s",
				e.ExternalID, e.Type, e.ParentExternalID, foster.Entity.ExternalID)
			foster.Children = append(foster.Children, n)
		} else {
			logging.HierarchyWarn("entity %s (%s) has unresolved parent %q and no candidate parent, attaching at root",
				e.ExternalID, e.Type, e.ParentExternalID)
			roots = append(roots, n)
		}
	}

	sortNodes(roots)
	return roots
}

// findFosterParent returns the first entity (input order) whose type may
// contain child entities of type t, excluding the orphan itself. Candidates
// are drawn from the whole input rather than only the root level: the types
// that can adopt mid-tree orphans (Sections, Floors) are themselves nested
// and would never be found among the roots.
func findFosterParent(ordered []*Node, orphan *Node, t EntityType) *Node {
	for _, candidate := range ordered {
		if candidate == orphan {
			continue
		}
		if IsValidParent(candidate.Entity.Type, t) {
			return candidate
		}
	}
	return nil
}

func sortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Entity.DisplayName < nodes[j].Entity.DisplayName
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// Walk visits every node in the tree depth-first, parents before children.
func Walk(roots []*Node, fn func(*Node)) {
	for _, n := range roots {
		fn(n)
		Walk(n.Children, fn)
	}
}
