package places

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(id string, t EntityType, name, parent string) PlaceEntity {
	return PlaceEntity{ExternalID: id, Type: t, DisplayName: name, ParentExternalID: parent}
}

// collectIDs flattens a tree into externalId -> visit count, catching both
// dropped entities and entities attached under more than one parent.
func collectIDs(roots []*Node) map[string]int {
	seen := make(map[string]int)
	Walk(roots, func(n *Node) { seen[n.Entity.ExternalID]++ })
	return seen
}

func findNode(roots []*Node, id string) *Node {
	var found *Node
	Walk(roots, func(n *Node) {
		if n.Entity.ExternalID == id {
			found = n
		}
	})
	return found
}

func TestBuildHierarchyNesting(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", ""),
		entity("flr-1", TypeFloor, "First", "bld-1"),
		entity("sec-1", TypeSection, "North Wing", "flr-1"),
		entity("dsk-1", TypeDesk, "Desk 101", "sec-1"),
		entity("rm-1", TypeRoom, "Boardroom", "sec-1"),
	}

	roots := BuildHierarchy(input)
	require.Len(t, roots, 1)
	assert.Equal(t, "bld-1", roots[0].Entity.ExternalID)

	flr := findNode(roots, "flr-1")
	require.NotNil(t, flr)
	sec := findNode(flr.Children, "sec-1")
	require.NotNil(t, sec)
	assert.Len(t, sec.Children, 2)

	for id, count := range collectIDs(roots) {
		assert.Equal(t, 1, count, "entity %s appears %d times", id, count)
	}
}

func TestBuildHierarchyRoomDirectlyUnderFloor(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", ""),
		entity("flr-1", TypeFloor, "First", "bld-1"),
		entity("rm-1", TypeRoom, "Open Space", "flr-1"),
	}

	roots := BuildHierarchy(input)
	flr := findNode(roots, "flr-1")
	require.NotNil(t, flr)
	require.Len(t, flr.Children, 1)
	assert.Equal(t, "rm-1", flr.Children[0].Entity.ExternalID)
}

func TestBuildHierarchyEveryEntityReachableExactlyOnce(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", ""),
		entity("flr-1", TypeFloor, "First", "bld-1"),
		entity("flr-orphan", TypeFloor, "Lost Floor", "no-such-building"),
		entity("dsk-orphan", TypeDesk, "Lost Desk", ""),
		entity("sec-1", TypeSection, "Wing", "flr-1"),
	}

	roots := BuildHierarchy(input)
	seen := collectIDs(roots)
	assert.Len(t, seen, len(input))
	for id, count := range seen {
		assert.Equal(t, 1, count, "entity %s appears %d times", id, count)
	}
}

func TestBuildHierarchyBuildingWithStrayParentIsRoot(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", "bld-0"),
	}

	roots := BuildHierarchy(input)
	require.Len(t, roots, 1)
	assert.Equal(t, "bld-1", roots[0].Entity.ExternalID)
}

func TestBuildHierarchyOrphanAdoptedByFirstCandidate(t *testing.T) {
	// Desk with a dangling parent reference must land under the first
	// Section in input order, not at the root.
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", ""),
		entity("flr-1", TypeFloor, "First", "bld-1"),
		entity("sec-b", TypeSection, "B Wing", "flr-1"),
		entity("sec-a", TypeSection, "A Wing", "flr-1"),
		entity("dsk-1", TypeDesk, "Desk 101", "sec-gone"),
	}

	roots := BuildHierarchy(input)
	secB := findNode(roots, "sec-b")
	require.NotNil(t, secB)
	require.Len(t, secB.Children, 1)
	assert.Equal(t, "dsk-1", secB.Children[0].Entity.ExternalID)
}

func TestBuildHierarchyOrphanWithNoCandidateGoesToRoot(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", ""),
		entity("dsk-1", TypeDesk, "Desk 101", "sec-gone"), // no Section anywhere
	}

	roots := BuildHierarchy(input)
	require.Len(t, roots, 2)
	seen := collectIDs(roots)
	assert.Equal(t, 1, seen["dsk-1"])
}

func TestBuildHierarchyInvalidParentTypeRepaired(t *testing.T) {
	// A Desk claiming a Floor as parent violates the nesting rules even
	// though the Floor exists; it must be re-homed under a Section.
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "HQ", ""),
		entity("flr-1", TypeFloor, "First", "bld-1"),
		entity("sec-1", TypeSection, "Wing", "flr-1"),
		entity("dsk-1", TypeDesk, "Desk 101", "flr-1"),
	}

	roots := BuildHierarchy(input)
	sec := findNode(roots, "sec-1")
	require.NotNil(t, sec)
	require.Len(t, sec.Children, 1)
	assert.Equal(t, "dsk-1", sec.Children[0].Entity.ExternalID)

	flr := findNode(roots, "flr-1")
	require.NotNil(t, flr)
	for _, child := range flr.Children {
		assert.NotEqual(t, "dsk-1", child.Entity.ExternalID, "desk must not sit under the floor")
	}
}

func TestBuildHierarchyDuplicateIDKeepsFirst(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-1", TypeBuilding, "Original", ""),
		entity("bld-1", TypeBuilding, "Imposter", ""),
	}

	roots := BuildHierarchy(input)
	require.Len(t, roots, 1)
	assert.Equal(t, "Original", roots[0].Entity.DisplayName)
}

func TestBuildHierarchyDeterministicOrdering(t *testing.T) {
	input := []PlaceEntity{
		entity("bld-2", TypeBuilding, "annex", ""), // lowercase sorts after uppercase byte-wise
		entity("bld-1", TypeBuilding, "Main", ""),
		entity("flr-2", TypeFloor, "Second", "bld-1"),
		entity("flr-1", TypeFloor, "First", "bld-1"),
	}

	roots := BuildHierarchy(input)
	require.Len(t, roots, 2)
	assert.Equal(t, "Main", roots[0].Entity.DisplayName)
	assert.Equal(t, "annex", roots[1].Entity.DisplayName)

	main := roots[0]
	require.Len(t, main.Children, 2)
	assert.Equal(t, "First", main.Children[0].Entity.DisplayName)
	assert.Equal(t, "Second", main.Children[1].Entity.DisplayName)
}

func TestIsValidParent(t *testing.T) {
	assert.True(t, IsValidParent(TypeBuilding, TypeFloor))
	assert.True(t, IsValidParent(TypeFloor, TypeSection))
	assert.True(t, IsValidParent(TypeSection, TypeDesk))
	assert.True(t, IsValidParent(TypeSection, TypeRoom))
	assert.True(t, IsValidParent(TypeFloor, TypeRoom))
	assert.False(t, IsValidParent(TypeFloor, TypeDesk))
	assert.False(t, IsValidParent(TypeBuilding, TypeDesk))
	assert.False(t, IsValidParent(TypeDesk, TypeRoom))
	assert.False(t, IsValidParent(TypeRoom, TypeBuilding))
}
