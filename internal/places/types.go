// Package places holds the facility directory domain: the uniform
// PlaceEntity record, the allowed-nesting rules, the parser that turns
// remote shell output into entities, and the hierarchy builder.
package places

import (
	"fmt"
	"strings"
)

// EntityType identifies the kind of a facility entity.
type EntityType string

const (
	TypeBuilding EntityType = "Building"
	TypeFloor    EntityType = "Floor"
	TypeSection  EntityType = "Section"
	TypeDesk     EntityType = "Desk"
	TypeRoom     EntityType = "Room"
)

// AllTypes lists every entity type in parent-before-child order. The
// reconciliation engine depends on this ordering.
var AllTypes = []EntityType{TypeBuilding, TypeFloor, TypeSection, TypeDesk, TypeRoom}

// ParseType maps a remote type tag (any casing) to an EntityType.
func ParseType(s string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "building":
		return TypeBuilding, nil
	case "floor":
		return TypeFloor, nil
	case "section":
		return TypeSection, nil
	case "desk":
		return TypeDesk, nil
	case "room", "space":
		return TypeRoom, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// allowedParents maps each child type to the parent types it may attach to.
// Rooms may attach directly under a Floor when no Section applies; this is
// the one documented exception to the strict four-level chain.
var allowedParents = map[EntityType][]EntityType{
	TypeFloor:   {TypeBuilding},
	TypeSection: {TypeFloor},
	TypeDesk:    {TypeSection},
	TypeRoom:    {TypeSection, TypeFloor},
}

// AllowedParents returns valid parent types for a child type. Buildings
// return nil: they are roots.
func AllowedParents(t EntityType) []EntityType {
	return allowedParents[t]
}

// IsValidParent reports whether parent may contain child.
func IsValidParent(parent, child EntityType) bool {
	for _, p := range allowedParents[child] {
		if p == parent {
			return true
		}
	}
	return false
}

// PlaceEntity is the uniform intermediate record every parser shape
// normalizes into. ExternalID is the remote system's stable identifier and
// the sole correlation key between remote and local state.
type PlaceEntity struct {
	ExternalID       string     `json:"externalId"`
	Type             EntityType `json:"type"`
	DisplayName      string     `json:"displayName"`
	Description      string     `json:"description,omitempty"`
	ParentExternalID string     `json:"parentExternalId,omitempty"`

	// Building attributes.
	Street          string `json:"street,omitempty"`
	City            string `json:"city,omitempty"`
	PostalCode      string `json:"postalCode,omitempty"`
	CountryOrRegion string `json:"countryOrRegion,omitempty"`

	// Desk/Room attributes.
	Capacity       int    `json:"capacity,omitempty"`
	IsBookable     bool   `json:"isBookable,omitempty"`
	ContactAddress string `json:"contactAddress,omitempty"`
}

// HasParent reports whether a parent reference is present after
// normalization. Whitespace-only references never reach here; the parser
// collapses them to the empty string.
func (e PlaceEntity) HasParent() bool {
	return e.ParentExternalID != ""
}

// Validate checks structural invariants common to all shapes: identifier and
// display name must be present, and only Buildings may omit the parent.
func (e PlaceEntity) Validate() error {
	if e.ExternalID == "" {
		return fmt.Errorf("entity missing external identifier")
	}
	if e.DisplayName == "" {
		return fmt.Errorf("entity %s missing display name", e.ExternalID)
	}
	if e.Type == "" {
		return fmt.Errorf("entity %s missing type", e.ExternalID)
	}
	return nil
}

// ValidateForCreate checks what a provisioning request must carry. The remote
// system assigns external identifiers itself, so unlike Validate none is
// required here; instead every non-Building type must name the parent it will
// be created under.
func (e PlaceEntity) ValidateForCreate() error {
	if e.Type == "" {
		return fmt.Errorf("entity type required")
	}
	if e.DisplayName == "" {
		return fmt.Errorf("display name required")
	}
	if e.Type != TypeBuilding && !e.HasParent() {
		return fmt.Errorf("%s requires a parent reference", e.Type)
	}
	return nil
}

// fieldAliases maps every known remote field-name spelling to the canonical
// field. The remote shell is inconsistent about casing and naming across
// cmdlet versions (DisplayName vs Name, PlaceId vs Identity), so the parser
// routes all of them through this table before populating a PlaceEntity.
var fieldAliases = map[string]string{
	"placeid":          "externalId",
	"identity":         "externalId",
	"externalid":       "externalId",
	"id":               "externalId",
	"type":             "type",
	"placetype":        "type",
	"displayname":      "displayName",
	"name":             "displayName",
	"label":            "displayName",
	"description":      "description",
	"notes":            "description",
	"parentid":         "parentExternalId",
	"parent":           "parentExternalId",
	"parentplaceid":    "parentExternalId",
	"parentexternalid": "parentExternalId",
	"street":           "street",
	"streetaddress":    "street",
	"city":             "city",
	"postalcode":       "postalCode",
	"zipcode":          "postalCode",
	"countryorregion":  "countryOrRegion",
	"country":          "countryOrRegion",
	"capacity":         "capacity",
	"seats":            "capacity",
	"isbookable":       "isBookable",
	"bookable":         "isBookable",
	"emailaddress":     "contactAddress",
	"mailbox":          "contactAddress",
	"contactaddress":   "contactAddress",
}

// CanonicalField resolves a remote field name to its canonical name.
// Returns false for fields the schema does not know about.
func CanonicalField(name string) (string, bool) {
	canon, ok := fieldAliases[strings.ToLower(strings.TrimSpace(name))]
	return canon, ok
}
