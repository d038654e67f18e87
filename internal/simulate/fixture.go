package simulate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"placesadmin/internal/places"
)

// Fixture is a command-prefix → response table loaded from YAML. The first
// prefix (in file order) matching a submitted command wins.
type Fixture struct {
	Rules []FixtureRule `yaml:"rules"`
}

// FixtureRule maps one command prefix to its canned response.
type FixtureRule struct {
	Prefix   string   `yaml:"prefix"`
	Response Response `yaml:"response"`
}

// LoadFixture reads a fixture file and returns it as a Script.
func LoadFixture(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return f.Script(), nil
}

// Script turns the fixture into a Script with a not-recognized fallback.
func (f Fixture) Script() Script {
	return func(command string) Response {
		for _, rule := range f.Rules {
			if strings.HasPrefix(command, rule.Prefix) {
				return rule.Response
			}
		}
		return Response{ErrorText: fmt.Sprintf("The term %q is not recognized", firstWord(command))}
	}
}

// CampusScript returns a built-in script describing a small two-building
// campus. It serves listing, connect, create, and remove commands well
// enough to demo the console without a fixture file.
func CampusScript() Script {
	dataset := []places.PlaceEntity{
		{ExternalID: "bld-hq", Type: places.TypeBuilding, DisplayName: "Headquarters",
			Street: "1 Harbor Way", City: "Rotterdam", PostalCode: "3011", CountryOrRegion: "NL"},
		{ExternalID: "bld-lab", Type: places.TypeBuilding, DisplayName: "Research Lab",
			Street: "5 Dock Road", City: "Rotterdam", PostalCode: "3012", CountryOrRegion: "NL"},
		{ExternalID: "flr-hq-1", Type: places.TypeFloor, DisplayName: "Ground Floor", ParentExternalID: "bld-hq"},
		{ExternalID: "flr-hq-2", Type: places.TypeFloor, DisplayName: "First Floor", ParentExternalID: "bld-hq"},
		{ExternalID: "flr-lab-1", Type: places.TypeFloor, DisplayName: "Lab Floor", ParentExternalID: "bld-lab"},
		{ExternalID: "sec-hq-1a", Type: places.TypeSection, DisplayName: "North Wing", ParentExternalID: "flr-hq-1"},
		{ExternalID: "dsk-101", Type: places.TypeDesk, DisplayName: "Desk 101", ParentExternalID: "sec-hq-1a",
			Capacity: 1, IsBookable: true, ContactAddress: "desk101@example.org"},
		{ExternalID: "rm-boardroom", Type: places.TypeRoom, DisplayName: "Boardroom", ParentExternalID: "sec-hq-1a",
			Capacity: 12, IsBookable: true, ContactAddress: "boardroom@example.org"},
		{ExternalID: "rm-lab-brief", Type: places.TypeRoom, DisplayName: "Briefing Room", ParentExternalID: "flr-lab-1",
			Capacity: 6, IsBookable: true, ContactAddress: "briefing@example.org"},
	}

	return func(command string) Response {
		switch {
		case strings.HasPrefix(command, "Connect-"):
			return Response{Output: "Connected to the places service."}
		case strings.HasPrefix(command, "Get-Place"):
			t, ok := typeArgument(command)
			if !ok {
				return Response{ErrorText: "Cannot bind parameter 'Type'"}
			}
			var matching []places.PlaceEntity
			for _, e := range dataset {
				if e.Type == t {
					matching = append(matching, e)
				}
			}
			body, _ := json.Marshal(matching)
			return Response{Output: string(body)}
		case strings.HasPrefix(command, "New-Place"), strings.HasPrefix(command, "Remove-Place"):
			return Response{Output: "OK"}
		default:
			return Response{ErrorText: fmt.Sprintf("The term %q is not recognized", firstWord(command))}
		}
	}
}

func typeArgument(command string) (places.EntityType, bool) {
	fields := strings.Fields(command)
	for i, f := range fields {
		if strings.EqualFold(f, "-Type") && i+1 < len(fields) {
			t, err := places.ParseType(fields[i+1])
			return t, err == nil
		}
	}
	return "", false
}

func firstWord(command string) string {
	if fields := strings.Fields(command); len(fields) > 0 {
		return fields[0]
	}
	return command
}
