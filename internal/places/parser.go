package places

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"placesadmin/internal/logging"
)

// ParseError reports output that could not be interpreted as any known
// shape. Callers are expected to degrade to an empty entity set with a
// warning rather than abort an entire refresh.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse failure: " + e.Reason
}

// ansiPattern matches CSI escape sequences the remote shell mixes into its
// output when it thinks it is talking to a terminal.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from raw shell output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Parse converts raw remote output into PlaceEntity records. Two shapes are
// recognized, tried in order:
//
//  1. a JSON array (or single object) of records
//  2. line-oriented "Key: Value" blocks, where a new record begins whenever
//     the identifier field repeats
//
// typeHint supplies the entity type when the records themselves carry none
// (listing commands are per-type, so the caller always knows it). Input
// order is preserved.
func Parse(raw string, typeHint EntityType) ([]PlaceEntity, error) {
	text := strings.TrimSpace(StripANSI(raw))
	if text == "" {
		return nil, nil
	}

	if strings.HasPrefix(text, "[") || strings.HasPrefix(text, "{") {
		rows, err := decodeJSONRows(text)
		if err == nil {
			// Records decoded as JSON stay JSON: a normalization failure
			// inside one propagates loudly instead of re-reading the text
			// as record blocks and masking the real error.
			return normalizeRows(rows, typeHint)
		}
		logging.ParseWarn("JSON shape rejected, falling back to record blocks: %v", err)
	}

	return parseRecordBlocks(text, typeHint)
}

func decodeJSONRows(text string) ([]map[string]any, error) {
	var rows []map[string]any
	if strings.HasPrefix(text, "{") {
		var row map[string]any
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, &ParseError{Reason: err.Error()}
		}
		return []map[string]any{row}, nil
	}
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	return rows, nil
}

func normalizeRows(rows []map[string]any, typeHint EntityType) ([]PlaceEntity, error) {
	entities := make([]PlaceEntity, 0, len(rows))
	for i, row := range rows {
		fields := make(map[string]string, len(row))
		for k, v := range row {
			canon, ok := CanonicalField(k)
			if !ok {
				logging.ParseDebug("ignoring unknown field %q", k)
				continue
			}
			fields[canon] = stringifyJSONValue(v)
		}
		entity, err := normalizeRecord(fields, typeHint)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func stringifyJSONValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, _ := json.Marshal(val)
		return string(b)
	}
}

// parseRecordBlocks handles the line-oriented "Key: Value" shape. The
// identifier field acts as the record boundary: seeing it again while the
// current record already has one flushes the record.
func parseRecordBlocks(text string, typeHint EntityType) ([]PlaceEntity, error) {
	var entities []PlaceEntity
	current := make(map[string]string)
	sawAnyField := false

	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		entity, err := normalizeRecord(current, typeHint)
		if err != nil {
			return err
		}
		entities = append(entities, entity)
		current = make(map[string]string)
		return nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			logging.ParseDebug("ignoring non-record line %q", line)
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		canon, ok := CanonicalField(key)
		if !ok {
			logging.ParseDebug("ignoring unknown field %q", key)
			continue
		}
		sawAnyField = true

		if canon == "externalId" {
			if _, dup := current["externalId"]; dup {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
		current[canon] = value
	}

	if !sawAnyField {
		return nil, &ParseError{Reason: "no recognizable fields in output"}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return entities, nil
}

// normalizeRecord converts an alias-resolved field bag into a PlaceEntity.
// Required fields absent after normalization fail loudly rather than
// defaulting. Empty parent references (including whitespace-only) normalize
// to "no parent" to avoid false-positive parent matches downstream.
func normalizeRecord(fields map[string]string, typeHint EntityType) (PlaceEntity, error) {
	get := func(name string) string {
		return strings.TrimSpace(fields[name])
	}

	entity := PlaceEntity{
		ExternalID:       get("externalId"),
		DisplayName:      get("displayName"),
		Description:      get("description"),
		ParentExternalID: get("parentExternalId"),
		Street:           get("street"),
		City:             get("city"),
		PostalCode:       get("postalCode"),
		CountryOrRegion:  get("countryOrRegion"),
		ContactAddress:   get("contactAddress"),
	}

	if raw := get("type"); raw != "" {
		t, err := ParseType(raw)
		if err != nil {
			return PlaceEntity{}, err
		}
		entity.Type = t
	} else {
		entity.Type = typeHint
	}

	if raw := get("capacity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return PlaceEntity{}, fmt.Errorf("entity %s: bad capacity %q", entity.ExternalID, raw)
		}
		entity.Capacity = n
	}
	if raw := get("isBookable"); raw != "" {
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return PlaceEntity{}, fmt.Errorf("entity %s: bad bookable flag %q", entity.ExternalID, raw)
		}
		entity.IsBookable = b
	}

	if err := entity.Validate(); err != nil {
		return PlaceEntity{}, err
	}
	return entity, nil
}
