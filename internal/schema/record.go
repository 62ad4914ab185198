package schema

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ValidateRecord validates one persisted record as a CREATE message. Stored
// records nest geometry under position and size; they are flattened first.
func (v *Validator) ValidateRecord(raw json.RawMessage) Result {
	data, ok := decodeObject(raw)
	if !ok {
		return Result{Type: TypeCreate, Errors: []string{"record must be a JSON object"}}
	}
	flattenNested(data, "position", "left", "top")
	flattenNested(data, "size", "width", "height")
	return v.Validate(map[string]any{"type": string(TypeCreate), "data": data})
}

// RecordID extracts the id of a stored record without validating the rest,
// so a corrupt record can still be identified.
func RecordID(raw json.RawMessage) string {
	data, ok := decodeObject(raw)
	if !ok {
		return ""
	}
	id, _ := data["id"].(string)
	return strings.TrimSpace(id)
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	var data map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil || data == nil {
		return nil, false
	}
	return data, true
}

func flattenNested(data map[string]any, key string, fields ...string) {
	nested, ok := data[key].(map[string]any)
	if !ok {
		return
	}
	delete(data, key)
	for _, field := range fields {
		if _, exists := data[field]; exists {
			continue
		}
		if value, ok := nested[field]; ok {
			data[field] = value
		}
	}
}
