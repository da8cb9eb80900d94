// internal/market/record.go
package market

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Record is one listing row exactly as the marketplace API returned it.
// Only the nested data.description field is interpreted; every other field
// is passed through untouched.
type Record map[string]any

// Data returns the nested "data" object, if the record has one.
func (r Record) Data() (map[string]any, bool) {
	data, ok := r["data"].(map[string]any)
	return data, ok
}

// Description returns data.description when it is a string.
func (r Record) Description() (string, bool) {
	data, ok := r.Data()
	if !ok {
		return "", false
	}
	desc, ok := data["description"].(string)
	return desc, ok
}

// SetDescription replaces data.description. It reports false, and changes
// nothing, when the record has no data object.
func (r Record) SetDescription(desc string) bool {
	data, ok := r.Data()
	if !ok {
		return false
	}
	data["description"] = desc
	return true
}

// stripDescription runs StripHTML over data.description in place. Values
// that are not strings (null, numbers) are left as they are.
func (r Record) stripDescription() {
	if desc, ok := r.Description(); ok {
		r.SetDescription(StripHTML(desc))
	}
}

// MarshalYAML writes json.Number values, at any depth, as YAML numbers
// carrying their original text. yaml.v3 would otherwise quote them.
func (r Record) MarshalYAML() (interface{}, error) {
	return yamlValue(map[string]any(r)), nil
}

func yamlValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		return numberNode(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = yamlValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = yamlValue(e)
		}
		return out
	default:
		return v
	}
}

func numberNode(n json.Number) any {
	tag := "!!float"
	if _, err := n.Int64(); err == nil {
		tag = "!!int"
	} else if _, err := n.Float64(); err != nil {
		return n.String()
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: n.String()}
}
