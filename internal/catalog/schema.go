package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// InputWrapper is the property name under which some servers nest their
// real parameter model.
const InputWrapper = "input"

type objectSchema struct {
	Type        any                                            `json:"type"`
	Properties  *orderedmap.OrderedMap[string, json.RawMessage] `json:"properties"`
	Required    []string                                       `json:"required"`
	Defs        *orderedmap.OrderedMap[string, json.RawMessage] `json:"$defs"`
	Definitions *orderedmap.OrderedMap[string, json.RawMessage] `json:"definitions"`
}

type propertySchema struct {
	Type        any              `json:"type"`
	AnyOf       []propertySchema `json:"anyOf"`
	Ref         string           `json:"$ref"`
	Description string           `json:"description"`
	Title       string           `json:"title"`
}

// ParseParams extracts the ordered parameter list from a tool input schema.
// When the schema wraps its model under the "input" property, the returned
// wrapper is "input" and the params are those of the referenced definition.
func ParseParams(raw json.RawMessage) (params []Param, wrapper string, err error) {
	if len(raw) == 0 {
		return nil, "", nil
	}
	var root objectSchema
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, "", fmt.Errorf("decoding input schema: %w", err)
	}
	if root.Properties == nil {
		return nil, "", nil
	}

	if inner, ok := root.Properties.Get(InputWrapper); ok {
		model, found, err := root.resolveModel(inner)
		if err != nil {
			return nil, "", err
		}
		if found {
			params, err := model.params()
			if err != nil {
				return nil, "", err
			}
			return params, InputWrapper, nil
		}
	}

	params, err = root.params()
	return params, "", err
}

// resolveModel finds the definition an "input" wrapper points at: the one
// named by its $ref when present, otherwise the first definition.
func (s *objectSchema) resolveModel(wrapped json.RawMessage) (*objectSchema, bool, error) {
	defs := s.Defs
	if defs == nil || defs.Len() == 0 {
		defs = s.Definitions
	}
	if defs == nil || defs.Len() == 0 {
		return nil, false, nil
	}

	var prop propertySchema
	_ = json.Unmarshal(wrapped, &prop)
	target := defs.Oldest().Value
	if name := refName(prop.Ref); name != "" {
		if v, ok := defs.Get(name); ok {
			target = v
		}
	}

	var model objectSchema
	if err := json.Unmarshal(target, &model); err != nil {
		return nil, false, fmt.Errorf("decoding wrapped model: %w", err)
	}
	return &model, true, nil
}

func (s *objectSchema) params() ([]Param, error) {
	if s.Properties == nil {
		return nil, nil
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	params := make([]Param, 0, s.Properties.Len())
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		var prop propertySchema
		if err := json.Unmarshal(pair.Value, &prop); err != nil {
			return nil, fmt.Errorf("decoding property %q: %w", pair.Key, err)
		}
		params = append(params, Param{
			Name:        pair.Key,
			Type:        prop.typeName(),
			Description: prop.Description,
			Required:    required[pair.Key],
		})
	}
	return params, nil
}

func (p propertySchema) typeName() string {
	switch t := p.Type.(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
	}
	for _, alt := range p.AnyOf {
		if name := alt.typeName(); name != "any" && name != "null" {
			return name
		}
	}
	return "any"
}

func refName(ref string) string {
	for _, prefix := range []string{"#/$defs/", "#/definitions/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ""
}
