package schema

import (
	"github.com/ajitpratap0/nebula-target/pkg/json"
)

// TypeList holds a JSON-schema "type", which may be a single name or a list.
type TypeList []string

// UnmarshalJSON accepts both "string" and ["null", "string"].
func (t *TypeList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = TypeList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

// Has reports whether name is one of the types.
func (t TypeList) Has(name string) bool {
	for _, n := range t {
		if n == name {
			return true
		}
	}
	return false
}

// Property is the subset of a JSON-schema property the mapper interprets.
type Property struct {
	Type       TypeList             `json:"type,omitempty"`
	Format     string               `json:"format,omitempty"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Items      *Property            `json:"items,omitempty"`
	AnyOf      []*Property          `json:"anyOf,omitempty"`
	Ref        string               `json:"$ref,omitempty"`
}

// IsObject reports whether the property declares an object.
func (p *Property) IsObject() bool {
	return p != nil && p.Type.Has("object")
}

// IsUnstructured reports whether the property is an object without properties.
func (p *Property) IsUnstructured() bool {
	return p.IsObject() && len(p.Properties) == 0
}
