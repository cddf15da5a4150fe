package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FromType derives a Schema from a Go struct value using its json tags.
//
// Fields without omitempty become required. Integer kinds map to "number"
// since the gateway vocabulary has no integer type.
func FromType(v any) (*Schema, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	reflected := r.Reflect(v)

	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	normalizeTypes(s)
	return s, nil
}

// MustFromType is FromType for package-level declarations.
func MustFromType(v any) *Schema {
	s, err := FromType(v)
	if err != nil {
		panic(err)
	}
	return s
}

func normalizeTypes(s *Schema) {
	if s == nil {
		return
	}
	if s.Type == "integer" {
		s.Type = TypeNumber
	}
	for _, prop := range s.Properties {
		normalizeTypes(prop)
	}
	normalizeTypes(s.Items)
}
