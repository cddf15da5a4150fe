package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CheckError reports a malformed schema.
type CheckError struct {
	Path    string
	Message string
}

func (e *CheckError) Error() string {
	if e.Path == "" {
		return "invalid schema: " + e.Message
	}
	return fmt.Sprintf("invalid schema at %s: %s", e.Path, e.Message)
}

// Check verifies that s is a well-formed parameter schema.
//
// The schema must compile as a JSON Schema (draft 2020-12) and must only
// use the gateway's type vocabulary. A root schema, when typed, must be an
// object. A nil schema is accepted and means "no parameters declared".
func Check(s *Schema) error {
	if s == nil {
		return nil
	}
	if s.Type != "" && s.Type != TypeObject {
		return &CheckError{Message: fmt.Sprintf("root type must be %q, got %q", TypeObject, s.Type)}
	}
	if err := checkVocabulary(s, ""); err != nil {
		return err
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return &CheckError{Message: err.Error()}
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return &CheckError{Message: err.Error()}
	}
	return nil
}

func checkVocabulary(s *Schema, path string) error {
	if s.Type != "" && !knownTypes[s.Type] {
		return &CheckError{Path: displayPath(path), Message: fmt.Sprintf("unsupported type %q", s.Type)}
	}
	for _, name := range s.Required {
		if name == "" {
			return &CheckError{Path: displayPath(path), Message: "required entry must not be empty"}
		}
	}
	for _, name := range sortedKeys(s.Properties) {
		prop := s.Properties[name]
		if prop == nil {
			return &CheckError{Path: displayPath(joinPath(path, name)), Message: "property schema must not be null"}
		}
		if err := checkVocabulary(prop, joinPath(path, name)); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := checkVocabulary(s.Items, path+"[]"); err != nil {
			return err
		}
	}
	return nil
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
