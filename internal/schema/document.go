package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// document renders s as a JSON Schema that accepts exactly what the
// ordered walker accepts: optional properties may be null, required ones
// may not, and strict mode closes objects that declare properties.
func document(s *Schema, strict bool) map[string]any {
	doc := map[string]any{}
	if s.Type != "" {
		doc["type"] = s.Type
	}
	if len(s.Enum) > 0 {
		doc["enum"] = s.Enum
	}
	if s.Items != nil {
		doc["items"] = document(s.Items, strict)
	}
	if len(s.Properties) == 0 && len(s.Required) == 0 {
		return doc
	}

	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	props := make(map[string]any, len(s.Properties)+len(s.Required))
	for name, prop := range s.Properties {
		sub := map[string]any{}
		if prop != nil {
			sub = document(prop, strict)
		}
		if required[name] {
			props[name] = map[string]any{"allOf": []any{sub, notNull}}
		} else {
			props[name] = map[string]any{"anyOf": []any{map[string]any{"type": "null"}, sub}}
		}
	}
	for name := range required {
		if _, declared := s.Properties[name]; !declared {
			props[name] = notNull
		}
	}
	doc["properties"] = props
	if len(s.Required) > 0 {
		doc["required"] = s.Required
	}
	if strict && len(s.Properties) > 0 {
		doc["additionalProperties"] = false
	}
	return doc
}

var notNull = map[string]any{"not": map[string]any{"type": "null"}}

// compiledCache holds compiled documents keyed by their JSON encoding.
// Registry lookups hand out schema clones, so pointers make poor keys.
type compiledCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func (c *compiledCache) compile(s *Schema, strict bool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(document(s, strict))
	if err != nil {
		return nil, fmt.Errorf("marshal schema document: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.schemas[string(raw)]; ok {
		return compiled, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("params.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("params.json")
	if err != nil {
		return nil, err
	}
	if c.schemas == nil {
		c.schemas = make(map[string]*jsonschema.Schema)
	}
	c.schemas[string(raw)] = compiled
	return compiled, nil
}

// normalize re-decodes params through JSON so the library sees only the
// value types encoding/json produces.
func normalize(params map[string]any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// libraryResult reports a violation the walker did not reproduce, using the
// deepest first cause of the library error.
func libraryResult(err error) Result {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Result{Valid: false, Error: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := pointerToPath(ve.InstanceLocation)
	msg := ve.Message
	if field != "" {
		msg = fmt.Sprintf("parameter %s: %s", field, ve.Message)
	}
	return Result{Valid: false, Error: msg, Field: field}
}

// pointerToPath turns "/operations/1/type" into "operations[1].type".
func pointerToPath(ptr string) string {
	if ptr == "" || ptr == "/" {
		return ""
	}
	var b strings.Builder
	for _, tok := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		tok = strings.NewReplacer("~1", "/", "~0", "~").Replace(tok)
		if isIndex(tok) && b.Len() > 0 {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func isIndex(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
