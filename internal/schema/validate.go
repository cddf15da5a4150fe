package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Result is the outcome of validating a parameter object.
type Result struct {
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Validator checks parameter objects against schemas.
// The zero value is a permissive validator.
type Validator struct {
	strict bool
	cache  compiledCache
}

// Option configures a Validator.
type Option func(*Validator)

// WithStrict rejects input properties that the schema does not declare.
func WithStrict(strict bool) Option {
	return func(v *Validator) {
		v.strict = strict
	}
}

// NewValidator creates a Validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Strict reports whether undeclared properties are rejected.
func (v *Validator) Strict() bool {
	return v != nil && v.strict
}

// Validate checks params against s using a permissive validator.
func Validate(s *Schema, params map[string]any) Result {
	return (&Validator{}).Validate(s, params)
}

// Validate checks params against s and reports the first violation.
// A nil schema accepts everything. A nil params map is treated as empty.
//
// The compiled JSON Schema decides validity. Rejections are reported by an
// ordered walk: required names first, then declared properties by name,
// stopping at the first violation.
func (v *Validator) Validate(s *Schema, params map[string]any) Result {
	if s == nil {
		return Result{Valid: true}
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.cache.compile(s, v.strict)
	if err != nil {
		return v.walk(s, params)
	}
	inst, err := normalize(params)
	if err != nil {
		return v.walk(s, params)
	}
	libErr := compiled.Validate(inst)
	if libErr == nil {
		return Result{Valid: true}
	}
	if viol := v.checkObject(s, params, ""); viol != nil {
		return viol.result()
	}
	return libraryResult(libErr)
}

// walk validates with the ordered walker alone, for schemas or params the
// JSON Schema library cannot take.
func (v *Validator) walk(s *Schema, params map[string]any) Result {
	if viol := v.checkObject(s, params, ""); viol != nil {
		return viol.result()
	}
	return Result{Valid: true}
}

type violation struct {
	field    string
	message  string
	expected string
	actual   string
}

func (x *violation) result() Result {
	return Result{
		Valid:    false,
		Error:    x.message,
		Field:    x.field,
		Expected: x.expected,
		Actual:   x.actual,
	}
}

func (v *Validator) checkObject(s *Schema, obj map[string]any, path string) *violation {
	for _, name := range s.Required {
		if val, ok := obj[name]; !ok || val == nil {
			field := joinPath(path, name)
			return &violation{
				field:   field,
				message: fmt.Sprintf("missing required parameter: %s", field),
			}
		}
	}

	for _, name := range sortedKeys(s.Properties) {
		val, ok := obj[name]
		if !ok || val == nil {
			continue
		}
		if viol := v.checkValue(s.Properties[name], val, joinPath(path, name)); viol != nil {
			return viol
		}
	}

	// Objects without declared properties are free-form even in strict mode.
	if v.strict && len(s.Properties) > 0 {
		names := make([]string, 0, len(obj))
		for name := range obj {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, declared := s.Properties[name]; !declared {
				field := joinPath(path, name)
				return &violation{
					field:   field,
					message: fmt.Sprintf("unknown parameter: %s", field),
				}
			}
		}
	}

	return nil
}

func (v *Validator) checkValue(s *Schema, val any, path string) *violation {
	if s == nil {
		return nil
	}

	actual := TypeOf(val)
	if s.Type != "" && s.Type != actual {
		return &violation{
			field:    path,
			message:  fmt.Sprintf("parameter %s must be %s, got %s", path, s.Type, actual),
			expected: s.Type,
			actual:   actual,
		}
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, val) {
		return &violation{
			field:   path,
			message: fmt.Sprintf("parameter %s must be one of %v", path, s.Enum),
		}
	}

	switch actual {
	case TypeObject:
		if len(s.Properties) == 0 && len(s.Required) == 0 {
			return nil
		}
		return v.checkObject(s, asObject(val), path)
	case TypeArray:
		if s.Items == nil {
			return nil
		}
		rv := reflect.ValueOf(val)
		for i := 0; i < rv.Len(); i++ {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			elem := rv.Index(i).Interface()
			if elem == nil && s.Items.Type != "" {
				return &violation{
					field:    elemPath,
					message:  fmt.Sprintf("parameter %s must be %s, got null", elemPath, s.Items.Type),
					expected: s.Items.Type,
					actual:   "null",
				}
			}
			if viol := v.checkValue(s.Items, elem, elemPath); viol != nil {
				return viol
			}
		}
	}
	return nil
}

// TypeOf returns the schema type name of a decoded JSON value.
// Values outside the vocabulary report "null" or their Go kind.
func TypeOf(val any) string {
	switch val.(type) {
	case nil:
		return "null"
	case string:
		return TypeString
	case bool:
		return TypeBoolean
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return TypeNumber
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return TypeArray
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return TypeObject
		}
	case reflect.Pointer:
		if rv.IsNil() {
			return "null"
		}
		return TypeOf(rv.Elem().Interface())
	}
	return rv.Kind().String()
}

func asObject(val any) map[string]any {
	if m, ok := val.(map[string]any); ok {
		return m
	}
	rv := reflect.ValueOf(val)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out
}

func inEnum(enum []any, val any) bool {
	for _, candidate := range enum {
		if equalValues(candidate, val) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func sortedKeys(m map[string]*Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
