package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"negative int", int64(-100), "-100"},
		{"zero", 0, "0"},
		{"float", 1.5, "1.5"},
		{"integral float", 2.0, "2"},
		{"large float", 1e21, "1e+21"},
		{"small float", 0.0000001, "1e-7"},
		{"null", nil, "null"},
		{"bool true", true, "true"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"array of ints", []any{1, 2, 3}, "[1,2,3]"},
		{"typed slice", []string{"a", "b"}, `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"y": true, "x": false},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":false,"y":true},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FF21.
	obj := map[string]any{}
	obj["\uFF21"] = 1
	obj["\U0001F600"] = 2

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uFF21\":1}", string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(map[string]any{decomposed: decomposed})
	require.NoError(t, err)
	b, err := MarshalCanonical(map[string]any{composed: composed})
	require.NoError(t, err)

	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalControlChars(t *testing.T) {
	result, err := MarshalCanonical("a\nb\u0001\"\\")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\u0001\"\\"`, string(result))
}

func TestMarshalCanonicalStructMatchesMap(t *testing.T) {
	type op struct {
		Capability string         `json:"capability"`
		Parameters map[string]any `json:"parameters"`
	}

	fromStruct, err := MarshalCanonical(op{Capability: "file.read", Parameters: map[string]any{"path": "/x"}})
	require.NoError(t, err)
	fromMap, err := MarshalCanonical(map[string]any{
		"parameters": map[string]any{"path": "/x"},
		"capability": "file.read",
	})
	require.NoError(t, err)

	assert.Equal(t, string(fromMap), string(fromStruct))
}

func TestMarshalCanonicalJSONNumber(t *testing.T) {
	result, err := MarshalCanonical(map[string]any{"n": json.Number("10.50")})
	require.NoError(t, err)
	assert.Equal(t, `{"n":10.5}`, string(result))
}

func TestMarshalCanonicalRejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}
