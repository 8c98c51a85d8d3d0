package series

import (
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
		{"string", StringValue("hello"), `"hello"`},
		{"empty string", StringValue(""), `""`},
		{"int", IntValue(42), "42"},
		{"negative int", IntValue(-100), "-100"},
		{"zero", IntValue(0), "0"},
		{"max int64", IntValue(9223372036854775807), "9223372036854775807"},
		{"bool true", BoolValue(true), "true"},
		{"bool false", BoolValue(false), "false"},
		{"empty list", ListValue{}, "[]"},
		{"empty map", MapValue{}, "{}"},
		{"list of ints", ListValue{IntValue(1), IntValue(2), IntValue(3)}, "[1,2,3]"},
		{"simple map", MapValue{"a": IntValue(1)}, `{"a":1}`},
		{"plain string", "hello", `"hello"`},
		{"plain int", 42, "42"},
		{"plain bool", true, "true"},
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
	obj := MapValue{
		"zebra": IntValue(1),
		"alpha": IntValue(2),
		"beta":  IntValue(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := MapValue{
		"z": MapValue{
			"b": IntValue(1),
			"a": IntValue(2),
		},
		"a": IntValue(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 vs U+10000: UTF-16 encodes U+10000 as a surrogate pair starting
	// at 0xD800, which sorts BEFORE 0xE000 even though the UTF-8 bytes sort
	// the other way. This is the critical RFC 8785 ordering case.
	obj := MapValue{
		"\uE000": IntValue(1),
		"𐀀":      IntValue(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)

	expected := `{"𐀀":2,"` + "\uE000" + `":1}`
	assert.Equal(t, expected, string(result))
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "é" as a precomposed code point vs "e" + combining acute accent.
	precomposed := StringValue("café")
	decomposed := StringValue("café")

	a, err := MarshalCanonical(precomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(decomposed)
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b), "NFC normalization must unify representations")
}

func TestMarshalCanonicalNoHTMLEscaping(t *testing.T) {
	result, err := MarshalCanonical(StringValue(`a<b>&c`))
	require.NoError(t, err)
	assert.Equal(t, `"a<b>&c"`, string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"U+2028 literal", "a\u2028b", "\"a\u2028b\""},
		{"U+2029 literal", "a\u2029b", "\"a\u2029b\""},
		{"backslash then u2028 text", `a\u2028b`, `"a\\u2028b"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(StringValue(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")
}

func TestMarshalCanonicalRejectsNull(t *testing.T) {
	_, err := MarshalCanonical(nil)
	require.Error(t, err)

	_, err = MarshalCanonical(NullValue{})
	require.Error(t, err)
}

func TestMarshalCanonicalRejectsNestedFloat(t *testing.T) {
	obj := map[string]any{
		"ok":  "yes",
		"bad": 1.5,
	}
	_, err := MarshalCanonical(obj)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")
}

func TestMarshalCanonicalDeterminism(t *testing.T) {
	obj := MapValue{
		"metric":  StringValue("activation"),
		"filters": MapValue{"plan": StringValue("pro"), "region": StringValue("eu")},
		"steps":   ListValue{StringValue("signup"), StringValue("invite")},
	}

	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
