package series

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the types allowed inside a Signature.
// Only NullValue, StringValue, IntValue, BoolValue, ListValue, and MapValue
// implement it. There is no float type: floats are forbidden in signature
// inputs because their formatting breaks hash determinism.
type Value interface {
	value() // sealed
}

// NullValue represents a JSON null. It exists so decoded diagnostic payloads
// round-trip; canonical marshaling rejects it.
type NullValue struct{}

func (NullValue) value() {}

// MarshalJSON implements json.Marshaler for NullValue.
func (NullValue) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// StringValue represents a string input.
type StringValue string

func (StringValue) value() {}

// IntValue represents an integer input. Always int64, never float64.
type IntValue int64

func (IntValue) value() {}

// BoolValue represents a boolean input.
type BoolValue bool

func (BoolValue) value() {}

// ListValue represents an ordered list of values.
type ListValue []Value

func (ListValue) value() {}

// MapValue represents a string-keyed object. Use SortedKeys for deterministic
// iteration.
type MapValue map[string]Value

func (MapValue) value() {}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings compares UTF-8 bytes, which produces a DIFFERENT order
// for keys outside the BMP.
func (m MapValue) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings by UTF-16 code units as required by
// RFC 8785. Surrogate pairs make this differ from byte comparison.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := len(a16)
	if len(b16) < minLen {
		minLen = len(b16)
	}
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler for MapValue with RFC 8785 key order.
// This is display serialization, not canonical: use MarshalCanonical for
// anything that feeds a hash.
func (m MapValue) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range m.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalValue marshals any Value to display JSON.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case NullValue:
		return []byte("null"), nil
	case StringValue:
		return json.Marshal(string(val))
	case IntValue:
		return json.Marshal(int64(val))
	case BoolValue:
		return json.Marshal(bool(val))
	case ListValue:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case MapValue:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// UnmarshalValue decodes JSON into a Value with strict validation: floats and
// nulls are rejected. This is the boundary API for externally supplied
// signature inputs.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// FromGo converts a decoded Go value (from encoding/json with UseNumber, or
// from yaml.v3) into a Value. Floats and nulls are rejected.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in signature inputs")
	case Value:
		return val, nil
	case bool:
		return BoolValue(val), nil
	case string:
		return StringValue(val), nil
	case int:
		return IntValue(int64(val)), nil
	case int64:
		return IntValue(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden in signature inputs: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return IntValue(n), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are forbidden in signature inputs: %v", val)
	case []any:
		list := make(ListValue, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			list[i] = conv
		}
		return list, nil
	case map[string]any:
		obj := make(MapValue, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("map[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported signature input type: %T", v)
	}
}

// MapFromGo converts a decoded Go map into a MapValue.
func MapFromGo(m map[string]any) (MapValue, error) {
	if m == nil {
		return nil, nil
	}
	conv, err := FromGo(m)
	if err != nil {
		return nil, err
	}
	return conv.(MapValue), nil
}
