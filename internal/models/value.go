package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the variants of a CI attribute value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

// Value is a single CI attribute value as decoded from attribute_values JSON.
// Numbers keep their literal text so that 100 and 100.0 stay distinguishable.
type Value struct {
	kind ValueKind
	str  string
	num  json.Number
	b    bool
	list []Value
	obj  map[string]Value
}

func StringValue(s string) Value      { return Value{kind: KindString, str: s} }
func NumberValue(n json.Number) Value { return Value{kind: KindNumber, num: n} }
func BoolValue(b bool) Value          { return Value{kind: KindBool, b: b} }
func ListValue(items ...Value) Value  { return Value{kind: KindList, list: items} }
func ObjectValue(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

// IntValue is a convenience for integral numbers.
func IntValue(n int64) Value { return NumberValue(json.Number(strconv.FormatInt(n, 10))) }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// String returns the match key used by reference triggers: strings verbatim,
// numbers as their literal, booleans as true/false, containers as compact JSON.
// Null renders as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList, KindObject:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return ""
	}
}

// Truthy mirrors the "has a value" test used before treating an attribute as a reference.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindString:
		return v.str != ""
	case KindNumber:
		f, err := v.num.Float64()
		return err != nil || f != 0
	case KindBool:
		return v.b
	case KindList:
		return len(v.list) > 0
	case KindObject:
		return len(v.obj) > 0
	default:
		return false
	}
}

// Native converts the value to plain Go types: string, int64 or float64, bool,
// []any, map[string]any, or nil.
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if i, err := v.num.Int64(); err == nil {
			return i
		}
		f, _ := v.num.Float64()
		return f
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.Native()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromNative(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(t), nil
	case bool:
		return BoolValue(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := fromNative(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return ListValue(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromNative(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return ObjectValue(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported attribute value %T", raw)
	}
}

// AttributeMap holds the attribute values of a CI keyed by field name.
type AttributeMap map[string]Value

// ParseAttributes decodes an attribute_values document. Empty input yields an empty map.
func ParseAttributes(raw []byte) (AttributeMap, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return AttributeMap{}, nil
	}
	var root Value
	if err := root.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decode attribute values: %w", err)
	}
	if root.kind != KindObject {
		return nil, fmt.Errorf("attribute values must be an object")
	}
	return AttributeMap(root.obj), nil
}

// Lookup returns the value of field; ok is false when the field is absent or null.
func (m AttributeMap) Lookup(field string) (Value, bool) {
	v, ok := m[field]
	if !ok || v.IsNull() {
		return Value{}, false
	}
	return v, true
}

// Native converts the map for use as an expression input.
func (m AttributeMap) Native() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}
