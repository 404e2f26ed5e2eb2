// Package models provides data model definitions for the pet profile sync engine.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

// Value is a JSON-encoded field value (a scalar or an array).
// The zero Value is JSON null.
type Value []byte

// NewValue encodes v as a Value.
func NewValue(v interface{}) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return Value(data), nil
}

// MustValue is like NewValue but panics on encoding errors.
// Intended for constants and tests.
func MustValue(v interface{}) Value {
	val, err := NewValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// IsNull reports whether the value is empty or JSON null.
func (v Value) IsNull() bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode unmarshals the value into out.
func (v Value) Decode(out interface{}) error {
	if v.IsNull() {
		return json.Unmarshal([]byte("null"), out)
	}
	return json.Unmarshal(v, out)
}

// Interface returns the decoded value (string, float64, bool, []interface{}, map or nil).
func (v Value) Interface() interface{} {
	var out interface{}
	if err := v.Decode(&out); err != nil {
		return nil
	}
	return out
}

// Equal reports whether two values are semantically equal JSON documents.
// 12.5 and 12.50 are equal; object key order is ignored.
func (v Value) Equal(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return v.IsNull() && other.IsNull()
	}
	if bytes.Equal(v, other) {
		return true
	}
	var a, b interface{}
	if err := json.Unmarshal(v, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(other, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Clone returns a copy that does not share the underlying buffer.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	copy(out, v)
	return out
}

// String returns the raw JSON text.
func (v Value) String() string {
	if v.IsNull() {
		return "null"
	}
	return string(v)
}

// MarshalJSON embeds the value as raw JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsNull() {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON stores the raw JSON document.
func (v *Value) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON value")
	}
	*v = append((*v)[:0], data...)
	return nil
}
