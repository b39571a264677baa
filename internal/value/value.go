// Package value provides the source value model and the upload normalizer
package value

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies which variant a Value holds
type Kind int

const (
	KindUnresolved Kind = iota
	KindNumber
	KindText
	KindBoolean
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBoolean:
		return "boolean"
	default:
		return "unresolved"
	}
}

// Value is a source value read from a device state or variable.
// Exactly one of the payload fields is meaningful, selected by Kind.
type Value struct {
	kind Kind
	num  float64
	text string
	b    bool
}

// Number creates a numeric value
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// Text creates a text value
func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

// Bool creates a boolean value
func Bool(b bool) Value {
	return Value{kind: KindBoolean, b: b}
}

// Unresolved creates a value for a source that could not be read
func Unresolved() Value {
	return Value{kind: KindUnresolved}
}

// FromAny converts a decoded JSON or host value into a Value
func FromAny(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Unresolved()
	case Value:
		return t
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Number(f)
		}
		return Text(t.String())
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	case []byte:
		return Text(string(t))
	case fmt.Stringer:
		return Text(t.String())
	default:
		return Text(fmt.Sprint(t))
	}
}

// Kind returns the variant of the value
func (v Value) Kind() Kind {
	return v.kind
}

// IsResolved reports whether the value was read from a source
func (v Value) IsResolved() bool {
	return v.kind != KindUnresolved
}

// Float returns the numeric payload
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// Text returns the text payload
func (v Value) Text() (string, bool) {
	return v.text, v.kind == KindText
}

// Bool returns the boolean payload
func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBoolean
}

// String renders the value for logs and API responses
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindText:
		return v.text
	case KindBoolean:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON encodes the value as its natural JSON type
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindText:
		return json.Marshal(v.text)
	case KindBoolean:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON scalar into a value
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.(type) {
	case nil, float64, string, bool:
		*v = FromAny(raw)
		return nil
	default:
		return fmt.Errorf("value must be a JSON scalar, got %s", string(data))
	}
}

// Parse reads a raw payload as a JSON scalar, falling back to plain text
func Parse(raw []byte) Value {
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Text(string(raw))
	}
	return v
}
