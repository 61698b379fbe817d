package model

import (
	"fmt"
	"strconv"
)

// Value is a typed flag value.
type Value struct {
	kind Kind
	b    bool
	s    string
	n    float64
}

func BoolValue(b bool) Value       { return Value{kind: KindBoolean, b: b} }
func StringValue(s string) Value   { return Value{kind: KindString, s: s} }
func NumberValue(n float64) Value  { return Value{kind: KindNumber, n: n} }
func (v Value) Kind() Kind         { return v.kind }
func (v Value) Bool() bool         { return v.b }
func (v Value) Str() string        { return v.s }
func (v Value) Number() float64    { return v.n }
func (v Value) Equal(o Value) bool { return v == o }

// String renders the value the way impressions and original-value lookups report it.
func (v Value) String() string {
	switch v.kind {
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	default:
		return v.s
	}
}

// ParseValue converts a raw override string into a value of the given kind.
// Booleans accept exactly "true" and "false".
func ParseValue(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindBoolean:
		switch raw {
		case "true":
			return BoolValue(true), nil
		case "false":
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("%w: %q is not a boolean", ErrInvalidOverride, raw)
	case KindNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a number", ErrInvalidOverride, raw)
		}
		return NumberValue(n), nil
	case KindString:
		return StringValue(raw), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported kind %s", ErrInvalidOverride, kind)
}

// ValueOf converts a decoded JSON value into a Value of the given kind.
func ValueOf(kind Kind, raw any) (Value, bool) {
	switch kind {
	case KindBoolean:
		b, ok := raw.(bool)
		return BoolValue(b), ok
	case KindString:
		s, ok := raw.(string)
		return StringValue(s), ok
	case KindNumber:
		switch n := raw.(type) {
		case float64:
			return NumberValue(n), true
		case float32:
			return NumberValue(float64(n)), true
		case int:
			return NumberValue(float64(n)), true
		case int64:
			return NumberValue(float64(n)), true
		}
	}
	return Value{}, false
}
