package p1status

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
)

// Kind identifies the scalar type held by a [Value].
type Kind uint8

const (
	// KindInvalid is the zero Kind, held by the zero Value.
	KindInvalid Kind = iota
	// KindNumber holds a float64.
	KindNumber
	// KindString holds a string.
	KindString
	// KindBool holds a bool.
	KindBool
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is one scalar reported by the device: a number, a string or a
// boolean. Values are immutable.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

// Number returns a numeric Value. NaN and infinities have no JSON form and
// yield the zero Value, which [NewReading] drops.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Value{kind: KindNumber, num: f}
}

// Text returns a string Value.
func Text(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the scalar type of v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds a scalar.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the string value and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Boolean returns the boolean value and whether v is a boolean.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Interface returns the value as float64, string, bool, or nil for the zero Value.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// String formats the value for display. Numbers use the shortest
// representation that round-trips.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON encodes the value as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Reading is one fetch cycle's flat key to scalar snapshot from the device.
//
// Reading is immutable: it is produced whole by a successful fetch and
// replaced whole by the next one, never patched. The zero Reading is empty.
type Reading struct {
	values map[string]Value
}

// NewReading builds a Reading from a map. The map is copied; entries
// holding the zero Value are dropped.
func NewReading(values map[string]Value) Reading {
	cp := make(map[string]Value, len(values))
	for k, v := range values {
		if v.IsValid() {
			cp[k] = v
		}
	}
	return Reading{values: cp}
}

// Get returns the value for key and whether it is present.
func (r Reading) Get(key string) (Value, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Float returns the numeric value stored under key. ok is false when the
// key is absent or not a number.
func (r Reading) Float(key string) (f float64, ok bool) {
	return r.values[key].Float()
}

// String returns the string value stored under key. ok is false when the
// key is absent or not a string.
func (r Reading) String(key string) (s string, ok bool) {
	return r.values[key].Str()
}

// Bool returns the boolean value stored under key. ok is false when the
// key is absent or not a boolean.
func (r Reading) Bool(key string) (b bool, ok bool) {
	return r.values[key].Boolean()
}

// Len returns the number of keys.
func (r Reading) Len() int { return len(r.values) }

// Keys returns the keys in sorted order.
func (r Reading) Keys() []string {
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Map returns a copy of the underlying values.
func (r Reading) Map() map[string]Value {
	cp := make(map[string]Value, len(r.values))
	for k, v := range r.values {
		cp[k] = v
	}
	return cp
}

// Equal reports whether r and other hold the same keys and values.
func (r Reading) Equal(other Reading) bool {
	if len(r.values) != len(other.values) {
		return false
	}
	for k, v := range r.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the reading as a flat JSON object.
func (r Reading) MarshalJSON() ([]byte, error) {
	if r.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.values)
}
