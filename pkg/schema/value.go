// Package schema defines the Value tagged union used for tool call
// arguments, results, sensor readings, and ReflexRule predicate
// environments, plus structural validation against a ToolDescriptor's
// declared schema — without reflection, per the engine's dynamic-dispatch
// design.
package schema

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which arm of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

// Value is a tagged union over the JSON-compatible data types the engine
// passes across tool boundaries. It is the wire type for tool arguments,
// tool results, and sensor payloads.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Int(i int64) Value            { return Value{kind: KindInt, i: i} }
func Float(f float64) Value        { return Value{kind: KindFloat, f: f} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func Array(vs ...Value) Value      { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)     { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) String() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Array() ([]Value, bool) { return v.arr, v.kind == KindArray }
func (v Value) Object() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Field returns a field of an object Value, or Null if v is not an
// object or the field is absent.
func (v Value) Field(name string) Value {
	if v.kind != KindObject {
		return Null()
	}
	if val, ok := v.obj[name]; ok {
		return val
	}
	return Null()
}

// Native converts a Value into plain interface{} suitable for
// encoding/json or clock.CanonicalJSON.
func (v Value) Native() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Native()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative builds a Value from the interface{} shapes produced by
// encoding/json.Unmarshal into interface{} (nil, bool, float64, string,
// []interface{}, map[string]interface{}).
func FromNative(n interface{}) (Value, error) {
	switch x := n.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		if x == float64(int64(x)) {
			return Int(int64(x)), nil
		}
		return Float(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case string:
		return String(x), nil
	case []interface{}:
		out := make([]Value, len(x))
		for i, e := range x {
			v, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return Array(out...), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			v, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = v
		}
		return Object(out), nil
	default:
		return Value{}, fmt.Errorf("schema: unsupported native type %T", n)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var n interface{}
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	parsed, err := FromNative(n)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSON parses raw JSON bytes into a Value.
func ParseJSON(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, err
	}
	return v, nil
}
