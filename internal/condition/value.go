package condition

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind identifies the dynamic type held by a Value.
type Kind uint8

// Supported value kinds.
const (
	// KindInvalid is the nil value: the nil literal, a JSON or YAML null, or
	// the zero Value.
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "nil"
	}
}

// Value is a scalar context value: a string, a number or a boolean.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Null returns the nil value.
func Null() Value { return Value{} }

// IsNull reports whether v is the nil value.
func (v Value) IsNull() bool { return v.kind == KindInvalid }

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload and whether the value is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload and whether the value is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Truth returns the boolean payload and whether the value is a bool.
func (v Value) Truth() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "nil"
	}
}

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// MarshalJSON encodes the value as its natural JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts JSON strings, numbers and booleans.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	switch t := raw.(type) {
	case string:
		*v = String(t)
	case float64:
		*v = Number(t)
	case bool:
		*v = Bool(t)
	case nil:
		*v = Value{}
	default:
		return fmt.Errorf("unsupported context value %s", string(data))
	}
	return nil
}

// UnmarshalYAML accepts YAML scalars, typing them by their resolved tag.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: context values must be scalars", node.Line)
	}
	switch node.ShortTag() {
	case "!!int", "!!float":
		n, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = Number(n)
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*v = Bool(b)
	case "!!null":
		*v = Value{}
	default:
		*v = String(node.Value)
	}
	return nil
}

// Vars is the variable bag a condition is evaluated against. Keys may be
// dotted ("company.size") to address nested context.
type Vars map[string]Value

// Clone returns a shallow copy.
func (vs Vars) Clone() Vars {
	if vs == nil {
		return nil
	}
	out := make(Vars, len(vs))
	for k, v := range vs {
		out[k] = v
	}
	return out
}
