package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the logical payload kinds an edge may carry. Kinds are
// fixed at graph-build time; every sample on an edge has the edge's kind.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindTime
	KindDuration
	KindString
	KindStruct
	KindArray
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindTime:
		return "time"
	case KindDuration:
		return "duration"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindEnum:
		return "enum"
	default:
		return "invalid"
	}
}

// ParseKind maps a spec-file kind name onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return KindBool, nil
	case "int", "int64":
		return KindInt, nil
	case "float", "float64", "double":
		return KindFloat, nil
	case "time", "timestamp":
		return KindTime, nil
	case "duration":
		return KindDuration, nil
	case "string":
		return KindString, nil
	case "struct":
		return KindStruct, nil
	case "array":
		return KindArray, nil
	case "enum":
		return KindEnum, nil
	default:
		return KindInvalid, fmt.Errorf("unknown value kind %q", s)
	}
}

// Field is one named member of a struct value. Field order is significant.
type Field struct {
	Name  string
	Value Value
}

// Value is the tagged union carried on every edge. Scalars are stored
// inline; struct fields and array elements share the nested slice. The zero
// Value has KindInvalid and is the "never ticked" sentinel.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	t      time.Time
	s      string
	nested []Value
	names  []string
}

func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func Int(v int64) Value          { return Value{kind: KindInt, i: v} }
func Float(v float64) Value      { return Value{kind: KindFloat, f: v} }
func Time(v time.Time) Value     { return Value{kind: KindTime, t: v} }
func Dur(v time.Duration) Value  { return Value{kind: KindDuration, i: int64(v)} }
func Str(v string) Value         { return Value{kind: KindString, s: v} }
func Enum(name string, ordinal int64) Value {
	return Value{kind: KindEnum, s: name, i: ordinal}
}

// Struct builds an ordered named record.
func Struct(fields ...Field) Value {
	v := Value{kind: KindStruct, nested: make([]Value, 0, len(fields)), names: make([]string, 0, len(fields))}
	for _, f := range fields {
		v.nested = append(v.nested, f.Value)
		v.names = append(v.names, f.Name)
	}
	return v
}

// Array builds a homogeneous array. Element kind mismatches are a build-time
// concern; Array does not re-validate on the hot path.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, nested: elems}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

func (v Value) Bool() bool              { return v.b }
func (v Value) Int() int64              { return v.i }
func (v Value) Float() float64          { return v.f }
func (v Value) Time() time.Time         { return v.t }
func (v Value) Dur() time.Duration      { return time.Duration(v.i) }
func (v Value) Str() string             { return v.s }
func (v Value) EnumName() string        { return v.s }
func (v Value) EnumOrdinal() int64      { return v.i }
func (v Value) Len() int                { return len(v.nested) }
func (v Value) Elem(i int) Value        { return v.nested[i] }
func (v Value) FieldName(i int) string  { return v.names[i] }

// FieldByName returns the named struct member, or an invalid Value.
func (v Value) FieldByName(name string) Value {
	for i, n := range v.names {
		if n == name {
			return v.nested[i]
		}
	}
	return Value{}
}

// Equal compares two values structurally. Times compare with time.Time.Equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt, KindDuration:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindTime:
		return v.t.Equal(o.t)
	case KindString:
		return v.s == o.s
	case KindEnum:
		return v.s == o.s && v.i == o.i
	case KindStruct, KindArray:
		if len(v.nested) != len(o.nested) {
			return false
		}
		for i := range v.nested {
			if v.kind == KindStruct && v.names[i] != o.names[i] {
				return false
			}
			if !v.nested[i].Equal(o.nested[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindDuration:
		return time.Duration(v.i).String()
	case KindString:
		return v.s
	case KindEnum:
		return v.s
	case KindStruct:
		var sb strings.Builder
		sb.WriteByte('{')
		for i := range v.nested {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(v.names[i])
			sb.WriteByte(':')
			sb.WriteString(v.nested[i].String())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindArray:
		var sb strings.Builder
		sb.WriteByte('[')
		for i := range v.nested {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(v.nested[i].String())
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		return "<invalid>"
	}
}
