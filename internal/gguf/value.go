package gguf

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "u8"
	case TypeInt8:
		return "i8"
	case TypeUint16:
		return "u16"
	case TypeInt16:
		return "i16"
	case TypeUint32:
		return "u32"
	case TypeInt32:
		return "i32"
	case TypeUint64:
		return "u64"
	case TypeInt64:
		return "i64"
	case TypeFloat32:
		return "f32"
	case TypeFloat64:
		return "f64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

func (t ValueType) valid() bool { return t <= TypeFloat64 }

func (t ValueType) unsigned() bool {
	return t == TypeUint8 || t == TypeUint16 || t == TypeUint32 || t == TypeUint64
}

func (t ValueType) signed() bool {
	return t == TypeInt8 || t == TypeInt16 || t == TypeInt32 || t == TypeInt64
}

// minSize is the smallest encoding of one value of type t.
func (t ValueType) minSize() int {
	switch t {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeArray:
		return 12
	default:
		return 8
	}
}

// Value is one metadata value. Exactly one payload field is meaningful,
// selected by the type tag; the accessors fail on any other type.
type Value struct {
	typ ValueType
	u   uint64
	i   int64
	f   float64
	s   string
	arr *Array
}

// Array is a homogeneous metadata array.
type Array struct {
	Elem   ValueType
	Values []Value
}

func Uint8(v uint8) Value     { return Value{typ: TypeUint8, u: uint64(v)} }
func Uint16(v uint16) Value   { return Value{typ: TypeUint16, u: uint64(v)} }
func Uint32(v uint32) Value   { return Value{typ: TypeUint32, u: uint64(v)} }
func Uint64(v uint64) Value   { return Value{typ: TypeUint64, u: v} }
func Int8(v int8) Value       { return Value{typ: TypeInt8, i: int64(v)} }
func Int16(v int16) Value     { return Value{typ: TypeInt16, i: int64(v)} }
func Int32(v int32) Value     { return Value{typ: TypeInt32, i: int64(v)} }
func Int64(v int64) Value     { return Value{typ: TypeInt64, i: v} }
func Float32(v float32) Value { return Value{typ: TypeFloat32, f: float64(v)} }
func Float64(v float64) Value { return Value{typ: TypeFloat64, f: v} }
func String(v string) Value   { return Value{typ: TypeString, s: v} }

func Bool(v bool) Value {
	var u uint64
	if v {
		u = 1
	}
	return Value{typ: TypeBool, u: u}
}

// ArrayOf builds an array value. All values must have type elem.
func ArrayOf(elem ValueType, values ...Value) Value {
	return Value{typ: TypeArray, arr: &Array{Elem: elem, Values: values}}
}

func Strings(v []string) Value {
	vals := make([]Value, len(v))
	for i, s := range v {
		vals[i] = String(s)
	}
	return ArrayOf(TypeString, vals...)
}

func Float32s(v []float32) Value {
	vals := make([]Value, len(v))
	for i, f := range v {
		vals[i] = Float32(f)
	}
	return ArrayOf(TypeFloat32, vals...)
}

func Int32s(v []int32) Value {
	vals := make([]Value, len(v))
	for i, n := range v {
		vals[i] = Int32(n)
	}
	return ArrayOf(TypeInt32, vals...)
}

func (v Value) Type() ValueType { return v.typ }

// Uint64 returns an integer value as uint64. Negative signed values fail.
func (v Value) Uint64() (uint64, error) {
	switch {
	case v.typ.unsigned():
		return v.u, nil
	case v.typ.signed() && v.i >= 0:
		return uint64(v.i), nil
	}
	return 0, &TypeError{Want: "unsigned integer", Got: v.typ}
}

// Int64 returns an integer value as int64. Unsigned values above
// math.MaxInt64 fail.
func (v Value) Int64() (int64, error) {
	switch {
	case v.typ.signed():
		return v.i, nil
	case v.typ.unsigned() && v.u <= math.MaxInt64:
		return int64(v.u), nil
	}
	return 0, &TypeError{Want: "integer", Got: v.typ}
}

// Float64 returns a float value. Integer values are widened.
func (v Value) Float64() (float64, error) {
	switch {
	case v.typ == TypeFloat32 || v.typ == TypeFloat64:
		return v.f, nil
	case v.typ.signed():
		return float64(v.i), nil
	case v.typ.unsigned():
		return float64(v.u), nil
	}
	return 0, &TypeError{Want: "number", Got: v.typ}
}

func (v Value) Bool() (bool, error) {
	if v.typ != TypeBool {
		return false, &TypeError{Want: "bool", Got: v.typ}
	}
	return v.u != 0, nil
}

// Text returns a string value.
func (v Value) Text() (string, error) {
	if v.typ != TypeString {
		return "", &TypeError{Want: "string", Got: v.typ}
	}
	return v.s, nil
}

func (v Value) Array() (Array, error) {
	if v.typ != TypeArray || v.arr == nil {
		return Array{}, &TypeError{Want: "array", Got: v.typ}
	}
	return *v.arr, nil
}

// Strings returns an array of strings.
func (v Value) Strings() ([]string, error) {
	arr, err := v.Array()
	if err != nil {
		return nil, err
	}
	if arr.Elem != TypeString {
		return nil, &TypeError{Want: "array of string", Got: arr.Elem}
	}
	out := make([]string, len(arr.Values))
	for i, e := range arr.Values {
		out[i] = e.s
	}
	return out, nil
}

// Float32s returns a numeric array as float32.
func (v Value) Float32s() ([]float32, error) {
	arr, err := v.Array()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(arr.Values))
	for i, e := range arr.Values {
		f, err := e.Float64()
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Int32s returns an integer array as int32. Out of range elements fail.
func (v Value) Int32s() ([]int32, error) {
	arr, err := v.Array()
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(arr.Values))
	for i, e := range arr.Values {
		n, err := e.Int64()
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, &TypeError{Want: "int32", Got: e.typ}
		}
		out[i] = int32(n)
	}
	return out, nil
}

// String formats the value for display. Long arrays are abbreviated.
func (v Value) String() string {
	switch {
	case v.typ.unsigned():
		return strconv.FormatUint(v.u, 10)
	case v.typ.signed():
		return strconv.FormatInt(v.i, 10)
	case v.typ == TypeFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case v.typ == TypeFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case v.typ == TypeBool:
		return strconv.FormatBool(v.u != 0)
	case v.typ == TypeString:
		return strconv.Quote(v.s)
	case v.typ == TypeArray && v.arr != nil:
		const show = 8
		var sb strings.Builder
		fmt.Fprintf(&sb, "[%s x %d]", v.arr.Elem, len(v.arr.Values))
		parts := make([]string, 0, show)
		for _, e := range v.arr.Values[:min(show, len(v.arr.Values))] {
			parts = append(parts, e.String())
		}
		sb.WriteString(" [" + strings.Join(parts, ", "))
		if len(v.arr.Values) > show {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}
	return v.typ.String()
}

// Metadata is the parsed key/value section. It is immutable.
type Metadata struct {
	kv map[string]Value
}

// NewMetadata copies kv into a Metadata.
func NewMetadata(kv map[string]Value) Metadata {
	m := make(map[string]Value, len(kv))
	for k, v := range kv {
		m[k] = v
	}
	return Metadata{kv: m}
}

func (m Metadata) Len() int { return len(m.kv) }

func (m Metadata) Get(key string) (Value, bool) {
	v, ok := m.kv[key]
	return v, ok
}

// Keys returns all keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m.kv))
	for k := range m.kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m Metadata) lookup(key string) (Value, error) {
	v, ok := m.kv[key]
	if !ok {
		return Value{}, fmt.Errorf("gguf: %w: %s", ErrMissingKey, key)
	}
	return v, nil
}

func keyed(key string, err error) error {
	if te, ok := err.(*TypeError); ok && te.Key == "" {
		te.Key = key
	}
	return err
}

func (m Metadata) Text(key string) (string, error) {
	v, err := m.lookup(key)
	if err != nil {
		return "", err
	}
	s, err := v.Text()
	return s, keyed(key, err)
}

func (m Metadata) Uint(key string) (uint64, error) {
	v, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	u, err := v.Uint64()
	return u, keyed(key, err)
}

func (m Metadata) Float(key string) (float64, error) {
	v, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	f, err := v.Float64()
	return f, keyed(key, err)
}

func (m Metadata) Bool(key string) (bool, error) {
	v, err := m.lookup(key)
	if err != nil {
		return false, err
	}
	b, err := v.Bool()
	return b, keyed(key, err)
}

func (m Metadata) Strings(key string) ([]string, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	s, err := v.Strings()
	return s, keyed(key, err)
}

func (m Metadata) Int32s(key string) ([]int32, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	s, err := v.Int32s()
	return s, keyed(key, err)
}

func (m Metadata) Float32s(key string) ([]float32, error) {
	v, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	s, err := v.Float32s()
	return s, keyed(key, err)
}

// Architecture returns general.architecture, or "" when absent.
func (m Metadata) Architecture() string {
	s, _ := m.Text("general.architecture")
	return s
}
