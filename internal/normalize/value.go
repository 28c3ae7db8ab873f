package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

// Value kinds mirror the JSON data model.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Member is one key/value pair of an object, kept in document order.
type Member struct {
	Key   string
	Value *Value
}

// Value is an arbitrary JSON value. Objects keep their members in document
// order. Values are compared by identity during scans, so the same *Value
// reachable through two paths is visited once.
type Value struct {
	kind    Kind
	boolean bool
	number  float64
	raw     string
	str     string
	items   []*Value
	members []Member
}

var errCyclicValue = errors.New("normalize: cyclic value")

// Null returns a new null value.
func Null() *Value { return &Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) *Value { return &Value{kind: KindBool, boolean: b} }

// Number wraps a float.
func Number(n float64) *Value {
	return &Value{kind: KindNumber, number: n, raw: strconv.FormatFloat(n, 'f', -1, 64)}
}

// String wraps a string.
func String(s string) *Value { return &Value{kind: KindString, str: s} }

// Array builds an array from items; nil items become null.
func Array(items ...*Value) *Value {
	v := &Value{kind: KindArray, items: make([]*Value, 0, len(items))}
	for _, item := range items {
		v.Append(item)
	}
	return v
}

// Object builds an object from members. Later duplicates replace earlier
// values while keeping the first position.
func Object(members ...Member) *Value {
	v := &Value{kind: KindObject, members: make([]Member, 0, len(members))}
	for _, m := range members {
		v.Set(m.Key, m.Value)
	}
	return v
}

// Field is shorthand for building a Member.
func Field(key string, value *Value) Member { return Member{Key: key, Value: value} }

// Set assigns key on an object value. It is a no-op on other kinds.
func (v *Value) Set(key string, value *Value) {
	if v == nil || v.kind != KindObject {
		return
	}
	if value == nil {
		value = Null()
	}
	for i := range v.members {
		if v.members[i].Key == key {
			v.members[i].Value = value
			return
		}
	}
	v.members = append(v.members, Member{Key: key, Value: value})
}

// Append adds an item to an array value. It is a no-op on other kinds.
func (v *Value) Append(item *Value) {
	if v == nil || v.kind != KindArray {
		return
	}
	if item == nil {
		item = Null()
	}
	v.items = append(v.items, item)
}

// Kind reports the dynamic type; a nil *Value is null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v is nil or JSON null.
func (v *Value) IsNull() bool { return v.Kind() == KindNull }

// IsObject reports whether v is an object.
func (v *Value) IsObject() bool { return v.Kind() == KindObject }

// IsArray reports whether v is an array.
func (v *Value) IsArray() bool { return v.Kind() == KindArray }

// Str returns the string payload and whether v is a string.
func (v *Value) Str() (string, bool) {
	if v.Kind() != KindString {
		return "", false
	}
	return v.str, true
}

// Num returns the numeric payload and whether v is a number.
func (v *Value) Num() (float64, bool) {
	if v.Kind() != KindNumber {
		return 0, false
	}
	return v.number, true
}

// Truth returns the boolean payload and whether v is a boolean.
func (v *Value) Truth() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.boolean, true
}

// Get returns the member named key, or nil when v is not an object or the
// key is absent.
func (v *Value) Get(key string) *Value {
	if v.Kind() != KindObject {
		return nil
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value
		}
	}
	return nil
}

// Items returns the elements of an array value.
func (v *Value) Items() []*Value {
	if v.Kind() != KindArray {
		return nil
	}
	return v.items
}

// Members returns the members of an object value in document order.
func (v *Value) Members() []Member {
	if v.Kind() != KindObject {
		return nil
	}
	return v.members
}

// empty reports JSON "falsy" values: null, false, 0 and "".
func (v *Value) empty() bool {
	switch v.Kind() {
	case KindNull:
		return true
	case KindBool:
		return !v.boolean
	case KindNumber:
		return v.number == 0
	case KindString:
		return v.str == ""
	default:
		return false
	}
}

// MarshalJSON encodes v compactly, preserving object member order.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf, map[*Value]struct{}{}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes data into v using the same rules as Decode.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = *Decode(data)
	return nil
}

func (v *Value) encode(buf *bytes.Buffer, stack map[*Value]struct{}) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.boolean))
	case KindNumber:
		buf.WriteString(v.raw)
	case KindString:
		quoted, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(quoted)
	case KindArray, KindObject:
		if _, ok := stack[v]; ok {
			return errCyclicValue
		}
		stack[v] = struct{}{}
		defer delete(stack, v)
		if v.kind == KindArray {
			return v.encodeArray(buf, stack)
		}
		return v.encodeObject(buf, stack)
	}
	return nil
}

func (v *Value) encodeArray(buf *bytes.Buffer, stack map[*Value]struct{}) error {
	buf.WriteByte('[')
	for i, item := range v.items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := item.encode(buf, stack); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func (v *Value) encodeObject(buf *bytes.Buffer, stack map[*Value]struct{}) error {
	buf.WriteByte('{')
	for i, m := range v.members {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := m.Value.encode(buf, stack); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
