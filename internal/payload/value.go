// Package payload holds inbound request bodies as a closed set of JSON
// value types and enforces size and shape limits on them.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Value is one of Null, Bool, Number, String, Array or Object.
type Value interface {
	json.Marshaler
	isValue()
}

type (
	Null   struct{}
	Bool   bool
	Number json.Number
	String string
	Array  []Value
	Object []Member
)

// Member is one key of an Object. Objects keep insertion order.
type Member struct {
	Key   string
	Value Value
}

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}

// Get returns the value under key.
func (o Object) Get(key string) (Value, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Keys returns member keys in order.
func (o Object) Keys() []string {
	keys := make([]string, len(o))
	for i, m := range o {
		keys[i] = m.Key
	}
	return keys
}

// set replaces an existing key or appends a new one.
func (o Object) set(key string, v Value) (Object, bool) {
	for i := range o {
		if o[i].Key == key {
			o[i].Value = v
			return o, true
		}
	}
	return append(o, Member{Key: key, Value: v}), false
}

// Marshal encodes v as compact JSON. A nil Value encodes as null.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errBadNumber = errors.New("payload: invalid number")

func encode(buf *bytes.Buffer, v Value) error {
	switch v := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(v)))
	case Number:
		if !json.Valid([]byte(v)) {
			return errBadNumber
		}
		buf.WriteString(string(v))
	case String:
		b, err := json.Marshal(string(v))
		if err != nil {
			return err
		}
		buf.Write(b)
	case Array:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, m := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(m.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := encode(buf, m.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func (v Null) MarshalJSON() ([]byte, error)   { return Marshal(v) }
func (v Bool) MarshalJSON() ([]byte, error)   { return Marshal(v) }
func (v Number) MarshalJSON() ([]byte, error) { return Marshal(v) }
func (v String) MarshalJSON() ([]byte, error) { return Marshal(v) }
func (v Array) MarshalJSON() ([]byte, error)  { return Marshal(v) }
func (v Object) MarshalJSON() ([]byte, error) { return Marshal(v) }
