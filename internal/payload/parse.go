package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// ErrMalformed is returned for bodies that are not valid JSON.
var ErrMalformed = errors.New("payload: malformed json")

// Truncated replaces containers nested deeper than Limits.MaxDepth.
const Truncated = "[truncated]"

// Limits bound the shape of stored payloads.
type Limits struct {
	MaxDepth       int
	MaxKeys        int
	MaxArrayLen    int
	MaxStringBytes int
}

// DefaultLimits are applied when a field is left at zero.
var DefaultLimits = Limits{
	MaxDepth:       16,
	MaxKeys:        256,
	MaxArrayLen:    1000,
	MaxStringBytes: 64 << 10,
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	if l.MaxKeys <= 0 {
		l.MaxKeys = DefaultLimits.MaxKeys
	}
	if l.MaxArrayLen <= 0 {
		l.MaxArrayLen = DefaultLimits.MaxArrayLen
	}
	if l.MaxStringBytes <= 0 {
		l.MaxStringBytes = DefaultLimits.MaxStringBytes
	}
	return l
}

// Parse decodes raw token by token, applying lim while walking so that
// oversized input is never fully materialised.
func Parse(raw []byte, lim Limits) (Value, error) {
	lim = lim.withDefaults()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	p := parser{dec: dec, lim: lim}
	v, err := p.value(1)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return v, nil
}

type parser struct {
	dec *json.Decoder
	lim Limits
}

func (p *parser) token() (json.Token, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tok, nil
}

func (p *parser) value(depth int) (Value, error) {
	tok, err := p.token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(truncate(t, p.lim.MaxStringBytes)), nil
	case json.Delim:
		if t != '{' && t != '[' {
			return nil, fmt.Errorf("%w: unexpected %q", ErrMalformed, t)
		}
		if depth > p.lim.MaxDepth {
			if err := p.skipContainer(); err != nil {
				return nil, err
			}
			return String(Truncated), nil
		}
		if t == '{' {
			return p.object(depth)
		}
		return p.array(depth)
	}
	return nil, fmt.Errorf("%w: unexpected token %v", ErrMalformed, tok)
}

func (p *parser) object(depth int) (Value, error) {
	obj := Object{}
	for p.dec.More() {
		tok, err := p.token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key", ErrMalformed)
		}
		key = truncate(key, p.lim.MaxStringBytes)
		if _, exists := obj.Get(key); !exists && len(obj) >= p.lim.MaxKeys {
			if err := p.skipValue(); err != nil {
				return nil, err
			}
			continue
		}
		v, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		obj, _ = obj.set(key, v)
	}
	if _, err := p.token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func (p *parser) array(depth int) (Value, error) {
	arr := Array{}
	for p.dec.More() {
		if len(arr) >= p.lim.MaxArrayLen {
			if err := p.skipValue(); err != nil {
				return nil, err
			}
			continue
		}
		v, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	if _, err := p.token(); err != nil {
		return nil, err
	}
	return arr, nil
}

func (p *parser) skipValue() error {
	tok, err := p.token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		return p.skipContainer()
	}
	return nil
}

// skipContainer consumes tokens up to the close of an already opened
// container.
func (p *parser) skipContainer() error {
	for open := 1; open > 0; {
		tok, err := p.token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				open++
			case '}', ']':
				open--
			}
		}
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FromAny converts decoded Go values, such as parsed form fields, into a
// Value. Functions and channels are dropped and times become RFC 3339
// strings in UTC.
func FromAny(x any, lim Limits) Value {
	lim = lim.withDefaults()
	v, ok := fromAny(reflect.ValueOf(x), lim, 1)
	if !ok {
		return Null{}
	}
	return v
}

var timeType = reflect.TypeOf(time.Time{})

func fromAny(rv reflect.Value, lim Limits, depth int) (Value, bool) {
	if !rv.IsValid() {
		return Null{}, true
	}
	if rv.Type() == timeType {
		return String(formatTime(rv.Interface().(time.Time))), true
	}
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return Null{}, true
		}
		return fromAny(rv.Elem(), lim, depth)
	case reflect.Bool:
		return Bool(rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(strconv.FormatInt(rv.Int(), 10)), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(strconv.FormatUint(rv.Uint(), 10)), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Null{}, true
		}
		return Number(strconv.FormatFloat(f, 'g', -1, 64)), true
	case reflect.String:
		return String(truncate(rv.String(), lim.MaxStringBytes)), true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null{}, true
		}
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return String(truncate(string(rv.Bytes()), lim.MaxStringBytes)), true
		}
		if depth > lim.MaxDepth {
			return String(Truncated), true
		}
		arr := Array{}
		for i := 0; i < rv.Len() && len(arr) < lim.MaxArrayLen; i++ {
			if v, ok := fromAny(rv.Index(i), lim, depth+1); ok {
				arr = append(arr, v)
			}
		}
		return arr, true
	case reflect.Map:
		if rv.IsNil() {
			return Null{}, true
		}
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		if depth > lim.MaxDepth {
			return String(Truncated), true
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		obj := Object{}
		for _, k := range keys {
			if len(obj) >= lim.MaxKeys {
				break
			}
			if v, ok := fromAny(rv.MapIndex(k), lim, depth+1); ok {
				obj = append(obj, Member{Key: truncate(k.String(), lim.MaxStringBytes), Value: v})
			}
		}
		return obj, true
	}
	return nil, false
}
