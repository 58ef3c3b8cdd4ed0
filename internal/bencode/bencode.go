// Package bencode implements the bencode wire format used by the Mainline
// DHT (spec.md §4.1): byte strings, integers, lists and dictionaries, with
// dictionary keys sorted lexicographically on encode and required to be
// strictly ascending on decode.
//
// The corpus carries github.com/zeebo/bencode for this format
// (other_examples/ikow-dht-go__main.go), but that library's Unmarshal does
// not reject unsorted, duplicate, or non-string dictionary keys, nor bound
// recursion depth — all required by spec.md's decode invariants — so the
// codec here is hand-written against original_source/src/bencode.cpp's
// semantics.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// MaxDepth bounds recursive list/dict nesting (spec.md §4.1).
const MaxDepth = 256

var (
	ErrTrailingGarbage = errors.New("bencode: trailing data after top-level value")
	ErrUnsortedKeys    = errors.New("bencode: dictionary keys not in ascending order")
	ErrDuplicateKey    = errors.New("bencode: duplicate dictionary key")
	ErrNonStringKey    = errors.New("bencode: dictionary key is not a byte string")
	ErrTooDeep         = errors.New("bencode: nesting exceeds max depth")
	ErrMalformed       = errors.New("bencode: malformed input")
	ErrLeadingZero     = errors.New("bencode: integer has a leading zero")
)

// Value is a decoded bencode value: int64, []byte, []Value, or *Dict.
type Value any

// Dict records its keys in insertion order (see Keys); Encode always
// writes them sorted, and Get is a plain by-key lookup.
type Dict struct {
	keys   []string
	values map[string]Value
}

func NewDict() *Dict {
	return &Dict{values: make(map[string]Value)}
}

func (d *Dict) Set(key string, v Value) {
	if _, exists := d.values[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
}

func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.values[key]
	return v, ok
}

func (d *Dict) Keys() []string { return d.keys }

// GetString returns key as a byte string, or ok=false if absent or not a
// string.
func (d *Dict) GetString(key string) ([]byte, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// GetInt returns key as an integer, or ok=false if absent or not an int.
func (d *Dict) GetInt(key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// GetDict returns key as a nested dictionary.
func (d *Dict) GetDict(key string) (*Dict, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Dict)
	return sub, ok
}

// GetList returns key as a list.
func (d *Dict) GetList(key string) ([]Value, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.([]Value)
	return l, ok
}

// Encode writes v in canonical bencode form.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch t := v.(type) {
	case int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(t, 10))
		buf.WriteByte('e')
	case int:
		encode(buf, int64(t))
	case string:
		encode(buf, []byte(t))
	case []byte:
		buf.WriteString(strconv.Itoa(len(t)))
		buf.WriteByte(':')
		buf.Write(t)
	case []Value:
		buf.WriteByte('l')
		for _, item := range t {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case *Dict:
		buf.WriteByte('d')
		keys := make([]string, len(t.keys))
		copy(keys, t.keys)
		sort.Strings(keys)
		for _, k := range keys {
			encode(buf, []byte(k))
			encode(buf, t.values[k])
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: unsupported type %T", v))
	}
}

// Decode parses a single top-level bencode value and fails on trailing
// garbage (spec.md §4.1).
func Decode(data []byte) (Value, error) {
	v, rest, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrTrailingGarbage
	}
	return v, nil
}

// DecodeValue parses one bencode value from the front of data and returns
// the unconsumed remainder, so callers can decode a stream of values
// (spec.md §4.1: "decode is streaming-safe").
func DecodeValue(data []byte) (Value, []byte, error) {
	return decodeAt(data, 0)
}

func decodeAt(data []byte, depth int) (Value, []byte, error) {
	if depth > MaxDepth {
		return nil, nil, ErrTooDeep
	}
	if len(data) == 0 {
		return nil, nil, ErrMalformed
	}

	switch data[0] {
	case 'i':
		return decodeInt(data)
	case 'l':
		return decodeList(data, depth)
	case 'd':
		return decodeDict(data, depth)
	default:
		if data[0] >= '0' && data[0] <= '9' {
			return decodeString(data)
		}
		return nil, nil, ErrMalformed
	}
}

func decodeInt(data []byte) (Value, []byte, error) {
	end := bytes.IndexByte(data, 'e')
	if end < 0 || data[0] != 'i' {
		return nil, nil, ErrMalformed
	}
	numStr := string(data[1:end])
	if numStr == "" {
		return nil, nil, ErrMalformed
	}
	if numStr == "-0" {
		return nil, nil, ErrMalformed
	}
	digits := numStr
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" {
		return nil, nil, ErrMalformed
	}
	if len(digits) > 1 && digits[0] == '0' {
		return nil, nil, ErrLeadingZero
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, nil, ErrMalformed
		}
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return n, data[end+1:], nil
}

func decodeString(data []byte) (Value, []byte, error) {
	colon := bytes.IndexByte(data, ':')
	if colon < 0 {
		return nil, nil, ErrMalformed
	}
	lenStr := string(data[:colon])
	if len(lenStr) > 1 && lenStr[0] == '0' {
		return nil, nil, ErrLeadingZero
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 {
		return nil, nil, ErrMalformed
	}
	start := colon + 1
	end := start + n
	if end > len(data) {
		return nil, nil, ErrMalformed
	}
	out := make([]byte, n)
	copy(out, data[start:end])
	return out, data[end:], nil
}

func decodeList(data []byte, depth int) (Value, []byte, error) {
	rest := data[1:]
	var items []Value
	for {
		if len(rest) == 0 {
			return nil, nil, ErrMalformed
		}
		if rest[0] == 'e' {
			return items, rest[1:], nil
		}
		v, r, err := decodeAt(rest, depth+1)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, v)
		rest = r
	}
}

func decodeDict(data []byte, depth int) (Value, []byte, error) {
	rest := data[1:]
	d := NewDict()
	var lastKey string
	haveKey := false
	for {
		if len(rest) == 0 {
			return nil, nil, ErrMalformed
		}
		if rest[0] == 'e' {
			return d, rest[1:], nil
		}
		keyVal, r, err := decodeAt(rest, depth+1)
		if err != nil {
			return nil, nil, err
		}
		keyBytes, ok := keyVal.([]byte)
		if !ok {
			return nil, nil, ErrNonStringKey
		}
		key := string(keyBytes)
		if haveKey {
			if key == lastKey {
				return nil, nil, ErrDuplicateKey
			}
			if key < lastKey {
				return nil, nil, ErrUnsortedKeys
			}
		}
		lastKey = key
		haveKey = true

		v, r2, err := decodeAt(r, depth+1)
		if err != nil {
			return nil, nil, err
		}
		d.Set(key, v)
		rest = r2
	}
}
