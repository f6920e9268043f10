// Package bencode implements the bencoding used by .torrent files and the
// DHT's KRPC messages: integers, byte strings, lists and dictionaries.
package bencode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Kind identifies which of the four bencode value types a Value holds.
type Kind int

const (
	KindInteger Kind = iota
	KindBytes
	KindList
	KindDict
)

var (
	// ErrUnexpectedEnd is returned when the input ends before a value is complete.
	ErrUnexpectedEnd = errors.New("bencode: unexpected end of input")
	// ErrInvalidToken is returned when a byte cannot start any valid bencode value.
	ErrInvalidToken = errors.New("bencode: invalid token")
	// ErrLengthMismatch is returned when a declared byte-string length could not be read in full.
	ErrLengthMismatch = errors.New("bencode: string shorter than declared length")
)

// Dict is an ordered string-keyed map: iteration and re-encoding follow
// insertion order rather than Go's randomized map order or a lexicographic
// sort, so that decoding a dict and re-encoding it reproduces the original
// key layout.
type Dict struct {
	keys []string
	vals map[string]Value
}

// NewDict returns an empty ordered dictionary.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]Value)}
}

// Set inserts or overwrites key. A new key is appended to the iteration order;
// an existing key keeps its original position.
func (d *Dict) Set(key string, v Value) {
	if _, ok := d.vals[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

// Get looks up key.
func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Keys returns the dict's keys in insertion order.
func (d *Dict) Keys() []string {
	return d.keys
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

// Value is a single bencoded value: exactly one of its accessors is valid,
// determined by Kind.
type Value struct {
	kind Kind
	i    int64
	s    []byte
	list []Value
	dict *Dict
}

// Kind reports which accessor is valid on v.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer value; valid only when Kind() == KindInteger.
func (v Value) Int() int64 { return v.i }

// Bytes returns the byte-string value; valid only when Kind() == KindBytes.
func (v Value) Bytes() []byte { return v.s }

// Str is a convenience accessor equivalent to string(v.Bytes()).
func (v Value) Str() string { return string(v.s) }

// List returns the list elements; valid only when Kind() == KindList.
func (v Value) List() []Value { return v.list }

// Dict returns the ordered dictionary; valid only when Kind() == KindDict.
func (v Value) Dict() *Dict { return v.dict }

// NewInteger builds an integer value.
func NewInteger(i int64) Value { return Value{kind: KindInteger, i: i} }

// NewBytes builds a byte-string value.
func NewBytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, s: cp}
}

// NewString builds a byte-string value from a Go string.
func NewString(s string) Value { return Value{kind: KindBytes, s: []byte(s)} }

// NewList builds a list value.
func NewList(items ...Value) Value { return Value{kind: KindList, list: items} }

// NewDictValue wraps an ordered dictionary as a Value.
func NewDictValue(d *Dict) Value { return Value{kind: KindDict, dict: d} }

// decoder walks a fully-buffered input by byte offset. Keeping the whole
// input in memory lets a capture request (see DecodeCapture) slice out a
// sub-value's exact wire bytes instead of re-encoding it, which matters
// because re-encoding is not guaranteed to be byte-identical to whatever
// produced the original file.
type decoder struct {
	buf        []byte
	pos        int
	captureKey string
	captured   []byte
}

// Decode reads exactly one bencoded value from r.
func Decode(r io.Reader) (Value, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return Value{}, err
	}
	d := &decoder{buf: buf}
	v, err := d.value()
	return v, err
}

// DecodeCapture behaves like Decode, but additionally returns the raw
// encoded bytes of the first dict value found (at any nesting depth)
// under the key captureKey. This lets callers recover the exact wire
// bytes of a sub-value — e.g. a torrent file's "info" dict — for hashing
// or storage, without risking a re-encoding mismatch.
func DecodeCapture(r io.Reader, captureKey string) (Value, []byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return Value{}, nil, err
	}
	d := &decoder{buf: buf, captureKey: captureKey}
	v, err := d.value()
	if err != nil {
		return Value{}, nil, err
	}
	if d.captured == nil {
		return Value{}, nil, errors.Errorf("bencode: key %q not found", captureKey)
	}
	return v, d.captured, nil
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrUnexpectedEnd
	}
	return d.buf[d.pos], nil
}

// value parses one value starting at d.pos, advancing d.pos past it.
func (d *decoder) value() (Value, error) {
	ch, err := d.peek()
	if err != nil {
		return Value{}, err
	}

	switch {
	case ch == 'd':
		d.pos++
		dict := NewDict()
		for {
			next, err := d.peek()
			if err != nil {
				return Value{}, err
			}
			if next == 'e' {
				d.pos++
				break
			}
			keyVal, err := d.value()
			if err != nil {
				return Value{}, err
			}
			if keyVal.Kind() != KindBytes {
				return Value{}, errors.Wrap(ErrInvalidToken, "dict key must be a byte string")
			}
			key := keyVal.Str()

			valStart := d.pos
			val, err := d.value()
			if err != nil {
				return Value{}, err
			}
			if key == d.captureKey && d.captured == nil {
				d.captured = d.buf[valStart:d.pos]
			}
			dict.Set(key, val)
		}
		return NewDictValue(dict), nil

	case ch == 'l':
		d.pos++
		var items []Value
		for {
			next, err := d.peek()
			if err != nil {
				return Value{}, err
			}
			if next == 'e' {
				d.pos++
				break
			}
			item, err := d.value()
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return NewList(items...), nil

	case ch == 'i':
		end := bytes.IndexByte(d.buf[d.pos:], 'e')
		if end < 0 {
			return Value{}, ErrUnexpectedEnd
		}
		numStr := string(d.buf[d.pos+1 : d.pos+end])
		d.pos += end + 1
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return Value{}, errors.Wrap(ErrInvalidToken, "invalid integer")
		}
		return NewInteger(n), nil

	case ch >= '0' && ch <= '9':
		colon := bytes.IndexByte(d.buf[d.pos:], ':')
		if colon < 0 {
			return Value{}, ErrUnexpectedEnd
		}
		lenStr := string(d.buf[d.pos : d.pos+colon])
		length, err := strconv.ParseUint(lenStr, 10, 64)
		if err != nil {
			return Value{}, errors.Wrap(ErrInvalidToken, "invalid string length")
		}
		d.pos += colon + 1
		if d.pos+int(length) > len(d.buf) {
			return Value{}, ErrLengthMismatch
		}
		s := d.buf[d.pos : d.pos+int(length)]
		d.pos += int(length)
		return NewBytes(s), nil

	default:
		return Value{}, errors.Wrapf(ErrInvalidToken, "unexpected byte %q", ch)
	}
}

// Encode writes v's bencoded form to buf.
func Encode(buf *bytes.Buffer, v Value) {
	switch v.Kind() {
	case KindInteger:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		buf.WriteByte('e')
	case KindBytes:
		buf.WriteString(strconv.Itoa(len(v.Bytes())))
		buf.WriteByte(':')
		buf.Write(v.Bytes())
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List() {
			Encode(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		d := v.Dict()
		for _, k := range d.Keys() {
			item, _ := d.Get(k)
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			Encode(buf, item)
		}
		buf.WriteByte('e')
	}
}

// Marshal is a convenience wrapper returning Encode's output as a byte slice.
func Marshal(v Value) []byte {
	var buf bytes.Buffer
	Encode(&buf, v)
	return buf.Bytes()
}

func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindBytes:
		return v.Str()
	case KindList:
		return fmt.Sprintf("%v", v.list)
	case KindDict:
		return fmt.Sprintf("%v", v.dict.keys)
	}
	return "<invalid>"
}
