package pps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedCapture is returned when a capture line is not a flat JSON object
var ErrMalformedCapture = errors.New("malformed capture line")

// Attribute is a single key=value pair of a policy request
type Attribute struct {
	Key   string
	Value string
}

// Record is one parsed policy request. Attributes keep the order in which they
// appeared on the wire and keys are unique. A Record is not modified once it has
// been parsed.
type Record struct {
	attrs []Attribute
	idx   map[string]int
}

// NewRecord returns a Record holding the given attributes in order. A repeated
// key keeps its first position and takes the last value.
func NewRecord(attrs ...Attribute) *Record {
	r := &Record{idx: make(map[string]int, len(attrs))}
	for _, a := range attrs {
		r.set(a.Key, a.Value)
	}
	return r
}

func (r *Record) set(k, v string) {
	if r.idx == nil {
		r.idx = make(map[string]int)
	}
	if i, ok := r.idx[k]; ok {
		r.attrs[i].Value = v
		return
	}
	r.idx[k] = len(r.attrs)
	r.attrs = append(r.attrs, Attribute{Key: k, Value: v})
}

// Get returns the value for key k
func (r *Record) Get(k string) (string, bool) {
	if r == nil {
		return "", false
	}
	i, ok := r.idx[k]
	if !ok {
		return "", false
	}
	return r.attrs[i].Value, true
}

// Value returns the value for key k or an empty string
func (r *Record) Value(k string) string {
	v, _ := r.Get(k)
	return v
}

// Len returns the number of attributes
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.attrs)
}

// Attributes returns a copy of the attributes in insertion order
func (r *Record) Attributes() []Attribute {
	if r == nil {
		return nil
	}
	out := make([]Attribute, len(r.attrs))
	copy(out, r.attrs)
	return out
}

// String satisfies the fmt.Stringer interface
func (r *Record) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, a := range r.Attributes() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(a.Value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// MarshalJSON encodes the record as a flat JSON object with the keys in
// insertion order
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	quote := func(s string) ([]byte, error) {
		buf.Reset()
		if err := enc.Encode(s); err != nil {
			return nil, err
		}
		return bytes.TrimRight(buf.Bytes(), "\n"), nil
	}

	out := []byte{'{'}
	for i, a := range r.Attributes() {
		if i > 0 {
			out = append(out, ',')
		}
		k, err := quote(a.Key)
		if err != nil {
			return nil, err
		}
		out = append(append(out, k...), ':')
		v, err := quote(a.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return append(out, '}'), nil
}

// UnmarshalJSON decodes a flat JSON object, keeping the order of its keys.
// Numbers and booleans are kept in their literal form, null becomes an empty
// value. Nested objects and arrays are rejected.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	t, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedCapture, err)
	}
	if d, ok := t.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: expected object", ErrMalformedCapture)
	}

	nr := Record{idx: make(map[string]int)}
	for dec.More() {
		t, err = dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMalformedCapture, err)
		}
		k := t.(string)
		t, err = dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMalformedCapture, err)
		}
		switch v := t.(type) {
		case string:
			nr.set(k, v)
		case json.Number:
			nr.set(k, v.String())
		case bool:
			nr.set(k, strconv.FormatBool(v))
		case nil:
			nr.set(k, "")
		default:
			return fmt.Errorf("%w: value of %q is not a scalar", ErrMalformedCapture, k)
		}
	}
	if _, err = dec.Token(); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedCapture, err)
	}
	if _, err = dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after object", ErrMalformedCapture)
	}

	*r = nr
	return nil
}
