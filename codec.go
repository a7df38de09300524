package pps

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// LineTerminator separates the lines of a policy request
type LineTerminator string

const (
	// LF is the line terminator postfix uses
	LF LineTerminator = "\n"
	// CRLF is accepted by most policy servers and used for replays
	CRLF LineTerminator = "\r\n"
)

var (
	// ErrFraming is reported when a request ends without the empty line
	ErrFraming = errors.New("request terminator not found")

	// ErrInvalidText is reported when a request is not valid UTF-8. The invalid
	// sequences are replaced with U+FFFD.
	ErrInvalidText = errors.New("request is not valid UTF-8")
)

// MalformedLineError is reported for a non-blank request line without a "="
type MalformedLineError struct {
	Line int
	Text string
}

// Error satisfies the error interface
func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("line %d has no key=value separator: %q", e.Line, e.Text)
}

// requestEnd looks for the empty line that terminates a request. It returns the
// length of the request body and the number of bytes including the terminator.
// Only "\n\n" and "\r\n\r\n" end a request; a lone leading line break does not.
func requestEnd(b []byte) (body int, total int, ok bool) {
	for i := bytes.IndexByte(b, '\n'); i >= 0; {
		k := i + 1
		if k < len(b) && b[k] == '\r' {
			k++
		}
		if k < len(b) && b[k] == '\n' {
			return i, k + 1, true
		}
		n := bytes.IndexByte(b[i+1:], '\n')
		if n < 0 {
			break
		}
		i += n + 1
	}
	return 0, 0, false
}

// Decode parses a raw policy request. The returned Record is never nil and
// holds every attribute that could be parsed. Problems with the input do not
// stop parsing; they are collected into the returned error, which may wrap
// ErrFraming, ErrInvalidText and any number of *MalformedLineError. Bytes after
// the terminating empty line are ignored.
func Decode(b []byte) (*Record, error) {
	var errs []error

	body := b
	if n, _, ok := requestEnd(b); ok {
		body = b[:n]
	} else {
		errs = append(errs, ErrFraming)
	}

	if !utf8.Valid(body) {
		errs = append(errs, ErrInvalidText)
		vb, err := unicode.UTF8.NewDecoder().Bytes(body)
		if err != nil {
			vb = bytes.ToValidUTF8(body, []byte(string(utf8.RuneError)))
		}
		body = vb
	}

	r := &Record{idx: make(map[string]int)}
	for n, l := range strings.Split(string(body), "\n") {
		l = strings.TrimSuffix(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			errs = append(errs, &MalformedLineError{Line: n + 1, Text: l})
			continue
		}
		r.set(k, v)
	}

	return r, errors.Join(errs...)
}

// Encode serializes a Record into a policy request using the given line
// terminator. Each attribute is written as key=value in insertion order,
// followed by an empty line.
func Encode(r *Record, eol LineTerminator) []byte {
	var buf bytes.Buffer
	for _, a := range r.Attributes() {
		buf.WriteString(a.Key)
		buf.WriteByte('=')
		buf.WriteString(a.Value)
		buf.WriteString(string(eol))
	}
	buf.WriteString(string(eol))
	return buf.Bytes()
}
