// Package jsonpath streams the values found at a dotted path in a JSON document
// without holding the document in memory.
//
// A pattern is a dot-separated list of object keys, where "*" matches every
// element of an array or every value of an object:
//
//	*          elements of a top-level array
//	rows.*     elements of the array under "rows"
//	a.b.*      elements of the array under a.b
//	a.*.name   the "name" field of every element under "a"
package jsonpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Wildcard matches every element of an array or value of an object.
const Wildcard = "*"

// Pattern is a parsed path.
type Pattern []string

// Parse splits a dotted pattern. The empty pattern matches the document root.
func Parse(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, nil
	}
	parts := strings.Split(s, ".")
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment %d in pattern %q", i+1, s)
		}
	}
	return Pattern(parts), nil
}

// MustParse is like Parse but panics on an invalid pattern.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String implements fmt.Stringer.
func (p Pattern) String() string {
	return strings.Join(p, ".")
}

// Walk calls fn with the raw bytes of every value matching p, in document order.
// Values that do not lie on the path are skipped token by token.
// Walk stops at the first error returned by fn or when ctx is done.
func Walk(ctx context.Context, r io.Reader, p Pattern, fn func(raw json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	w := &walker{ctx: ctx, dec: dec, fn: fn}
	if err := w.value(p); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("unexpected end of JSON input: %w", io.ErrUnexpectedEOF)
		}
		return err
	}
	return nil
}

// Elements calls fn for every element of a top-level JSON array.
func Elements(ctx context.Context, r io.Reader, fn func(raw json.RawMessage) error) error {
	return Walk(ctx, r, Pattern{Wildcard}, fn)
}

type walker struct {
	ctx context.Context
	dec *json.Decoder
	fn  func(raw json.RawMessage) error
}

func (w *walker) value(p Pattern) error {
	if len(p) == 0 {
		var raw json.RawMessage
		if err := w.dec.Decode(&raw); err != nil {
			return err
		}
		return w.fn(raw)
	}

	tok, err := w.dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		// A scalar where the path expects a container: no match.
		return nil
	}

	switch delim {
	case '[':
		for w.dec.More() {
			if err := w.ctx.Err(); err != nil {
				return err
			}
			if p[0] == Wildcard {
				if err := w.value(p[1:]); err != nil {
					return err
				}
			} else if err := w.skip(); err != nil {
				return err
			}
		}
	case '{':
		for w.dec.More() {
			if err := w.ctx.Err(); err != nil {
				return err
			}
			keyTok, err := w.dec.Token()
			if err != nil {
				return err
			}
			key, _ := keyTok.(string)
			if p[0] == Wildcard || p[0] == key {
				if err := w.value(p[1:]); err != nil {
					return err
				}
			} else if err := w.skip(); err != nil {
				return err
			}
		}
	}

	// Closing delimiter.
	_, err = w.dec.Token()
	return err
}

// skip consumes one complete value.
func (w *walker) skip() error {
	depth := 0
	for {
		tok, err := w.dec.Token()
		if err != nil {
			return err
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}
