// Package jsonio streams the values found at a path pattern in a JSON document.
package jsonio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/bytedance/sonic"
	"github.com/gophersatwork/iterflow"
	"github.com/gophersatwork/iterflow/internal/jsonpath"
)

// Options configures the decoder.
type Options struct {
	// Pattern selects the values to decode, e.g. "*" for the elements of a
	// top-level array or "data.items.*" for a nested one.
	Pattern string
	// Codec decodes each selected value. Defaults to sonic.ConfigStd.
	Codec iterflow.Codec
}

// Decoder decodes every value matching a pattern into T.
type Decoder[T any] struct {
	pattern jsonpath.Pattern
	codec   iterflow.Codec
}

// NewDecoder parses the pattern and returns a decoder.
func NewDecoder[T any](opts Options) (*Decoder[T], error) {
	p, err := jsonpath.Parse(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}
	codec := opts.Codec
	if codec == nil {
		codec = sonic.ConfigStd
	}
	return &Decoder[T]{pattern: p, codec: codec}, nil
}

// Decode implements iterflow.Decoder.
func (d *Decoder[T]) Decode(ctx context.Context, r io.Reader, emit iterflow.EmitFunc[T]) error {
	return jsonpath.Walk(ctx, r, d.pattern, func(raw json.RawMessage) error {
		var v T
		if err := d.codec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("failed to decode value: %w", err)
		}
		return emit(v)
	})
}

// Read decodes the values matching opts.Pattern in the source returned by open.
func Read[T any](ctx context.Context, open iterflow.OpenFunc, opts Options, options ...iterflow.Option) (iter.Seq2[T, error], error) {
	dec, err := NewDecoder[T](opts)
	if err != nil {
		return nil, &iterflow.ConfigError{Errors: []error{err}}
	}
	return iterflow.Decode[T](ctx, open, dec, options...)
}

// Write encodes src into dest as one JSON array and returns the number of values written.
func Write[T any](src iter.Seq2[T, error], dest iterflow.Destination, options ...iterflow.Option) (int, error) {
	return iterflow.Write(src, dest, iterflow.NewJSONArrayEncoder[T](nil), options...)
}

// LinesEncoder writes one JSON value per line.
type LinesEncoder[T any] struct {
	Codec iterflow.Codec // Defaults to sonic.ConfigStd
}

// Encode implements iterflow.Encoder.
func (e LinesEncoder[T]) Encode(batch []T, _ bool) ([]byte, error) {
	codec := e.Codec
	if codec == nil {
		codec = sonic.ConfigStd
	}
	var out []byte
	for _, item := range batch {
		data, err := codec.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		out = append(out, '\n')
	}
	return out, nil
}

// Trailer implements iterflow.Encoder.
func (LinesEncoder[T]) Trailer() []byte {
	return nil
}
