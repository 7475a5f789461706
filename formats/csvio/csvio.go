// Package csvio decodes and encodes CSV records as header-keyed rows.
package csvio

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"

	"github.com/gophersatwork/iterflow"
)

// Row maps header names to field values. A duplicate header keeps the last value.
type Row map[string]string

// ErrorFunc decides what to do with a malformed record. Read failures of the
// underlying source are never passed to it. Returning nil skips
// the record; returning an error aborts decoding with it.
type ErrorFunc func(line int, err error) error

// Options configures the decoder.
type Options struct {
	Comma       rune // Field delimiter, defaults to ','
	Comment     rune // Lines starting with it are skipped
	LazyQuotes  bool
	TrimHeaders bool
	OnError     ErrorFunc // Nil aborts on the first malformed record
}

// Decoder reads rows from CSV input with a header line.
type Decoder struct {
	opts Options
}

// NewDecoder returns a CSV decoder.
func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Decode implements iterflow.Decoder.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, emit iterflow.EmitFunc[Row]) error {
	cr := csv.NewReader(r)
	if d.opts.Comma != 0 {
		cr.Comma = d.opts.Comma
	}
	cr.Comment = d.opts.Comment
	cr.LazyQuotes = d.opts.LazyQuotes
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	header = slices.Clone(header)
	if d.opts.TrimHeaders {
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) || d.opts.OnError == nil {
				return err
			}
			if herr := d.opts.OnError(pe.Line, err); herr != nil {
				return herr
			}
			continue
		}

		row := make(Row, len(header))
		for i, name := range header {
			row[name] = record[i]
		}
		if err := emit(row); err != nil {
			return err
		}
	}
}

// EncoderOptions configures the encoder.
type EncoderOptions struct {
	Comma   rune     // Field delimiter, defaults to ','
	Columns []string // Column order; defaults to the sorted keys of the first row
	UseCRLF bool
}

// Encoder writes rows as CSV. The header goes out with the first batch.
type Encoder struct {
	opts    EncoderOptions
	columns []string
}

// NewEncoder returns a CSV encoder.
func NewEncoder(opts EncoderOptions) *Encoder {
	return &Encoder{opts: opts, columns: opts.Columns}
}

// Encode implements iterflow.Encoder.
func (e *Encoder) Encode(batch []Row, first bool) ([]byte, error) {
	if len(e.columns) == 0 && len(batch) > 0 {
		e.columns = make([]string, 0, len(batch[0]))
		for k := range batch[0] {
			e.columns = append(e.columns, k)
		}
		slices.Sort(e.columns)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if e.opts.Comma != 0 {
		w.Comma = e.opts.Comma
	}
	w.UseCRLF = e.opts.UseCRLF

	if first {
		if err := w.Write(e.columns); err != nil {
			return nil, err
		}
	}

	record := make([]string, len(e.columns))
	for _, row := range batch {
		for i, col := range e.columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Trailer implements iterflow.Encoder. CSV has none.
func (e *Encoder) Trailer() []byte {
	return nil
}

// Read decodes the CSV source returned by open.
func Read(ctx context.Context, open iterflow.OpenFunc, opts Options, options ...iterflow.Option) (iter.Seq2[Row, error], error) {
	return iterflow.Decode[Row](ctx, open, NewDecoder(opts), options...)
}

// Write encodes src into dest and returns the number of rows written.
func Write(src iter.Seq2[Row, error], dest iterflow.Destination, opts EncoderOptions, options ...iterflow.Option) (int, error) {
	return iterflow.Write[Row](src, dest, NewEncoder(opts), options...)
}
