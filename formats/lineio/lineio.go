// Package lineio reads and writes text split on a separator.
package lineio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/gophersatwork/iterflow"
)

const (
	defaultSeparator = "\n"
	maxLineSize      = 16 * 1024 * 1024
)

// Decoder emits the text between separators. A final line without a trailing
// separator is emitted too; a trailing separator does not produce an empty line.
type Decoder struct {
	Separator string // Defaults to "\n"
}

// Decode implements iterflow.Decoder.
func (d Decoder) Decode(ctx context.Context, r io.Reader, emit iterflow.EmitFunc[string]) error {
	sep := []byte(d.Separator)
	if len(sep) == 0 {
		sep = []byte(defaultSeparator)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(splitOn(sep))

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read lines: %w", err)
	}
	return nil
}

func splitOn(sep []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// Encoder writes every string followed by a separator.
type Encoder struct {
	Separator string // Defaults to "\n"
}

// Encode implements iterflow.Encoder.
func (e Encoder) Encode(batch []string, _ bool) ([]byte, error) {
	sep := e.Separator
	if sep == "" {
		sep = defaultSeparator
	}
	var buf bytes.Buffer
	for _, line := range batch {
		buf.WriteString(line)
		buf.WriteString(sep)
	}
	return buf.Bytes(), nil
}

// Trailer implements iterflow.Encoder.
func (Encoder) Trailer() []byte {
	return nil
}

// Read decodes the lines of the source returned by open.
func Read(ctx context.Context, open iterflow.OpenFunc, separator string, options ...iterflow.Option) (iter.Seq2[string, error], error) {
	return iterflow.Decode[string](ctx, open, Decoder{Separator: separator}, options...)
}

// Write writes src into dest, one line per string, and returns the number of lines.
func Write(src iter.Seq2[string, error], dest iterflow.Destination, options ...iterflow.Option) (int, error) {
	return iterflow.Write[string](src, dest, Encoder{}, options...)
}
