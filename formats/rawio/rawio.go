// Package rawio streams a byte source as fixed-size chunks and writes chunks
// back unchanged.
package rawio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/gophersatwork/iterflow"
)

// DefaultChunkSize is used when Decoder.ChunkSize is zero.
const DefaultChunkSize = 64 * 1024

// Decoder emits the source in chunks of ChunkSize bytes. Only the last chunk
// may be shorter. Every chunk is a fresh slice the consumer may keep.
type Decoder struct {
	ChunkSize int
}

// Decode implements iterflow.Decoder.
func (d Decoder) Decode(ctx context.Context, r io.Reader, emit iterflow.EmitFunc[[]byte]) error {
	size := d.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := make([]byte, size)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if err := emit(chunk[:n]); err != nil {
				return err
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("failed to read chunk: %w", err)
		}
	}
}

// Encoder writes chunks as they are.
type Encoder struct{}

// Encode implements iterflow.Encoder.
func (Encoder) Encode(batch [][]byte, _ bool) ([]byte, error) {
	return bytes.Join(batch, nil), nil
}

// Trailer implements iterflow.Encoder.
func (Encoder) Trailer() []byte {
	return nil
}

// Read streams the source returned by open in chunks of chunkSize bytes
// (0 for DefaultChunkSize).
func Read(ctx context.Context, open iterflow.OpenFunc, chunkSize int, options ...iterflow.Option) (iter.Seq2[[]byte, error], error) {
	if chunkSize < 0 {
		return nil, &iterflow.ConfigError{Errors: []error{fmt.Errorf("chunk size must not be negative, got %d", chunkSize)}}
	}
	return iterflow.Decode[[]byte](ctx, open, Decoder{ChunkSize: chunkSize}, options...)
}

// WriteTo copies src into dest and re-emits every chunk.
func WriteTo(src iter.Seq2[[]byte, error], dest iterflow.Destination, options ...iterflow.Option) (iter.Seq2[[]byte, error], error) {
	return iterflow.WriteTo[[]byte](src, dest, Encoder{}, options...)
}

// Write copies src into dest and returns the number of chunks written.
func Write(src iter.Seq2[[]byte, error], dest iterflow.Destination, options ...iterflow.Option) (int, error) {
	return iterflow.Write[[]byte](src, dest, Encoder{}, options...)
}
