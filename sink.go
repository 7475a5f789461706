package iterflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Encoder is the format collaborator on the writing side.
type Encoder[T any] interface {
	// Encode serializes one batch. first is true for the first batch written to a sink,
	// which is where headers and opening brackets go.
	Encode(batch []T, first bool) ([]byte, error)

	// Trailer returns the bytes that finalize a non-empty sink, e.g. a closing bracket.
	Trailer() []byte
}

// Destination opens the sink. It is only called once an item is available.
type Destination func() (io.WriteCloser, error)

// WriteMode selects what happens to an existing file.
type WriteMode int

const (
	// Overwrite truncates an existing file.
	Overwrite WriteMode = iota
	// Append keeps existing content and writes after it.
	Append
)

// FileDestination writes to path on fs, creating parent directories as needed.
func FileDestination(fs afero.Fs, path string, mode WriteMode) Destination {
	return func() (io.WriteCloser, error) {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := fs.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}

		flags := os.O_CREATE | os.O_WRONLY
		if mode == Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}

		f, err := fs.OpenFile(path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		return f, nil
	}
}

// WriteTo drains src into dest through enc and re-emits every element unchanged,
// so it can sit in the middle of a longer pipeline.
//
// The destination is opened on the first item; an empty source creates nothing.
// Items are encoded in batches (WithBatchSize, default 1000). The pending batch,
// the trailer and the close run on every exit path: completion, source error,
// encode error and early stop.
func WriteTo[T any](src iter.Seq2[T, error], dest Destination, enc Encoder[T], options ...Option) (iter.Seq2[T, error], error) {
	cfg := newConfig(options)
	if src == nil {
		cfg.invalid("source must not be nil")
	}
	if dest == nil {
		cfg.invalid("destination must not be nil")
	}
	if enc == nil {
		cfg.invalid("encoder must not be nil")
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}

	return func(yield func(T, error) bool) {
		var zero T

		sw := newSinkWriter(dest, enc, cfg)
		finished := false
		defer func() {
			if !finished {
				_ = sw.close()
			}
		}()

		for item, err := range src {
			if err != nil {
				yield(zero, err)
				return
			}
			if err := sw.add(item); err != nil {
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}

		finished = true
		if err := sw.close(); err != nil {
			yield(zero, err)
		}
	}, nil
}

// Write drains src into dest and returns the number of items written.
func Write[T any](src iter.Seq2[T, error], dest Destination, enc Encoder[T], options ...Option) (int, error) {
	seq, err := WriteTo(src, dest, enc, options...)
	if err != nil {
		return 0, err
	}
	return Drain(seq)
}

// sinkWriter batches items in front of an Encoder.
type sinkWriter[T any] struct {
	dest      Destination
	enc       Encoder[T]
	batchSize int

	w       io.WriteCloser
	batch   []T
	written bool
	closed  bool

	progress *Progress
	rep      *reporter[Snapshot]
}

func newSinkWriter[T any](dest Destination, enc Encoder[T], cfg *config) *sinkWriter[T] {
	progress := NewProgress(cfg.label, 0, cfg.nowFunc)
	return &sinkWriter[T]{
		dest:      dest,
		enc:       enc,
		batchSize: cfg.batchSize,
		batch:     make([]T, 0, min(cfg.batchSize, defaultBatchSize)),
		progress:  progress,
		rep:       newReporter[Snapshot](cfg.progress, cfg.interval(defaultProgressInterval), progress.Snapshot),
	}
}

func (s *sinkWriter[T]) add(item T) error {
	if s.w == nil {
		w, err := s.dest()
		if err != nil {
			return fmt.Errorf("failed to open destination: %w", err)
		}
		s.w = w
	}

	s.batch = append(s.batch, item)
	if len(s.batch) >= s.batchSize {
		return s.flush()
	}
	return nil
}

func (s *sinkWriter[T]) flush() error {
	if len(s.batch) == 0 {
		return nil
	}

	data, err := s.enc.Encode(s.batch, !s.written)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	s.written = true

	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}

	s.progress.AddBytes(int64(len(data)))
	s.progress.AddItems(int64(len(s.batch)))
	s.rep.tick()

	clear(s.batch)
	s.batch = s.batch[:0]
	return nil
}

// close flushes the pending batch, writes the trailer and closes the sink.
// It is a no-op when no item was ever added.
func (s *sinkWriter[T]) close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.w == nil {
		return nil
	}
	defer s.rep.flush()

	err := s.flush()
	if err == nil && s.written {
		if trailer := s.enc.Trailer(); len(trailer) > 0 {
			if _, werr := s.w.Write(trailer); werr != nil {
				err = fmt.Errorf("failed to write trailer: %w", werr)
			}
		}
	}

	if cerr := s.w.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close destination: %w", cerr))
	}
	return err
}

// JSONArrayEncoder writes records as one JSON array, one element per line.
type JSONArrayEncoder[T any] struct {
	Codec  Codec  // Defaults to sonic.ConfigStd
	Indent string // Written before every element
}

// NewJSONArrayEncoder returns an encoder that serializes elements with codec.
func NewJSONArrayEncoder[T any](codec Codec) *JSONArrayEncoder[T] {
	return &JSONArrayEncoder[T]{Codec: codec, Indent: "\t"}
}

// Encode implements Encoder.
func (e *JSONArrayEncoder[T]) Encode(batch []T, first bool) ([]byte, error) {
	codec := e.Codec
	if codec == nil {
		codec = defaultCodec()
	}

	var buf bytes.Buffer
	for i, item := range batch {
		if first && i == 0 {
			buf.WriteString("[\n")
		} else {
			buf.WriteString(",\n")
		}
		data, err := codec.Marshal(item)
		if err != nil {
			return nil, err
		}
		buf.WriteString(e.Indent)
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Trailer implements Encoder.
func (e *JSONArrayEncoder[T]) Trailer() []byte {
	return []byte("\n]\n")
}
