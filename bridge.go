package iterflow

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/spf13/afero"
)

// FlowController is a byte source that can be asked to stop and restart producing.
type FlowController interface {
	Pause()
	Resume()
}

// EmitFunc hands one item to a Bridge. It blocks while the bridge queue is full
// and returns an error once the consumer has gone away.
type EmitFunc[T any] func(item T) error

// ProduceFunc is a push-style producer. It calls emit once per item and returns
// when it is done or when emit fails.
type ProduceFunc[T any] func(ctx context.Context, emit EmitFunc[T]) error

// Bridge adapts a push-style producer into a pull sequence.
//
// The producer runs in its own goroutine and pushes into a queue bounded by the
// watermark (WithWatermark, default 10). A full queue pauses the producer and the
// FlowController registered with WithFlowController; draining below the
// watermark resumes them. Items queued before a producer error are delivered
// first, then the error is yielded as a *SourceError. Stopping the iteration
// early cancels the producer and waits for it to return.
func Bridge[T any](ctx context.Context, produce ProduceFunc[T], options ...Option) (iter.Seq2[T, error], error) {
	cfg := newConfig(options)
	if produce == nil {
		cfg.invalid("producer must not be nil")
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}
	return bridge(ctx, produce, cfg), nil
}

func bridge[T any](parent context.Context, produce ProduceFunc[T], cfg *config) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		ctx, cancel := context.WithCancel(parent)
		queue := make(chan T, cfg.watermark)
		flow := &flowState{fc: cfg.flow}

		var produceErr error
		go func() {
			defer close(queue)
			produceErr = produce(ctx, func(item T) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if len(queue) >= cap(queue) {
					flow.pause()
				}
				select {
				case queue <- item:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		defer func() {
			cancel()
			flow.stop()
			for range queue {
			}
		}()

		for item := range queue {
			flow.drained(len(queue), cap(queue))
			if !yield(item, nil) {
				return
			}
		}

		if produceErr != nil {
			var zero T
			yield(zero, sourceError("produce", produceErr))
		}
	}
}

// flowState tracks whether the producer side is currently paused.
// The mutex keeps the flag and the FlowController calls in the same order.
// Once stopped it never pauses again.
type flowState struct {
	fc      FlowController
	mu      sync.Mutex
	paused  bool
	stopped bool
	pauses  int
}

func (f *flowState) pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused || f.stopped {
		return
	}
	f.paused = true
	f.pauses++
	if f.fc != nil {
		f.fc.Pause()
	}
}

func (f *flowState) drained(queued, capacity int) {
	if queued < capacity {
		f.release()
	}
}

func (f *flowState) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resume()
}

// stop resumes a paused producer and disables further pauses.
func (f *flowState) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.resume()
}

func (f *flowState) resume() {
	if !f.paused {
		return
	}
	f.paused = false
	if f.fc != nil {
		f.fc.Resume()
	}
}

// PausableReader wraps a byte source so a Bridge can hold it while the
// consumer catches up. It also counts the bytes it reads.
type PausableReader struct {
	r        io.Reader
	progress *Progress

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

// NewPausableReader wraps r. progress may be nil.
func NewPausableReader(r io.Reader, progress *Progress) *PausableReader {
	pr := &PausableReader{r: r, progress: progress}
	pr.cond = sync.NewCond(&pr.mu)
	return pr
}

// Read blocks while the reader is paused.
func (pr *PausableReader) Read(p []byte) (int, error) {
	pr.mu.Lock()
	for pr.paused {
		pr.cond.Wait()
	}
	pr.mu.Unlock()

	n, err := pr.r.Read(p)
	if n > 0 && pr.progress != nil {
		pr.progress.AddBytes(int64(n))
	}
	return n, err
}

// Pause implements FlowController.
func (pr *PausableReader) Pause() {
	pr.mu.Lock()
	pr.paused = true
	pr.mu.Unlock()
}

// Resume implements FlowController.
func (pr *PausableReader) Resume() {
	pr.mu.Lock()
	pr.paused = false
	pr.mu.Unlock()
	pr.cond.Broadcast()
}

// Paused reports whether reads are currently held.
func (pr *PausableReader) Paused() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.paused
}

// Decoder is the push-style format collaborator: it reads r and calls emit
// once per decoded record.
type Decoder[T any] interface {
	Decode(ctx context.Context, r io.Reader, emit EmitFunc[T]) error
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc[T any] func(ctx context.Context, r io.Reader, emit EmitFunc[T]) error

// Decode implements Decoder.
func (f DecoderFunc[T]) Decode(ctx context.Context, r io.Reader, emit EmitFunc[T]) error {
	return f(ctx, r, emit)
}

// Source is an opened byte source.
type Source struct {
	io.ReadCloser
	Name string // Used in progress reports
	Size int64  // Expected byte count, zero when unknown
}

// OpenFunc opens a byte source. It is called on the first pull, once per iteration.
type OpenFunc func() (*Source, error)

// OpenFile returns an OpenFunc for a file on fs.
func OpenFile(fs afero.Fs, path string) OpenFunc {
	return func() (*Source, error) {
		f, err := fs.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		return &Source{ReadCloser: f, Name: path, Size: info.Size()}, nil
	}
}

// Decode streams the records dec finds in the source returned by open.
//
// The source is opened lazily and closed on every exit path, including an
// early stop by the consumer. Progress reports carry bytes read, items
// produced and, when the source size is known, an ETA.
func Decode[T any](ctx context.Context, open OpenFunc, dec Decoder[T], options ...Option) (iter.Seq2[T, error], error) {
	cfg := newConfig(options)
	if open == nil {
		cfg.invalid("open function must not be nil")
	}
	if dec == nil {
		cfg.invalid("decoder must not be nil")
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}

	return func(yield func(T, error) bool) {
		var zero T

		src, err := open()
		if err != nil {
			yield(zero, sourceError("open", err))
			return
		}
		defer src.Close()

		progress := NewProgress(src.Name, src.Size, cfg.nowFunc)
		rep := newReporter[Snapshot](cfg.progress, cfg.interval(defaultProgressInterval), progress.Snapshot)
		defer rep.flush()

		reader := NewPausableReader(src, progress)
		bridgeCfg := *cfg
		bridgeCfg.flow = reader

		items := bridge(ctx, func(ctx context.Context, emit EmitFunc[T]) error {
			return dec.Decode(ctx, reader, emit)
		}, &bridgeCfg)

		for item, err := range items {
			if err != nil {
				yield(zero, err)
				return
			}
			progress.AddItems(1)
			rep.tick()
			if !yield(item, nil) {
				return
			}
		}
	}, nil
}
