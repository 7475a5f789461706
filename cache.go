package iterflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/gophersatwork/iterflow/internal/jsonpath"
)

// Cache wraps src with a folder-backed cache.
//
// The first run streams src through to the consumer while persisting every
// element under folder. A later run whose shape fingerprint, reference id and
// chunk format all match replays the persisted elements instead and never
// touches src. Anything else (a leftover .lock marker, a missing or unreadable
// _meta.json, a mismatch) discards the folder and rebuilds it. Recovery is
// logged, never returned.
//
// The reference id defaults to a hash of the current UTC date, so a cache is
// implicitly valid for one day unless WithReferenceID pins it.
// WithChunkSize(n) writes one cache-<i>.json per n elements; the default writes
// a single cache.json. WithDisabled returns src unchanged.
//
// A source error or an early stop leaves the .lock marker behind, so a partial
// folder is never served.
func Cache[T any](src iter.Seq2[T, error], folder string, shape Shape, options ...Option) (iter.Seq2[T, error], error) {
	cfg := newConfig(options)
	if src == nil {
		cfg.invalid("source must not be nil")
	}
	if folder == "" {
		cfg.invalid("cache folder must not be empty")
	}
	if !cfg.disabled {
		cfg.errors = append(cfg.errors, shape.problems()...)
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}

	if cfg.disabled {
		return src, nil
	}

	return func(yield func(T, error) bool) {
		c := &cacheRun[T]{
			src:    src,
			folder: folder,
			shape:  shape,
			cfg:    cfg,
			fs:     cfg.fs,
			logger: cfg.logger.With(zap.String("folder", folder)),
		}
		c.run(yield)
	}, nil
}

// cacheRun is one iteration of a Cache sequence.
type cacheRun[T any] struct {
	src    iter.Seq2[T, error]
	folder string
	shape  Shape
	cfg    *config
	fs     afero.Fs
	logger *zap.Logger
}

func (c *cacheRun[T]) format() string {
	if c.cfg.chunkSize > 0 {
		return FormatChunked
	}
	return FormatUnbounded
}

func (c *cacheRun[T]) referenceID() string {
	if c.cfg.referenceID != "" {
		return c.cfg.referenceID
	}
	return hashString(c.cfg.hashFunc, c.cfg.nowFunc().UTC().Format(time.DateOnly))
}

func (c *cacheRun[T]) run(yield func(T, error) bool) {
	var zero T

	fingerprint, err := c.shape.Fingerprint(c.fs, c.cfg.hashFunc)
	if err != nil {
		yield(zero, sourceError("fingerprint", err))
		return
	}
	ref := c.referenceID()

	meta, err := c.validate(fingerprint, ref)
	if err != nil {
		yield(zero, sourceError("cache", err))
		return
	}

	if meta != nil {
		c.logger.Info("replaying cache",
			zap.String("fingerprint", fingerprint),
			zap.Int64("items", meta.Items),
			zap.Int("chunks", meta.Chunks))
		c.replay(meta, yield)
		return
	}

	c.logger.Debug("building cache", zap.String("fingerprint", fingerprint), zap.String("shape", c.shape.String()))
	c.build(fingerprint, ref, yield)
}

// validate returns the metadata of a reusable folder, or nil after discarding
// whatever was there. The error is only set when the folder cannot be cleaned.
func (c *cacheRun[T]) validate(fingerprint, ref string) (*CacheMeta, error) {
	exists, err := afero.DirExists(c.fs, c.folder)
	if err != nil {
		return nil, fmt.Errorf("failed to check cache folder: %w", err)
	}
	if !exists {
		return nil, nil
	}

	meta, reason := c.check(fingerprint, ref)
	if reason == nil {
		return meta, nil
	}

	c.logger.Info("discarding cache folder", zap.Error(reason))
	if err := c.fs.RemoveAll(c.folder); err != nil {
		return nil, fmt.Errorf("failed to remove cache folder: %w", err)
	}
	return nil, nil
}

// check inspects an existing folder and returns why it cannot be replayed.
func (c *cacheRun[T]) check(fingerprint, ref string) (*CacheMeta, error) {
	if locked, _ := afero.Exists(c.fs, lockPath(c.folder)); locked {
		return nil, fmt.Errorf("%w: leftover lock marker", ErrCacheCorrupt)
	}

	meta, err := loadMeta(c.fs, c.folder)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
	}
	if err := meta.mismatch(fingerprint, ref, c.format()); err != nil {
		return nil, err
	}

	switch meta.Format {
	case FormatChunked:
		chunks, err := listChunks(c.fs, c.folder)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
		}
		if len(chunks) != meta.Chunks {
			return nil, fmt.Errorf("%w: found %d chunk files, metadata lists %d", ErrCacheCorrupt, len(chunks), meta.Chunks)
		}
	case FormatUnbounded:
		if meta.Items > 0 {
			if ok, _ := afero.Exists(c.fs, unboundedPath(c.folder)); !ok {
				return nil, fmt.Errorf("%w: %s is missing", ErrCacheCorrupt, unboundedFileName)
			}
		}
	}
	return meta, nil
}

// replay yields the persisted elements in chunk order.
// A chunk that fails to decode discards the folder and ends the sequence with
// an error, since some elements may already have been delivered.
func (c *cacheRun[T]) replay(meta *CacheMeta, yield func(T, error) bool) {
	var zero T

	progress := NewProgress(c.folder, 0, c.cfg.nowFunc)
	rep := newReporter[Snapshot](c.cfg.progress, c.cfg.interval(defaultProgressInterval), progress.Snapshot)
	defer rep.flush()

	emit := func(item T) bool {
		progress.AddItems(1)
		rep.tick()
		return yield(item, nil)
	}

	var err error
	stopped := false
	if meta.Format == FormatChunked {
		stopped, err = c.replayChunks(progress, emit)
	} else if meta.Items > 0 {
		stopped, err = c.replayUnbounded(progress, emit)
	}
	if stopped {
		return
	}
	if err != nil {
		c.logger.Warn("cache replay failed, discarding folder", zap.Error(err))
		_ = c.fs.RemoveAll(c.folder)
		yield(zero, sourceError("cache replay", err))
	}
}

func (c *cacheRun[T]) replayChunks(progress *Progress, emit func(T) bool) (bool, error) {
	chunks, err := listChunks(c.fs, c.folder)
	if err != nil {
		return false, err
	}

	for _, chunk := range chunks {
		data, err := afero.ReadFile(c.fs, chunk.path)
		if err != nil {
			return false, fmt.Errorf("failed to read chunk %d: %w", chunk.index, err)
		}
		progress.AddBytes(int64(len(data)))

		var items []T
		if err := c.cfg.codec.Unmarshal(data, &items); err != nil {
			return false, fmt.Errorf("%w: chunk %d: %w", ErrCacheCorrupt, chunk.index, err)
		}
		for _, item := range items {
			if !emit(item) {
				return true, nil
			}
		}
	}
	return false, nil
}

var errStopReplay = errors.New("replay stopped")

func (c *cacheRun[T]) replayUnbounded(progress *Progress, emit func(T) bool) (bool, error) {
	f, err := c.fs.Open(unboundedPath(c.folder))
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", unboundedFileName, err)
	}
	defer f.Close()

	reader := NewPausableReader(f, progress)
	err = jsonpath.Elements(context.Background(), reader, func(raw json.RawMessage) error {
		var item T
		if err := c.cfg.codec.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
		}
		if !emit(item) {
			return errStopReplay
		}
		return nil
	})
	if errors.Is(err, errStopReplay) {
		return true, nil
	}
	return false, err
}

// build streams src to the consumer while persisting it.
func (c *cacheRun[T]) build(fingerprint, ref string, yield func(T, error) bool) {
	var zero T

	if err := c.fs.MkdirAll(c.folder, 0o755); err != nil {
		yield(zero, sourceError("cache", fmt.Errorf("failed to create cache folder: %w", err)))
		return
	}

	lock := &LockInfo{Started: c.cfg.nowFunc(), RunID: uuid.NewString()}
	if err := writeLock(c.fs, c.folder, lock); err != nil {
		yield(zero, sourceError("cache", err))
		return
	}
	logger := c.logger.With(zap.String("run_id", lock.RunID))

	progress := NewProgress(c.folder, 0, c.cfg.nowFunc)
	rep := newReporter[Snapshot](c.cfg.progress, c.cfg.interval(defaultProgressInterval), progress.Snapshot)
	defer rep.flush()

	var w cacheWriter[T]
	if c.cfg.chunkSize > 0 {
		w = &chunkWriter[T]{fs: c.fs, folder: c.folder, size: c.cfg.chunkSize, codec: c.cfg.codec}
	} else {
		sinkCfg := *c.cfg
		sinkCfg.progress = nil
		w = &unboundedWriter[T]{sink: newSinkWriter(
			FileDestination(c.fs, unboundedPath(c.folder), Overwrite),
			&JSONArrayEncoder[T]{Codec: c.cfg.codec},
			&sinkCfg,
		)}
	}

	finished := false
	defer func() {
		if !finished {
			// The lock marker stays so the next run rebuilds.
			_ = w.close()
			logger.Debug("cache build interrupted")
		}
	}()

	var items int64
	for item, err := range c.src {
		if err != nil {
			yield(zero, err)
			return
		}
		if err := w.add(item); err != nil {
			yield(zero, sourceError("cache write", err))
			return
		}
		items++
		progress.AddItems(1)
		rep.tick()
		if !yield(item, nil) {
			return
		}
	}

	finished = true
	if err := w.close(); err != nil {
		yield(zero, sourceError("cache write", err))
		return
	}

	meta := &CacheMeta{
		Fingerprint: fingerprint,
		ReferenceID: ref,
		CreatedAt:   c.cfg.nowFunc(),
		Format:      c.format(),
		Shape:       c.shape.String(),
		ChunkSize:   c.cfg.chunkSize,
		Chunks:      w.chunks(),
		Items:       items,
		RunID:       lock.RunID,
	}
	if err := saveMeta(c.fs, c.folder, meta); err != nil {
		yield(zero, sourceError("cache write", err))
		return
	}
	if err := c.fs.Remove(lockPath(c.folder)); err != nil && !errors.Is(err, os.ErrNotExist) {
		yield(zero, sourceError("cache write", fmt.Errorf("failed to remove lock marker: %w", err)))
		return
	}

	logger.Info("cache built", zap.Int64("items", items), zap.Int("chunks", meta.Chunks))
}

// cacheWriter persists elements during a build.
type cacheWriter[T any] interface {
	add(item T) error
	close() error
	chunks() int
}

// chunkWriter writes one JSON array file per size elements.
type chunkWriter[T any] struct {
	fs     afero.Fs
	folder string
	size   int
	codec  Codec

	pending []T
	written int
}

func (w *chunkWriter[T]) add(item T) error {
	w.pending = append(w.pending, item)
	if len(w.pending) >= w.size {
		return w.flush()
	}
	return nil
}

func (w *chunkWriter[T]) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	data, err := w.codec.Marshal(w.pending)
	if err != nil {
		return fmt.Errorf("failed to encode chunk %d: %w", w.written, err)
	}
	if err := afero.WriteFile(w.fs, chunkPath(w.folder, w.written), data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", w.written, err)
	}
	w.written++
	clear(w.pending)
	w.pending = w.pending[:0]
	return nil
}

func (w *chunkWriter[T]) close() error { return w.flush() }

func (w *chunkWriter[T]) chunks() int { return w.written }

// unboundedWriter streams every element into a single cache.json.
type unboundedWriter[T any] struct {
	sink *sinkWriter[T]
}

func (w *unboundedWriter[T]) add(item T) error { return w.sink.add(item) }

func (w *unboundedWriter[T]) close() error { return w.sink.close() }

func (w *unboundedWriter[T]) chunks() int {
	if w.sink.written {
		return 1
	}
	return 0
}
