package iterflow

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"runtime"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const spillBufferSize = 64 * 1024

// KeyFunc extracts the grouping key of an element.
type KeyFunc[T any] func(item T) string

// Group is one key and every element that had it, in insertion order.
type Group[T any] struct {
	Key   string
	Items []T
}

// GroupBy groups src by key using a spill file instead of memory.
//
// The grouping phase reads src once, serializes every element with the
// configured Codec and appends it to a single temporary file, remembering
// the (offset, length) of each record per key. The reading phase then walks
// the keys in first-seen order and reads every recorded range back, so only
// one group is held in memory at a time.
//
// The spill file lives in WithTempDir (default: the OS temp dir) and is
// removed on every exit path. A record that cannot be read back aborts the
// sequence with a *GroupReplayError.
func GroupBy[T any](src iter.Seq2[T, error], keyFn KeyFunc[T], options ...Option) (iter.Seq2[Group[T], error], error) {
	cfg := newConfig(options)
	if src == nil {
		cfg.invalid("source must not be nil")
	}
	if keyFn == nil {
		cfg.invalid("key function must not be nil")
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}

	return func(yield func(Group[T], error) bool) {
		g := &groupRun[T]{
			src:      src,
			keyFn:    keyFn,
			cfg:      cfg,
			index:    newGroupIndex(),
			progress: newGroupProgress(cfg.nowFunc),
		}
		g.run(yield)
	}, nil
}

// span locates one serialized record in the spill file.
type span struct {
	offset int64
	length int64
}

// groupIndex maps keys to their records and remembers first-seen key order.
type groupIndex struct {
	keys  []string
	spans map[string][]span
	size  int64 // Sum of all span lengths
}

func newGroupIndex() *groupIndex {
	return &groupIndex{spans: make(map[string][]span)}
}

// add records a span at the current end of the file and returns whether key is new.
func (idx *groupIndex) add(key string, length int64) bool {
	spans, seen := idx.spans[key]
	if !seen {
		idx.keys = append(idx.keys, key)
	}
	idx.spans[key] = append(spans, span{offset: idx.size, length: length})
	idx.size += length
	return !seen
}

type groupRun[T any] struct {
	src      iter.Seq2[T, error]
	keyFn    KeyFunc[T]
	cfg      *config
	index    *groupIndex
	progress *groupProgress
	rep      *reporter[GroupSnapshot]

	file afero.File
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func (g *groupRun[T]) run(yield func(Group[T], error) bool) {
	var zero Group[T]
	logger := g.cfg.logger

	g.rep = newReporter[GroupSnapshot](g.cfg.groupProgress, g.cfg.groupReportInterval(), g.progress.snapshot)
	defer g.rep.flush()

	err := g.open()
	if g.file != nil {
		defer g.close()
	}
	if err != nil {
		yield(zero, sourceError("spill", err))
		return
	}
	logger.Debug("spill file created", zap.String("path", g.file.Name()), zap.Bool("compressed", g.enc != nil))

	if err := g.group(); err != nil {
		yield(zero, err)
		return
	}
	logger.Debug("grouping done",
		zap.Int64("items", g.progress.groupedItems),
		zap.Int("groups", len(g.index.keys)),
		zap.Int64("bytes", g.index.size))

	if err := g.verify(); err != nil {
		yield(zero, err)
		return
	}

	g.progress.start(GroupReading)
	for _, key := range g.index.keys {
		items, err := g.read(key)
		if err != nil {
			yield(zero, err)
			return
		}
		g.progress.readGroups++
		g.rep.tick()
		if !yield(Group[T]{Key: key, Items: items}, nil) {
			return
		}
	}
	g.progress.stop(GroupReading)
}

func (g *groupRun[T]) open() error {
	f, err := afero.TempFile(g.cfg.fs, g.cfg.tempDir, "iterflow-groupby-*.spill")
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}
	g.file = f

	if g.cfg.spillCompression {
		if g.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)); err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		if g.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
			return fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}
	return nil
}

// close releases the codecs and removes the spill file.
func (g *groupRun[T]) close() {
	if g.enc != nil {
		_ = g.enc.Close()
	}
	if g.dec != nil {
		g.dec.Close()
	}
	name := g.file.Name()
	_ = g.file.Close()
	if err := g.cfg.fs.Remove(name); err != nil {
		g.cfg.logger.Warn("failed to remove spill file", zap.String("path", name), zap.Error(err))
	}
}

// group runs the grouping phase.
func (g *groupRun[T]) group() error {
	w := bufio.NewWriterSize(g.file, spillBufferSize)

	g.progress.start(GroupGrouping)
	for item, err := range g.src {
		if err != nil {
			return sourceError("group", err)
		}

		data, err := g.cfg.codec.Marshal(item)
		if err != nil {
			return sourceError("group", fmt.Errorf("failed to serialize item: %w", err))
		}
		if g.enc != nil {
			data = g.enc.EncodeAll(data, make([]byte, 0, len(data)))
		}
		if _, err := w.Write(data); err != nil {
			return sourceError("spill", fmt.Errorf("failed to append to spill file: %w", err))
		}

		if g.index.add(g.keyFn(item), int64(len(data))) {
			g.progress.groupedGroups++
		}
		g.progress.groupedItems++
		g.progress.groupedBytes += int64(len(data))
		g.rep.tick()
	}

	if err := w.Flush(); err != nil {
		return sourceError("spill", fmt.Errorf("failed to flush spill file: %w", err))
	}
	g.progress.stop(GroupGrouping)
	return nil
}

// verify checks that the index covers exactly the bytes in the spill file.
func (g *groupRun[T]) verify() error {
	info, err := g.file.Stat()
	if err != nil {
		return &GroupReplayError{Length: g.index.size, Err: fmt.Errorf("failed to stat spill file: %w", err)}
	}
	if info.Size() != g.index.size {
		return &GroupReplayError{
			Length: g.index.size,
			Err:    fmt.Errorf("%w: index covers %d bytes, file has %d", ErrSpillCorrupt, g.index.size, info.Size()),
		}
	}
	return nil
}

// read loads every record of key from the spill file.
func (g *groupRun[T]) read(key string) ([]T, error) {
	spans := g.index.spans[key]
	items := make([]T, 0, len(spans))

	for _, sp := range spans {
		buf := make([]byte, sp.length)
		n, err := g.file.ReadAt(buf, sp.offset)
		if int64(n) < sp.length {
			if err == nil || err == io.EOF {
				err = fmt.Errorf("%w: short read of %d bytes", ErrSpillCorrupt, n)
			}
			return nil, &GroupReplayError{Key: key, Offset: sp.offset, Length: sp.length, Err: err}
		}

		if g.dec != nil {
			if buf, err = g.dec.DecodeAll(buf, nil); err != nil {
				return nil, &GroupReplayError{Key: key, Offset: sp.offset, Length: sp.length, Err: fmt.Errorf("%w: %w", ErrSpillCorrupt, err)}
			}
		}

		var item T
		if err := g.cfg.codec.Unmarshal(buf, &item); err != nil {
			return nil, &GroupReplayError{Key: key, Offset: sp.offset, Length: sp.length, Err: fmt.Errorf("%w: %w", ErrSpillCorrupt, err)}
		}
		items = append(items, item)

		g.progress.readItems++
		g.progress.readBytes += sp.length
	}
	return items, nil
}

// GroupState is the phase a GroupBy is in.
type GroupState string

const (
	GroupIdle     GroupState = "idle"
	GroupGrouping GroupState = "grouping"
	GroupReading  GroupState = "reading"
)

// GroupProgressFunc receives group-by progress snapshots.
type GroupProgressFunc func(GroupSnapshot)

// groupProgress tracks both phases of one GroupBy. It is only touched by the
// consuming goroutine.
type groupProgress struct {
	now   NowFunc
	state GroupState

	groupedItems, groupedBytes, groupedGroups int64
	readItems, readBytes, readGroups          int64

	groupingStart, groupingStop time.Time
	readingStart, readingStop   time.Time
}

func newGroupProgress(now NowFunc) *groupProgress {
	return &groupProgress{now: now, state: GroupIdle}
}

func (p *groupProgress) start(state GroupState) {
	p.state = state
	switch state {
	case GroupGrouping:
		p.groupingStart = p.now()
	case GroupReading:
		p.readingStart = p.now()
	}
}

func (p *groupProgress) stop(state GroupState) {
	switch state {
	case GroupGrouping:
		p.groupingStop = p.now()
	case GroupReading:
		p.readingStop = p.now()
	}
}

func (p *groupProgress) snapshot() GroupSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return GroupSnapshot{
		State:         p.state,
		GroupedItems:  p.groupedItems,
		GroupedBytes:  p.groupedBytes,
		GroupedGroups: p.groupedGroups,
		ReadItems:     p.readItems,
		ReadBytes:     p.readBytes,
		ReadGroups:    p.readGroups,
		GroupingStart: p.groupingStart,
		GroupingStop:  p.groupingStop,
		ReadingStart:  p.readingStart,
		ReadingStop:   p.readingStop,
		Taken:         p.now(),
		HeapAlloc:     mem.HeapAlloc,
	}
}

// GroupSnapshot is a point-in-time copy of a GroupBy's counters.
// Grouping and reading are counted separately.
type GroupSnapshot struct {
	State GroupState

	GroupedItems  int64
	GroupedBytes  int64
	GroupedGroups int64

	ReadItems  int64
	ReadBytes  int64
	ReadGroups int64

	GroupingStart, GroupingStop time.Time
	ReadingStart, ReadingStop   time.Time

	Taken     time.Time
	HeapAlloc uint64
}

// GroupingBytesPerSecond returns the spill throughput of the grouping phase.
func (s GroupSnapshot) GroupingBytesPerSecond() float64 {
	return perSecond(s.GroupedBytes, s.GroupingStart, s.GroupingStop, s.Taken)
}

// ReadingBytesPerSecond returns the replay throughput of the reading phase.
func (s GroupSnapshot) ReadingBytesPerSecond() float64 {
	return perSecond(s.ReadBytes, s.ReadingStart, s.ReadingStop, s.Taken)
}

func perSecond(n int64, start, stop, now time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	end := now
	if !stop.IsZero() && stop.After(start) {
		end = stop
	}
	elapsed := end.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed
}

// String returns a human-readable summary of the current phase.
func (s GroupSnapshot) String() string {
	p := message.NewPrinter(language.English)
	mem := FormatBytes(int64(s.HeapAlloc))

	switch s.State {
	case GroupGrouping:
		return p.Sprintf("Grouping, Items: %d, Total Groups: %d, Grouped Size: %s, Memory: %s",
			s.GroupedItems, s.GroupedGroups, FormatBytes(s.GroupedBytes), mem)
	case GroupReading:
		ratio := 0.0
		if s.GroupedItems > 0 {
			ratio = float64(s.ReadItems) / float64(s.GroupedItems) * 100
		}
		return p.Sprintf("Reading, Progress: %.2f%%, Groups: %d/%d, Memory: %s",
			ratio, s.ReadGroups, s.GroupedGroups, mem)
	default:
		return "Grouping idle..."
	}
}
