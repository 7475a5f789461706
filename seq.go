package iterflow

import (
	"iter"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	onProgressInterval = 2 * time.Second
	speedWindowSize    = 20
)

// FromSlice returns a sequence over items. It never yields an error.
func FromSlice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice. It stops at the first error and returns
// the items read so far along with it.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var items []T
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Drain consumes seq for its side effects and returns the number of items.
func Drain[T any](seq iter.Seq2[T, error]) (int, error) {
	n := 0
	for _, err := range seq {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// OnDone calls fn once src is exhausted without error.
// It is not called after an error or an early stop.
func OnDone[T any](src iter.Seq2[T, error], fn func()) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for item, err := range src {
			if !yield(item, err) || err != nil {
				return
			}
		}
		fn()
	}
}

// OnProgress reports how fast items flow through src. Speed is the mean over
// the last 20 gaps between items. fn runs once before the first item, then at
// most once per interval (WithProgress interval, default 2s), then once at the end.
func OnProgress[T any](src iter.Seq2[T, error], fn ProgressFunc, options ...Option) iter.Seq2[T, error] {
	cfg := newConfig(options)

	return func(yield func(T, error) bool) {
		progress := NewProgress(cfg.label, 0, cfg.nowFunc)
		window := newSpeedWindow(speedWindowSize)

		snapshot := func() Snapshot {
			s := progress.Snapshot()
			s.ItemsPerSecond = window.itemsPerSecond()
			return s
		}
		rep := newReporter[Snapshot](fn, cfg.interval(onProgressInterval), snapshot)
		rep.tick()
		defer rep.flush()

		for item, err := range src {
			if err == nil {
				progress.AddItems(1)
				window.add(cfg.nowFunc())
				rep.tick()
			}
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// speedWindow keeps the most recent gaps between items.
type speedWindow struct {
	last  time.Time
	gaps  []float64 // Seconds, oldest first
	limit int
}

func newSpeedWindow(limit int) *speedWindow {
	return &speedWindow{gaps: make([]float64, 0, limit), limit: limit}
}

func (w *speedWindow) add(now time.Time) {
	if !w.last.IsZero() {
		if len(w.gaps) == w.limit {
			copy(w.gaps, w.gaps[1:])
			w.gaps = w.gaps[:w.limit-1]
		}
		w.gaps = append(w.gaps, now.Sub(w.last).Seconds())
	}
	w.last = now
}

func (w *speedWindow) itemsPerSecond() float64 {
	if len(w.gaps) == 0 {
		return 0
	}
	mean := stat.Mean(w.gaps, nil)
	if mean <= 0 {
		return 0
	}
	return 1 / mean
}
