package iterflow

import (
	"fmt"
	"math"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"
)

const (
	defaultProgressInterval = 3 * time.Second
	groupProgressInterval   = time.Second
)

// ProgressFunc receives progress snapshots.
type ProgressFunc func(Snapshot)

// Progress accumulates byte and item counters for one running operation.
// Counters may be updated from the producer goroutine while a snapshot is taken.
type Progress struct {
	label string
	bytes atomic.Int64
	items atomic.Int64
	start time.Time
	total int64
	now   NowFunc
}

// NewProgress starts a counter. total is the expected byte count, or zero when unknown.
func NewProgress(label string, total int64, now NowFunc) *Progress {
	if now == nil {
		now = time.Now
	}
	return &Progress{label: label, start: now(), total: total, now: now}
}

// AddBytes records n processed bytes.
func (p *Progress) AddBytes(n int64) {
	p.bytes.Add(n)
}

// AddItems records n processed items.
func (p *Progress) AddItems(n int64) {
	p.items.Add(n)
}

// SetTotal sets the expected byte count.
func (p *Progress) SetTotal(total int64) {
	p.total = total
}

// Snapshot captures the current counters.
func (p *Progress) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s := Snapshot{
		Label:          p.label,
		BytesProcessed: p.bytes.Load(),
		ItemsProcessed: p.items.Load(),
		StartTime:      p.start,
		TotalBytes:     p.total,
		Elapsed:        p.now().Sub(p.start),
		HeapAlloc:      mem.HeapAlloc,
	}
	if s.Elapsed > 0 {
		s.ItemsPerSecond = float64(s.ItemsProcessed) / s.Elapsed.Seconds()
	}
	return s
}

// Snapshot is a point-in-time copy of a Progress.
type Snapshot struct {
	Label          string
	BytesProcessed int64
	ItemsProcessed int64
	StartTime      time.Time
	TotalBytes     int64 // Zero when unknown
	Elapsed        time.Duration
	ItemsPerSecond float64
	HeapAlloc      uint64
}

// BytesPerSecond returns the average throughput since the start.
func (s Snapshot) BytesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesProcessed) / s.Elapsed.Seconds()
}

// Ratio returns the processed fraction of TotalBytes.
func (s Snapshot) Ratio() (float64, bool) {
	if s.TotalBytes <= 0 {
		return 0, false
	}
	return float64(s.BytesProcessed) / float64(s.TotalBytes), true
}

// ETA estimates the remaining time from the average throughput.
func (s Snapshot) ETA() (time.Duration, bool) {
	speed := s.BytesPerSecond()
	if s.TotalBytes <= 0 || speed <= 0 {
		return 0, false
	}
	remaining := float64(s.TotalBytes-s.BytesProcessed) / speed
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining * float64(time.Second)).Round(time.Second), true
}

// String returns a human-readable summary.
func (s Snapshot) String() string {
	p := message.NewPrinter(language.English)
	prefix := ""
	if s.Label != "" {
		prefix = fmt.Sprintf("File: %q, ", s.Label)
	}
	speed := FormatBytes(int64(s.BytesPerSecond())) + "/s"

	if ratio, ok := s.Ratio(); ok {
		eta, _ := s.ETA()
		return p.Sprintf("%sProgress: %.2f%%, Items: %d, Speed: %s, ETA: %s, Memory: %s",
			prefix, ratio*100, s.ItemsProcessed, speed, eta, FormatBytes(int64(s.HeapAlloc)))
	}
	if s.BytesProcessed > 0 {
		return p.Sprintf("%sItems: %d, Processed: %s, Speed: %s, Memory: %s",
			prefix, s.ItemsProcessed, FormatBytes(s.BytesProcessed), speed, FormatBytes(int64(s.HeapAlloc)))
	}
	return p.Sprintf("%sItems: %d, Speed: %.2f items/s, Memory: %s",
		prefix, s.ItemsProcessed, s.ItemsPerSecond, FormatBytes(int64(s.HeapAlloc)))
}

var byteUnits = []string{"Bytes", "KB", "MB", "GB", "TB", "PB", "EB"}

// FormatBytes renders a byte count with a binary unit, e.g. 1536 -> "1.5KB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(byteUnits) {
		i = len(byteUnits) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + byteUnits[i]
}

// reporter throttles a progress callback. It owns no timer: ticks come from the
// operation itself, so nothing outlives it.
type reporter[S any] struct {
	fn       func(S)
	snapshot func() S
	limiter  *rate.Sometimes
}

func newReporter[S any](fn func(S), interval time.Duration, snapshot func() S) *reporter[S] {
	return &reporter[S]{
		fn:       fn,
		snapshot: snapshot,
		limiter:  &rate.Sometimes{Interval: interval},
	}
}

// tick reports if the interval has elapsed since the last report.
func (r *reporter[S]) tick() {
	if r == nil || r.fn == nil {
		return
	}
	r.limiter.Do(func() {
		r.fn(r.snapshot())
	})
}

// flush reports unconditionally.
func (r *reporter[S]) flush() {
	if r == nil || r.fn == nil {
		return
	}
	r.fn(r.snapshot())
}
