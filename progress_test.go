package iterflow

import (
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 Bytes"},
		{-5, "0 Bytes"},
		{512, "512Bytes"},
		{1024, "1KB"},
		{1536, "1.5KB"},
		{5 * 1024 * 1024, "5MB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	t.Run("Known total", func(t *testing.T) {
		s := Snapshot{Label: "in.csv", BytesProcessed: 250, TotalBytes: 1000, ItemsProcessed: 1234, Elapsed: 10 * time.Second}

		ratio, ok := s.Ratio()
		if !ok || ratio != 0.25 {
			t.Fatalf("expected ratio 0.25, got %v (%v)", ratio, ok)
		}
		eta, ok := s.ETA()
		if !ok || eta != 30*time.Second {
			t.Fatalf("expected a 30s ETA, got %v (%v)", eta, ok)
		}

		str := s.String()
		for _, want := range []string{`File: "in.csv"`, "Progress: 25.00%", "Items: 1,234", "ETA: 30s"} {
			if !strings.Contains(str, want) {
				t.Fatalf("expected %q in %q", want, str)
			}
		}
	})

	t.Run("Unknown total", func(t *testing.T) {
		s := Snapshot{BytesProcessed: 2048, Elapsed: time.Second}
		if _, ok := s.Ratio(); ok {
			t.Fatal("expected no ratio without a total")
		}
		if _, ok := s.ETA(); ok {
			t.Fatal("expected no ETA without a total")
		}
		if str := s.String(); !strings.Contains(str, "Processed: 2KB") || !strings.Contains(str, "Speed: 2KB/s") {
			t.Fatalf("unexpected summary %q", str)
		}
	})
}

func TestProgress(t *testing.T) {
	clock := fixedNowFunc()
	p := NewProgress("x", 100, func() time.Time { return clock })
	p.AddBytes(40)
	p.AddItems(4)
	clock = clock.Add(2 * time.Second)

	s := p.Snapshot()
	if s.BytesProcessed != 40 || s.ItemsProcessed != 4 || s.Elapsed != 2*time.Second {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if s.ItemsPerSecond != 2 || s.BytesPerSecond() != 20 {
		t.Fatalf("expected 2 items/s and 20 B/s, got %f and %f", s.ItemsPerSecond, s.BytesPerSecond())
	}
}

func TestReporter(t *testing.T) {
	t.Run("Throttles ticks, always flushes", func(t *testing.T) {
		calls := 0
		n := 0
		rep := newReporter(func(v int) { calls++ }, time.Hour, func() int { n++; return n })

		for range 10 {
			rep.tick()
		}
		if calls != 1 {
			t.Fatalf("expected one report within the interval, got %d", calls)
		}

		rep.flush()
		if calls != 2 {
			t.Fatalf("expected flush to report, got %d calls", calls)
		}
	})

	t.Run("Nil callback is a no-op", func(t *testing.T) {
		var nilRep *reporter[int]
		nilRep.tick()
		nilRep.flush()

		rep := newReporter[int](nil, time.Second, func() int {
			t.Fatal("snapshot taken without a callback")
			return 0
		})
		rep.tick()
		rep.flush()
	})
}
