package iterflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

// countingEncoder writes one line per item and counts Encode calls.
type countingEncoder struct {
	calls   int
	batches []int
	fail    bool
}

func (e *countingEncoder) Encode(batch []int, first bool) ([]byte, error) {
	e.calls++
	e.batches = append(e.batches, len(batch))
	if e.fail {
		return nil, errors.New("encode failed")
	}
	var b strings.Builder
	if first {
		b.WriteString("header\n")
	}
	for _, v := range batch {
		fmt.Fprintf(&b, "%d\n", v)
	}
	return []byte(b.String()), nil
}

func (e *countingEncoder) Trailer() []byte {
	return []byte("end\n")
}

func readString(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestWrite(t *testing.T) {
	t.Run("Zero items create no file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		n, err := Write(FromSlice([]int{}), FileDestination(fs, "out/empty.txt", Overwrite), &countingEncoder{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 0 {
			t.Fatalf("expected 0 items, got %d", n)
		}
		assertFileExists(t, fs, "out/empty.txt", false)
	})

	t.Run("Batches items and writes the trailer", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		enc := &countingEncoder{}

		n, err := Write(FromSlice(intRange(5)), FileDestination(fs, "out/data.txt", Overwrite), enc, WithBatchSize(2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 5 {
			t.Fatalf("expected 5 items, got %d", n)
		}
		if !slices.Equal(enc.batches, []int{2, 2, 1}) {
			t.Fatalf("expected batches [2 2 1], got %v", enc.batches)
		}

		want := "header\n0\n1\n2\n3\n4\nend\n"
		if got := readString(t, fs, "out/data.txt"); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})

	t.Run("Append keeps existing content", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		if err := afero.WriteFile(fs, "log.txt", []byte("old\n"), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := Write(FromSlice([]int{7}), FileDestination(fs, "log.txt", Append), &countingEncoder{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := readString(t, fs, "log.txt"); got != "old\nheader\n7\nend\n" {
			t.Fatalf("unexpected content %q", got)
		}
	})

	t.Run("Overwrite truncates existing content", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		if err := afero.WriteFile(fs, "out.txt", []byte(strings.Repeat("x", 100)), 0o644); err != nil {
			t.Fatal(err)
		}

		if _, err := Write(FromSlice([]int{1}), FileDestination(fs, "out.txt", Overwrite), &countingEncoder{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := readString(t, fs, "out.txt"); got != "header\n1\nend\n" {
			t.Fatalf("unexpected content %q", got)
		}
	})

	t.Run("Source error still finalizes the sink", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		boom := errors.New("boom")

		n, err := Write(failingSeq([]int{1, 2}, boom), FileDestination(fs, "partial.txt", Overwrite), &countingEncoder{})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 items before the error, got %d", n)
		}
		if got := readString(t, fs, "partial.txt"); got != "header\n1\n2\nend\n" {
			t.Fatalf("unexpected content %q", got)
		}
	})

	t.Run("Encode error is returned", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := Write(FromSlice([]int{1}), FileDestination(fs, "x.txt", Overwrite), &countingEncoder{fail: true})
		if err == nil || !strings.Contains(err.Error(), "encode failed") {
			t.Fatalf("expected encode error, got %v", err)
		}
	})

	t.Run("Open failure is returned", func(t *testing.T) {
		fs := &mockFailingFs{fs: afero.NewMemMapFs(), failOnWriteFile: true}
		_, err := Write(FromSlice([]int{1}), FileDestination(fs, "x.txt", Overwrite), &countingEncoder{})
		if err == nil || !strings.Contains(err.Error(), "mock OpenFile error") {
			t.Fatalf("expected open error, got %v", err)
		}
	})

	t.Run("Invalid batch size", func(t *testing.T) {
		_, err := Write(FromSlice([]int{1}), FileDestination(afero.NewMemMapFs(), "x", Overwrite), &countingEncoder{}, WithBatchSize(maxBatchSize+1))
		assertConfigError(t, err, "batch size")
	})
}

func TestWriteTo(t *testing.T) {
	t.Run("Re-emits every element", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		seq := must(WriteTo(FromSlice([]int{4, 5, 6}), FileDestination(fs, "tee.txt", Overwrite), &countingEncoder{}))

		got, err := Collect(seq)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !slices.Equal(got, []int{4, 5, 6}) {
			t.Fatalf("expected elements unchanged, got %v", got)
		}
	})

	t.Run("Early stop finalizes the sink", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		seq := must(WriteTo(FromSlice(intRange(10)), FileDestination(fs, "stop.txt", Overwrite), &countingEncoder{}))

		for v := range seq {
			if v == 1 {
				break
			}
		}

		if got := readString(t, fs, "stop.txt"); got != "header\n0\n1\nend\n" {
			t.Fatalf("unexpected content %q", got)
		}
	})
}

func TestJSONArrayEncoder(t *testing.T) {
	fs := afero.NewMemMapFs()
	items := []record{{K: "a", V: 1}, {K: "b", V: 2}, {K: "c", V: 3}}

	_, err := Write(FromSlice(items), FileDestination(fs, "out.json", Overwrite), NewJSONArrayEncoder[record](nil), WithBatchSize(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []record
	if err := json.Unmarshal([]byte(readString(t, fs, "out.json")), &got); err != nil {
		t.Fatalf("expected a valid JSON array: %v", err)
	}
	if !slices.Equal(got, items) {
		t.Fatalf("expected %v, got %v", items, got)
	}
}
