package jsonpath_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/gophersatwork/iterflow/internal/jsonpath"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, doc, pattern string) []string {
	t.Helper()
	var out []string
	err := jsonpath.Walk(context.Background(), strings.NewReader(doc), jsonpath.MustParse(pattern), func(raw json.RawMessage) error {
		out = append(out, string(raw))
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWalk_TopLevelArray(t *testing.T) {
	got := collect(t, `[{"a":1}, {"a":2}, 3]`, "*")
	require.Equal(t, []string{`{"a":1}`, `{"a":2}`, `3`}, got)
}

func TestWalk_NestedArray(t *testing.T) {
	doc := `{"meta":{"skip":[1,2,{"x":[]}]},"rows":[{"id":"a"},{"id":"b"}],"tail":true}`
	got := collect(t, doc, "rows.*")
	require.Equal(t, []string{`{"id":"a"}`, `{"id":"b"}`}, got)
}

func TestWalk_FieldOfEveryElement(t *testing.T) {
	doc := `{"a":[{"name":"x","v":1},{"v":2},{"name":"y"}]}`
	got := collect(t, doc, "a.*.name")
	require.Equal(t, []string{`"x"`, `"y"`}, got)
}

func TestWalk_RootPattern(t *testing.T) {
	got := collect(t, `{"k":"v"}`, "")
	require.Equal(t, []string{`{"k":"v"}`}, got)
}

func TestWalk_ScalarWhereContainerExpected(t *testing.T) {
	got := collect(t, `{"rows":5}`, "rows.*")
	require.Empty(t, got)
}

func TestWalk_Truncated(t *testing.T) {
	err := jsonpath.Elements(context.Background(), strings.NewReader(`[{"a":1},`), func(json.RawMessage) error {
		return nil
	})
	require.Error(t, err)
}

func TestWalk_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := jsonpath.Elements(context.Background(), strings.NewReader(`[1,2,3]`), func(json.RawMessage) error {
		calls++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, calls)
}

func TestWalk_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := jsonpath.Elements(ctx, strings.NewReader(`[1,2,3]`), func(json.RawMessage) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWalk_EmptyInput(t *testing.T) {
	err := jsonpath.Elements(context.Background(), strings.NewReader(""), func(json.RawMessage) error {
		return nil
	})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParse_RejectsEmptySegment(t *testing.T) {
	_, err := jsonpath.Parse("a..b")
	require.Error(t, err)
}
