package jsonio

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gophersatwork/iterflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func TestDecoder(t *testing.T) {
	input := `{"meta":{"count":2},"data":{"items":[{"id":1,"title":"a"},{"id":2,"title":"b"}]}}`

	dec, err := NewDecoder[product](Options{Pattern: "data.items.*"})
	require.NoError(t, err)

	var got []product
	err = dec.Decode(context.Background(), strings.NewReader(input), func(p product) error {
		got = append(got, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []product{{1, "a"}, {2, "b"}}, got)
}

func TestDecoderInvalidPattern(t *testing.T) {
	_, err := NewDecoder[product](Options{Pattern: "a..b"})
	assert.Error(t, err)

	_, err = Read[product](context.Background(), iterflow.OpenFile(afero.NewMemMapFs(), "x.json"), Options{Pattern: "."})
	var ce *iterflow.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestReadWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.json", []byte(`[{"id":1,"title":"a"},{"id":2,"title":"b"},{"id":3,"title":"c"}]`), 0o644))

	items, err := Read[product](context.Background(), iterflow.OpenFile(fs, "in.json"), Options{Pattern: "*"})
	require.NoError(t, err)

	n, err := Write(items, iterflow.FileDestination(fs, "out.json", iterflow.Overwrite), iterflow.WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := afero.ReadFile(fs, "out.json")
	require.NoError(t, err)

	var got []product
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []product{{1, "a"}, {2, "b"}, {3, "c"}}, got)
}

func TestReadTruncated(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "bad.json", []byte(`[{"id":1,"title":"a"},{"id":2`), 0o644))

	items, err := Read[product](context.Background(), iterflow.OpenFile(fs, "bad.json"), Options{Pattern: "*"})
	require.NoError(t, err)

	got, err := iterflow.Collect(items)
	assert.Len(t, got, 1)
	var se *iterflow.SourceError
	assert.ErrorAs(t, err, &se)
}

func TestLinesEncoder(t *testing.T) {
	out, err := LinesEncoder[product]{}.Encode([]product{{1, "a"}, {2, "b"}}, true)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1,\"title\":\"a\"}\n{\"id\":2,\"title\":\"b\"}\n", string(out))
}
