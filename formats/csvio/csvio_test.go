package csvio

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gophersatwork/iterflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeString(t *testing.T, input string, opts Options) ([]Row, error) {
	t.Helper()
	var rows []Row
	err := NewDecoder(opts).Decode(context.Background(), strings.NewReader(input), func(r Row) error {
		rows = append(rows, r)
		return nil
	})
	return rows, err
}

func TestDecoder(t *testing.T) {
	t.Run("keys fields by header", func(t *testing.T) {
		rows, err := decodeString(t, "id;name\n1;alpha\n\n2;beta\n", Options{Comma: ';'})
		require.NoError(t, err)
		assert.Equal(t, []Row{{"id": "1", "name": "alpha"}, {"id": "2", "name": "beta"}}, rows)
	})

	t.Run("trims headers and skips comments", func(t *testing.T) {
		rows, err := decodeString(t, " id , name \n# note\n1,alpha\n", Options{TrimHeaders: true, Comment: '#'})
		require.NoError(t, err)
		assert.Equal(t, []Row{{"id": "1", "name": "alpha"}}, rows)
	})

	t.Run("empty input", func(t *testing.T) {
		rows, err := decodeString(t, "", Options{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("malformed record aborts by default", func(t *testing.T) {
		_, err := decodeString(t, "a,b\n1,2\n3\n", Options{})
		assert.Error(t, err)
	})

	t.Run("error hook can skip records", func(t *testing.T) {
		var lines []int
		rows, err := decodeString(t, "a,b\n1,2\n3\n4,5\n", Options{OnError: func(line int, err error) error {
			lines = append(lines, line)
			return nil
		}})
		require.NoError(t, err)
		assert.Equal(t, []Row{{"a": "1", "b": "2"}, {"a": "4", "b": "5"}}, rows)
		assert.Equal(t, []int{3}, lines)
	})

	t.Run("emit error stops decoding", func(t *testing.T) {
		stop := errors.New("stop")
		err := NewDecoder(Options{}).Decode(context.Background(), strings.NewReader("a\n1\n2\n"), func(Row) error { return stop })
		assert.ErrorIs(t, err, stop)
	})
}

func TestEncoder(t *testing.T) {
	t.Run("header once with sorted columns", func(t *testing.T) {
		enc := NewEncoder(EncoderOptions{})

		first, err := enc.Encode([]Row{{"b": "2", "a": "1"}}, true)
		require.NoError(t, err)
		second, err := enc.Encode([]Row{{"a": "3", "c": "ignored"}}, false)
		require.NoError(t, err)

		assert.Equal(t, "a,b\n1,2\n", string(first))
		assert.Equal(t, "3,\n", string(second))
		assert.Nil(t, enc.Trailer())
	})

	t.Run("explicit columns, quoting and CRLF", func(t *testing.T) {
		enc := NewEncoder(EncoderOptions{Columns: []string{"name", "id"}, UseCRLF: true})
		out, err := enc.Encode([]Row{{"id": "1", "name": "a, b"}}, true)
		require.NoError(t, err)
		assert.Equal(t, "name,id\r\n\"a, b\",1\r\n", string(out))
	})
}

func TestReadWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.csv", []byte("id,name\n1,alpha\n2,beta\n3,gamma\n"), 0o644))

	rows, err := Read(context.Background(), iterflow.OpenFile(fs, "in.csv"), Options{})
	require.NoError(t, err)

	n, err := Write(rows, iterflow.FileDestination(fs, "out/out.csv", iterflow.Overwrite), EncoderOptions{}, iterflow.WithBatchSize(2))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := afero.ReadFile(fs, "out/out.csv")
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alpha\n2,beta\n3,gamma\n", string(data))
}
