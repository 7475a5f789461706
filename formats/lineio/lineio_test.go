package lineio

import (
	"context"
	"strings"
	"testing"

	"github.com/gophersatwork/iterflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeString(t *testing.T, sep, input string) []string {
	t.Helper()
	var lines []string
	err := Decoder{Separator: sep}.Decode(context.Background(), strings.NewReader(input), func(s string) error {
		lines = append(lines, s)
		return nil
	})
	require.NoError(t, err)
	return lines
}

func TestDecoder(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, decodeString(t, "", "a\nb\nc\n"))
	assert.Equal(t, []string{"a", "", "tail"}, decodeString(t, "", "a\n\ntail"))
	assert.Equal(t, []string{"x", "y"}, decodeString(t, "||", "x||y"))
	assert.Empty(t, decodeString(t, "", ""))
}

func TestDecoderLongSeparatorAcrossReads(t *testing.T) {
	input := strings.Repeat("v<SEP>", 20000)
	lines := decodeString(t, "<SEP>", input)
	assert.Len(t, lines, 20000)
	assert.Equal(t, "v", lines[19999])
}

func TestReadWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("one\ntwo\nthree"), 0o644))

	lines, err := Read(context.Background(), iterflow.OpenFile(fs, "in.txt"), "")
	require.NoError(t, err)

	n, err := Write(lines, iterflow.FileDestination(fs, "out.txt", iterflow.Append))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := afero.ReadFile(fs, "out.txt")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(data))
}
