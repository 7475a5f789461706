package xmlio

import (
	"context"
	"strings"
	"testing"

	"github.com/gophersatwork/iterflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feed = `<?xml version="1.0"?>
<catalog>
  <meta><item>not a product list</item></meta>
  <products>
    <item id="1" kind="book"><title>Go</title><price>30</price></item>
    <item id="2"><title>Rust</title></item>
  </products>
</catalog>`

func decodeString(t *testing.T, tag, input string) ([]Node, error) {
	t.Helper()
	var nodes []Node
	err := NewDecoder(tag).Decode(context.Background(), strings.NewReader(input), func(n Node) error {
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}

func TestDecoder(t *testing.T) {
	nodes, err := decodeString(t, "item", feed)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, "not a product list", nodes[0].Text)

	book := nodes[1]
	assert.Equal(t, "item", book.Name)
	assert.Equal(t, map[string]string{"id": "1", "kind": "book"}, book.Attrs)
	title, ok := book.Child("title")
	require.True(t, ok)
	assert.Equal(t, "Go", title.Text)
	assert.Len(t, book.Children, 2)

	_, ok = nodes[2].Child("price")
	assert.False(t, ok)
}

func TestDecoderMalformed(t *testing.T) {
	_, err := decodeString(t, "item", "<catalog><item>")
	assert.Error(t, err)
}

func TestEncoder(t *testing.T) {
	var enc Encoder
	out, err := enc.Encode([]Node{{Name: "n", Attrs: map[string]string{"b": "2", "a": "1"}, Text: "x & y"}}, true)
	require.NoError(t, err)
	assert.Equal(t, "<root>\r\n<n a=\"1\" b=\"2\">x &amp; y</n>", string(out))
	assert.Equal(t, "\n</root>\n", string(enc.Trailer()))
}

func TestEncoderNested(t *testing.T) {
	node := Node{
		Name:  "item",
		Attrs: map[string]string{"id": "7"},
		Children: []Node{
			{Name: "title", Text: "x"},
			{Name: "size", Attrs: map[string]string{"unit": "cm"}, Children: []Node{{Name: "w", Text: "3"}}},
		},
	}

	var enc Encoder
	out, err := enc.Encode([]Node{node}, true)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<title>x</title>")

	doc := string(out) + string(enc.Trailer())
	nodes, err := decodeString(t, "item", doc)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, node, nodes[0])
}

func TestReadWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "feed.xml", []byte(feed), 0o644))

	nodes, err := Read(context.Background(), iterflow.OpenFile(fs, "feed.xml"), "item")
	require.NoError(t, err)

	n, err := Write(nodes, iterflow.FileDestination(fs, "out.xml", iterflow.Overwrite))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The written document reads back to the same nodes.
	data, err := afero.ReadFile(fs, "out.xml")
	require.NoError(t, err)
	again, err := decodeString(t, "item", string(data))
	require.NoError(t, err)

	original, err := decodeString(t, "item", feed)
	require.NoError(t, err)
	assert.Equal(t, original, again)
}

func TestReadEmptyTag(t *testing.T) {
	_, err := Read(context.Background(), iterflow.OpenFile(afero.NewMemMapFs(), "x.xml"), "")
	var ce *iterflow.ConfigError
	assert.ErrorAs(t, err, &ce)
}
