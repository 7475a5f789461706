// Package xmlio streams every element with a given tag out of an XML document
// as a generic Node tree.
package xmlio

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/gophersatwork/iterflow"
)

// Node is a generic XML element.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string // Concatenated, trimmed character data of the element itself
	Children []Node
}

// Child returns the first child named name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}

// UnmarshalXML implements xml.Unmarshaler.
func (n *Node) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	n.Name = start.Name.Local
	if len(start.Attr) > 0 {
		n.Attrs = make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			n.Attrs[a.Name.Local] = a.Value
		}
	}

	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var child Node
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			n.Children = append(n.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			n.Text = strings.TrimSpace(text.String())
			return nil
		}
	}
}

// MarshalXML implements xml.Marshaler. Attributes are written in name order.
func (n Node) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: n.Name}}
	for _, k := range slices.Sorted(maps.Keys(n.Attrs)) {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: k}, Value: n.Attrs[k]})
	}

	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if n.Text != "" {
		if err := e.EncodeToken(xml.CharData(n.Text)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := c.MarshalXML(e, xml.StartElement{}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// Decoder emits every element named Tag, wherever it appears.
// Elements nested inside a match are part of it and not emitted separately.
type Decoder struct {
	Tag string
}

// NewDecoder returns a decoder for elements named tag.
func NewDecoder(tag string) *Decoder {
	return &Decoder{Tag: tag}
}

// Decode implements iterflow.Decoder.
func (dec *Decoder) Decode(ctx context.Context, r io.Reader, emit iterflow.EmitFunc[Node]) error {
	d := xml.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read xml: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != dec.Tag {
			continue
		}

		var n Node
		if err := d.DecodeElement(&n, &start); err != nil {
			return fmt.Errorf("failed to decode <%s>: %w", dec.Tag, err)
		}
		if err := emit(n); err != nil {
			return err
		}
	}
}

// Encoder writes nodes inside a single <root> element, one indented node per line.
type Encoder struct{}

// Encode implements iterflow.Encoder.
func (Encoder) Encode(batch []Node, first bool) ([]byte, error) {
	var buf bytes.Buffer
	if first {
		buf.WriteString("<root>")
	}
	for _, n := range batch {
		buf.WriteString("\r\n")
		e := xml.NewEncoder(&buf)
		e.Indent("", "\t")
		if err := e.Encode(n); err != nil {
			return nil, err
		}
		if err := e.Close(); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Trailer implements iterflow.Encoder.
func (Encoder) Trailer() []byte {
	return []byte("\n</root>\n")
}

// Read decodes every element named tag in the source returned by open.
func Read(ctx context.Context, open iterflow.OpenFunc, tag string, options ...iterflow.Option) (iter.Seq2[Node, error], error) {
	if tag == "" {
		return nil, &iterflow.ConfigError{Errors: []error{errors.New("xml tag must not be empty")}}
	}
	return iterflow.Decode[Node](ctx, open, NewDecoder(tag), options...)
}

// Write encodes src into dest and returns the number of nodes written.
func Write(src iter.Seq2[Node, error], dest iterflow.Destination, options ...iterflow.Option) (int, error) {
	return iterflow.Write[Node](src, dest, Encoder{}, options...)
}
