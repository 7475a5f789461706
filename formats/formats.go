// Package formats detects and opens the data files iterflow decodes.
//
// The per-format decoders and encoders live in the csvio, jsonio, xmlio and
// lineio subpackages.
package formats

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// Format names a record format.
type Format string

const (
	CSV   Format = "csv"
	JSON  Format = "json"
	XML   Format = "xml"
	Lines Format = "lines"
)

// ParseFormat converts a user-supplied name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case CSV, JSON, XML, Lines:
		return f, nil
	case "txt", "text", "line":
		return Lines, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

var extensions = map[string]Format{
	".csv":   CSV,
	".tsv":   CSV,
	".json":  JSON,
	".xml":   XML,
	".txt":   Lines,
	".log":   Lines,
	".jsonl": Lines,
}

// FromPath guesses the format from the file extension, ignoring a trailing
// compression extension such as ".gz".
func FromPath(path string) (Format, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".gz" || ext == ".zst" {
		ext = strings.ToLower(filepath.Ext(strings.TrimSuffix(path, filepath.Ext(path))))
	}
	f, ok := extensions[ext]
	return f, ok
}

// Detect returns the format of the file at path. The extension wins; without a
// known one the decompressed content is sniffed.
func Detect(fs afero.Fs, path string) (Format, error) {
	if f, ok := FromPath(path); ok {
		return f, nil
	}

	file, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	r, err := decompress(bufio.NewReader(file))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer r.Close()

	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to sniff %s: %w", path, err)
	}
	if f, ok := fromMIME(mt); ok {
		return f, nil
	}
	return "", fmt.Errorf("cannot detect the format of %s (%s)", path, mt.String())
}

func fromMIME(mt *mimetype.MIME) (Format, bool) {
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case m.Is("text/csv"), m.Is("text/tab-separated-values"):
			return CSV, true
		case m.Is("application/json"):
			return JSON, true
		case m.Is("text/xml"), m.Is("application/xml"):
			return XML, true
		case m.Is("text/plain"):
			return Lines, true
		}
	}
	return "", false
}

// readCloser closes every layer of a decoding stack, innermost first.
type readCloser struct {
	io.Reader
	closers []func() error
}

func (rc *readCloser) Close() error {
	var first error
	for i := len(rc.closers) - 1; i >= 0; i-- {
		if err := rc.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
