package formats

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gophersatwork/iterflow"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
	"github.com/spf13/afero"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const sniffSize = 4096

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	charset    string
	autoDetect bool
}

// WithCharset decodes the file from the named charset (e.g. "windows-1252") into UTF-8.
func WithCharset(name string) OpenOption {
	return func(c *openConfig) {
		c.charset = name
	}
}

// WithCharsetDetection guesses the charset from the first bytes and decodes
// into UTF-8 when the content is not already valid UTF-8.
func WithCharsetDetection() OpenOption {
	return func(c *openConfig) {
		c.autoDetect = true
	}
}

// Open returns an iterflow.OpenFunc for path that transparently decompresses
// gzip and zstd content and optionally transcodes it to UTF-8.
//
// The reported source size is the file size for plain files and unknown for
// compressed ones, since progress counts decompressed bytes.
func Open(fs afero.Fs, path string, options ...OpenOption) iterflow.OpenFunc {
	cfg := &openConfig{}
	for _, option := range options {
		option(cfg)
	}

	return func() (*iterflow.Source, error) {
		f, err := fs.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		br := bufio.NewReader(f)
		compressed := isCompressed(br)

		rc, err := decompress(br)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
		rc.closers = append([]func() error{f.Close}, rc.closers...)

		if err := cfg.transcode(rc); err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}

		size := info.Size()
		if compressed {
			size = 0
		}
		return &iterflow.Source{ReadCloser: rc, Name: path, Size: size}, nil
	}
}

func isCompressed(br *bufio.Reader) bool {
	head, _ := br.Peek(len(zstdMagic))
	return bytes.HasPrefix(head, gzipMagic) || bytes.HasPrefix(head, zstdMagic)
}

// decompress wraps br in a gzip or zstd reader when its first bytes say so.
func decompress(br *bufio.Reader) (*readCloser, error) {
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: gz, closers: []func() error{gz.Close}}, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }}}, nil
	default:
		return &readCloser{Reader: br}, nil
	}
}

// transcode replaces the reader of rc with a UTF-8 decoding one when needed.
func (c *openConfig) transcode(rc *readCloser) error {
	name := c.charset
	if name == "" && !c.autoDetect {
		return nil
	}

	br := bufio.NewReaderSize(rc.Reader, sniffSize)
	rc.Reader = br

	if name == "" {
		sample, err := br.Peek(sniffSize)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
		if validUTF8Prefix(sample, len(sample) == sniffSize) {
			return nil
		}
		name = DetectCharset(sample)
	}

	enc, err := lookupCharset(name)
	if err != nil {
		return err
	}
	if enc == nil {
		return nil
	}
	rc.Reader = transform.NewReader(br, enc.NewDecoder())
	return nil
}

// DetectCharset guesses the charset of data, defaulting to utf-8.
func DetectCharset(data []byte) string {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

// lookupCharset returns nil for UTF-8, which needs no decoding.
func lookupCharset(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", name, err)
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

// validUTF8Prefix reports whether sample is valid UTF-8. A truncated sample
// may end in the middle of a rune.
func validUTF8Prefix(sample []byte, truncated bool) bool {
	if !truncated {
		return utf8.Valid(sample)
	}
	for cut := 0; cut < utf8.UTFMax && cut <= len(sample); cut++ {
		if utf8.Valid(sample[:len(sample)-cut]) {
			return true
		}
	}
	return false
}
