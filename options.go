package iterflow

import (
	"fmt"
	"hash"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// HashFunc defines a function that creates a new hash.Hash instance.
type HashFunc func() hash.Hash

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Codec serializes single records for spill files and cache chunks.
// sonic.ConfigStd and sonic.ConfigDefault satisfy it.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Option configures a stage.
// Options that do not apply to a stage are ignored by it.
type Option func(*config)

const (
	defaultWatermark = 10
	defaultBatchSize = 1000
	maxBatchSize     = 100000
)

type config struct {
	fs       afero.Fs
	hashFunc HashFunc
	nowFunc  NowFunc
	logger   *zap.Logger
	codec    Codec

	progress         ProgressFunc
	progressInterval time.Duration
	label            string

	watermark int
	flow      FlowController
	batchSize int

	chunkSize   int
	referenceID string
	disabled    bool

	tempDir          string
	spillCompression bool
	groupProgress    GroupProgressFunc
	groupInterval    time.Duration

	errors []error // Invalid option values, surfaced by the stage constructor
}

func newConfig(options []Option) *config {
	cfg := &config{
		fs:        afero.NewOsFs(),
		hashFunc:  defaultHashFunc,
		nowFunc:   time.Now,
		logger:    zap.NewNop(),
		codec:     defaultCodec(),
		watermark: defaultWatermark,
		batchSize: defaultBatchSize,
	}

	for _, option := range options {
		option(cfg)
	}

	return cfg
}

func (c *config) invalid(format string, args ...any) {
	c.errors = append(c.errors, fmt.Errorf(format, args...))
}

// interval returns the configured progress interval or the stage default.
func (c *config) interval(def time.Duration) time.Duration {
	if c.progressInterval > 0 {
		return c.progressInterval
	}
	return def
}

// groupReportInterval returns the GroupBy progress interval, 1s unless WithGroupProgress sets one.
func (c *config) groupReportInterval() time.Duration {
	if c.groupInterval > 0 {
		return c.groupInterval
	}
	return groupProgressInterval
}

// WithFs sets the filesystem used for sinks, cache folders and spill files.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	seq, err := iterflow.Cache(src, ".cache", shape, iterflow.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(c *config) {
		c.fs = fs
	}
}

// WithHashFunc sets the hash used for fingerprints and default reference ids.
// The default is xxHash64.
//
// Note: Changing the hash function will invalidate existing caches.
func WithHashFunc(hashFunc HashFunc) Option {
	return func(c *config) {
		c.hashFunc = hashFunc
	}
}

// WithNowFunc sets a custom time function.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(c *config) {
		c.nowFunc = nowFunc
	}
}

// WithLogger sets the logger. Stages log nothing by default.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger == nil {
			logger = zap.NewNop()
		}
		c.logger = logger
	}
}

// WithCodec sets the record codec used for spill files and cache chunks.
func WithCodec(codec Codec) Option {
	return func(c *config) {
		c.codec = codec
	}
}

// WithProgress registers a progress callback invoked at most once per interval,
// plus once when the operation ends. A zero interval keeps the stage default.
func WithProgress(fn ProgressFunc, interval time.Duration) Option {
	return func(c *config) {
		if interval < 0 {
			c.invalid("progress interval must not be negative, got %s", interval)
		}
		c.progress = fn
		c.progressInterval = interval
	}
}

// WithLabel names the operation in progress snapshots, e.g. the output path of a writer.
func WithLabel(label string) Option {
	return func(c *config) {
		c.label = label
	}
}

// WithWatermark sets how many decoded items a Bridge buffers before pausing the producer.
func WithWatermark(n int) Option {
	return func(c *config) {
		if n <= 0 {
			c.invalid("watermark must be positive, got %d", n)
		}
		c.watermark = n
	}
}

// WithFlowController registers the byte source that a Bridge pauses and resumes.
func WithFlowController(fc FlowController) Option {
	return func(c *config) {
		c.flow = fc
	}
}

// WithBatchSize sets how many items a writer hands to its encoder at once.
func WithBatchSize(n int) Option {
	return func(c *config) {
		if n <= 0 || n > maxBatchSize {
			c.invalid("batch size must be within 1..%d, got %d", maxBatchSize, n)
		}
		c.batchSize = n
	}
}

// WithChunkSize makes Cache write one chunk file per n items.
// Zero, the default, writes a single unbounded cache.json.
func WithChunkSize(n int) Option {
	return func(c *config) {
		if n < 0 {
			c.invalid("chunk size must not be negative, got %d", n)
		}
		c.chunkSize = n
	}
}

// WithReferenceID pins the cache reference id.
// Without it the id changes every day, which invalidates the cache daily.
func WithReferenceID(id string) Option {
	return func(c *config) {
		c.referenceID = id
	}
}

// WithDisabled turns Cache into a passthrough.
func WithDisabled() Option {
	return func(c *config) {
		c.disabled = true
	}
}

// WithTempDir sets the directory that holds group-by spill files.
func WithTempDir(dir string) Option {
	return func(c *config) {
		c.tempDir = dir
	}
}

// WithSpillCompression compresses every spilled record with zstd.
// It trades CPU for disk when records are large and repetitive.
func WithSpillCompression() Option {
	return func(c *config) {
		c.spillCompression = true
	}
}

// WithGroupProgress registers a GroupBy progress callback invoked at most once
// per interval (default 1s) and once when the group-by ends.
func WithGroupProgress(fn GroupProgressFunc, interval time.Duration) Option {
	return func(c *config) {
		if interval < 0 {
			c.invalid("progress interval must not be negative, got %s", interval)
		}
		c.groupProgress = fn
		c.groupInterval = interval
	}
}

// defaultCodec returns the record codec used when WithCodec is not given.
func defaultCodec() Codec {
	return sonic.ConfigStd
}

// defaultHashFunc returns the default hash function (xxHash64).
func defaultHashFunc() hash.Hash {
	return xxhash.New()
}
