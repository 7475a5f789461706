package iterflow

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/spf13/afero"
)

const (
	metaFileName      = "_meta.json"
	lockFileName      = ".lock"
	unboundedFileName = "cache.json"
	chunkPattern      = "cache-*.json"
)

// Chunk formats recorded in the cache metadata.
const (
	FormatChunked   = "chunked"
	FormatUnbounded = "unbounded"
)

// CacheMeta is the content of a cache folder's _meta.json.
// It is written last, once every chunk is on disk.
type CacheMeta struct {
	Fingerprint string    `json:"fingerprint"`
	ReferenceID string    `json:"referenceId"`
	CreatedAt   time.Time `json:"createdAt"`
	Format      string    `json:"format"`
	Shape       string    `json:"shape,omitempty"`     // Human-readable pipeline description
	ChunkSize   int       `json:"chunkSize,omitempty"` // Items per chunk in chunked format
	Chunks      int       `json:"chunks"`
	Items       int64     `json:"items"`
	RunID       string    `json:"runId,omitempty"`
}

// mismatch reports why m cannot be reused for the given run, or nil.
func (m *CacheMeta) mismatch(fingerprint, referenceID, format string) error {
	switch {
	case m.ReferenceID != referenceID:
		return fmt.Errorf("%w: reference id %q, want %q", ErrCacheCorrupt, m.ReferenceID, referenceID)
	case m.Fingerprint != fingerprint:
		return fmt.Errorf("%w: fingerprint %s, want %s", ErrCacheCorrupt, m.Fingerprint, fingerprint)
	case m.Format != format:
		return fmt.Errorf("%w: format %s, want %s", ErrCacheCorrupt, m.Format, format)
	}
	return nil
}

// LockInfo is the content of a cache folder's .lock marker.
type LockInfo struct {
	Started time.Time `json:"started"`
	RunID   string    `json:"runId"`
}

func metaPath(folder string) string {
	return filepath.Join(folder, metaFileName)
}

func lockPath(folder string) string {
	return filepath.Join(folder, lockFileName)
}

func unboundedPath(folder string) string {
	return filepath.Join(folder, unboundedFileName)
}

func chunkPath(folder string, index int) string {
	return filepath.Join(folder, fmt.Sprintf("cache-%d.json", index))
}

// saveJSON writes v next to path and renames it into place, so readers never
// see a half-written file.
func saveJSON(fs afero.Fs, path string, v any) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func loadJSON(fs afero.Fs, path string, v any) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func saveMeta(fs afero.Fs, folder string, m *CacheMeta) error {
	return saveJSON(fs, metaPath(folder), m)
}

func loadMeta(fs afero.Fs, folder string) (*CacheMeta, error) {
	var m CacheMeta
	if err := loadJSON(fs, metaPath(folder), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeLock(fs afero.Fs, folder string, lock *LockInfo) error {
	return saveJSON(fs, lockPath(folder), lock)
}

func readLock(fs afero.Fs, folder string) (*LockInfo, error) {
	var lock LockInfo
	if err := loadJSON(fs, lockPath(folder), &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// chunkFile is one cache-<n>.json file.
type chunkFile struct {
	index int
	path  string
}

// listChunks returns the chunk files of folder sorted by their numeric index,
// so cache-10.json comes after cache-9.json.
func listChunks(fs afero.Fs, folder string) ([]chunkFile, error) {
	exists, err := afero.DirExists(fs, folder)
	if err != nil || !exists {
		return nil, err
	}

	names, err := doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(fs, filepath.Clean(folder))), chunkPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	chunks := make([]chunkFile, 0, len(names))
	for _, name := range names {
		digits := strings.TrimSuffix(strings.TrimPrefix(name, "cache-"), ".json")
		index, err := strconv.Atoi(digits)
		if err != nil || index < 0 {
			return nil, fmt.Errorf("%w: unexpected chunk file %s", ErrCacheCorrupt, name)
		}
		chunks = append(chunks, chunkFile{index: index, path: filepath.Join(folder, name)})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].index < chunks[j].index
	})
	return chunks, nil
}
