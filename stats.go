package iterflow

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// CacheState describes what Inspect found in a cache folder.
type CacheState string

const (
	// CacheMissing means the folder does not exist.
	CacheMissing CacheState = "missing"
	// CacheLocked means a build started and never finished; the next run rebuilds.
	CacheLocked CacheState = "locked"
	// CacheComplete means the folder has metadata and every chunk it lists.
	CacheComplete CacheState = "complete"
	// CacheOrphaned means the folder holds files without usable metadata.
	CacheOrphaned CacheState = "orphaned"
)

// CacheInfo represents the state of one cache folder.
type CacheInfo struct {
	Folder    string
	State     CacheState
	Meta      *CacheMeta // Nil unless State is CacheComplete
	Lock      *LockInfo  // Nil unless State is CacheLocked and the marker is readable
	Chunks    int        // Chunk files on disk
	TotalSize int64      // Size of all files in the folder in bytes
	Problem   error      // Why an orphaned folder cannot be replayed
}

// Inspect reports the state of a cache folder without modifying it.
// It does not know the caller's shape, so a complete folder may still be
// discarded by Cache on a fingerprint or reference id mismatch.
func Inspect(fs afero.Fs, folder string) (CacheInfo, error) {
	info := CacheInfo{Folder: folder, State: CacheMissing}

	exists, err := afero.DirExists(fs, folder)
	if err != nil {
		return info, fmt.Errorf("failed to check cache folder: %w", err)
	}
	if !exists {
		return info, nil
	}

	size, err := dirSize(fs, folder)
	if err != nil {
		return info, fmt.Errorf("failed to size cache folder: %w", err)
	}
	info.TotalSize = size

	chunks, err := listChunks(fs, folder)
	if err != nil {
		info.State = CacheOrphaned
		info.Problem = err
		return info, nil
	}
	info.Chunks = len(chunks)
	if ok, _ := afero.Exists(fs, unboundedPath(folder)); ok {
		info.Chunks++
	}

	if locked, _ := afero.Exists(fs, lockPath(folder)); locked {
		info.State = CacheLocked
		info.Lock, _ = readLock(fs, folder)
		return info, nil
	}

	meta, err := loadMeta(fs, folder)
	if err != nil {
		info.State = CacheOrphaned
		info.Problem = fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
		return info, nil
	}

	if meta.Format == FormatChunked && len(chunks) != meta.Chunks {
		info.State = CacheOrphaned
		info.Problem = fmt.Errorf("%w: found %d chunk files, metadata lists %d", ErrCacheCorrupt, len(chunks), meta.Chunks)
		return info, nil
	}

	info.State = CacheComplete
	info.Meta = meta
	return info, nil
}

// dirSize calculates the total size of all files in a directory.
func dirSize(fs afero.Fs, dir string) (int64, error) {
	var size int64

	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})

	return size, err
}
