package iterflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	// ErrEmptyShape is returned when a cache is requested for a pipeline shape with no stages.
	ErrEmptyShape = errors.New("pipeline shape has no stages")

	// ErrCacheCorrupt marks a cache folder that has to be rebuilt.
	// Cache recovers from it silently before replay starts. It only reaches the
	// caller, inside a SourceError, when a chunk turns out unreadable mid-replay.
	ErrCacheCorrupt = errors.New("cache folder is corrupt")

	// ErrSpillCorrupt is wrapped by GroupReplayError when the spill file disagrees with the index.
	ErrSpillCorrupt = errors.New("spill file is corrupt")
)

// SourceError wraps a failure raised by the producer side of a sequence:
// decoding, reading the byte source, or an upstream stage.
type SourceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error {
	return e.Err
}

// GroupReplayError is returned when a spilled record cannot be read back.
// The whole group-by is aborted since the index can no longer be trusted.
type GroupReplayError struct {
	Key    string
	Offset int64
	Length int64
	Err    error
}

// Error implements the error interface.
func (e *GroupReplayError) Error() string {
	return fmt.Sprintf("replay group %q at offset %d (%d bytes): %v", e.Key, e.Offset, e.Length, e.Err)
}

// Unwrap returns the underlying error.
func (e *GroupReplayError) Unwrap() error {
	return e.Err
}

// ConfigError represents one or more invalid arguments passed to a stage constructor.
// It is always returned before any I/O takes place.
type ConfigError struct {
	Errors []error
}

// Error implements the error interface.
func (ce *ConfigError) Error() string {
	if len(ce.Errors) == 0 {
		return "invalid configuration"
	}
	if len(ce.Errors) == 1 {
		return fmt.Sprintf("invalid configuration: %v", ce.Errors[0])
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("invalid configuration with %d errors:\n", len(ce.Errors)))
	for i, err := range ce.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (ce *ConfigError) Unwrap() []error {
	return ce.Errors
}

// newConfigError creates a ConfigError from a slice of errors.
// Returns nil if the slice is empty.
func newConfigError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ConfigError{Errors: errs}
}

// sourceError wraps err as a SourceError unless it already is one or a replay error.
func sourceError(op string, err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	var re *GroupReplayError
	if errors.As(err, &re) {
		return err
	}
	return &SourceError{Op: op, Err: err}
}
