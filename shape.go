package iterflow

import (
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// Default size for the buffer used when hashing files
const defaultBufferSize = 32 * 1024 // 32KB

// bufferPool is a pool of byte slices used for file I/O during hashing
var bufferPool = sync.Pool{
	New: func() any {
		buffer := make([]byte, defaultBufferSize)
		return &buffer
	},
}

// ShapeBuilder provides a fluent API for describing a pipeline.
// It validates values eagerly and accumulates errors instead of panicking.
// Errors are only surfaced when the shape is fingerprinted.
type ShapeBuilder struct {
	stages []stageDesc
	inputs []shapeInput
	params map[string]string
	errors []error
}

// Shape is the caller-declared structure of a pipeline. Two pipelines with the
// same shape share a cache folder's content; a change to any stage, parameter
// or declared input invalidates it.
type Shape struct {
	stages []stageDesc
	inputs []shapeInput
	params map[string]string
	errors []error
}

type stageDesc struct {
	name string
	args []string
}

func (s stageDesc) String() string {
	if len(s.args) == 0 {
		return "stage:" + s.name
	}
	return fmt.Sprintf("stage:%s(%s)", s.name, strings.Join(s.args, ","))
}

// shapeInput is a file dependency whose content becomes part of the fingerprint.
type shapeInput interface {
	hash(h hash.Hash, fs afero.Fs) error
	String() string
}

type fileInput struct {
	path string
}

func (f fileInput) hash(h hash.Hash, fs afero.Fs) error {
	file, err := fs.Open(f.path)
	if err != nil {
		return fmt.Errorf("file %s: %w", f.path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("file %s: %w", f.path, err)
	}
	fmt.Fprintf(h, "%d:", info.Size())
	return hashFile(io.LimitReader(file, info.Size()), h)
}

func (f fileInput) String() string {
	return fmt.Sprintf("file:%s", f.path)
}

type globInput struct {
	pattern string
}

func (g globInput) hash(h hash.Hash, fs afero.Fs) error {
	matches, err := doublestar.Glob(afero.NewIOFS(fs), g.pattern)
	if err != nil {
		return fmt.Errorf("glob %s: %w", g.pattern, err)
	}

	// Sort for deterministic ordering
	sort.Strings(matches)
	fmt.Fprintf(h, "%d\n", len(matches))

	for _, match := range matches {
		writeField(h, match)
		if err := (fileInput{path: match}).hash(h, fs); err != nil {
			return fmt.Errorf("glob match: %w", err)
		}
	}
	return nil
}

func (g globInput) String() string {
	return fmt.Sprintf("glob:%s", g.pattern)
}

// NewShape starts an empty pipeline description.
func NewShape() *ShapeBuilder {
	return &ShapeBuilder{}
}

// Stage appends a stage. args are rendered with fmt and hashed in order,
// so they should be values that print deterministically.
func (b *ShapeBuilder) Stage(name string, args ...any) *ShapeBuilder {
	if strings.TrimSpace(name) == "" {
		b.errors = append(b.errors, fmt.Errorf("stage %d: name must not be empty", len(b.stages)+1))
	}

	rendered := make([]string, len(args))
	for i, arg := range args {
		rendered[i] = fmt.Sprint(arg)
	}
	b.stages = append(b.stages, stageDesc{name: name, args: rendered})
	return b
}

// Param adds a key-value pair that is not tied to a stage.
func (b *ShapeBuilder) Param(key, value string) *ShapeBuilder {
	if key == "" {
		b.errors = append(b.errors, fmt.Errorf("param key must not be empty"))
		return b
	}
	if b.params == nil {
		b.params = make(map[string]string)
	}
	b.params[key] = value
	return b
}

// Version is sugar for Param("version", v).
func (b *ShapeBuilder) Version(v string) *ShapeBuilder {
	return b.Param("version", v)
}

// File makes the content of path part of the fingerprint.
func (b *ShapeBuilder) File(path string) *ShapeBuilder {
	if path == "" {
		b.errors = append(b.errors, fmt.Errorf("file path must not be empty"))
		return b
	}
	b.inputs = append(b.inputs, fileInput{path: path})
	return b
}

// Glob makes the content of every file matching pattern part of the fingerprint.
// Patterns support ** and are relative to the root of the filesystem.
func (b *ShapeBuilder) Glob(pattern string) *ShapeBuilder {
	if !doublestar.ValidatePattern(pattern) {
		b.errors = append(b.errors, fmt.Errorf("invalid glob pattern %s", pattern))
		return b
	}
	b.inputs = append(b.inputs, globInput{pattern: pattern})
	return b
}

// Build finalizes the builder. Validation errors are not returned here but
// are surfaced by the stage that uses the shape.
func (b *ShapeBuilder) Build() Shape {
	params := make(map[string]string, len(b.params))
	for k, v := range b.params {
		params[k] = v
	}
	return Shape{
		stages: append([]stageDesc(nil), b.stages...),
		inputs: append([]shapeInput(nil), b.inputs...),
		params: params,
		errors: append([]error(nil), b.errors...),
	}
}

// Empty reports whether the shape declares no stages.
func (s Shape) Empty() bool {
	return len(s.stages) == 0
}

// String renders the shape for logs, e.g. "csv(;) -> filter -> cache".
func (s Shape) String() string {
	parts := make([]string, len(s.stages))
	for i, st := range s.stages {
		parts[i] = strings.TrimPrefix(st.String(), "stage:")
	}
	return strings.Join(parts, " -> ")
}

// problems returns the accumulated builder errors plus ErrEmptyShape for a shape without stages.
func (s Shape) problems() []error {
	errs := append([]error(nil), s.errors...)
	if s.Empty() {
		errs = append(errs, ErrEmptyShape)
	}
	return errs
}

// Fingerprint hashes the shape. Declared file inputs are read from fs.
func (s Shape) Fingerprint(fs afero.Fs, hashFunc HashFunc) (string, error) {
	if err := newConfigError(s.problems()); err != nil {
		return "", err
	}
	if hashFunc == nil {
		hashFunc = defaultHashFunc
	}

	h := hashFunc()

	fmt.Fprintf(h, "%d\n", len(s.stages))
	for _, st := range s.stages {
		writeField(h, st.name)
		fmt.Fprintf(h, "%d\n", len(st.args))
		for _, arg := range st.args {
			writeField(h, arg)
		}
	}

	fmt.Fprintf(h, "%d\n", len(s.inputs))
	for _, in := range s.inputs {
		writeField(h, in.String())
		if err := in.hash(h, fs); err != nil {
			return "", err
		}
	}

	// Params in sorted order for determinism
	keys := make([]string, 0, len(s.params))
	for k := range s.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(h, "%d\n", len(keys))
	for _, key := range keys {
		writeField(h, key)
		writeField(h, s.params[key])
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// writeField writes s with a length prefix so that adjacent fields cannot
// run into each other.
func writeField(w io.Writer, s string) {
	fmt.Fprintf(w, "%d:%s", len(s), s)
}

// hashFile hashes the content from a reader using the provided hash function.
func hashFile(content io.Reader, h hash.Hash) error {
	bufPtr := bufferPool.Get().(*[]byte)
	buffer := *bufPtr
	defer bufferPool.Put(bufPtr)

	if _, err := io.CopyBuffer(h, content, buffer); err != nil {
		return fmt.Errorf("failed to copy content: %w", err)
	}
	return nil
}

// hashString hashes s with a fresh instance of hashFunc.
func hashString(hashFunc HashFunc, s string) string {
	h := hashFunc()
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}
