// Package bytesource provides the byte sources handlers read from: a
// directory rooted on disk and an LRU cache in front of any Source.
package bytesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

var (
	// ErrNotFound indicates the named entry does not exist.
	ErrNotFound = errors.New("bytesource: not found")

	// ErrInvalidName indicates a name that is empty, absolute, or escapes
	// the source root.
	ErrInvalidName = errors.New("bytesource: invalid name")
)

// IOError is a storage failure other than a missing entry.
type IOError struct {
	// Op is the operation that failed ("read", "write").
	Op string

	// Name is the entry involved.
	Name string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("bytesource: %s %s: %v", e.Op, e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Source returns the bytes stored under a name.
//
// ReadFile returns an error wrapping ErrNotFound when the name does not
// exist and an *IOError for any other storage failure. The returned slice
// must not be modified.
type Source interface {
	ReadFile(ctx context.Context, name string) ([]byte, error)
}

// Sink stores bytes under a name, replacing any previous content.
type Sink interface {
	WriteFile(ctx context.Context, name string, data []byte) error
}

// ValidName reports whether name is a relative, slash-separated path that
// stays inside its root. A single leading slash is tolerated.
func ValidName(name string) bool {
	name = strings.TrimPrefix(name, "/")
	return name != "" && name != "." && fs.ValidPath(name)
}

// Dir is a Source and Sink rooted in a directory. Names cannot refer to
// anything outside the directory, symlinks included.
type Dir struct {
	root *os.Root
	path string
}

// NewDir opens the directory at path.
func NewDir(path string) (*Dir, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("bytesource: open %s: %w", path, err)
	}
	return &Dir{root: root, path: path}, nil
}

// Path returns the directory the source is rooted in.
func (d *Dir) Path() string {
	return d.path
}

// Close releases the directory handle.
func (d *Dir) Close() error {
	return d.root.Close()
}

// ReadFile implements Source.
func (d *Dir) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	name = strings.TrimPrefix(name, "/")

	data, err := d.root.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, &IOError{Op: "read", Name: name, Err: err}
	}
	return data, nil
}

// WriteFile implements Sink.
func (d *Dir) WriteFile(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	name = strings.TrimPrefix(name, "/")

	if err := d.root.WriteFile(name, data, 0o644); err != nil {
		return &IOError{Op: "write", Name: name, Err: err}
	}
	return nil
}
