// Package bytefile is the random-access file layer underneath the store.
// It knows nothing about records; it moves bytes at offsets.
package bytefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

var (
	// ErrIO marks any failure reported by the underlying device or OS.
	ErrIO = errors.New("i/o failure")
	// ErrClosed is returned for operations on a closed file.
	ErrClosed = errors.New("file is closed")
)

// File is the byte-level contract the store is built on. Implementations
// must allow concurrent ReadAt/WriteAt calls on disjoint ranges.
type File interface {
	// ReadAt reads len(p) bytes starting at off. A short read is an error.
	ReadAt(p []byte, off int64) error
	// WriteAt writes p at off, growing the file if needed.
	WriteAt(p []byte, off int64) error
	// Truncate sets the physical length of the file.
	Truncate(size int64) error
	// Length returns the current physical length.
	Length() (int64, error)
	// Sync flushes written data to stable storage.
	Sync() error
	// Close releases the file handle.
	Close() error
	// Path returns the file location.
	Path() string
}

// OSFile implements File on top of *os.File using positional I/O.
type OSFile struct {
	f      *os.File
	path   string
	closed atomic.Bool
}

// Open opens or creates the file at path, creating parent directories.
func Open(path string) (*OSFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %v", ErrIO, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrIO, path, err)
	}

	return &OSFile{f: f, path: path}, nil
}

// ReadAt implements File.
func (o *OSFile) ReadAt(p []byte, off int64) error {
	if o.closed.Load() {
		return ErrClosed
	}
	n, err := o.f.ReadAt(p, off)
	if err != nil {
		if err == io.EOF && n == len(p) {
			return nil
		}
		return fmt.Errorf("%w: read %d bytes at %d: %v", ErrIO, len(p), off, err)
	}
	return nil
}

// WriteAt implements File.
func (o *OSFile) WriteAt(p []byte, off int64) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if _, err := o.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("%w: write %d bytes at %d: %v", ErrIO, len(p), off, err)
	}
	return nil
}

// Truncate implements File.
func (o *OSFile) Truncate(size int64) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if err := o.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate to %d: %v", ErrIO, size, err)
	}
	return nil
}

// Length implements File.
func (o *OSFile) Length() (int64, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	info, err := o.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}
	return info.Size(), nil
}

// Sync implements File.
func (o *OSFile) Sync() error {
	if o.closed.Load() {
		return ErrClosed
	}
	if err := datasync(o.f); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close implements File. Closing twice is a no-op.
func (o *OSFile) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := o.f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}

// Path implements File.
func (o *OSFile) Path() string {
	return o.path
}
