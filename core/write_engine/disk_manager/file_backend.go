package diskmanager

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sushant-115/gojolite/core/dberror"
)

// FileBackend stores bytes in an operating system file. os.File ReadAt and
// WriteAt are positional, so no extra locking is needed.
type FileBackend struct {
	path     string
	file     *os.File
	readOnly bool
}

// OpenFile opens path, creating it unless readOnly is set.
func OpenFile(path string, readOnly bool) (*FileBackend, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		if readOnly && errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: database file %s", dberror.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: opening %s: %w", dberror.ErrIOFailure, path, err)
	}
	return &FileBackend{path: path, file: file, readOnly: readOnly}, nil
}

func (f *FileBackend) Name() string { return f.path }

func (f *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, ioErr("read", f.path, off, err)
	}
	return n, err
}

func (f *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, fmt.Errorf("%w: write to %s", dberror.ErrReadOnlyViolation, f.path)
	}
	n, err := f.file.WriteAt(p, off)
	if err != nil {
		return n, ioErr("write", f.path, off, err)
	}
	return n, nil
}

func (f *FileBackend) Length() (int64, error) {
	fi, err := f.file.Stat()
	if err != nil {
		return 0, ioErr("stat", f.path, 0, err)
	}
	return fi.Size(), nil
}

func (f *FileBackend) SetLength(n int64) error {
	if f.readOnly {
		return fmt.Errorf("%w: truncate %s", dberror.ErrReadOnlyViolation, f.path)
	}
	if err := f.file.Truncate(n); err != nil {
		return ioErr("truncate", f.path, n, err)
	}
	return nil
}

func (f *FileBackend) Sync() error {
	if f.readOnly {
		return nil
	}
	if err := f.file.Sync(); err != nil {
		return ioErr("sync", f.path, 0, err)
	}
	return nil
}

func (f *FileBackend) Close() error {
	if err := f.file.Close(); err != nil {
		return ioErr("close", f.path, 0, err)
	}
	return nil
}
