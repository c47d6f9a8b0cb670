// Package diskmanager is the only layer of gojolite that talks to raw I/O.
// Every storage source (file, memory buffer, spill-to-disk temp buffer or a
// caller supplied stream) is exposed through the Backend capability interface.
package diskmanager

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Reserved Filename values selecting a non-file source.
const (
	MemoryFilename = ":memory:"
	TempFilename   = ":temp:"
)

// Backend is a byte-addressable, growable medium. ReadAt follows io.ReaderAt:
// a short read past the end returns io.EOF.
type Backend interface {
	Name() string
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Length() (int64, error)
	// SetLength grows (zero filled) or truncates the medium.
	SetLength(n int64) error
	// Sync makes previous writes durable.
	Sync() error
	Close() error
}

// LogFilename derives the write-ahead log file name from the data file name:
// "dir/app.db" becomes "dir/app-log.db".
func LogFilename(dataFile string) string {
	ext := filepath.Ext(dataFile)
	base := strings.TrimSuffix(dataFile, ext)
	return base + "-log" + ext
}

// Open returns the data backend for a Filename setting, honouring the
// reserved :memory: and :temp: sentinels.
func Open(filename string, readOnly bool) (Backend, error) {
	return open(filename, filename, readOnly)
}

// OpenLog returns the write-ahead log backend paired with Open(filename).
// The sentinels get a private buffer of the same kind; a file gets the
// sibling named by LogFilename.
func OpenLog(filename string, readOnly bool) (Backend, error) {
	return open(filename, LogFilename(filename), readOnly)
}

func open(filename, path string, readOnly bool) (Backend, error) {
	switch filename {
	case "":
		return nil, fmt.Errorf("%w: empty filename", dberror.ErrInvalidArgument)
	case MemoryFilename:
		return NewMemoryBackend(path), nil
	case TempFilename:
		return NewTempBackend(DefaultSpillThreshold), nil
	default:
		return OpenFile(path, readOnly)
	}
}

func ioErr(op, name string, off int64, err error) error {
	return fmt.Errorf("%w: %s %s at %d: %w", dberror.ErrIOFailure, op, name, off, err)
}
