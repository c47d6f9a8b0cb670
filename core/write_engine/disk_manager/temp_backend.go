package diskmanager

import (
	"fmt"
	"os"
	"sync"

	"github.com/sushant-115/gojolite/core/dberror"
)

// DefaultSpillThreshold is the size at which a TempBackend moves from memory
// to a temporary file.
const DefaultSpillThreshold = 10 * 1024 * 1024

// TempBackend starts in memory and spills to a temporary file once it grows
// beyond its threshold. The file is removed on Close.
type TempBackend struct {
	mu        sync.RWMutex
	threshold int64
	mem       *MemoryBackend
	file      *FileBackend
}

func NewTempBackend(threshold int64) *TempBackend {
	if threshold <= 0 {
		threshold = DefaultSpillThreshold
	}
	return &TempBackend{threshold: threshold, mem: NewMemoryBackend(TempFilename)}
}

func (t *TempBackend) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.file != nil {
		return t.file.Name()
	}
	return TempFilename
}

// Spilled reports whether the contents live in a temporary file.
func (t *TempBackend) Spilled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.file != nil
}

func (t *TempBackend) current() Backend {
	if t.file != nil {
		return t.file
	}
	return t.mem
}

func (t *TempBackend) ReadAt(p []byte, off int64) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current().ReadAt(p, off)
}

func (t *TempBackend) WriteAt(p []byte, off int64) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil && off+int64(len(p)) > t.threshold {
		if err := t.spill(); err != nil {
			return 0, err
		}
	}
	return t.current().WriteAt(p, off)
}

func (t *TempBackend) Length() (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current().Length()
}

func (t *TempBackend) SetLength(n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil && n > t.threshold {
		if err := t.spill(); err != nil {
			return err
		}
	}
	return t.current().SetLength(n)
}

func (t *TempBackend) Sync() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current().Sync()
}

func (t *TempBackend) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return t.mem.Close()
	}
	err := t.file.Close()
	if rmErr := os.Remove(t.file.Name()); rmErr != nil && err == nil {
		err = ioErr("remove", t.file.Name(), 0, rmErr)
	}
	return err
}

// spill must be called with t.mu held.
func (t *TempBackend) spill() error {
	f, err := os.CreateTemp("", "gojolite-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", dberror.ErrIOFailure, err)
	}
	fb := &FileBackend{path: f.Name(), file: f}
	data := t.mem.Bytes()
	if _, err := fb.WriteAt(data, 0); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	_ = t.mem.Close()
	t.file = fb
	return nil
}
