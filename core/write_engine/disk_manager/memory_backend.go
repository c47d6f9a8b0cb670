package diskmanager

import (
	"fmt"
	"io"
	"sync"

	"github.com/sushant-115/gojolite/core/dberror"
)

// MemoryBackend keeps the whole medium in a growable byte slice.
type MemoryBackend struct {
	name   string
	mu     sync.RWMutex
	data   []byte
	closed bool
}

func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{name: name}
}

func (m *MemoryBackend) Name() string { return m.name }

func (m *MemoryBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ioErr("read", m.name, off, dberror.ErrEngineClosed)
	}
	if off < 0 {
		return 0, ioErr("read", m.name, off, fmt.Errorf("negative offset"))
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemoryBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ioErr("write", m.name, off, dberror.ErrEngineClosed)
	}
	if off < 0 {
		return 0, ioErr("write", m.name, off, fmt.Errorf("negative offset"))
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		m.grow(end)
	}
	return copy(m.data[off:], p), nil
}

// grow must be called with m.mu held.
func (m *MemoryBackend) grow(n int64) {
	if n <= int64(cap(m.data)) {
		m.data = m.data[:n]
		return
	}
	newCap := 2 * int64(cap(m.data))
	if newCap < n {
		newCap = n
	}
	buf := make([]byte, n, newCap)
	copy(buf, m.data)
	m.data = buf
}

func (m *MemoryBackend) Length() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

func (m *MemoryBackend) SetLength(n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		return ioErr("truncate", m.name, n, fmt.Errorf("negative length"))
	}
	if n <= int64(len(m.data)) {
		clear(m.data[n:])
		m.data = m.data[:n]
		return nil
	}
	m.grow(n)
	return nil
}

func (m *MemoryBackend) Sync() error { return nil }

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

// Bytes returns a copy of the current contents.
func (m *MemoryBackend) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
