package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	"go.uber.org/zap"
)

// LockService provides the engine-wide writer lock and the registry of open
// read snapshots. Every wait is bounded by an explicit deadline.
type LockService struct {
	writer chan struct{} // one slot: the writer lock
	logger *zap.Logger

	mu      sync.Mutex
	holder  uint64            // txn id holding the writer lock, 0 if free
	readers map[uint64]uint64 // txn id -> snapshot version
	changed chan struct{}     // closed and replaced whenever a reader ends
}

func NewLockService(logger *zap.Logger) *LockService {
	return &LockService{
		writer:  make(chan struct{}, 1),
		logger:  logger.Named("locks"),
		readers: make(map[uint64]uint64),
		changed: make(chan struct{}),
	}
}

// AcquireWriter waits until the writer lock is free or timeout elapses.
// On timeout it fails with ErrLockTimeout and holds nothing.
func (ls *LockService) AcquireWriter(ctx context.Context, txnID uint64, timeout time.Duration) error {
	select {
	case ls.writer <- struct{}{}:
		ls.setHolder(txnID)
		return nil
	default:
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: writer lock is held by transaction %d", dberror.ErrLockTimeout, ls.Holder())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ls.writer <- struct{}{}:
		ls.setHolder(txnID)
		return nil
	case <-timer.C:
		ls.logger.Warn("Writer lock wait timed out", zap.Uint64("txnID", txnID), zap.Duration("timeout", timeout))
		return fmt.Errorf("%w: writer lock not acquired within %s", dberror.ErrLockTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseWriter frees the writer lock held by txnID.
func (ls *LockService) ReleaseWriter(txnID uint64) {
	ls.mu.Lock()
	if ls.holder != txnID {
		ls.mu.Unlock()
		ls.logger.Error("Writer lock released by non-holder", zap.Uint64("txnID", txnID), zap.Uint64("holder", ls.holder))
		return
	}
	ls.holder = 0
	ls.mu.Unlock()
	<-ls.writer
}

func (ls *LockService) setHolder(txnID uint64) {
	ls.mu.Lock()
	ls.holder = txnID
	ls.mu.Unlock()
}

// Holder returns the id of the writer lock holder, 0 when free.
func (ls *LockService) Holder() uint64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.holder
}

// RegisterReader records an open snapshot.
func (ls *LockService) RegisterReader(txnID, version uint64) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.readers[txnID] = version
}

// UnregisterReader removes a snapshot and wakes waiters.
func (ls *LockService) UnregisterReader(txnID uint64) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.readers[txnID]; !ok {
		return
	}
	delete(ls.readers, txnID)
	close(ls.changed)
	ls.changed = make(chan struct{})
}

// ReaderCount returns the number of open snapshots.
func (ls *LockService) ReaderCount() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.readers)
}

// OldestReader returns the smallest open snapshot version.
func (ls *LockService) OldestReader() (uint64, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.oldestLocked()
}

func (ls *LockService) oldestLocked() (uint64, bool) {
	var oldest uint64
	found := false
	for _, v := range ls.readers {
		if !found || v < oldest {
			oldest, found = v, true
		}
	}
	return oldest, found
}

// WaitForReaders blocks until no snapshot older than version is open.
func (ls *LockService) WaitForReaders(ctx context.Context, version uint64, deadline time.Time) error {
	return ls.waitUntil(ctx, deadline, func() bool {
		oldest, ok := ls.oldestLocked()
		return !ok || oldest >= version
	}, "snapshots older than the checkpoint are still open")
}

// WaitIdle blocks until no snapshot is open at all.
func (ls *LockService) WaitIdle(ctx context.Context, deadline time.Time) error {
	return ls.waitUntil(ctx, deadline, func() bool { return len(ls.readers) == 0 }, "read snapshots are still open")
}

func (ls *LockService) waitUntil(ctx context.Context, deadline time.Time, done func() bool, reason string) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		ls.mu.Lock()
		ok := done()
		changed := ls.changed
		ls.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: %s", dberror.ErrLockTimeout, reason)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// registerReaderAt reads the snapshot version and registers it atomically
// with respect to the checkpoint reader checks.
func (ls *LockService) registerReaderAt(txnID uint64, current func() uint64) uint64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	version := current()
	ls.readers[txnID] = version
	return version
}
