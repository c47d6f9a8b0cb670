package transaction

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultTimeout bounds writer lock and checkpoint waits.
const DefaultTimeout = time.Minute

// DefaultCheckpointSize is the number of logged pages that triggers an
// automatic checkpoint after a commit.
const DefaultCheckpointSize = 1000

// Options configures a Manager.
type Options struct {
	Timeout        time.Duration
	CheckpointSize int // 0 disables automatic checkpoints
	ReadOnly       bool
	Metrics        *internaltelemetry.EngineMetrics
	Logger         *zap.Logger
}

// Manager hands out read snapshots and the single write transaction, and
// runs checkpoints against the log manager.
type Manager struct {
	lm       *wal.LogManager
	pm       *pagemanager.PageManager
	locks    *LockService
	readOnly bool
	metrics  *internaltelemetry.EngineMetrics
	logger   *zap.Logger

	nextTxnID      atomic.Uint64
	timeout        atomic.Int64
	checkpointSize atomic.Int64
}

func NewManager(lm *wal.LogManager, pm *pagemanager.PageManager, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = internaltelemetry.NoopEngineMetrics()
	}
	m := &Manager{
		lm:       lm,
		pm:       pm,
		locks:    NewLockService(logger),
		readOnly: opts.ReadOnly,
		metrics:  metrics,
		logger:   logger.Named("txn"),
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m.timeout.Store(int64(timeout))
	m.checkpointSize.Store(int64(opts.CheckpointSize))
	return m
}

// Timeout returns the current wait bound.
func (m *Manager) Timeout() time.Duration { return time.Duration(m.timeout.Load()) }

// SetTimeout changes the wait bound for later waits.
func (m *Manager) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", dberror.ErrInvalidArgument, d)
	}
	m.timeout.Store(int64(d))
	return nil
}

// CheckpointSize returns the automatic checkpoint threshold in pages.
func (m *Manager) CheckpointSize() int { return int(m.checkpointSize.Load()) }

// SetCheckpointSize changes the automatic checkpoint threshold. 0 disables it.
func (m *Manager) SetCheckpointSize(pages int) error {
	if pages < 0 {
		return fmt.Errorf("%w: checkpoint size must not be negative, got %d", dberror.ErrInvalidArgument, pages)
	}
	m.checkpointSize.Store(int64(pages))
	return nil
}

// ReadOnly reports whether write transactions are rejected.
func (m *Manager) ReadOnly() bool { return m.readOnly }

// Locks exposes the lock service.
func (m *Manager) Locks() *LockService { return m.locks }

// BeginRead opens a snapshot at the current committed version. It never blocks.
func (m *Manager) BeginRead(ctx context.Context) *Transaction {
	id := m.nextTxnID.Add(1)
	version := m.locks.registerReaderAt(id, m.lm.CurrentVersion)
	m.metrics.ActiveReadersUpDownCounter.Add(ctx, 1)
	return &Transaction{
		id:        id,
		view:      m.pm.NewView(version, false),
		mgr:       m,
		startedAt: time.Now(),
		state:     TxnStateActive,
	}
}

// BeginWrite acquires the writer lock, waiting at most Timeout, and opens a
// writable view at the current committed version.
func (m *Manager) BeginWrite(ctx context.Context) (*Transaction, error) {
	if m.readOnly {
		return nil, fmt.Errorf("%w: write transaction on a read-only engine", dberror.ErrReadOnlyViolation)
	}
	id := m.nextTxnID.Add(1)
	start := time.Now()
	err := m.locks.AcquireWriter(ctx, id, m.Timeout())
	m.metrics.LockWaitHistogram.Record(ctx, time.Since(start).Milliseconds())
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Began write transaction", zap.Uint64("txnID", id))
	return &Transaction{
		id:        id,
		writable:  true,
		view:      m.pm.NewView(m.lm.CurrentVersion(), true),
		mgr:       m,
		startedAt: time.Now(),
		state:     TxnStateActive,
	}, nil
}

func (m *Manager) commit(t *Transaction) error {
	if !t.view.IsDirty() {
		return nil
	}
	pages, err := t.view.DirtyPages()
	if err != nil {
		return err
	}
	version, err := m.lm.Commit(t.id, pages)
	if err != nil {
		m.logger.Error("Commit failed", zap.Uint64("txnID", t.id), zap.Error(err))
		return err
	}
	m.metrics.WalPagesCounter.Add(context.Background(), int64(len(pages)))
	m.logger.Debug("Committed write transaction",
		zap.Uint64("txnID", t.id), zap.Uint64("version", version), zap.Int("pages", len(pages)))
	return nil
}

func (m *Manager) endRead(t *Transaction) {
	m.locks.UnregisterReader(t.id)
	m.metrics.ActiveReadersUpDownCounter.Add(context.Background(), -1)
}

func (m *Manager) endWrite(t *Transaction, committed bool) {
	ctx := context.Background()
	if !t.held {
		defer m.locks.ReleaseWriter(t.id)
	}
	if !committed {
		m.metrics.TxnRolledBackCounter.Add(ctx, 1)
		m.logger.Debug("Rolled back write transaction", zap.Uint64("txnID", t.id))
		return
	}
	m.metrics.TxnCommittedCounter.Add(ctx, 1)

	limit := m.CheckpointSize()
	if t.held || limit <= 0 || m.lm.PageFrames() < limit {
		return
	}
	current := m.lm.CurrentVersion()
	if oldest, ok := m.locks.OldestReader(); ok && oldest < current {
		m.logger.Warn("Skipped automatic checkpoint, older snapshots are open",
			zap.Uint64("oldestReader", oldest), zap.Uint64("version", current), zap.Int("pageFrames", m.lm.PageFrames()))
		return
	}
	if _, err := m.runCheckpoint(ctx, nil); err != nil {
		m.logger.Error("Automatic checkpoint failed", zap.Error(err))
	}
}

// Checkpoint takes the writer lock, waits for snapshots older than the
// current version to end and folds the log into the data file. It returns
// the number of pages written.
func (m *Manager) Checkpoint(ctx context.Context) (int, error) {
	if m.readOnly {
		return 0, fmt.Errorf("%w: checkpoint on a read-only engine", dberror.ErrReadOnlyViolation)
	}
	var pages int
	err := m.withWriter(ctx, func(deadline time.Time) error {
		if err := m.locks.WaitForReaders(ctx, m.lm.CurrentVersion(), deadline); err != nil {
			return err
		}
		n, err := m.runCheckpoint(ctx, nil)
		pages = n
		return err
	})
	return pages, err
}

// Exclusive is the handle given to RunExclusive callbacks. No other writer
// can start while it is in use. Snapshots taken meanwhile see the last
// committed version.
type Exclusive struct {
	m   *Manager
	ctx context.Context
}

// BeginWrite opens a write transaction under the held lock. Ending it does
// not release the lock.
func (x *Exclusive) BeginWrite() *Transaction {
	return &Transaction{
		id:        x.m.nextTxnID.Add(1),
		writable:  true,
		view:      x.m.pm.NewView(x.m.lm.CurrentVersion(), true),
		mgr:       x.m,
		startedAt: time.Now(),
		held:      true,
		state:     TxnStateActive,
	}
}

// Snapshot returns a read view at the current version.
func (x *Exclusive) Snapshot() *pagemanager.View {
	return x.m.pm.NewView(x.m.lm.CurrentVersion(), false)
}

// Publish commits already sealed page images as one new version, as if a
// write transaction had produced them. Snapshots opened afterwards see them.
func (x *Exclusive) Publish(pages []*pagemanager.Page) (uint64, error) {
	id := x.m.nextTxnID.Add(1)
	version, err := x.m.lm.Commit(id, pages)
	if err != nil {
		x.m.logger.Error("Publish failed", zap.Uint64("txnID", id), zap.Error(err))
		return 0, err
	}
	x.m.metrics.WalPagesCounter.Add(x.ctx, int64(len(pages)))
	x.m.metrics.TxnCommittedCounter.Add(x.ctx, 1)
	x.m.logger.Info("Published page images",
		zap.Uint64("txnID", id), zap.Uint64("version", version), zap.Int("pages", len(pages)))
	return version, nil
}

// Checkpoint waits, at most Timeout, for snapshots older than the current
// version to end, then folds the log into the data file with page writes
// paced by throttle. A nil throttle does not pace.
func (x *Exclusive) Checkpoint(throttle *diskmanager.Throttle) (int, error) {
	deadline := time.Now().Add(x.m.Timeout())
	if err := x.m.locks.WaitForReaders(x.ctx, x.m.lm.CurrentVersion(), deadline); err != nil {
		return 0, err
	}
	return x.m.runCheckpoint(x.ctx, throttle)
}

// RunExclusive runs fn holding the writer lock once every snapshot has
// ended. The log is checkpointed first, so fn sees a data file that holds
// every committed page.
func (m *Manager) RunExclusive(ctx context.Context, fn func(x *Exclusive) error) error {
	if m.readOnly {
		return fmt.Errorf("%w: exclusive maintenance on a read-only engine", dberror.ErrReadOnlyViolation)
	}
	return m.withWriter(ctx, func(deadline time.Time) error {
		if err := m.locks.WaitIdle(ctx, deadline); err != nil {
			return err
		}
		if _, err := m.runCheckpoint(ctx, nil); err != nil {
			return err
		}
		return fn(&Exclusive{m: m, ctx: ctx})
	})
}

func (m *Manager) withWriter(ctx context.Context, fn func(deadline time.Time) error) error {
	id := m.nextTxnID.Add(1)
	timeout := m.Timeout()
	deadline := time.Now().Add(timeout)
	start := time.Now()
	err := m.locks.AcquireWriter(ctx, id, timeout)
	m.metrics.LockWaitHistogram.Record(ctx, time.Since(start).Milliseconds())
	if err != nil {
		return err
	}
	defer m.locks.ReleaseWriter(id)
	return fn(deadline)
}

func (m *Manager) runCheckpoint(ctx context.Context, throttle *diskmanager.Throttle) (int, error) {
	start := time.Now()
	pages, err := m.lm.Checkpoint(ctx, m.pm, throttle)
	if err != nil {
		return 0, err
	}
	m.metrics.RecordCheckpoint(ctx, pages, time.Since(start))
	return pages, nil
}

// CurrentVersion returns the last committed version.
func (m *Manager) CurrentVersion() uint64 { return m.lm.CurrentVersion() }
