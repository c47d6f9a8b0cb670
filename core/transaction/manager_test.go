package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/dberror"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupManager wires a transaction manager over in-memory data and log backends.
func setupManager(t *testing.T, opts Options) (*Manager, *wal.LogManager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, _, err := wal.Open(diskmanager.NewMemoryBackend("test-log"), logger)
	require.NoError(t, err)
	pm := pagemanager.NewPageManager(diskmanager.NewMemoryBackend("test-data"), nil, lm, logger)
	created, err := pm.Initialize(false, time.Now())
	require.NoError(t, err)
	require.True(t, created)

	opts.Logger = logger
	return NewManager(lm, pm, opts), lm
}

// writePage allocates a data page holding marker in a committed transaction.
func writePage(t *testing.T, m *Manager, marker string) pagemanager.PageID {
	t.Helper()
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	p, err := tx.View().Allocate(pagemanager.PageTypeData)
	require.NoError(t, err)
	copy(p.Payload(), marker)
	require.NoError(t, tx.Commit())
	return p.GetPageID()
}

func readMarker(t *testing.T, tx *Transaction, id pagemanager.PageID, n int) string {
	t.Helper()
	p, err := tx.View().Get(id)
	require.NoError(t, err)
	return string(p.Payload()[:n])
}

// --- Test Cases ---

func TestManager_CommitAdvancesVersion(t *testing.T) {
	m, lm := setupManager(t, Options{})
	require.Equal(t, uint64(0), m.CurrentVersion())

	id := writePage(t, m, "one")
	require.Equal(t, uint64(1), m.CurrentVersion())
	require.Equal(t, 2, lm.PageFrames()) // header + data page

	r := m.BeginRead(context.Background())
	require.Equal(t, "one", readMarker(t, r, id, 3))
	require.NoError(t, r.Commit())
	require.Equal(t, 0, m.Locks().ReaderCount())
}

func TestManager_RollbackKeepsVersion(t *testing.T) {
	m, lm := setupManager(t, Options{})
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	_, err = tx.View().Allocate(pagemanager.PageTypeData)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	require.Equal(t, uint64(0), m.CurrentVersion())
	require.Zero(t, lm.PageFrames())
	require.Equal(t, TxnStateRolledBack, tx.State())
	require.ErrorIs(t, tx.Commit(), dberror.ErrTransactionClosed)

	// The writer lock was released.
	tx2, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestManager_SnapshotIsolation(t *testing.T) {
	m, _ := setupManager(t, Options{})
	id := writePage(t, m, "old")

	r := m.BeginRead(context.Background())
	defer r.Rollback()

	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	p, err := tx.View().GetWritable(id)
	require.NoError(t, err)
	copy(p.Payload(), "new")

	// Uncommitted changes are invisible to the reader.
	require.Equal(t, "old", readMarker(t, r, id, 3))
	require.NoError(t, tx.Commit())

	// Committed changes stay invisible to the older snapshot.
	require.Equal(t, "old", readMarker(t, r, id, 3))
	r2 := m.BeginRead(context.Background())
	require.Equal(t, "new", readMarker(t, r2, id, 3))
	require.NoError(t, r2.Commit())
}

func TestManager_SecondWriterTimesOut(t *testing.T) {
	m, _ := setupManager(t, Options{Timeout: 50 * time.Millisecond})
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = m.BeginWrite(context.Background())
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, tx.ID(), m.Locks().Holder())

	require.NoError(t, tx.Commit())
	tx2, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestManager_WriterWaitsForRelease(t *testing.T) {
	m, _ := setupManager(t, Options{Timeout: 5 * time.Second})
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		tx2, err := m.BeginWrite(context.Background())
		if err == nil {
			err = tx2.Rollback()
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tx.Rollback())
	require.NoError(t, <-done)
}

func TestManager_CancelledContext(t *testing.T) {
	m, _ := setupManager(t, Options{})
	tx, err := m.BeginWrite(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.BeginWrite(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestManager_CheckpointBlockedByOlderReader(t *testing.T) {
	m, lm := setupManager(t, Options{Timeout: 50 * time.Millisecond})
	writePage(t, m, "one")
	r := m.BeginRead(context.Background())
	writePage(t, m, "two")

	_, err := m.Checkpoint(context.Background())
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.NotZero(t, lm.PageFrames())

	require.NoError(t, r.Commit())
	pages, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, pages) // header + two data pages
	require.Zero(t, lm.PageFrames())
	require.Equal(t, uint64(2), m.CurrentVersion())
}

func TestManager_CheckpointWaitsForReader(t *testing.T) {
	m, lm := setupManager(t, Options{Timeout: 5 * time.Second})
	writePage(t, m, "one")
	r := m.BeginRead(context.Background())
	writePage(t, m, "two")

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Commit()
	}()
	_, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Zero(t, lm.PageFrames())
}

func TestManager_ReaderAtCurrentVersionDoesNotBlockCheckpoint(t *testing.T) {
	m, _ := setupManager(t, Options{Timeout: 50 * time.Millisecond})
	id := writePage(t, m, "one")
	r := m.BeginRead(context.Background())
	defer r.Rollback()

	_, err := m.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "one", readMarker(t, r, id, 3))
}

func TestManager_AutoCheckpoint(t *testing.T) {
	m, lm := setupManager(t, Options{CheckpointSize: 4})
	writePage(t, m, "a")
	require.Equal(t, 2, lm.PageFrames())
	writePage(t, m, "b")
	require.Zero(t, lm.PageFrames())

	// An older reader makes the automatic checkpoint step aside.
	r := m.BeginRead(context.Background())
	writePage(t, m, "c")
	writePage(t, m, "d")
	require.Equal(t, 4, lm.PageFrames())
	require.NoError(t, r.Commit())

	writePage(t, m, "e")
	require.Zero(t, lm.PageFrames())
}

func TestManager_ReadOnly(t *testing.T) {
	m, _ := setupManager(t, Options{ReadOnly: true})
	_, err := m.BeginWrite(context.Background())
	require.ErrorIs(t, err, dberror.ErrReadOnlyViolation)
	_, err = m.Checkpoint(context.Background())
	require.ErrorIs(t, err, dberror.ErrReadOnlyViolation)

	r := m.BeginRead(context.Background())
	_, err = r.View().GetWritable(pagemanager.HeaderPageID)
	require.ErrorIs(t, err, dberror.ErrReadOnlyViolation)
	require.NoError(t, r.Commit())
}

func TestManager_RunExclusive(t *testing.T) {
	m, lm := setupManager(t, Options{Timeout: 50 * time.Millisecond})
	writePage(t, m, "one")

	r := m.BeginRead(context.Background())
	err := m.RunExclusive(context.Background(), func(x *Exclusive) error { return nil })
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.NoError(t, r.Commit())

	var id pagemanager.PageID
	err = m.RunExclusive(context.Background(), func(x *Exclusive) error {
		require.Zero(t, lm.PageFrames())
		tx := x.BeginWrite()
		p, err := tx.View().Allocate(pagemanager.PageTypeData)
		if err != nil {
			return err
		}
		id = p.GetPageID()
		if err := tx.Commit(); err != nil {
			return err
		}
		_, err = x.Checkpoint(nil)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(2), id)
	require.Zero(t, m.Locks().Holder())
}

func TestManager_PublishWaitsForOlderSnapshots(t *testing.T) {
	m, lm := setupManager(t, Options{Timeout: 50 * time.Millisecond})
	id := writePage(t, m, "old")

	var during *Transaction
	err := m.RunExclusive(context.Background(), func(x *Exclusive) error {
		// A snapshot taken while maintenance runs keeps the old image.
		during = m.BeginRead(context.Background())

		p, err := x.Snapshot().Get(id)
		if err != nil {
			return err
		}
		next := p.Clone()
		copy(next.Payload(), "new")
		next.Seal()
		version, err := x.Publish([]*pagemanager.Page{next})
		if err != nil {
			return err
		}
		require.Equal(t, m.CurrentVersion(), version)

		after := m.BeginRead(context.Background())
		require.Equal(t, "new", readMarker(t, after, id, 3))
		require.NoError(t, after.Commit())
		require.Equal(t, "old", readMarker(t, during, id, 3))

		// The older snapshot blocks folding the log.
		_, err = x.Checkpoint(nil)
		require.ErrorIs(t, err, dberror.ErrLockTimeout)
		require.Equal(t, 1, lm.PageFrames())
		require.Equal(t, "old", readMarker(t, during, id, 3))

		require.NoError(t, during.Commit())
		_, err = x.Checkpoint(nil)
		return err
	})
	require.NoError(t, err)
	require.Zero(t, lm.PageFrames())

	r := m.BeginRead(context.Background())
	require.Equal(t, "new", readMarker(t, r, id, 3))
	require.NoError(t, r.Commit())
}
