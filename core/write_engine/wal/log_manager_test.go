package wal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/dberror"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager over a file in a temporary directory.
func setupLogManager(t *testing.T) (*LogManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-log.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	backend, err := diskmanager.OpenFile(path, false)
	require.NoError(t, err)
	lm, stats, err := Open(backend, logger)
	require.NoError(t, err)
	require.Zero(t, stats.CommittedTxns)
	return lm, path
}

// newTestPage creates a sealed data page whose payload starts with marker.
func newTestPage(id pagemanager.PageID, marker string) *pagemanager.Page {
	p := pagemanager.NewPage(id, pagemanager.PageTypeData)
	copy(p.Payload(), marker)
	p.Seal()
	return p
}

func payloadOf(p *pagemanager.Page, n int) string { return string(p.Payload()[:n]) }

// failingBackend fails every write once armed.
type failingBackend struct {
	diskmanager.Backend
	fail bool
}

func (f *failingBackend) WriteAt(p []byte, off int64) (int, error) {
	if f.fail {
		return 0, errors.Join(dberror.ErrIOFailure, errors.New("injected"))
	}
	return f.Backend.WriteAt(p, off)
}

// --- Test Cases ---

func TestLogManager_CommitAndSnapshotReads(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	// 1. Two commits touching page 1; the second also writes page 2.
	v1, err := lm.Commit(1, []*pagemanager.Page{newTestPage(1, "v1")})
	require.NoError(t, err)
	v2, err := lm.Commit(2, []*pagemanager.Page{newTestPage(1, "v2"), newTestPage(2, "v2")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)
	require.Equal(t, uint64(2), v2)
	require.Equal(t, 3, lm.PageFrames())

	// 2. Each snapshot resolves the image it is allowed to see.
	p, ok, err := lm.ReadPage(1, v1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", payloadOf(p, 2))

	p, ok, err = lm.ReadPage(1, v2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", payloadOf(p, 2))

	_, ok, err = lm.ReadPage(2, v1)
	require.NoError(t, err)
	require.False(t, ok, "page 2 did not exist at version 1")

	_, ok, err = lm.ReadPage(1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// 3. An empty commit does not advance the version.
	v, err := lm.Commit(3, nil)
	require.NoError(t, err)
	require.Equal(t, v2, v)
}

// TestLogManager_RecoveryAfterRestart simulates a process restart: committed
// transactions come back, a trailing transaction without commit frame does not.
func TestLogManager_RecoveryAfterRestart(t *testing.T) {
	lm, path := setupLogManager(t)

	// 1. One committed transaction.
	_, err := lm.Commit(1, []*pagemanager.Page{newTestPage(1, "committed")})
	require.NoError(t, err)

	// 2. Frames of a transaction that crashed before its commit frame.
	var buf []byte
	f := Frame{Kind: FrameKindPage, TxnID: 2, Seq: 10, PageID: 1, Payload: newTestPage(1, "lost").GetData()}
	buf = f.Encode(buf)
	_, err = lm.log.WriteAt(buf, lm.end)
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	// 3. Reopen.
	backend, err := diskmanager.OpenFile(path, false)
	require.NoError(t, err)
	lm2, stats, err := Open(backend, zap.NewNop())
	require.NoError(t, err)
	defer lm2.Close()

	require.Equal(t, 1, stats.CommittedTxns)
	require.Equal(t, 1, stats.DiscardedTxns)
	require.Equal(t, uint64(1), lm2.CurrentVersion())

	p, ok, err := lm2.ReadPage(1, lm2.CurrentVersion())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "committed", payloadOf(p, 9))
}

func TestLogManager_TornTailIsIgnored(t *testing.T) {
	lm, path := setupLogManager(t)

	_, err := lm.Commit(1, []*pagemanager.Page{newTestPage(3, "keep")})
	require.NoError(t, err)
	_, err = lm.Commit(2, []*pagemanager.Page{newTestPage(3, "torn")})
	require.NoError(t, err)

	// 1. Chop the last commit frame in half.
	size, err := lm.Length()
	require.NoError(t, err)
	require.NoError(t, lm.log.SetLength(size-20))
	require.NoError(t, lm.Close())

	backend, err := diskmanager.OpenFile(path, false)
	require.NoError(t, err)
	lm2, stats, err := Open(backend, zap.NewNop())
	require.NoError(t, err)
	defer lm2.Close()

	require.True(t, stats.TornTail)
	require.Equal(t, 1, stats.CommittedTxns)
	p, ok, err := lm2.ReadPage(3, lm2.CurrentVersion())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep", payloadOf(p, 4))
}

func TestLogManager_CheckpointLastWriteWins(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	data := diskmanager.NewMemoryBackend("data")
	pm := pagemanager.NewPageManager(data, nil, lm, zap.NewNop())
	_, err := pm.Initialize(false, time.Now())
	require.NoError(t, err)

	_, err = lm.Commit(1, []*pagemanager.Page{newTestPage(1, "old"), newTestPage(2, "two")})
	require.NoError(t, err)
	_, err = lm.Commit(2, []*pagemanager.Page{newTestPage(1, "new")})
	require.NoError(t, err)

	n, err := lm.Checkpoint(context.Background(), pm, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// 1. The log holds no frames any more.
	size, err := lm.Length()
	require.NoError(t, err)
	require.Zero(t, size)
	require.Zero(t, lm.PageFrames())
	require.Equal(t, uint64(2), lm.CurrentVersion(), "versions stay monotonic across checkpoints")

	// 2. The data file has the newest image of each page.
	p, err := pm.ReadPage(lm.CurrentVersion(), 1)
	require.NoError(t, err)
	require.Equal(t, "new", payloadOf(p, 3))
	p, err = pm.ReadPage(lm.CurrentVersion(), 2)
	require.NoError(t, err)
	require.Equal(t, "two", payloadOf(p, 3))
}

func TestLogManager_FailedCheckpointKeepsLog(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	data := &failingBackend{Backend: diskmanager.NewMemoryBackend("data")}
	pm := pagemanager.NewPageManager(data, nil, lm, zap.NewNop())
	_, err := pm.Initialize(false, time.Now())
	require.NoError(t, err)

	_, err = lm.Commit(1, []*pagemanager.Page{newTestPage(1, "x")})
	require.NoError(t, err)

	data.fail = true
	_, err = lm.Checkpoint(context.Background(), pm, nil)
	require.ErrorIs(t, err, dberror.ErrIOFailure)
	require.Equal(t, 1, lm.PageFrames())
	size, err := lm.Length()
	require.NoError(t, err)
	require.NotZero(t, size)

	// 1. Once the medium recovers the checkpoint completes.
	data.fail = false
	n, err := lm.Checkpoint(context.Background(), pm, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLogManager_CancelledCheckpointKeepsLog(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	pm := pagemanager.NewPageManager(diskmanager.NewMemoryBackend("data"), nil, lm, zap.NewNop())
	_, err := pm.Initialize(false, time.Now())
	require.NoError(t, err)
	pages := make([]*pagemanager.Page, 0, 8)
	for id := pagemanager.PageID(1); id <= 8; id++ {
		pages = append(pages, newTestPage(id, "v1"))
	}
	_, err = lm.Commit(1, pages)
	require.NoError(t, err)

	// 1. A paced checkpoint stopped half way leaves every frame readable.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = lm.Checkpoint(ctx, pm, diskmanager.NewThrottle(4*pagemanager.PageSize, pagemanager.PageSize))
	require.Error(t, err)
	require.Equal(t, 8, lm.PageFrames())
	for id := pagemanager.PageID(1); id <= 8; id++ {
		p, ok, err := lm.ReadPage(id, lm.CurrentVersion())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v1", payloadOf(p, 2))
	}

	// 2. An unpaced retry completes it.
	n, err := lm.Checkpoint(context.Background(), pm, nil)
	require.NoError(t, err)
	require.Equal(t, 8, n)
}

func TestLogManager_FailedCommitPublishesNothing(t *testing.T) {
	backend := &failingBackend{Backend: diskmanager.NewMemoryBackend("log")}
	lm, _, err := Open(backend, zap.NewNop())
	require.NoError(t, err)

	backend.fail = true
	_, err = lm.Commit(1, []*pagemanager.Page{newTestPage(1, "x")})
	require.ErrorIs(t, err, dberror.ErrIOFailure)
	require.Zero(t, lm.CurrentVersion())
	_, ok, err := lm.ReadPage(1, 1)
	require.NoError(t, err)
	require.False(t, ok)
}
