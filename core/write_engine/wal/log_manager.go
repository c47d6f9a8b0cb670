// Package wal implements the write-ahead log of gojolite. Committed
// transactions are appended as full page images followed by a commit frame.
// An in-memory index maps every logged page to the versions that wrote it, so
// readers can resolve the image visible at their snapshot. Checkpoint folds
// the newest images into the data file and empties the log.
package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// frameRef locates a committed page image inside the log.
type frameRef struct {
	version uint64
	offset  int64 // offset of the page image, past the frame header
}

// RecoveryStats describes what Open found in an existing log.
type RecoveryStats struct {
	CommittedTxns int
	DiscardedTxns int
	PageFrames    int
	TornTail      bool
}

// LogManager owns the log backend and the versioned frame index. Appends
// and checkpoints are serialized by the caller's writer lock; the index is
// guarded by mu so readers can resolve pages concurrently.
type LogManager struct {
	log    diskmanager.Backend
	logger *zap.Logger

	mu         sync.RWMutex
	index      map[pagemanager.PageID][]frameRef
	pageFrames int
	version    uint64 // last committed version

	end     int64 // append offset; only the writer touches it
	nextSeq uint64
}

// Open scans an existing log and indexes the pages of every fully committed
// transaction. Frames after a torn or checksum-failing frame are ignored, as
// are frames of transactions without a matching commit frame.
func Open(log diskmanager.Backend, logger *zap.Logger) (*LogManager, RecoveryStats, error) {
	lm := &LogManager{
		log:     log,
		logger:  logger.Named("wal"),
		index:   make(map[pagemanager.PageID][]frameRef),
		nextSeq: 1,
	}
	stats, err := lm.scan()
	if err != nil {
		return nil, stats, err
	}
	if stats.CommittedTxns > 0 || stats.DiscardedTxns > 0 || stats.TornTail {
		lm.logger.Info("Recovered write-ahead log",
			zap.String("log", log.Name()),
			zap.Int("committedTxns", stats.CommittedTxns),
			zap.Int("discardedTxns", stats.DiscardedTxns),
			zap.Int("pageFrames", stats.PageFrames),
			zap.Bool("tornTail", stats.TornTail))
	}
	return lm, stats, nil
}

func (lm *LogManager) scan() (RecoveryStats, error) {
	var stats RecoveryStats
	size, err := lm.log.Length()
	if err != nil {
		return stats, err
	}

	type pendingFrame struct {
		pageID pagemanager.PageID
		offset int64
	}
	pending := make(map[uint64][]pendingFrame)
	hdr := make([]byte, FrameHeaderSize)
	payload := make([]byte, pagemanager.PageSize)
	var off int64

	for off < size {
		if _, err := lm.log.ReadAt(hdr, off); err != nil {
			if errors.Is(err, io.EOF) {
				stats.TornTail = true
				break
			}
			return stats, err
		}
		frame, n, err := decodeFrameHeader(hdr)
		if err != nil {
			stats.TornTail = true
			break
		}
		if _, err := lm.log.ReadAt(payload[:n], off+FrameHeaderSize); err != nil {
			if errors.Is(err, io.EOF) {
				stats.TornTail = true
				break
			}
			return stats, err
		}
		if !verifyFrame(hdr, payload[:n]) {
			stats.TornTail = true
			break
		}

		switch frame.Kind {
		case FrameKindPage:
			pending[frame.TxnID] = append(pending[frame.TxnID], pendingFrame{frame.PageID, off + FrameHeaderSize})
		case FrameKindCommit:
			frames := pending[frame.TxnID]
			delete(pending, frame.TxnID)
			if uint64(len(frames)) != binary.LittleEndian.Uint64(payload[:8]) {
				stats.DiscardedTxns++
				break
			}
			lm.version++
			for _, f := range frames {
				lm.index[f.pageID] = append(lm.index[f.pageID], frameRef{version: lm.version, offset: f.offset})
			}
			lm.pageFrames += len(frames)
			stats.CommittedTxns++
			stats.PageFrames += len(frames)
		}
		if frame.Seq >= lm.nextSeq {
			lm.nextSeq = frame.Seq + 1
		}
		off += FrameHeaderSize + int64(n)
		lm.end = off
	}
	stats.DiscardedTxns += len(pending)
	return stats, nil
}

// CurrentVersion returns the last committed version.
func (lm *LogManager) CurrentVersion() uint64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.version
}

// PageFrames returns the number of committed page frames not yet checkpointed.
func (lm *LogManager) PageFrames() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.pageFrames
}

// Length returns the log size in bytes.
func (lm *LogManager) Length() (int64, error) { return lm.log.Length() }

// Commit appends the sealed pages of txnID and a commit frame, syncs the log
// and only then publishes the pages under a new version. On failure nothing
// is published and the log is cut back to where the transaction started.
func (lm *LogManager) Commit(txnID uint64, pages []*pagemanager.Page) (uint64, error) {
	if len(pages) == 0 {
		return lm.CurrentVersion(), nil
	}

	buf := make([]byte, 0, len(pages)*(FrameHeaderSize+pagemanager.PageSize)+FrameHeaderSize+8)
	offsets := make([]int64, len(pages))
	seq := lm.nextSeq
	for i, p := range pages {
		offsets[i] = lm.end + int64(len(buf)) + FrameHeaderSize
		f := Frame{Kind: FrameKindPage, TxnID: txnID, Seq: seq, PageID: p.GetPageID(), Payload: p.GetData()}
		buf = f.Encode(buf)
		seq++
	}
	count := make([]byte, 8)
	binary.LittleEndian.PutUint64(count, uint64(len(pages)))
	commit := Frame{Kind: FrameKindCommit, TxnID: txnID, Seq: seq, Payload: count}
	buf = commit.Encode(buf)
	seq++

	if _, err := lm.log.WriteAt(buf, lm.end); err != nil {
		lm.rewind()
		return 0, err
	}
	if err := lm.log.Sync(); err != nil {
		lm.rewind()
		return 0, err
	}

	lm.mu.Lock()
	lm.version++
	version := lm.version
	for i, p := range pages {
		lm.index[p.GetPageID()] = append(lm.index[p.GetPageID()], frameRef{version: version, offset: offsets[i]})
	}
	lm.pageFrames += len(pages)
	lm.mu.Unlock()

	lm.end += int64(len(buf))
	lm.nextSeq = seq
	lm.logger.Debug("Committed transaction",
		zap.Uint64("txnID", txnID), zap.Uint64("version", version), zap.Int("pages", len(pages)))
	return version, nil
}

func (lm *LogManager) rewind() {
	if err := lm.log.SetLength(lm.end); err != nil {
		lm.logger.Error("Failed to cut back log after a failed commit", zap.Int64("offset", lm.end), zap.Error(err))
	}
}

// ReadPage returns the newest image of id committed at or before version.
func (lm *LogManager) ReadPage(id pagemanager.PageID, version uint64) (*pagemanager.Page, bool, error) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	refs := lm.index[id]
	i := sort.Search(len(refs), func(i int) bool { return refs[i].version > version })
	if i == 0 {
		return nil, false, nil
	}
	page, err := lm.readImage(id, refs[i-1].offset)
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

func (lm *LogManager) readImage(id pagemanager.PageID, offset int64) (*pagemanager.Page, error) {
	buf := make([]byte, pagemanager.PageSize)
	if _, err := lm.log.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: log image of page %d at %d is truncated", dberror.ErrCorruptPage, id, offset)
		}
		return nil, err
	}
	page := pagemanager.PageFromBytes(id, buf)
	if err := page.Verify(); err != nil {
		return nil, err
	}
	return page, nil
}

// Checkpoint writes the newest committed image of every logged page into
// the data file ("last write wins"), syncs it, then empties the log. Page
// writes are paced by throttle, which may be nil. The caller must hold the
// writer lock and make sure no reader needs an image older than the current
// version. If writing the data file fails or ctx ends, the log and index
// stay intact so that a later checkpoint or recovery completes it.
func (lm *LogManager) Checkpoint(ctx context.Context, pm *pagemanager.PageManager, throttle *diskmanager.Throttle) (int, error) {
	start := time.Now()

	lm.mu.RLock()
	latest := make(map[pagemanager.PageID]int64, len(lm.index))
	for id, refs := range lm.index {
		latest[id] = refs[len(refs)-1].offset
	}
	lm.mu.RUnlock()

	ids := make([]pagemanager.PageID, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := throttle.Wait(ctx, pagemanager.PageSize); err != nil {
			lm.logger.Warn("Checkpoint interrupted, log kept", zap.Uint64("pageID", uint64(id)), zap.Error(err))
			return 0, err
		}
		page, err := lm.readImage(id, latest[id])
		if err != nil {
			return 0, err
		}
		if err := pm.WriteDataPage(page); err != nil {
			lm.logger.Error("Checkpoint failed to write data page", zap.Uint64("pageID", uint64(id)), zap.Error(err))
			return 0, err
		}
	}
	if len(ids) > 0 {
		if err := pm.SyncData(); err != nil {
			return 0, err
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	size, err := lm.log.Length()
	if err != nil {
		return 0, err
	}
	if size > 0 {
		if err := lm.log.SetLength(0); err != nil {
			return 0, err
		}
		if err := lm.log.Sync(); err != nil {
			return 0, err
		}
	}
	lm.index = make(map[pagemanager.PageID][]frameRef)
	lm.pageFrames = 0
	lm.end = 0

	if len(ids) > 0 {
		lm.logger.Info("Checkpoint complete",
			zap.Int("pages", len(ids)), zap.Uint64("version", lm.version), zap.Duration("took", time.Since(start)))
	}
	return len(ids), nil
}

// Close closes the log backend.
func (lm *LogManager) Close() error { return lm.log.Close() }
