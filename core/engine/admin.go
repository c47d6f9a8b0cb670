package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Shrink rebuilds the database into a compact image and publishes the image
// through the log as one committed version, then folds it into the data
// file and cuts the file to the image size. It keeps every id, document,
// index and parameter, and returns the number of bytes reclaimed.
//
// Shrink starts once no snapshot is open. Snapshots opened while it runs
// see either the old or the rebuilt database, never a mix. The fold into
// the data file is paced by Settings.ShrinkRate and waits for snapshots
// that still see the old database. If ctx ends before the image is
// published nothing changes; afterwards the image is durable in the log and
// the next checkpoint or recovery completes the fold.
func (e *Engine) Shrink(ctx context.Context) (_ int64, err error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := e.startSpan(ctx, "Shrink", "")
	defer func() { endSpan(span, err) }()

	var reclaimed int64
	err = e.txns.RunExclusive(ctx, func(x *transaction.Exclusive) error {
		start := time.Now()
		before, err := e.pm.DataLength()
		if err != nil {
			return err
		}
		image := diskmanager.NewMemoryBackend(e.data.Name() + "-shrink")
		defer image.Close()
		if err := e.rebuildInto(ctx, x.Snapshot(), image); err != nil {
			return fmt.Errorf("failed to rebuild database: %w", err)
		}
		size, err := image.Length()
		if err != nil {
			return err
		}
		if size >= before {
			e.logger.Info("Shrink found nothing to reclaim", zap.Int64("size", before), zap.Int64("rebuilt", size))
			return nil
		}
		pages, err := imagePages(image, size)
		if err != nil {
			return fmt.Errorf("failed to read rebuilt image: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		version, err := x.Publish(pages)
		if err != nil {
			return fmt.Errorf("failed to publish rebuilt image: %w", err)
		}
		throttle := diskmanager.NewThrottle(e.settings.ShrinkRate, pagemanager.PageSize)
		if _, err := x.Checkpoint(throttle); err != nil {
			return fmt.Errorf("rebuilt image is committed at version %d but not yet checkpointed: %w", version, err)
		}
		if err := e.pm.Truncate(pages[len(pages)-1].GetPageID()); err != nil {
			return err
		}
		reclaimed = before - size
		e.logger.Info("Shrink complete",
			zap.Int64("before", before), zap.Int64("after", size),
			zap.Uint64("version", version), zap.Duration("took", time.Since(start)))
		return nil
	})
	return reclaimed, err
}

// imagePages reads back every page of a rebuilt data file of size bytes.
func imagePages(image diskmanager.Backend, size int64) ([]*pagemanager.Page, error) {
	n := size / pagemanager.PageSize
	if n == 0 || size%pagemanager.PageSize != 0 {
		return nil, fmt.Errorf("%w: rebuilt image of %d bytes is not whole pages", dberror.ErrCorruptPage, size)
	}
	pages := make([]*pagemanager.Page, 0, n)
	for id := pagemanager.PageID(0); int64(id) < n; id++ {
		buf := make([]byte, pagemanager.PageSize)
		if _, err := image.ReadAt(buf, int64(id)*pagemanager.PageSize); err != nil {
			return nil, err
		}
		p := pagemanager.PageFromBytes(id, buf)
		if err := p.Verify(); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// rebuildInto writes a fresh copy of the snapshot into image through a
// private engine and checkpoints it, so image ends up a complete data file.
func (e *Engine) rebuildInto(ctx context.Context, src *pagemanager.View, image diskmanager.Backend) error {
	tmp, err := Open(ctx, Settings{
		// The image outlives the private engine.
		DataStream:     nopCloseBackend{image},
		CheckpointSize: -1,
		Timeout:        e.txns.Timeout(),
		Logger:         e.logger.Named("shrink"),
	})
	if err != nil {
		return err
	}
	defer tmp.Close()

	t, err := tmp.txns.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := copyDatabase(src, t.View(), e.logger); err != nil {
		_ = t.Rollback()
		return err
	}
	if err := t.Commit(); err != nil {
		return err
	}
	_, err = tmp.txns.Checkpoint(ctx)
	return err
}

// copyDatabase copies the header state and every collection of src into dst.
func copyDatabase(src, dst *pagemanager.View, logger *zap.Logger) error {
	sh, err := src.Header()
	if err != nil {
		return err
	}
	dh, err := dst.Header()
	if err != nil {
		return err
	}
	dh.CreatedAt = sh.CreatedAt
	for name, v := range sh.Params {
		dh.Params[name] = append([]byte(nil), v...)
	}
	dst.MarkHeaderDirty()

	names := make([]string, 0, len(sh.Collections))
	for name := range sh.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := copyCollection(src, dst, name, logger); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
	}
	return nil
}

func copyCollection(src, dst *pagemanager.View, name string, logger *zap.Logger) error {
	sc, ok, err := loadCollection(src, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: collection %q vanished", dberror.ErrCorruptPage, name)
	}
	dc, err := createCollection(dst, name, sc.AutoID)
	if err != nil {
		return err
	}
	dc.Sequence = sc.Sequence

	// Documents in _id order, remembering where each one moved.
	moved := make(map[pagemanager.PageAddress]pagemanager.PageAddress, sc.Count)
	primary := dc.tree(dst, dc.primary(), logger)
	var copyErr error
	err = sc.tree(src, sc.primary(), logger).Scan(func(en btree.Entry) bool {
		data, err := readChain(src, en.Addr)
		if err != nil {
			copyErr = err
			return false
		}
		addr, err := writeChain(dst, dc, data)
		if err != nil {
			copyErr = err
			return false
		}
		if err := primary.Insert(en.Key, 0, addr); err != nil {
			copyErr = err
			return false
		}
		moved[en.Addr] = addr
		dc.Count++
		return true
	})
	if err == nil {
		err = copyErr
	}
	if err != nil {
		return err
	}

	for _, idx := range sc.Indexes[1:] {
		root, err := btree.Create(dst)
		if err != nil {
			return err
		}
		copied := *idx
		copied.Root = root
		dc.Indexes = append(dc.Indexes, &copied)
		tree := dc.tree(dst, &copied, logger)
		err = sc.tree(src, idx, logger).Scan(func(en btree.Entry) bool {
			addr, ok := moved[en.Addr]
			if !ok {
				copyErr = fmt.Errorf("%w: index %s points at unknown document %s", dberror.ErrCorruptPage, idx.Name, en.Addr)
				return false
			}
			if err := tree.Insert(en.Key, en.Seq, addr); err != nil {
				copyErr = err
				return false
			}
			return true
		})
		if err == nil {
			err = copyErr
		}
		if err != nil {
			return err
		}
	}
	return saveCollection(dst, dc)
}

// nopCloseBackend keeps a backend open when its owner is closed.
type nopCloseBackend struct {
	diskmanager.Backend
}

func (nopCloseBackend) Close() error { return nil }

// Vacuum gives the free pages at the end of the file back to the file
// system and rebuilds the rest of the free list in ascending order. It
// waits until no snapshot is open and returns the number of pages removed.
func (e *Engine) Vacuum(ctx context.Context) (_ int, err error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := e.startSpan(ctx, "Vacuum", "")
	defer func() { endSpan(span, err) }()

	var reclaimed int
	err = e.txns.RunExclusive(ctx, func(x *transaction.Exclusive) error {
		t := x.BeginWrite()
		last, n, err := compactFreeList(t.View())
		if err != nil {
			_ = t.Rollback()
			return err
		}
		if err := t.Commit(); err != nil {
			return err
		}
		if _, err := x.Checkpoint(nil); err != nil {
			return err
		}
		if err := e.pm.Truncate(last); err != nil {
			return err
		}
		reclaimed = n
		e.logger.Info("Vacuum complete", zap.Int("pages", n), zap.Uint64("lastPageID", uint64(last)))
		return nil
	})
	return reclaimed, err
}

// compactFreeList drops trailing free pages and relinks the remaining ones
// in ascending order. It returns the new last page id and the number of
// pages dropped.
func compactFreeList(view *pagemanager.View) (pagemanager.PageID, int, error) {
	h, err := view.Header()
	if err != nil {
		return 0, 0, err
	}
	free := make(map[pagemanager.PageID]bool, h.FreeCount)
	for id := h.FreeListHead; id != pagemanager.InvalidPageID; {
		if free[id] || uint64(len(free)) >= h.FreeCount {
			return 0, 0, fmt.Errorf("%w: free list loops or exceeds its count of %d", dberror.ErrCorruptPage, h.FreeCount)
		}
		free[id] = true
		page, err := view.Get(id)
		if err != nil {
			return 0, 0, err
		}
		id = page.GetNextPageID()
	}

	last, dropped := h.LastPageID, 0
	for last > pagemanager.HeaderPageID && free[last] {
		delete(free, last)
		last--
		dropped++
	}

	ids := make([]pagemanager.PageID, 0, len(free))
	for id := range free {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	next := pagemanager.InvalidPageID
	for i := len(ids) - 1; i >= 0; i-- {
		page, err := view.GetWritable(ids[i])
		if err != nil {
			return 0, 0, err
		}
		page.Reset(pagemanager.PageTypeEmpty)
		page.SetNextPageID(next)
		next = ids[i]
	}
	h.FreeListHead = next
	h.FreeCount = uint64(len(ids))
	h.LastPageID = last
	view.MarkHeaderDirty()
	return last, dropped, nil
}

// Analyze refreshes the key statistics of every index of the named
// collections, or of all collections when none are named. Collections are
// scanned concurrently. It returns the number of collections analyzed.
func (e *Engine) Analyze(ctx context.Context, collections []string) (_ int, err error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := e.startSpan(ctx, "Analyze", "")
	defer func() { endSpan(span, err) }()

	t, err := e.txns.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	n, err := e.analyze(ctx, t.View(), collections)
	if err != nil {
		_ = t.Rollback()
		return 0, err
	}
	if err := t.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *Engine) analyze(ctx context.Context, view *pagemanager.View, names []string) (int, error) {
	if len(names) == 0 {
		h, err := view.Header()
		if err != nil {
			return 0, err
		}
		for name := range h.Collections {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	cols := make([]*collection, len(names))
	for i, name := range names {
		c, ok, err := loadCollection(view, name)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: collection %q", dberror.ErrNotFound, name)
		}
		cols[i] = c
	}

	// The writer lock is held, so the snapshot cannot be checkpointed away
	// while the scans run on their own read views.
	stats := make([][]btree.Stats, len(cols))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cols {
		g.Go(func() error {
			rv := e.pm.NewView(view.Version(), false)
			stats[i] = make([]btree.Stats, len(c.Indexes))
			for j, idx := range c.Indexes {
				if err := gctx.Err(); err != nil {
					return err
				}
				st, err := c.tree(rv, idx, e.logger).Stats()
				if err != nil {
					return fmt.Errorf("index %s of %s: %w", idx.Name, c.Name, err)
				}
				stats[i][j] = st
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i, c := range cols {
		for j, idx := range c.Indexes {
			idx.Keys, idx.DistinctKeys = uint64(stats[i][j].Keys), uint64(stats[i][j].DistinctKeys)
		}
		if err := saveCollection(view, c); err != nil {
			return 0, err
		}
		e.logger.Debug("Analyzed collection", zap.String("collection", c.Name), zap.Uint64("documents", c.Count))
	}
	return len(cols), nil
}
