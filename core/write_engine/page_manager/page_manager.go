// Package pagemanager owns the page format of a gojolite file: page layout
// and checksums, the header page, slotted data pages, snapshot-aware page
// resolution and the per-transaction View that allocates and frees pages.
package pagemanager

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	"go.uber.org/zap"
)

// MinLimitSize is the smallest accepted LimitSize.
const MinLimitSize = 4 * PageSize

// FrameSource resolves committed page images that have not been
// checkpointed into the data file yet.
type FrameSource interface {
	// ReadPage returns the newest image of id committed at or before version.
	ReadPage(id PageID, version uint64) (*Page, bool, error)
}

// PageCache holds verified images of data file pages.
type PageCache interface {
	Get(id PageID) (*Page, bool)
	Put(page *Page)
	Remove(id PageID)
	Clear()
}

// PageManager reads and writes pages of the data file and resolves the
// image of a page visible at a given snapshot version.
type PageManager struct {
	data      diskmanager.Backend
	cache     PageCache
	frames    FrameSource
	logger    *zap.Logger
	limitSize atomic.Int64
}

// NewPageManager wires the data backend with an optional cache and the WAL
// frame source. Both may be nil.
func NewPageManager(data diskmanager.Backend, cache PageCache, frames FrameSource, logger *zap.Logger) *PageManager {
	pm := &PageManager{
		data:   data,
		cache:  cache,
		frames: frames,
		logger: logger.Named("pagemanager"),
	}
	pm.limitSize.Store(math.MaxInt64)
	return pm
}

// Initialize writes the header page of a new data file, or validates the
// header of an existing one. It reports whether the file was created.
func (pm *PageManager) Initialize(readOnly bool, now time.Time) (bool, error) {
	length, err := pm.data.Length()
	if err != nil {
		return false, err
	}
	if length >= PageSize {
		page, err := pm.readDataPage(HeaderPageID)
		if err != nil {
			return false, err
		}
		if _, err := DecodeHeader(page); err != nil {
			return false, err
		}
		return false, nil
	}
	if readOnly {
		return false, fmt.Errorf("%w: %s is empty and cannot be initialized read-only", dberror.ErrReadOnlyViolation, pm.data.Name())
	}

	page := NewPage(HeaderPageID, PageTypeHeader)
	if err := EncodeHeader(NewHeader(now), page); err != nil {
		return false, err
	}
	page.Seal()
	if err := pm.WriteDataPage(page); err != nil {
		return false, err
	}
	if err := pm.SyncData(); err != nil {
		return false, err
	}
	pm.logger.Info("Initialized new data file", zap.String("file", pm.data.Name()))
	return true, nil
}

// ReadPage returns the image of id visible at version: the WAL copy when one
// was committed at or before version, else the checkpointed data file copy.
// The result is shared and must not be modified.
func (pm *PageManager) ReadPage(version uint64, id PageID) (*Page, error) {
	if pm.frames != nil {
		page, ok, err := pm.frames.ReadPage(id, version)
		if err != nil {
			return nil, err
		}
		if ok {
			return page, nil
		}
	}
	if pm.cache != nil {
		if page, ok := pm.cache.Get(id); ok {
			return page, nil
		}
	}
	page, err := pm.readDataPage(id)
	if err != nil {
		return nil, err
	}
	if pm.cache != nil {
		pm.cache.Put(page)
	}
	return page, nil
}

func (pm *PageManager) readDataPage(id PageID) (*Page, error) {
	buf := make([]byte, PageSize)
	n, err := pm.data.ReadAt(buf, int64(id)*PageSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: page %d is beyond the end of %s (%d bytes read)", dberror.ErrCorruptPage, id, pm.data.Name(), n)
		}
		return nil, err
	}
	page := PageFromBytes(id, buf)
	if err := page.Verify(); err != nil {
		pm.logger.Error("Page verification failed", zap.Uint64("pageID", uint64(id)), zap.Error(err))
		return nil, err
	}
	return page, nil
}

// WriteDataPage writes a sealed image straight into the data file. Only
// checkpoint, recovery and initialization do this.
func (pm *PageManager) WriteDataPage(page *Page) error {
	if _, err := pm.data.WriteAt(page.GetData(), int64(page.GetPageID())*PageSize); err != nil {
		return err
	}
	if pm.cache != nil {
		pm.cache.Put(page)
	}
	return nil
}

// SyncData flushes the data backend.
func (pm *PageManager) SyncData() error { return pm.data.Sync() }

// DataLength returns the data file size in bytes.
func (pm *PageManager) DataLength() (int64, error) { return pm.data.Length() }

// ExtendFile pre-allocates the data file to at least size bytes, rounded up
// to whole pages.
func (pm *PageManager) ExtendFile(size int64) error {
	if size <= 0 {
		return nil
	}
	size = (size + PageSize - 1) / PageSize * PageSize
	length, err := pm.data.Length()
	if err != nil {
		return err
	}
	if length >= size {
		return nil
	}
	if err := pm.data.SetLength(size); err != nil {
		return err
	}
	pm.logger.Info("Extended data file", zap.Int64("from", length), zap.Int64("to", size))
	return nil
}

// EnforceLimit caps the data file at size bytes. Allocations that would
// grow the file beyond the cap fail with ErrOutOfSpace. The cap must cover
// every page up to lastPageID.
func (pm *PageManager) EnforceLimit(size int64, lastPageID PageID) error {
	if size <= 0 {
		size = math.MaxInt64
	}
	if size < MinLimitSize {
		return fmt.Errorf("%w: limit size %d is below the minimum of %d bytes", dberror.ErrInvalidArgument, size, MinLimitSize)
	}
	if used := (int64(lastPageID) + 1) * PageSize; size < used {
		return fmt.Errorf("%w: limit size %d is below the %d bytes in use", dberror.ErrInvalidArgument, size, used)
	}
	pm.limitSize.Store(size)
	return nil
}

// LimitSize returns the current cap in bytes.
func (pm *PageManager) LimitSize() int64 { return pm.limitSize.Load() }

func (pm *PageManager) checkLimit(id PageID) error {
	limit := pm.limitSize.Load()
	if limit == math.MaxInt64 {
		return nil
	}
	if need := (int64(id) + 1) * PageSize; need > limit {
		return fmt.Errorf("%w: allocating page %d needs %d bytes, limit is %d", dberror.ErrOutOfSpace, id, need, limit)
	}
	return nil
}

// Truncate cuts the data file right after lastPageID.
func (pm *PageManager) Truncate(lastPageID PageID) error {
	size := (int64(lastPageID) + 1) * PageSize
	length, err := pm.data.Length()
	if err != nil {
		return err
	}
	if length <= size {
		return nil
	}
	if err := pm.data.SetLength(size); err != nil {
		return err
	}
	pm.InvalidateCache()
	return pm.data.Sync()
}

// InvalidateCache drops every cached image, used after the data file was
// rewritten underneath the cache.
func (pm *PageManager) InvalidateCache() {
	if pm.cache != nil {
		pm.cache.Clear()
	}
}

// NewView opens a window on the snapshot at version. A writable view
// collects modified pages until DirtyPages is called.
func (pm *PageManager) NewView(version uint64, writable bool) *View {
	return &View{
		pm:       pm,
		version:  version,
		writable: writable,
		dirty:    make(map[PageID]*Page),
	}
}
