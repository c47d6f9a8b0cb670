package pagemanager

import (
	"fmt"
	"sort"

	"github.com/sushant-115/gojolite/core/dberror"
	"go.uber.org/zap"
)

// View is one transaction's window on the file: a snapshot version plus the
// pages the transaction has modified. Reads prefer the view's own dirty copy.
type View struct {
	pm       *PageManager
	version  uint64
	writable bool

	dirty       map[PageID]*Page
	header      *Header
	headerDirty bool
}

// Version is the snapshot version the view reads at.
func (v *View) Version() uint64 { return v.version }

// Writable reports whether the view may modify pages.
func (v *View) Writable() bool { return v.writable }

// Get returns the visible image of id. Callers must not modify it.
func (v *View) Get(id PageID) (*Page, error) {
	if p, ok := v.dirty[id]; ok {
		return p, nil
	}
	return v.pm.ReadPage(v.version, id)
}

// GetWritable returns a private copy of id that the view will commit.
func (v *View) GetWritable(id PageID) (*Page, error) {
	if !v.writable {
		return nil, fmt.Errorf("%w: page %d requested for write in a read snapshot", dberror.ErrReadOnlyViolation, id)
	}
	if p, ok := v.dirty[id]; ok {
		return p, nil
	}
	p, err := v.pm.ReadPage(v.version, id)
	if err != nil {
		return nil, err
	}
	c := p.Clone()
	v.dirty[id] = c
	return c, nil
}

// Header returns the decoded header page. In a writable view the result is a
// private copy; call MarkHeaderDirty after changing it.
func (v *View) Header() (*Header, error) {
	if v.header != nil {
		return v.header, nil
	}
	p, err := v.Get(HeaderPageID)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(p)
	if err != nil {
		return nil, err
	}
	v.header = h
	return h, nil
}

// MarkHeaderDirty schedules the header for write back at commit.
func (v *View) MarkHeaderDirty() { v.headerDirty = true }

// Allocate returns a fresh page of type t, reusing the free list head when
// there is one and growing the file otherwise.
func (v *View) Allocate(t PageType) (*Page, error) {
	if !v.writable {
		return nil, fmt.Errorf("%w: allocate in a read snapshot", dberror.ErrReadOnlyViolation)
	}
	h, err := v.Header()
	if err != nil {
		return nil, err
	}

	if h.FreeListHead != InvalidPageID {
		p, err := v.GetWritable(h.FreeListHead)
		if err != nil {
			return nil, err
		}
		if p.GetPageType() != PageTypeEmpty {
			return nil, fmt.Errorf("%w: free list page %d has type %s", dberror.ErrCorruptPage, p.GetPageID(), p.GetPageType())
		}
		h.FreeListHead = p.GetNextPageID()
		h.FreeCount--
		p.Reset(t)
		v.headerDirty = true
		v.pm.logger.Debug("Reused free page", zap.Uint64("pageID", uint64(p.GetPageID())), zap.Stringer("type", t))
		return p, nil
	}

	id := h.LastPageID + 1
	if err := v.pm.checkLimit(id); err != nil {
		return nil, err
	}
	h.LastPageID = id
	p := NewPage(id, t)
	v.dirty[id] = p
	v.headerDirty = true
	v.pm.logger.Debug("Allocated new page", zap.Uint64("pageID", uint64(id)), zap.Stringer("type", t))
	return p, nil
}

// Free pushes id onto the free list. Older snapshots keep seeing the page as
// it was until they end.
func (v *View) Free(id PageID) error {
	if id == HeaderPageID {
		return fmt.Errorf("%w: the header page cannot be freed", dberror.ErrInvalidArgument)
	}
	h, err := v.Header()
	if err != nil {
		return err
	}
	p, err := v.GetWritable(id)
	if err != nil {
		return err
	}
	if p.GetPageType() == PageTypeEmpty {
		return fmt.Errorf("%w: page %d freed twice", dberror.ErrCorruptPage, id)
	}
	p.Reset(PageTypeEmpty)
	p.SetNextPageID(h.FreeListHead)
	h.FreeListHead = id
	h.FreeCount++
	v.headerDirty = true
	return nil
}

// IsDirty reports whether the view modified anything.
func (v *View) IsDirty() bool { return len(v.dirty) > 0 || v.headerDirty }

// DirtyPages seals and returns the modified pages ordered by page id.
func (v *View) DirtyPages() ([]*Page, error) {
	if v.headerDirty {
		p, err := v.GetWritable(HeaderPageID)
		if err != nil {
			return nil, err
		}
		if err := EncodeHeader(v.header, p); err != nil {
			return nil, err
		}
		v.headerDirty = false
	}
	pages := make([]*Page, 0, len(v.dirty))
	for _, p := range v.dirty {
		p.Seal()
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].GetPageID() < pages[j].GetPageID() })
	return pages, nil
}

// Discard drops every modification.
func (v *View) Discard() {
	v.dirty = make(map[PageID]*Page)
	v.header = nil
	v.headerDirty = false
}
