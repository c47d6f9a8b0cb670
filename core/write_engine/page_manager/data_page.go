package pagemanager

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Data pages are slotted: a directory of (offset, length) uint16 pairs grows
// from the start of the payload and block bytes grow from its end. A slot of
// length zero is free. Slot numbers of live blocks never move, so a
// PageAddress stays valid until its block is deleted.

const (
	slotSize = 4
	// MaxBlockSize is the largest block a fresh data page can hold.
	MaxBlockSize = PagePayloadSize - slotSize
)

// PageAddress locates a block: a data page and a slot in it.
type PageAddress struct {
	PageID PageID
	Slot   uint16
}

// EmptyAddress marks the end of a block chain.
var EmptyAddress = PageAddress{}

func (a PageAddress) IsEmpty() bool { return a.PageID == InvalidPageID }

func (a PageAddress) String() string { return fmt.Sprintf("%d:%d", a.PageID, a.Slot) }

// InitDataPage prepares an allocated page for blocks.
func InitDataPage(p *Page) {
	p.SetItemCount(0)
	p.SetFreeOffset(PagePayloadSize)
}

func slot(p *Page, i int) (off, length int) {
	s := p.Payload()[i*slotSize:]
	return int(binary.LittleEndian.Uint16(s)), int(binary.LittleEndian.Uint16(s[2:]))
}

func setSlot(p *Page, i, off, length int) {
	s := p.Payload()[i*slotSize:]
	binary.LittleEndian.PutUint16(s, uint16(off))
	binary.LittleEndian.PutUint16(s[2:], uint16(length))
}

func freeSlot(p *Page) int {
	for i := 0; i < p.GetItemCount(); i++ {
		if _, l := slot(p, i); l == 0 {
			return i
		}
	}
	return -1
}

// DataFreeSpace is the largest block InsertBlock can store on p right now.
func DataFreeSpace(p *Page) int {
	free := p.GetFreeOffset() - p.GetItemCount()*slotSize
	if freeSlot(p) < 0 {
		free -= slotSize
	}
	if free < 0 {
		return 0
	}
	return free
}

// InsertBlock stores b and returns its slot.
func InsertBlock(p *Page, b []byte) (uint16, error) {
	if len(b) == 0 || len(b) > DataFreeSpace(p) {
		return 0, fmt.Errorf("%w: block of %d bytes does not fit data page %d", dberror.ErrInvalidArgument, len(b), p.GetPageID())
	}
	i := freeSlot(p)
	if i < 0 {
		i = p.GetItemCount()
		p.SetItemCount(i + 1)
	}
	off := p.GetFreeOffset() - len(b)
	copy(p.Payload()[off:], b)
	p.SetFreeOffset(off)
	setSlot(p, i, off, len(b))
	return uint16(i), nil
}

// ReadBlock returns the bytes of a live block. The slice aliases the page.
func ReadBlock(p *Page, s uint16) ([]byte, error) {
	if p.GetPageType() != PageTypeData || int(s) >= p.GetItemCount() {
		return nil, fmt.Errorf("%w: no block %d on page %d", dberror.ErrCorruptPage, s, p.GetPageID())
	}
	off, l := slot(p, int(s))
	if l == 0 || off+l > PagePayloadSize {
		return nil, fmt.Errorf("%w: block %d on page %d is free", dberror.ErrCorruptPage, s, p.GetPageID())
	}
	return p.Payload()[off : off+l], nil
}

// DeleteBlock frees a slot and compacts the block area.
func DeleteBlock(p *Page, s uint16) error {
	if _, err := ReadBlock(p, s); err != nil {
		return err
	}
	setSlot(p, int(s), 0, 0)
	n := p.GetItemCount()
	for n > 0 {
		if _, l := slot(p, n-1); l != 0 {
			break
		}
		n--
	}
	p.SetItemCount(n)
	compactBlocks(p)
	return nil
}

// LiveBlocks counts occupied slots.
func LiveBlocks(p *Page) int {
	live := 0
	for i := 0; i < p.GetItemCount(); i++ {
		if _, l := slot(p, i); l != 0 {
			live++
		}
	}
	return live
}

func compactBlocks(p *Page) {
	payload := p.Payload()
	scratch := make([]byte, PagePayloadSize)
	end := PagePayloadSize
	for i := 0; i < p.GetItemCount(); i++ {
		off, l := slot(p, i)
		if l == 0 {
			continue
		}
		end -= l
		copy(scratch[end:], payload[off:off+l])
		setSlot(p, i, end, l)
	}
	copy(payload[end:], scratch[end:])
	clear(payload[p.GetItemCount()*slotSize : end])
	p.SetFreeOffset(end)
}
