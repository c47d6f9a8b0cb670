package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// A document is stored as a chain of blocks on the collection's data pages.
// Each block starts with the address of the next block (page id uint64,
// slot uint16); the last block points at EmptyAddress.

const (
	blockHeaderSize = 10
	maxFragmentSize = pagemanager.MaxBlockSize - blockHeaderSize
	minUsefulSpace  = blockHeaderSize + 64
	// MaxDocumentSize bounds the encoded size of one document.
	MaxDocumentSize = 16 << 20
)

// writeChain stores data and returns the address of its first block.
func writeChain(view *pagemanager.View, c *collection, data []byte) (pagemanager.PageAddress, error) {
	if len(data) > MaxDocumentSize {
		return pagemanager.EmptyAddress, fmt.Errorf("%w: document of %d bytes exceeds %d", dberror.ErrInvalidArgument, len(data), MaxDocumentSize)
	}
	// Write the tail first so every block knows its successor.
	next := pagemanager.EmptyAddress
	end := len(data)
	for end > 0 || next.IsEmpty() {
		page, err := dataPageFor(view, c, end)
		if err != nil {
			return pagemanager.EmptyAddress, err
		}
		n := pagemanager.DataFreeSpace(page) - blockHeaderSize
		if n > end {
			n = end
		}
		block := make([]byte, blockHeaderSize+n)
		binary.LittleEndian.PutUint64(block, uint64(next.PageID))
		binary.LittleEndian.PutUint16(block[8:], next.Slot)
		copy(block[blockHeaderSize:], data[end-n:end])
		slot, err := pagemanager.InsertBlock(page, block)
		if err != nil {
			return pagemanager.EmptyAddress, err
		}
		next = pagemanager.PageAddress{PageID: page.GetPageID(), Slot: slot}
		end -= n
	}
	return next, nil
}

// dataPageFor returns a writable data page with room for a useful block,
// preferring the collection's hint page.
func dataPageFor(view *pagemanager.View, c *collection, remaining int) (*pagemanager.Page, error) {
	want := blockHeaderSize + remaining
	if want > pagemanager.MaxBlockSize {
		want = pagemanager.MaxBlockSize
	}
	if want < minUsefulSpace {
		want = minUsefulSpace
	}
	if c.DataHint != pagemanager.InvalidPageID {
		page, err := view.GetWritable(c.DataHint)
		if err != nil {
			return nil, err
		}
		free := pagemanager.DataFreeSpace(page)
		// A fragment that does not fit entirely still uses the hint page when
		// it is large; small documents never get split across pages.
		if free >= want || (remaining > maxFragmentSize && free >= minUsefulSpace) {
			return page, nil
		}
	}
	page, err := view.Allocate(pagemanager.PageTypeData)
	if err != nil {
		return nil, err
	}
	pagemanager.InitDataPage(page)
	c.DataHint = page.GetPageID()
	return page, nil
}

// readChain returns the bytes of the document starting at addr.
func readChain(view *pagemanager.View, addr pagemanager.PageAddress) ([]byte, error) {
	var out []byte
	for hops := 0; !addr.IsEmpty(); hops++ {
		if hops > MaxDocumentSize/minUsefulSpace {
			return nil, fmt.Errorf("%w: block chain at %s does not end", dberror.ErrCorruptPage, addr)
		}
		page, err := view.Get(addr.PageID)
		if err != nil {
			return nil, err
		}
		block, err := pagemanager.ReadBlock(page, addr.Slot)
		if err != nil {
			return nil, err
		}
		if len(block) < blockHeaderSize {
			return nil, fmt.Errorf("%w: block %s is too short", dberror.ErrCorruptPage, addr)
		}
		out = append(out, block[blockHeaderSize:]...)
		addr = pagemanager.PageAddress{
			PageID: pagemanager.PageID(binary.LittleEndian.Uint64(block)),
			Slot:   binary.LittleEndian.Uint16(block[8:]),
		}
	}
	return out, nil
}

// deleteChain frees every block of the document at addr. Data pages left
// without blocks go back to the free list.
func deleteChain(view *pagemanager.View, c *collection, addr pagemanager.PageAddress) error {
	for !addr.IsEmpty() {
		page, err := view.GetWritable(addr.PageID)
		if err != nil {
			return err
		}
		block, err := pagemanager.ReadBlock(page, addr.Slot)
		if err != nil {
			return err
		}
		next := pagemanager.PageAddress{
			PageID: pagemanager.PageID(binary.LittleEndian.Uint64(block)),
			Slot:   binary.LittleEndian.Uint16(block[8:]),
		}
		if err := pagemanager.DeleteBlock(page, addr.Slot); err != nil {
			return err
		}
		if pagemanager.LiveBlocks(page) == 0 {
			if err := view.Free(page.GetPageID()); err != nil {
				return err
			}
			if c.DataHint == page.GetPageID() {
				c.DataHint = pagemanager.InvalidPageID
			}
		} else if c.DataHint == pagemanager.InvalidPageID {
			c.DataHint = page.GetPageID()
		}
		addr = next
	}
	return nil
}

// chainPages adds the data pages of the document at addr to pages.
func chainPages(view *pagemanager.View, addr pagemanager.PageAddress, pages map[pagemanager.PageID]struct{}) error {
	for !addr.IsEmpty() {
		pages[addr.PageID] = struct{}{}
		page, err := view.Get(addr.PageID)
		if err != nil {
			return err
		}
		block, err := pagemanager.ReadBlock(page, addr.Slot)
		if err != nil {
			return err
		}
		addr = pagemanager.PageAddress{
			PageID: pagemanager.PageID(binary.LittleEndian.Uint64(block)),
			Slot:   binary.LittleEndian.Uint16(block[8:]),
		}
	}
	return nil
}
