package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// --- Node Layout ---
//
// A node lives in the payload of one Index page. The page header carries
// the entry count (ItemCount), the leaf flag (Flags bit 0) and, for leaves,
// the sibling links (PrevPageID/NextPageID).
//
//   - leaf:     (key, seq uint64, addr page uint64, addr slot uint16)*
//   - internal: child0 uint64, (key, seq uint64, child uint64)*

const (
	flagLeaf = 1 << 0

	seqSize      = 8
	addrSize     = 10
	childSize    = 8
	nodeCapacity = pagemanager.PagePayloadSize
)

// Entry is one leaf record of an index.
type Entry struct {
	Key  any
	Seq  uint64
	Addr pagemanager.PageAddress
}

// Node represents an in-memory B+tree node.
type Node struct {
	pageID       pagemanager.PageID
	isLeaf       bool
	keys         []any
	seqs         []uint64
	values       []pagemanager.PageAddress // leaves only
	childPageIDs []pagemanager.PageID      // internal only, len(keys)+1
	prev, next   pagemanager.PageID        // leaf siblings
}

func (n *Node) GetPageID() pagemanager.PageID { return n.pageID }

func (n *Node) entry(i int) Entry {
	return Entry{Key: n.keys[i], Seq: n.seqs[i], Addr: n.values[i]}
}

func entrySize(key any, leaf bool) int {
	size, err := document.KeySize(key)
	if err != nil {
		size = document.MaxKeyLength
	}
	if leaf {
		return size + seqSize + addrSize
	}
	return size + seqSize + childSize
}

// size returns the encoded payload size.
func (n *Node) size() int {
	total := 0
	if !n.isLeaf {
		total = childSize
	}
	for _, k := range n.keys {
		total += entrySize(k, n.isLeaf)
	}
	return total
}

func (n *Node) overflows() bool { return n.size() > nodeCapacity }

// serialize writes the node into page, which must be a writable Index page.
func (n *Node) serialize(page *pagemanager.Page) error {
	buf := make([]byte, 0, n.size())
	if !n.isLeaf {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n.childPageIDs[0]))
	}
	var err error
	for i, k := range n.keys {
		if buf, err = document.AppendKey(buf, k); err != nil {
			return err
		}
		buf = binary.LittleEndian.AppendUint64(buf, n.seqs[i])
		if n.isLeaf {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(n.values[i].PageID))
			buf = binary.LittleEndian.AppendUint16(buf, n.values[i].Slot)
		} else {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(n.childPageIDs[i+1]))
		}
	}
	if len(buf) > nodeCapacity {
		return fmt.Errorf("%w: node %d needs %d bytes, page holds %d", dberror.ErrOutOfSpace, n.pageID, len(buf), nodeCapacity)
	}

	page.Reset(pagemanager.PageTypeIndex)
	var flags uint8
	if n.isLeaf {
		flags |= flagLeaf
		page.SetPrevPageID(n.prev)
		page.SetNextPageID(n.next)
	}
	page.SetFlags(flags)
	page.SetItemCount(len(n.keys))
	copy(page.Payload(), buf)
	return nil
}

// deserialize decodes the node stored in page.
func deserialize(page *pagemanager.Page) (*Node, error) {
	if page.GetPageType() != pagemanager.PageTypeIndex {
		return nil, fmt.Errorf("%w: page %d is %s, expected an index node", dberror.ErrCorruptPage, page.GetPageID(), page.GetPageType())
	}
	count := page.GetItemCount()
	n := &Node{
		pageID: page.GetPageID(),
		isLeaf: page.GetFlags()&flagLeaf != 0,
		keys:   make([]any, count),
		seqs:   make([]uint64, count),
	}
	data := page.Payload()
	off := 0
	need := func(k int) error {
		if off+k > len(data) {
			return fmt.Errorf("%w: node %d is truncated", dberror.ErrCorruptPage, n.pageID)
		}
		return nil
	}
	if n.isLeaf {
		n.values = make([]pagemanager.PageAddress, count)
		n.prev = page.GetPrevPageID()
		n.next = page.GetNextPageID()
	} else {
		n.childPageIDs = make([]pagemanager.PageID, count+1)
		n.childPageIDs[0] = pagemanager.PageID(binary.LittleEndian.Uint64(data))
		off = childSize
	}
	for i := 0; i < count; i++ {
		key, used, err := document.DecodeKey(data[off:])
		if err != nil {
			return nil, fmt.Errorf("node %d entry %d: %w", n.pageID, i, err)
		}
		n.keys[i] = key
		off += used
		if n.isLeaf {
			if err := need(seqSize + addrSize); err != nil {
				return nil, err
			}
			n.seqs[i] = binary.LittleEndian.Uint64(data[off:])
			n.values[i] = pagemanager.PageAddress{
				PageID: pagemanager.PageID(binary.LittleEndian.Uint64(data[off+seqSize:])),
				Slot:   binary.LittleEndian.Uint16(data[off+seqSize+8:]),
			}
			off += seqSize + addrSize
		} else {
			if err := need(seqSize + childSize); err != nil {
				return nil, err
			}
			n.seqs[i] = binary.LittleEndian.Uint64(data[off:])
			n.childPageIDs[i+1] = pagemanager.PageID(binary.LittleEndian.Uint64(data[off+seqSize:]))
			off += seqSize + childSize
		}
	}
	return n, nil
}

// --- slice helpers ---

func insertAt[T any](s []T, i int, v T) []T {
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
