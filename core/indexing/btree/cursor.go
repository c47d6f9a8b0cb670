package btree

import (
	"github.com/sushant-115/gojolite/core/document"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Bound is one end of a key range. Use document.MinValue and
// document.MaxValue for open ends.
type Bound struct {
	Key       any
	Inclusive bool
}

// Cursor walks a key range along the leaf chain. It reads through the
// tree's page store, so it sees the snapshot the store was opened at.
type Cursor struct {
	bt           *BTree
	lower, upper Bound
	desc         bool
	leaf         *Node
	pos          int
	done         bool
}

// Range positions a cursor on the entries between lower and upper, in
// ascending key order or descending when desc is set.
func (bt *BTree) Range(lower, upper Bound, desc bool) (*Cursor, error) {
	c := &Cursor{bt: bt, lower: lower, upper: upper, desc: desc}
	var before func(k any) bool
	if desc {
		before = func(k any) bool {
			cmp := document.Compare(k, upper.Key)
			return cmp < 0 || (cmp == 0 && upper.Inclusive)
		}
	} else {
		before = func(k any) bool {
			cmp := document.Compare(k, lower.Key)
			return cmp < 0 || (cmp == 0 && !lower.Inclusive)
		}
	}
	leaf, pos, err := bt.seek(before)
	if err != nil {
		return nil, err
	}
	c.leaf, c.pos = leaf, pos
	if desc {
		c.pos--
	}
	return c, nil
}

// seek finds the first leaf position whose key is not before the target.
// before must be true for a prefix of the key order.
func (bt *BTree) seek(before func(k any) bool) (*Node, int, error) {
	node, err := bt.fetchNode(bt.root)
	if err != nil {
		return nil, 0, err
	}
	for !node.isLeaf {
		i := 0
		for i < len(node.keys) && before(node.keys[i]) {
			i++
		}
		if node, err = bt.fetchNode(node.childPageIDs[i]); err != nil {
			return nil, 0, err
		}
	}
	i := 0
	for i < len(node.keys) && before(node.keys[i]) {
		i++
	}
	return node, i, nil
}

// Next returns the next entry, or false once the range is exhausted.
func (c *Cursor) Next() (Entry, bool, error) {
	for !c.done {
		if c.desc {
			if c.pos < 0 {
				if err := c.move(c.leaf.prev); err != nil {
					return Entry{}, false, err
				}
				if !c.done {
					c.pos = len(c.leaf.keys) - 1
				}
				continue
			}
			e := c.leaf.entry(c.pos)
			cmp := document.Compare(e.Key, c.lower.Key)
			if cmp < 0 || (cmp == 0 && !c.lower.Inclusive) {
				c.done = true
				break
			}
			c.pos--
			return e, true, nil
		}

		if c.pos >= len(c.leaf.keys) {
			if err := c.move(c.leaf.next); err != nil {
				return Entry{}, false, err
			}
			c.pos = 0
			continue
		}
		e := c.leaf.entry(c.pos)
		cmp := document.Compare(e.Key, c.upper.Key)
		if cmp > 0 || (cmp == 0 && !c.upper.Inclusive) {
			c.done = true
			break
		}
		c.pos++
		return e, true, nil
	}
	return Entry{}, false, nil
}

func (c *Cursor) move(id pagemanager.PageID) error {
	if id == pagemanager.InvalidPageID {
		c.done = true
		return nil
	}
	leaf, err := c.bt.fetchNode(id)
	if err != nil {
		c.done = true
		return err
	}
	c.leaf = leaf
	return nil
}
