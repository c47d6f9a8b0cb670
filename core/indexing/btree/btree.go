// Package btree implements the on-disk B+tree used by every gojolite index.
// Nodes are Index pages reached through a transaction's page store, so a
// tree is always read at one snapshot and modified inside one transaction.
package btree

import (
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// minFill is the byte size below which a non-root node is rebalanced.
const minFill = nodeCapacity / 3

// PageStore is the part of a transaction view the tree works on.
type PageStore interface {
	Get(id pagemanager.PageID) (*pagemanager.Page, error)
	GetWritable(id pagemanager.PageID) (*pagemanager.Page, error)
	Allocate(t pagemanager.PageType) (*pagemanager.Page, error)
	Free(id pagemanager.PageID) error
}

// BTree is a B+tree rooted at a fixed page. Splits and collapses of the
// root rewrite the root page in place, so the root id never changes.
//
// A unique tree orders entries by key and rejects duplicates. A non-unique
// tree orders entries by (key, seq), where seq is an insertion counter kept
// by the caller.
type BTree struct {
	store  PageStore
	root   pagemanager.PageID
	unique bool
	logger *zap.Logger
}

// Create allocates an empty root leaf and returns its page id.
func Create(store PageStore) (pagemanager.PageID, error) {
	page, err := store.Allocate(pagemanager.PageTypeIndex)
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	root := &Node{pageID: page.GetPageID(), isLeaf: true}
	if err := root.serialize(page); err != nil {
		return pagemanager.InvalidPageID, err
	}
	return root.pageID, nil
}

// Open returns the tree rooted at root.
func Open(store PageStore, root pagemanager.PageID, unique bool, logger *zap.Logger) *BTree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BTree{store: store, root: root, unique: unique, logger: logger}
}

// Root returns the root page id.
func (bt *BTree) Root() pagemanager.PageID { return bt.root }

// Unique reports whether the tree rejects duplicate keys.
func (bt *BTree) Unique() bool { return bt.unique }

// compare orders (key, seq) pairs the way the tree stores them.
func (bt *BTree) compare(k1 any, s1 uint64, k2 any, s2 uint64) int {
	if c := document.Compare(k1, k2); c != 0 || bt.unique {
		return c
	}
	switch {
	case s1 < s2:
		return -1
	case s1 > s2:
		return 1
	default:
		return 0
	}
}

func (bt *BTree) fetchNode(id pagemanager.PageID) (*Node, error) {
	page, err := bt.store.Get(id)
	if err != nil {
		return nil, err
	}
	return deserialize(page)
}

func (bt *BTree) writeNode(n *Node) error {
	page, err := bt.store.GetWritable(n.pageID)
	if err != nil {
		return err
	}
	return n.serialize(page)
}

func (bt *BTree) newNode(leaf bool) (*Node, error) {
	page, err := bt.store.Allocate(pagemanager.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	return &Node{pageID: page.GetPageID(), isLeaf: leaf}, nil
}

// pathStep records a visited internal node and the child taken from it.
type pathStep struct {
	node  *Node
	child int
}

// descend walks to the leaf that holds (key, seq) or would hold it.
func (bt *BTree) descend(key any, seq uint64) (*Node, []pathStep, error) {
	node, err := bt.fetchNode(bt.root)
	if err != nil {
		return nil, nil, err
	}
	var path []pathStep
	for !node.isLeaf {
		// Upper bound: number of separators <= target.
		i := 0
		for i < len(node.keys) && bt.compare(node.keys[i], node.seqs[i], key, seq) <= 0 {
			i++
		}
		path = append(path, pathStep{node: node, child: i})
		if node, err = bt.fetchNode(node.childPageIDs[i]); err != nil {
			return nil, nil, err
		}
	}
	return node, path, nil
}

// Insert adds an entry. A unique tree fails with ErrDuplicateKey when the
// key exists. Keys that encode beyond MaxKeyLength fail with ErrIndexKeyTooLong.
func (bt *BTree) Insert(key any, seq uint64, addr pagemanager.PageAddress) error {
	if _, err := document.KeySize(key); err != nil {
		return err
	}
	if key == document.MinValue || key == document.MaxValue {
		return fmt.Errorf("%w: range sentinels cannot be stored", dberror.ErrInvalidArgument)
	}
	if bt.unique {
		if _, found, err := bt.Find(key); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %v", dberror.ErrDuplicateKey, key)
		}
	}

	leaf, path, err := bt.descend(key, seq)
	if err != nil {
		return err
	}
	i := 0
	for i < len(leaf.keys) && bt.compare(leaf.keys[i], leaf.seqs[i], key, seq) < 0 {
		i++
	}
	if i < len(leaf.keys) && bt.compare(leaf.keys[i], leaf.seqs[i], key, seq) == 0 {
		return fmt.Errorf("%w: %v (seq %d)", dberror.ErrDuplicateKey, key, seq)
	}
	leaf.keys = insertAt(leaf.keys, i, key)
	leaf.seqs = insertAt(leaf.seqs, i, seq)
	leaf.values = insertAt(leaf.values, i, addr)
	return bt.fixOverflow(leaf, path)
}

// fixOverflow writes n back, splitting it and its ancestors as needed.
func (bt *BTree) fixOverflow(n *Node, path []pathStep) error {
	for n.overflows() {
		if len(path) == 0 {
			return bt.splitRoot(n)
		}
		right, sepKey, sepSeq, err := bt.split(n)
		if err != nil {
			return err
		}
		if err := bt.writeNode(n); err != nil {
			return err
		}
		if err := bt.writeNode(right); err != nil {
			return err
		}
		step := path[len(path)-1]
		path = path[:len(path)-1]
		parent := step.node
		parent.keys = insertAt(parent.keys, step.child, sepKey)
		parent.seqs = insertAt(parent.seqs, step.child, sepSeq)
		parent.childPageIDs = insertAt(parent.childPageIDs, step.child+1, right.pageID)
		n = parent
	}
	return bt.writeNode(n)
}

// splitPoint returns the index where the byte midpoint of n falls, keeping
// at least one entry on each side (two for internal nodes, whose middle key
// moves up).
func splitPoint(n *Node) int {
	total := n.size()
	acc := 0
	if !n.isLeaf {
		acc = childSize
	}
	m := 0
	for m < len(n.keys) && acc < total/2 {
		acc += entrySize(n.keys[m], n.isLeaf)
		m++
	}
	lo := 1
	hi := len(n.keys) - 1
	if !n.isLeaf {
		hi = len(n.keys) - 2
	}
	if m < lo {
		m = lo
	}
	if m > hi {
		m = hi
	}
	return m
}

// split moves the upper half of n into a new node and returns it with the
// separator to push into the parent.
func (bt *BTree) split(n *Node) (*Node, any, uint64, error) {
	right, err := bt.newNode(n.isLeaf)
	if err != nil {
		return nil, nil, 0, err
	}
	m := splitPoint(n)
	var sepKey any
	var sepSeq uint64
	if n.isLeaf {
		right.keys = append([]any(nil), n.keys[m:]...)
		right.seqs = append([]uint64(nil), n.seqs[m:]...)
		right.values = append([]pagemanager.PageAddress(nil), n.values[m:]...)
		n.keys, n.seqs, n.values = n.keys[:m:m], n.seqs[:m:m], n.values[:m:m]
		sepKey, sepSeq = right.keys[0], right.seqs[0]

		right.prev, right.next = n.pageID, n.next
		if n.next != pagemanager.InvalidPageID {
			next, err := bt.fetchNode(n.next)
			if err != nil {
				return nil, nil, 0, err
			}
			next.prev = right.pageID
			if err := bt.writeNode(next); err != nil {
				return nil, nil, 0, err
			}
		}
		n.next = right.pageID
	} else {
		sepKey, sepSeq = n.keys[m], n.seqs[m]
		right.keys = append([]any(nil), n.keys[m+1:]...)
		right.seqs = append([]uint64(nil), n.seqs[m+1:]...)
		right.childPageIDs = append([]pagemanager.PageID(nil), n.childPageIDs[m+1:]...)
		n.keys, n.seqs, n.childPageIDs = n.keys[:m:m], n.seqs[:m:m], n.childPageIDs[:m+1:m+1]
	}
	bt.logger.Debug("Split index node",
		zap.Uint64("pageID", uint64(n.pageID)), zap.Uint64("newPageID", uint64(right.pageID)), zap.Bool("leaf", n.isLeaf))
	return right, sepKey, sepSeq, nil
}

// splitRoot moves the root's contents into two new children and turns the
// root page into an internal node over them.
func (bt *BTree) splitRoot(root *Node) error {
	left, err := bt.newNode(root.isLeaf)
	if err != nil {
		return err
	}
	left.keys, left.seqs, left.values, left.childPageIDs = root.keys, root.seqs, root.values, root.childPageIDs
	right, sepKey, sepSeq, err := bt.split(left)
	if err != nil {
		return err
	}
	if left.isLeaf {
		left.prev = pagemanager.InvalidPageID
	}
	if err := bt.writeNode(left); err != nil {
		return err
	}
	if err := bt.writeNode(right); err != nil {
		return err
	}
	newRoot := &Node{
		pageID:       root.pageID,
		keys:         []any{sepKey},
		seqs:         []uint64{sepSeq},
		childPageIDs: []pagemanager.PageID{left.pageID, right.pageID},
	}
	bt.logger.Debug("Split index root", zap.Uint64("rootPageID", uint64(root.pageID)))
	return bt.writeNode(newRoot)
}

// Delete removes the entry (key, seq). In a unique tree seq is ignored. It
// reports whether an entry was removed.
func (bt *BTree) Delete(key any, seq uint64) (bool, error) {
	leaf, path, err := bt.descend(key, seq)
	if err != nil {
		return false, err
	}
	i := 0
	for i < len(leaf.keys) && bt.compare(leaf.keys[i], leaf.seqs[i], key, seq) < 0 {
		i++
	}
	if i == len(leaf.keys) || bt.compare(leaf.keys[i], leaf.seqs[i], key, seq) != 0 {
		return false, nil
	}
	leaf.keys = removeAt(leaf.keys, i)
	leaf.seqs = removeAt(leaf.seqs, i)
	leaf.values = removeAt(leaf.values, i)
	return true, bt.rebalance(leaf, path)
}

// rebalance writes n back after a removal and restores the fill invariants
// up the path.
func (bt *BTree) rebalance(n *Node, path []pathStep) error {
	for {
		if len(path) == 0 {
			if err := bt.writeNode(n); err != nil {
				return err
			}
			return bt.collapseRoot(n)
		}
		if n.size() >= minFill {
			return bt.writeNode(n)
		}

		step := path[len(path)-1]
		path = path[:len(path)-1]
		parent := step.node
		idx := step.child

		leftIdx := idx - 1
		if idx == 0 {
			leftIdx = 0
		}
		var left, right *Node
		var err error
		if idx > 0 {
			if left, err = bt.fetchNode(parent.childPageIDs[idx-1]); err != nil {
				return err
			}
			right = n
		} else {
			left = n
			if right, err = bt.fetchNode(parent.childPageIDs[1]); err != nil {
				return err
			}
		}

		if bt.borrow(parent, leftIdx, left, right, n == right) {
			if err := bt.writeNode(left); err != nil {
				return err
			}
			if err := bt.writeNode(right); err != nil {
				return err
			}
			// Rotation changed a separator; the parent may have grown.
			return bt.fixOverflow(parent, path)
		}

		merged, err := bt.merge(parent, leftIdx, left, right)
		if err != nil {
			return err
		}
		if !merged {
			return bt.writeNode(n)
		}
		n = parent
	}
}

// borrow moves entries from the sibling into the underfull node while the
// sibling stays at or above minFill. fromLeft is true when the underfull
// node is right. It reports whether anything moved.
func (bt *BTree) borrow(parent *Node, sep int, left, right *Node, fromLeft bool) bool {
	moved := false
	for {
		under, donor := left, right
		if fromLeft {
			under, donor = right, left
		}
		if under.size() >= minFill || len(donor.keys) < 2 {
			return moved
		}
		var give int
		if fromLeft {
			give = entrySize(donor.keys[len(donor.keys)-1], donor.isLeaf)
		} else {
			give = entrySize(donor.keys[0], donor.isLeaf)
		}
		if donor.size()-give < minFill {
			return moved
		}

		switch {
		case left.isLeaf && fromLeft:
			last := len(left.keys) - 1
			right.keys = insertAt(right.keys, 0, left.keys[last])
			right.seqs = insertAt(right.seqs, 0, left.seqs[last])
			right.values = insertAt(right.values, 0, left.values[last])
			left.keys, left.seqs, left.values = left.keys[:last], left.seqs[:last], left.values[:last]
			parent.keys[sep], parent.seqs[sep] = right.keys[0], right.seqs[0]
		case left.isLeaf:
			left.keys = append(left.keys, right.keys[0])
			left.seqs = append(left.seqs, right.seqs[0])
			left.values = append(left.values, right.values[0])
			right.keys, right.seqs, right.values = removeAt(right.keys, 0), removeAt(right.seqs, 0), removeAt(right.values, 0)
			parent.keys[sep], parent.seqs[sep] = right.keys[0], right.seqs[0]
		case fromLeft:
			last := len(left.keys) - 1
			right.keys = insertAt(right.keys, 0, parent.keys[sep])
			right.seqs = insertAt(right.seqs, 0, parent.seqs[sep])
			right.childPageIDs = insertAt(right.childPageIDs, 0, left.childPageIDs[last+1])
			parent.keys[sep], parent.seqs[sep] = left.keys[last], left.seqs[last]
			left.keys, left.seqs, left.childPageIDs = left.keys[:last], left.seqs[:last], left.childPageIDs[:last+1]
		default:
			left.keys = append(left.keys, parent.keys[sep])
			left.seqs = append(left.seqs, parent.seqs[sep])
			left.childPageIDs = append(left.childPageIDs, right.childPageIDs[0])
			parent.keys[sep], parent.seqs[sep] = right.keys[0], right.seqs[0]
			right.keys, right.seqs, right.childPageIDs = removeAt(right.keys, 0), removeAt(right.seqs, 0), removeAt(right.childPageIDs, 0)
		}
		moved = true
	}
}

// merge folds right into left and removes the separator at sep from the
// parent. It reports false, changing nothing, when the result would not fit.
func (bt *BTree) merge(parent *Node, sep int, left, right *Node) (bool, error) {
	extra := 0
	if !left.isLeaf {
		extra = entrySize(parent.keys[sep], false)
	}
	if left.size()+right.size()+extra > nodeCapacity {
		return false, nil
	}

	if left.isLeaf {
		left.keys = append(left.keys, right.keys...)
		left.seqs = append(left.seqs, right.seqs...)
		left.values = append(left.values, right.values...)
		left.next = right.next
		if right.next != pagemanager.InvalidPageID {
			next, err := bt.fetchNode(right.next)
			if err != nil {
				return false, err
			}
			next.prev = left.pageID
			if err := bt.writeNode(next); err != nil {
				return false, err
			}
		}
	} else {
		left.keys = append(append(left.keys, parent.keys[sep]), right.keys...)
		left.seqs = append(append(left.seqs, parent.seqs[sep]), right.seqs...)
		left.childPageIDs = append(left.childPageIDs, right.childPageIDs...)
	}
	if err := bt.writeNode(left); err != nil {
		return false, err
	}
	if err := bt.store.Free(right.pageID); err != nil {
		return false, err
	}
	parent.keys = removeAt(parent.keys, sep)
	parent.seqs = removeAt(parent.seqs, sep)
	parent.childPageIDs = removeAt(parent.childPageIDs, sep+1)
	bt.logger.Debug("Merged index nodes",
		zap.Uint64("pageID", uint64(left.pageID)), zap.Uint64("freedPageID", uint64(right.pageID)), zap.Bool("leaf", left.isLeaf))
	return true, nil
}

// collapseRoot replaces an internal root with a single child by the
// child's contents and frees the child page.
func (bt *BTree) collapseRoot(root *Node) error {
	for !root.isLeaf && len(root.keys) == 0 {
		child, err := bt.fetchNode(root.childPageIDs[0])
		if err != nil {
			return err
		}
		childID := child.pageID
		child.pageID = root.pageID
		// The only child of the root has no siblings.
		child.prev, child.next = pagemanager.InvalidPageID, pagemanager.InvalidPageID
		if err := bt.writeNode(child); err != nil {
			return err
		}
		if err := bt.store.Free(childID); err != nil {
			return err
		}
		bt.logger.Debug("Collapsed index root", zap.Uint64("rootPageID", uint64(root.pageID)), zap.Uint64("freedPageID", uint64(childID)))
		root = child
	}
	return nil
}

// Find returns the first entry with key.
func (bt *BTree) Find(key any) (Entry, bool, error) {
	c, err := bt.Range(Bound{Key: key, Inclusive: true}, Bound{Key: key, Inclusive: true}, false)
	if err != nil {
		return Entry{}, false, err
	}
	return c.Next()
}

// Drop frees every page of the tree, the root included.
func (bt *BTree) Drop() (int, error) {
	freed := 0
	queue := []pagemanager.PageID{bt.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, err := bt.fetchNode(id)
		if err != nil {
			return freed, err
		}
		if !node.isLeaf {
			queue = append(queue, node.childPageIDs...)
		}
		if err := bt.store.Free(id); err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}

// Stats holds the key statistics of a tree.
type Stats struct {
	Keys         int
	DistinctKeys int
	Pages        int
	Depth        int
}

// Stats walks the tree and counts pages, keys and distinct keys.
func (bt *BTree) Stats() (Stats, error) {
	var st Stats
	level := []pagemanager.PageID{bt.root}
	var leftmost *Node
	for {
		st.Depth++
		st.Pages += len(level)
		n, err := bt.fetchNode(level[0])
		if err != nil {
			return st, err
		}
		if n.isLeaf {
			leftmost = n
			break
		}
		var next []pagemanager.PageID
		for i, id := range level {
			if i > 0 {
				if n, err = bt.fetchNode(id); err != nil {
					return st, err
				}
			}
			next = append(next, n.childPageIDs...)
		}
		level = next
	}

	var prev any
	first := true
	for leaf := leftmost; ; {
		for _, k := range leaf.keys {
			st.Keys++
			if first || document.Compare(prev, k) != 0 {
				st.DistinctKeys++
			}
			prev, first = k, false
		}
		if leaf.next == pagemanager.InvalidPageID {
			break
		}
		var err error
		if leaf, err = bt.fetchNode(leaf.next); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Scan calls fn for every entry in ascending order until fn returns false.
func (bt *BTree) Scan(fn func(Entry) bool) error {
	c, err := bt.Range(Bound{Key: document.MinValue}, Bound{Key: document.MaxValue}, false)
	if err != nil {
		return err
	}
	for {
		e, ok, err := c.Next()
		if err != nil || !ok {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
}
