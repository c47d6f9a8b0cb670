package btree

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupTree creates an empty tree inside a writable view over memory.
func setupTree(t *testing.T, unique bool) (*BTree, *pagemanager.View) {
	t.Helper()
	logger := zap.NewNop()
	pm := pagemanager.NewPageManager(diskmanager.NewMemoryBackend("btree-test"), nil, nil, logger)
	_, err := pm.Initialize(false, time.Now())
	require.NoError(t, err)
	view := pm.NewView(0, true)
	root, err := Create(view)
	require.NoError(t, err)
	return Open(view, root, unique, logger), view
}

func addr(i int) pagemanager.PageAddress {
	return pagemanager.PageAddress{PageID: pagemanager.PageID(i + 1), Slot: uint16(i % 100)}
}

func collect(t *testing.T, c *Cursor) []Entry {
	t.Helper()
	var out []Entry
	for {
		e, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

// checkTree verifies ordering, separator bounds, uniform leaf depth and the
// sibling chain, and returns the number of entries.
func checkTree(t *testing.T, bt *BTree) int {
	t.Helper()
	var leaves []*Node
	leafDepth := -1
	var walk func(id pagemanager.PageID, depth int, lo, hi *Entry)
	walk = func(id pagemanager.PageID, depth int, lo, hi *Entry) {
		n, err := bt.fetchNode(id)
		require.NoError(t, err)
		if id != bt.root {
			require.NotEmpty(t, n.keys, "non-root node %d is empty", id)
		}
		for i := range n.keys {
			if i > 0 {
				require.Negative(t, bt.compare(n.keys[i-1], n.seqs[i-1], n.keys[i], n.seqs[i]), "node %d unsorted", id)
			}
			if lo != nil {
				require.GreaterOrEqual(t, bt.compare(n.keys[i], n.seqs[i], lo.Key, lo.Seq), 0)
			}
			if hi != nil {
				require.Negative(t, bt.compare(n.keys[i], n.seqs[i], hi.Key, hi.Seq))
			}
		}
		if n.isLeaf {
			if leafDepth < 0 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaves at different depths")
			leaves = append(leaves, n)
			return
		}
		require.Len(t, n.childPageIDs, len(n.keys)+1)
		for i, child := range n.childPageIDs {
			clo, chi := lo, hi
			if i > 0 {
				clo = &Entry{Key: n.keys[i-1], Seq: n.seqs[i-1]}
			}
			if i < len(n.keys) {
				chi = &Entry{Key: n.keys[i], Seq: n.seqs[i]}
			}
			walk(child, depth+1, clo, chi)
		}
	}
	walk(bt.root, 0, nil, nil)

	count := 0
	for i, leaf := range leaves {
		count += len(leaf.keys)
		if i == 0 {
			require.Equal(t, pagemanager.InvalidPageID, leaf.prev)
		} else {
			require.Equal(t, leaves[i-1].pageID, leaf.prev)
		}
		if i == len(leaves)-1 {
			require.Equal(t, pagemanager.InvalidPageID, leaf.next)
		} else {
			require.Equal(t, leaves[i+1].pageID, leaf.next)
		}
	}
	return count
}

// --- Test Cases ---

func TestBTree_RandomInsertDeleteUnique(t *testing.T) {
	bt, view := setupTree(t, true)
	rng := rand.New(rand.NewSource(42))
	const n = 5000

	// 1. Insert in random order.
	perm := rng.Perm(n)
	for _, i := range perm {
		require.NoError(t, bt.Insert(int64(i), 0, addr(i)))
	}
	require.Equal(t, n, checkTree(t, bt))

	st, err := bt.Stats()
	require.NoError(t, err)
	require.Equal(t, n, st.Keys)
	require.Equal(t, n, st.DistinctKeys)
	require.Greater(t, st.Depth, 1)

	// 2. Scan is sorted and complete.
	c, err := bt.Range(Bound{Key: document.MinValue}, Bound{Key: document.MaxValue}, false)
	require.NoError(t, err)
	all := collect(t, c)
	require.Len(t, all, n)
	for i, e := range all {
		require.Equal(t, int64(i), e.Key)
		require.Equal(t, addr(i), e.Addr)
	}

	// 3. Delete half, then the rest, checking the structure along the way.
	perm = rng.Perm(n)
	for k, i := range perm {
		found, err := bt.Delete(int64(i), 0)
		require.NoError(t, err)
		require.True(t, found)
		if k == n/2 {
			require.Equal(t, n-n/2-1, checkTree(t, bt))
		}
	}
	require.Zero(t, checkTree(t, bt))

	// 4. The tree collapsed back into a single leaf and every other page is free.
	root, err := bt.fetchNode(bt.root)
	require.NoError(t, err)
	require.True(t, root.isLeaf)
	h, err := view.Header()
	require.NoError(t, err)
	require.Equal(t, uint64(h.LastPageID)-1, h.FreeCount)

	found, err := bt.Delete(int64(7), 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBTree_LongStringKeys(t *testing.T) {
	bt, _ := setupTree(t, true)
	key := func(i int) string { return fmt.Sprintf("%04d-%s", i, strings.Repeat("x", 900)) }
	for i := 0; i < 300; i++ {
		require.NoError(t, bt.Insert(key(i), 0, addr(i)))
	}
	require.Equal(t, 300, checkTree(t, bt))
	for i := 0; i < 300; i += 2 {
		found, err := bt.Delete(key(i), 0)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.Equal(t, 150, checkTree(t, bt))

	e, ok, err := bt.Find(key(151))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, addr(151), e.Addr)

	_, ok, err = bt.Find(key(150))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBTree_UniqueRejectsDuplicates(t *testing.T) {
	bt, _ := setupTree(t, true)
	require.NoError(t, bt.Insert("a", 1, addr(1)))
	require.ErrorIs(t, bt.Insert("a", 2, addr(2)), dberror.ErrDuplicateKey)
	require.NoError(t, bt.Insert(int64(1), 3, addr(3)))
	require.ErrorIs(t, bt.Insert(1.0, 4, addr(4)), dberror.ErrDuplicateKey)
	require.Equal(t, 2, checkTree(t, bt))
}

func TestBTree_NonUniqueInsertionOrder(t *testing.T) {
	bt, _ := setupTree(t, false)
	seq := uint64(0)
	for i := 0; i < 2000; i++ {
		seq++
		require.NoError(t, bt.Insert(int64(i%3), seq, addr(i)))
	}
	require.Equal(t, 2000, checkTree(t, bt))

	c, err := bt.Range(Bound{Key: int64(1), Inclusive: true}, Bound{Key: int64(1), Inclusive: true}, false)
	require.NoError(t, err)
	ones := collect(t, c)
	require.Len(t, ones, 667)
	for i := 1; i < len(ones); i++ {
		require.Less(t, ones[i-1].Seq, ones[i].Seq)
	}

	c, err = bt.Range(Bound{Key: int64(1), Inclusive: true}, Bound{Key: int64(1), Inclusive: true}, true)
	require.NoError(t, err)
	rev := collect(t, c)
	require.Len(t, rev, 667)
	require.Equal(t, ones[0], rev[len(rev)-1])

	st, err := bt.Stats()
	require.NoError(t, err)
	require.Equal(t, 2000, st.Keys)
	require.Equal(t, 3, st.DistinctKeys)

	// Deleting one duplicate leaves the others.
	found, err := bt.Delete(int64(1), ones[10].Seq)
	require.NoError(t, err)
	require.True(t, found)
	found, err = bt.Delete(int64(1), ones[10].Seq)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1999, checkTree(t, bt))
}

func TestBTree_RangeBounds(t *testing.T) {
	bt, _ := setupTree(t, true)
	for i := 0; i < 100; i++ {
		require.NoError(t, bt.Insert(int64(i*2), 0, addr(i))) // even keys 0..198
	}
	keys := func(es []Entry) []int64 {
		out := make([]int64, len(es))
		for i, e := range es {
			out[i] = e.Key.(int64)
		}
		return out
	}
	rangeOf := func(lo, hi Bound, desc bool) []int64 {
		c, err := bt.Range(lo, hi, desc)
		require.NoError(t, err)
		return keys(collect(t, c))
	}

	require.Equal(t, []int64{10, 12, 14}, rangeOf(Bound{Key: int64(10), Inclusive: true}, Bound{Key: int64(14), Inclusive: true}, false))
	require.Equal(t, []int64{12}, rangeOf(Bound{Key: int64(10)}, Bound{Key: int64(14)}, false))
	require.Equal(t, []int64{12, 14}, rangeOf(Bound{Key: 11.5, Inclusive: true}, Bound{Key: int64(15)}, false))
	require.Equal(t, []int64{14, 12, 10}, rangeOf(Bound{Key: int64(10), Inclusive: true}, Bound{Key: int64(14), Inclusive: true}, true))
	require.Equal(t, []int64{12}, rangeOf(Bound{Key: int64(10)}, Bound{Key: int64(14)}, true))
	require.Equal(t, []int64{198, 196}, rangeOf(Bound{Key: int64(195)}, Bound{Key: document.MaxValue}, true))
	require.Equal(t, []int64{0, 2}, rangeOf(Bound{Key: document.MinValue}, Bound{Key: int64(3)}, false))
	require.Empty(t, rangeOf(Bound{Key: int64(199)}, Bound{Key: document.MaxValue}, false))
	require.Empty(t, rangeOf(Bound{Key: "a"}, Bound{Key: document.MaxValue}, false))
	require.Len(t, rangeOf(Bound{Key: document.MinValue}, Bound{Key: document.MaxValue}, true), 100)
}

func TestBTree_MixedKeyKinds(t *testing.T) {
	bt, _ := setupTree(t, true)
	for i, k := range []any{"b", true, nil, int64(3), 2.5, "a", false} {
		require.NoError(t, bt.Insert(k, 0, addr(i)))
	}
	c, err := bt.Range(Bound{Key: document.MinValue}, Bound{Key: document.MaxValue}, false)
	require.NoError(t, err)
	var got []any
	for _, e := range collect(t, c) {
		got = append(got, e.Key)
	}
	require.Equal(t, []any{nil, 2.5, int64(3), "a", "b", false, true}, got)
}

func TestBTree_KeyErrors(t *testing.T) {
	bt, _ := setupTree(t, true)
	require.ErrorIs(t, bt.Insert(strings.Repeat("k", document.MaxKeyLength), 0, addr(1)), dberror.ErrIndexKeyTooLong)
	require.ErrorIs(t, bt.Insert([]any{1}, 0, addr(1)), dberror.ErrInvalidArgument)
	require.ErrorIs(t, bt.Insert(document.MaxValue, 0, addr(1)), dberror.ErrInvalidArgument)
}

func TestBTree_Drop(t *testing.T) {
	bt, view := setupTree(t, false)
	for i := 0; i < 3000; i++ {
		require.NoError(t, bt.Insert(int64(i), uint64(i+1), addr(i)))
	}
	st, err := bt.Stats()
	require.NoError(t, err)

	freed, err := bt.Drop()
	require.NoError(t, err)
	require.Equal(t, st.Pages, freed)
	h, err := view.Header()
	require.NoError(t, err)
	require.Equal(t, uint64(h.LastPageID), h.FreeCount)
}
