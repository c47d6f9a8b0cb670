package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func TestPageCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewPageCache(2, zap.NewNop())

	c.Put(pagemanager.NewPage(1, pagemanager.PageTypeData))
	c.Put(pagemanager.NewPage(2, pagemanager.PageTypeData))

	// 1. Touch page 1 so page 2 becomes the LRU victim.
	_, ok := c.Get(1)
	require.True(t, ok)
	c.Put(pagemanager.NewPage(3, pagemanager.PageTypeData))

	_, ok = c.Get(2)
	require.False(t, ok)
	_, ok = c.Get(1)
	require.True(t, ok)
	_, ok = c.Get(3)
	require.True(t, ok)
	require.Equal(t, 2, c.Len())

	hits, misses := c.Stats()
	require.Equal(t, uint64(3), hits)
	require.Equal(t, uint64(1), misses)
}

func TestPageCache_ReplaceRemoveClear(t *testing.T) {
	c := NewPageCache(0, zap.NewNop())

	c.Put(pagemanager.NewPage(1, pagemanager.PageTypeData))
	c.Put(pagemanager.NewPage(1, pagemanager.PageTypeIndex))
	p, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, pagemanager.PageTypeIndex, p.GetPageType())
	require.Equal(t, 1, c.Len())

	c.Remove(1)
	_, ok = c.Get(1)
	require.False(t, ok)

	c.Put(pagemanager.NewPage(2, pagemanager.PageTypeData))
	c.Clear()
	require.Equal(t, 0, c.Len())
}
