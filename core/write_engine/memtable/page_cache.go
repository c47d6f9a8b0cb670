// Package memtable keeps recently read data file pages in memory.
package memtable

import (
	"container/list" // For LRU
	"sync"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// DefaultCacheSize is the capacity in pages when none is configured.
const DefaultCacheSize = 1000

// PageCache is a fixed-capacity LRU of clean, verified data file pages.
// Cached pages are shared by readers and are never modified in place.
type PageCache struct {
	mu        sync.Mutex
	capacity  int
	lruList   *list.List                           // front = most recently used
	pageTable map[pagemanager.PageID]*list.Element // PageID to LRU element
	logger    *zap.Logger
	hits      uint64
	misses    uint64
}

// NewPageCache creates a cache holding up to capacity pages.
func NewPageCache(capacity int, logger *zap.Logger) *PageCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &PageCache{
		capacity:  capacity,
		lruList:   list.New(),
		pageTable: make(map[pagemanager.PageID]*list.Element, capacity),
		logger:    logger.Named("pagecache"),
	}
}

// Get returns a cached page and marks it recently used.
func (c *PageCache) Get(id pagemanager.PageID) (*pagemanager.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.pageTable[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.lruList.MoveToFront(elem)
	return elem.Value.(*pagemanager.Page), true
}

// Put inserts or replaces a page, evicting the least recently used one when
// the cache is full.
func (c *PageCache) Put(page *pagemanager.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := page.GetPageID()
	if elem, ok := c.pageTable[id]; ok {
		elem.Value = page
		c.lruList.MoveToFront(elem)
		return
	}
	if c.lruList.Len() >= c.capacity {
		victim := c.lruList.Back()
		if victim != nil {
			victimID := victim.Value.(*pagemanager.Page).GetPageID()
			c.lruList.Remove(victim)
			delete(c.pageTable, victimID)
			c.logger.Debug("Evicted page", zap.Uint64("pageID", uint64(victimID)))
		}
	}
	c.pageTable[id] = c.lruList.PushFront(page)
}

// Remove drops one page.
func (c *PageCache) Remove(id pagemanager.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.pageTable[id]; ok {
		c.lruList.Remove(elem)
		delete(c.pageTable, id)
	}
}

// Clear empties the cache.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lruList.Init()
	c.pageTable = make(map[pagemanager.PageID]*list.Element, c.capacity)
}

// Len returns the number of cached pages.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Stats returns the hit and miss counters.
func (c *PageCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
