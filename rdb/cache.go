package rdb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru"
	"go.rdbstore.dev/core/document"
	"go.rdbstore.dev/core/metrics"
)

// cacheEntry is a cached, sealed Document snapshot. A nil |doc| records that
// the document was confirmed to be absent.
type cacheEntry struct {
	doc *document.Document
	// Unix milliseconds at which the entry was last validated against
	// storage, or zero if it must be revalidated before use.
	checked atomic.Int64
}

func newCacheEntry(doc *document.Document, checked int64) *cacheEntry {
	var e = &cacheEntry{doc: doc}
	e.checked.Store(checked)
	return e
}

// freshWithin returns whether the entry was validated within |maxAge| of |now|.
func (e *cacheEntry) freshWithin(maxAge time.Duration, now int64) bool {
	var checked = e.checked.Load()
	if checked == 0 {
		return false
	} else if maxAge == Forever {
		return true
	}
	return now-checked < maxAge.Milliseconds()
}

// CacheStats are statistics of the Nodes document cache.
type CacheStats struct {
	// Entries currently cached, including confirmed absences.
	Entries int
	// Hits are lookups served by a sufficiently fresh entry.
	Hits int64
	// Misses are lookups which found no usable entry.
	Misses int64
	// Loads are reads of a document from storage on behalf of the cache.
	Loads int64
	// Invalidations are entries removed or marked for revalidation.
	Invalidations int64
}

// nodesCache is a bounded LRU cache of Nodes documents. Transitions of the
// entry of an id must be made while holding the lock of that id.
type nodesCache struct {
	lru *lru.Cache

	hits, misses, loads, invalidations atomic.Int64
}

func newNodesCache(size int) *nodesCache {
	var cache, err = lru.New(size)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &nodesCache{lru: cache}
}

// get returns the entry of |id|, if present.
func (c *nodesCache) get(id string) (*cacheEntry, bool) {
	if v, ok := c.lru.Get(id); ok {
		return v.(*cacheEntry), true
	}
	return nil, false
}

// put sets the entry of |id|, replacing any current entry.
func (c *nodesCache) put(id string, e *cacheEntry) {
	c.lru.Add(id, e)
}

// remove the entry of |id|.
func (c *nodesCache) remove(id string) {
	if c.lru.Remove(id) {
		c.invalidations.Add(1)
	}
}

// markStale requires the entry of |id| be revalidated before its next use.
func (c *nodesCache) markStale(id string) {
	if v, ok := c.lru.Peek(id); ok {
		v.(*cacheEntry).checked.Store(0)
		c.invalidations.Add(1)
	}
}

// markAllStale requires every entry be revalidated before its next use.
func (c *nodesCache) markAllStale() int {
	var n int
	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok {
			v.(*cacheEntry).checked.Store(0)
			n++
		}
	}
	c.invalidations.Add(int64(n))
	return n
}

// addIfAbsent caches sealed |doc| unless a document of its id is already
// cached, which is returned instead. A cached confirmed absence is replaced.
func (c *nodesCache) addIfAbsent(doc *document.Document, checked int64) *document.Document {
	var id = doc.ID()
	var entry = newCacheEntry(doc, checked)

	for {
		var prev, ok, _ = c.lru.PeekOrAdd(id, entry)
		if !ok {
			return doc
		} else if cur := prev.(*cacheEntry); cur.doc != nil {
			return cur.doc
		}
		c.lru.Remove(id)
	}
}

// apply merges the result |next| of an update of |prev| into the cache.
// If the cache holds a snapshot other than |prev|'s version, the entry is
// invalidated as it may or may not reflect the update.
func (c *nodesCache) apply(prev, next *document.Document, checked int64) {
	var cached = c.addIfAbsent(next, checked)

	if cached == next || prev == nil {
		return
	} else if cached.ModCount() == prev.ModCount() {
		c.put(next.ID(), newCacheEntry(next, checked))
	} else {
		c.remove(next.ID())
	}
}

func (c *nodesCache) stats() CacheStats {
	return CacheStats{
		Entries:       c.lru.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Loads:         c.loads.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// hit records a lookup served by entry |e|.
func (c *nodesCache) hit(e *cacheEntry) {
	c.hits.Add(1)
	if e.doc == nil {
		metrics.CacheRequestsTotal.WithLabelValues(metrics.Absent).Inc()
	} else {
		metrics.CacheRequestsTotal.WithLabelValues(metrics.Hit).Inc()
	}
}

func (c *nodesCache) miss(outcome string) {
	c.misses.Add(1)
	metrics.CacheRequestsTotal.WithLabelValues(outcome).Inc()
}

// lockStripes is the number of striped locks. Distinct ids may share a
// lock, which serializes them needlessly but is otherwise harmless.
const lockStripes = 64

// stripedLocks maps ids onto a fixed array of Mutexes by a stable hash.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires and returns the Mutex of |id|.
func (l *stripedLocks) lock(id string) *sync.Mutex {
	var mu = &l.stripes[xxhash.Sum64String(id)%lockStripes]
	mu.Lock()
	return mu
}

// nowMillis returns the current time in Unix milliseconds.
func nowMillis() int64 { return timeNow().UnixMilli() }

var timeNow = time.Now
