// Package cache implements the two-tier chunk cache: a bounded in-RAM
// LRU tier of reference-counted buffers (RAMTier) backed by a bounded
// content-addressed on-disk tier (DiskTier), composed by TwoTier.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

// RAMTierConfig bounds the in-memory tier.
type RAMTierConfig struct {
	MaxBytes   int64
	MaxEntries int
}

// Buffer is a reference-counted chunk buffer handed out by RAMTier.Get
// and RAMTier.Put. Callers that read the returned bytes while another
// goroutine might evict the entry must hold a reference via Release
// until they are done. Release must be called exactly once per
// acquisition: every call drops one reference.
type Buffer struct {
	Addr chunk.Addr
	Data []byte

	tier *RAMTier
}

// Release drops this handle's reference. Once the refcount reaches
// zero and the entry has already been evicted from the LRU list, the
// backing array becomes eligible for garbage collection.
func (b *Buffer) Release() {
	if b.tier == nil {
		return
	}
	b.tier.release(b.Addr)
}

type ramItem struct {
	addr       chunk.Addr
	data       []byte
	timestamp  time.Time
	accessTime time.Time
	refcount   int
	evicted    bool
	element    *list.Element
}

// RAMTier is a thread-safe, reference-counted LRU cache of chunk
// buffers (spec.md C2).
type RAMTier struct {
	mu          sync.Mutex
	capacity    int64
	maxEntries  int
	currentSize int64
	items       map[chunk.Addr]*ramItem
	evictList   *list.List

	hits, misses uint64
}

// NewRAMTier constructs a RAMTier bounded by config.
func NewRAMTier(config RAMTierConfig) *RAMTier {
	if config.MaxBytes <= 0 {
		config.MaxBytes = 512 * 1024 * 1024
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = int(config.MaxBytes / chunk.Size)
	}
	return &RAMTier{
		capacity:   config.MaxBytes,
		maxEntries: config.MaxEntries,
		items:      make(map[chunk.Addr]*ramItem),
		evictList:  list.New(),
	}
}

// Get returns a referenced Buffer for addr, or nil on a miss. The
// caller must call Release on the returned Buffer exactly once. An
// item already evicted from the LRU list (pinned in the map only by a
// still-outstanding reference elsewhere) counts as a miss: it has no
// list element to promote, and handing out a fresh reference to
// something already evicted would let Has/Get keep reporting an
// invalidated or capacity-evicted entry as resident.
func (c *RAMTier) Get(addr chunk.Addr) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[addr]
	if !ok || item.evicted {
		c.misses++
		return nil
	}

	item.accessTime = time.Now()
	item.refcount++
	c.evictList.MoveToFront(item.element)
	c.hits++

	return &Buffer{Addr: addr, Data: item.data, tier: c}
}

// Put inserts data for addr, returning a referenced Buffer for the
// caller's immediate use. Any existing entry at addr is replaced.
func (c *RAMTier) Put(addr chunk.Addr, data []byte) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)

	if existing, ok := c.items[addr]; ok {
		c.currentSize -= int64(len(existing.data))
		existing.data = stored
		existing.timestamp = time.Now()
		existing.accessTime = time.Now()
		existing.refcount++
		c.currentSize += int64(len(stored))
		c.evictList.MoveToFront(existing.element)
		return &Buffer{Addr: addr, Data: stored, tier: c}
	}

	item := &ramItem{
		addr:       addr,
		data:       stored,
		timestamp:  time.Now(),
		accessTime: time.Now(),
		refcount:   1,
	}
	item.element = c.evictList.PushFront(item)
	c.items[addr] = item
	c.currentSize += int64(len(stored))

	c.evictIfNeeded()

	return &Buffer{Addr: addr, Data: stored, tier: c}
}

// Has reports whether addr is resident without affecting hit/miss
// stats, LRU order, or refcount — used by the prefetch governor to
// skip already-cached addresses when sizing its background window. An
// item pinned in the map only by a still-outstanding reference after
// eviction or invalidation does not count as resident.
func (c *RAMTier) Has(addr chunk.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[addr]
	return ok && !item.evicted
}

// Invalidate drops addr from the cache immediately, regardless of LRU
// position (used when a remote invalidation notice arrives for a path
// this client holds no write lease on).
func (c *RAMTier) Invalidate(addr chunk.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[addr]; ok {
		c.removeFromList(item)
	}
}

// Size returns the current occupied bytes.
func (c *RAMTier) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// HitRate returns hits / (hits+misses), or 0 if there have been no
// lookups yet.
func (c *RAMTier) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *RAMTier) release(addr chunk.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[addr]
	if !ok {
		return
	}
	item.refcount--
	if item.refcount <= 0 && item.evicted {
		delete(c.items, addr)
	}
}

// evictIfNeeded must be called with c.mu held. It evicts entries with
// zero outstanding references from the back of the LRU list until the
// tier is back within its byte and entry-count budgets. An entry still
// referenced by an in-flight reader is skipped for eviction — C2's
// invariant is that a caller holding a Buffer never has its backing
// array pulled out from under it — and is instead marked evicted so
// that removal happens on Release once the refcount drops to zero.
func (c *RAMTier) evictIfNeeded() {
	for (c.currentSize > c.capacity || (c.maxEntries > 0 && len(c.items) > c.maxEntries)) && c.evictList.Len() > 0 {
		element := c.evictList.Back()
		if element == nil {
			break
		}
		item := element.Value.(*ramItem)
		c.evictList.Remove(element)
		item.element = nil
		c.currentSize -= int64(len(item.data))

		if item.refcount <= 0 {
			delete(c.items, item.addr)
		} else {
			item.evicted = true
		}
	}
}

// removeFromList must be called with c.mu held.
func (c *RAMTier) removeFromList(item *ramItem) {
	if item.element != nil {
		c.evictList.Remove(item.element)
		item.element = nil
		c.currentSize -= int64(len(item.data))
	}
	if item.refcount <= 0 {
		delete(c.items, item.addr)
	} else {
		item.evicted = true
	}
}
