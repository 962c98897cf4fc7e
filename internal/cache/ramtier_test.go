package cache

import (
	"testing"

	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

func TestRAMTierGetMiss(t *testing.T) {
	tier := NewRAMTier(RAMTierConfig{MaxBytes: 1024 * 1024})
	if buf := tier.Get(chunk.Addr{Path: "/a", Index: 0}); buf != nil {
		t.Fatal("expected miss on empty tier")
	}
}

func TestRAMTierPutThenGet(t *testing.T) {
	tier := NewRAMTier(RAMTierConfig{MaxBytes: 1024 * 1024})
	addr := chunk.Addr{Path: "/a", Index: 0}

	put := tier.Put(addr, []byte("hello"))
	put.Release()

	got := tier.Get(addr)
	if got == nil {
		t.Fatal("expected hit after Put")
	}
	defer got.Release()
	if string(got.Data) != "hello" {
		t.Errorf("Data = %q, want %q", got.Data, "hello")
	}
}

func TestRAMTierEvictsLRU(t *testing.T) {
	tier := NewRAMTier(RAMTierConfig{MaxBytes: int64(3 * chunk.Size), MaxEntries: 3})

	for i := int64(0); i < 3; i++ {
		buf := tier.Put(chunk.Addr{Path: "/f", Index: i}, make([]byte, chunk.Size))
		buf.Release()
	}

	// touch index 0 so it becomes most-recently-used
	if buf := tier.Get(chunk.Addr{Path: "/f", Index: 0}); buf != nil {
		buf.Release()
	}

	// inserting a 4th chunk should evict index 1 (least recently used)
	buf := tier.Put(chunk.Addr{Path: "/f", Index: 3}, make([]byte, chunk.Size))
	buf.Release()

	if got := tier.Get(chunk.Addr{Path: "/f", Index: 1}); got != nil {
		got.Release()
		t.Error("expected index 1 to have been evicted as least recently used")
	}
	if got := tier.Get(chunk.Addr{Path: "/f", Index: 0}); got == nil {
		t.Error("expected index 0 to survive eviction (recently touched)")
	} else {
		got.Release()
	}
}

func TestRAMTierDoesNotFreeReferencedBufferOnEviction(t *testing.T) {
	tier := NewRAMTier(RAMTierConfig{MaxBytes: int64(chunk.Size), MaxEntries: 1})

	held := tier.Put(chunk.Addr{Path: "/f", Index: 0}, []byte("keep me"))
	// Insert a second chunk, which must evict index 0 from the LRU list
	// since MaxEntries is 1 — but the caller above still holds a
	// reference, so the data backing `held` must remain valid.
	second := tier.Put(chunk.Addr{Path: "/f", Index: 1}, []byte("other"))
	second.Release()

	if string(held.Data) != "keep me" {
		t.Fatal("referenced buffer's data must survive eviction from the LRU list")
	}
	held.Release()
}

func TestRAMTierHas(t *testing.T) {
	tier := NewRAMTier(RAMTierConfig{MaxBytes: 1024 * 1024})
	addr := chunk.Addr{Path: "/a", Index: 0}

	if tier.Has(addr) {
		t.Fatal("expected Has to be false before Put")
	}
	buf := tier.Put(addr, []byte("x"))
	buf.Release()
	if !tier.Has(addr) {
		t.Fatal("expected Has to be true after Put")
	}
}

func TestRAMTierHitRate(t *testing.T) {
	tier := NewRAMTier(RAMTierConfig{MaxBytes: 1024 * 1024})
	addr := chunk.Addr{Path: "/a", Index: 0}

	tier.Get(addr) // miss
	buf := tier.Put(addr, []byte("x"))
	buf.Release()
	hit := tier.Get(addr) // hit
	hit.Release()

	if rate := tier.HitRate(); rate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", rate)
	}
}
