package prefetch

import (
	"sync"
	"testing"
	"time"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fetched []chunk.Addr
}

func (f *fakeFetcher) FetchBackground(addr chunk.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, addr)
}

func (f *fakeFetcher) snapshot() []chunk.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chunk.Addr, len(f.fetched))
	copy(out, f.fetched)
	return out
}

type fakeCache struct {
	mu      sync.Mutex
	cached  map[chunk.Addr]bool
}

func newFakeCache() *fakeCache { return &fakeCache{cached: make(map[chunk.Addr]bool)} }

func (c *fakeCache) Has(addr chunk.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached[addr]
}

func testPrefetchConfig() config.PrefetchConfig {
	return config.PrefetchConfig{Enabled: true, Threshold: 3, Window: 5, Concurrency: 4}
}

func waitForFetches(t *testing.T, f *fakeFetcher, n int) []chunk.Addr {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := f.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fetches, got %d", n, len(f.snapshot()))
	return nil
}

func TestGovernorDoesNotFireBelowThreshold(t *testing.T) {
	f := &fakeFetcher{}
	g := New(testPrefetchConfig(), f, newFakeCache())

	g.OnRead("/video.bin", 0)
	g.OnRead("/video.bin", 1)
	g.Stop()

	if got := f.snapshot(); len(got) != 0 {
		t.Errorf("expected no background fetches below threshold, got %d", len(got))
	}
}

func TestGovernorFiresForwardWindowAtThreshold(t *testing.T) {
	f := &fakeFetcher{}
	g := New(testPrefetchConfig(), f, newFakeCache())

	// k=0,1,2,3: the streak reaches T=3 on the 0->1->2->3 transition
	// (three consecutive +1 steps).
	g.OnRead("/video.bin", 0)
	g.OnRead("/video.bin", 1)
	g.OnRead("/video.bin", 2)
	g.OnRead("/video.bin", 3)

	got := waitForFetches(t, f, 5)
	if len(got) != 5 {
		t.Fatalf("expected window of 5 background fetches, got %d", len(got))
	}
	for i, addr := range got {
		want := chunk.Addr{Path: "/video.bin", Index: int64(4 + i)}
		if addr != want {
			t.Errorf("fetch[%d] = %+v, want %+v", i, addr, want)
		}
	}
}

func TestGovernorBackwardStreakFiresBackwardWindow(t *testing.T) {
	f := &fakeFetcher{}
	g := New(testPrefetchConfig(), f, newFakeCache())

	g.OnRead("/video.bin", 10)
	g.OnRead("/video.bin", 9)
	g.OnRead("/video.bin", 8)
	g.OnRead("/video.bin", 7)

	got := waitForFetches(t, f, 5)
	for i, addr := range got {
		want := chunk.Addr{Path: "/video.bin", Index: int64(6 - i)}
		if addr != want {
			t.Errorf("fetch[%d] = %+v, want %+v", i, addr, want)
		}
	}
}

func TestGovernorSkipsAlreadyCachedAddresses(t *testing.T) {
	f := &fakeFetcher{}
	cache := newFakeCache()
	cache.cached[chunk.Addr{Path: "/video.bin", Index: 4}] = true
	g := New(testPrefetchConfig(), f, cache)

	g.OnRead("/video.bin", 0)
	g.OnRead("/video.bin", 1)
	g.OnRead("/video.bin", 2)
	g.OnRead("/video.bin", 3)

	got := waitForFetches(t, f, 4)
	for _, addr := range got {
		if addr.Index == 4 {
			t.Error("expected already-cached address to be skipped")
		}
	}
}

func TestGovernorRandomAccessResetsStreak(t *testing.T) {
	f := &fakeFetcher{}
	g := New(testPrefetchConfig(), f, newFakeCache())

	g.OnRead("/video.bin", 0)
	g.OnRead("/video.bin", 1)
	g.OnRead("/video.bin", 50) // breaks the streak
	g.OnRead("/video.bin", 51)
	g.OnRead("/video.bin", 52)
	g.Stop()

	if got := f.snapshot(); len(got) != 0 {
		t.Errorf("expected reset streak to stay below threshold, got %d fetches", len(got))
	}
}

func TestGovernorDisabledIsNoOp(t *testing.T) {
	f := &fakeFetcher{}
	cfg := testPrefetchConfig()
	cfg.Enabled = false
	g := New(cfg, f, newFakeCache())

	for k := int64(0); k < 10; k++ {
		g.OnRead("/video.bin", k)
	}
	g.Stop()

	if got := f.snapshot(); len(got) != 0 {
		t.Errorf("expected disabled governor to never fetch, got %d", len(got))
	}
}

func TestGovernorOnCloseClearsState(t *testing.T) {
	f := &fakeFetcher{}
	g := New(testPrefetchConfig(), f, newFakeCache())

	g.OnOpen("/video.bin")
	g.OnRead("/video.bin", 0)
	g.OnRead("/video.bin", 1)
	g.OnClose("/video.bin")
	g.OnOpen("/video.bin")

	g.OnRead("/video.bin", 2)
	g.Stop()

	if got := f.snapshot(); len(got) != 0 {
		t.Errorf("expected fresh state after reopen to not have a streak, got %d fetches", len(got))
	}
}
