package cache

import (
	"testing"
	"time"

	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

func newTestTwoTier(t *testing.T) *TwoTier {
	t.Helper()
	dir := t.TempDir()
	tt, err := NewTwoTier(TwoTierConfig{
		RAM:         RAMTierConfig{MaxBytes: 1024 * 1024},
		Disk:        DiskTierConfig{Directory: dir, MaxBytes: 10 * 1024 * 1024},
		DiskEnabled: true,
	})
	if err != nil {
		t.Fatalf("NewTwoTier: %v", err)
	}
	t.Cleanup(func() { _ = tt.Close() })
	return tt
}

func TestTwoTierWriteThroughThenRAMEvictedDiskServes(t *testing.T) {
	tt := newTestTwoTier(t)
	addr := chunk.Addr{Path: "/f", Index: 0}

	buf, err := tt.Put(addr, []byte("data"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf.Release()

	tt.ram.Invalidate(addr) // simulate RAM eviction without touching disk

	got := tt.Get(addr)
	if got == nil {
		t.Fatal("expected disk tier to serve the read after RAM eviction")
	}
	defer got.Release()
	if string(got.Data) != "data" {
		t.Errorf("Data = %q, want %q", got.Data, "data")
	}
}

func TestTwoTierPromotesDiskHitToRAM(t *testing.T) {
	tt := newTestTwoTier(t)
	addr := chunk.Addr{Path: "/f", Index: 1}

	buf, err := tt.Put(addr, []byte("promote me"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf.Release()
	tt.ram.Invalidate(addr)

	got := tt.Get(addr)
	got.Release()

	// Now it should be servable from RAM directly, without touching disk.
	ramHit := tt.ram.Get(addr)
	if ramHit == nil {
		t.Fatal("expected disk hit to be promoted into the RAM tier")
	}
	ramHit.Release()
}

func TestTwoTierRAMOnlyWhenDiskDisabled(t *testing.T) {
	tt, err := NewTwoTier(TwoTierConfig{RAM: RAMTierConfig{MaxBytes: 1024 * 1024}, DiskEnabled: false})
	if err != nil {
		t.Fatalf("NewTwoTier: %v", err)
	}
	defer func() { _ = tt.Close() }()

	addr := chunk.Addr{Path: "/f", Index: 0}
	buf, err := tt.Put(addr, []byte("ram only"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf.Release()

	tt.ram.Invalidate(addr)
	if got := tt.Get(addr); got != nil {
		got.Release()
		t.Error("expected miss: no disk tier to fall back on")
	}
}

func TestTwoTierPutAsyncEventuallyReachesDisk(t *testing.T) {
	tt := newTestTwoTier(t)
	addr := chunk.Addr{Path: "/f", Index: 2}

	buf := tt.PutAsync(addr, []byte("async"))
	buf.Release()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tt.disk.Get(addr) != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("async disk write did not complete within timeout")
}
