package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/wormhole-fs/wormhole/internal/cache"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

// fakeOpener hands out one MemTransport endpoint per OpenStream call
// and runs handle on the other endpoint to play the host's part.
type fakeOpener struct {
	handle func(t *testing.T, host *wire.MemTransport)
	t      *testing.T
}

func (o *fakeOpener) OpenStream(ctx context.Context) (wire.Transport, error) {
	client, host := wire.NewMemPipe(1)
	go o.handle(o.t, host)
	return client, nil
}

func newTestFetcher(t *testing.T, handle func(t *testing.T, host *wire.MemTransport)) (*Fetcher, *cache.TwoTier) {
	t.Helper()
	tt, err := cache.NewTwoTier(cache.TwoTierConfig{RAM: cache.RAMTierConfig{MaxBytes: 1024 * 1024}})
	if err != nil {
		t.Fatalf("NewTwoTier: %v", err)
	}
	t.Cleanup(func() { _ = tt.Close() })

	f := New(&fakeOpener{handle: handle, t: t}, tt, Config{MaxInFlight: 4})
	go f.Run()
	t.Cleanup(f.Stop)
	return f, tt
}

func echoChunkData(data []byte) func(t *testing.T, host *wire.MemTransport) {
	return func(t *testing.T, host *wire.MemTransport) {
		req, err := host.Recv()
		if err != nil {
			return
		}
		if req.Type != wire.MsgReadChunk {
			t.Errorf("unexpected request type %v", req.Type)
			return
		}
		digest := chunk.Sum(data)
		_ = host.Send(wire.Frame{Type: wire.MsgChunkData, Payload: wire.ChunkData{Bytes: data, Digest: [32]byte(digest)}})
	}
}

func TestFetcherPriorityFetchPopulatesCache(t *testing.T) {
	want := []byte("chunk bytes")
	f, tt := newTestFetcher(t, echoChunkData(want))

	addr := chunk.Addr{Path: "/f", Index: 0}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := f.Fetch(ctx, addr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}

	if !tt.Has(addr) {
		t.Error("expected chunk to be cached after a priority fetch")
	}
}

func TestFetcherCacheHitSkipsWire(t *testing.T) {
	called := false
	f, tt := newTestFetcher(t, func(t *testing.T, host *wire.MemTransport) { called = true })

	addr := chunk.Addr{Path: "/f", Index: 0}
	buf, err := tt.Put(addr, []byte("already cached"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	buf.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := f.Fetch(ctx, addr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "already cached" {
		t.Errorf("got %q", got)
	}
	if called {
		t.Error("expected a cache hit to never reach the wire")
	}
}

func TestFetcherIntegrityFailureRetriesOnceThenErrors(t *testing.T) {
	attempts := 0
	handle := func(t *testing.T, host *wire.MemTransport) {
		req, err := host.Recv()
		if err != nil {
			return
		}
		if req.Type != wire.MsgReadChunk {
			return
		}
		attempts++
		_ = host.Send(wire.Frame{Type: wire.MsgChunkData, Payload: wire.ChunkData{Bytes: []byte("bad"), Digest: [32]byte{9, 9, 9}}})
	}
	f, _ := newTestFetcher(t, handle)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Fetch(ctx, chunk.Addr{Path: "/f", Index: 0})
	if err == nil {
		t.Fatal("expected integrity failure to surface as an error")
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry (2 attempts total), got %d", attempts)
	}
}

func TestFetcherCoalescesConcurrentPriorityRequests(t *testing.T) {
	requestCount := 0
	handle := func(t *testing.T, host *wire.MemTransport) {
		req, err := host.Recv()
		if err != nil {
			return
		}
		if req.Type != wire.MsgReadChunk {
			return
		}
		requestCount++
		time.Sleep(20 * time.Millisecond)
		data := []byte("shared")
		digest := chunk.Sum(data)
		_ = host.Send(wire.Frame{Type: wire.MsgChunkData, Payload: wire.ChunkData{Bytes: data, Digest: [32]byte(digest)}})
	}
	f, _ := newTestFetcher(t, handle)
	addr := chunk.Addr{Path: "/f", Index: 0}

	results := make(chan []byte, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			data, err := f.Fetch(ctx, addr)
			if err != nil {
				t.Errorf("Fetch: %v", err)
			}
			results <- data
		}()
	}

	for i := 0; i < 2; i++ {
		<-results
	}
	if requestCount != 1 {
		t.Errorf("expected concurrent requests for the same address to coalesce onto 1 wire request, got %d", requestCount)
	}
}

func TestFetcherBackgroundSkipsAlreadyCached(t *testing.T) {
	called := false
	f, tt := newTestFetcher(t, func(t *testing.T, host *wire.MemTransport) { called = true })

	addr := chunk.Addr{Path: "/f", Index: 0}
	buf, _ := tt.Put(addr, []byte("x"))
	buf.Release()

	f.FetchBackground(addr)
	time.Sleep(50 * time.Millisecond)

	if called {
		t.Error("expected background fetch of a cached address to be dropped")
	}
}

func TestFetcherDoRoundTripsGenericFrame(t *testing.T) {
	handle := func(t *testing.T, host *wire.MemTransport) {
		req, err := host.Recv()
		if err != nil {
			return
		}
		if req.Type != wire.MsgGetAttr {
			t.Errorf("unexpected request type %v", req.Type)
			return
		}
		_ = host.Send(wire.Frame{Type: wire.MsgAttr, Payload: wire.Attr{Attrs: wire.Attrs{Size: 42}}})
	}
	f, _ := newTestFetcher(t, handle)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := f.Do(ctx, wire.Frame{Type: wire.MsgGetAttr, Payload: wire.GetAttr{Path: "/f"}})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	attr, ok := resp.Payload.(wire.Attr)
	if !ok || attr.Attrs.Size != 42 {
		t.Errorf("got %+v", resp.Payload)
	}
}
