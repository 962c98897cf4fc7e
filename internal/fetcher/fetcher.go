// Package fetcher implements the chunk fetcher actor (spec.md C7): the
// sole owner of the wire transport connection. All outbound requests —
// chunk reads, background prefetches, metadata and write round trips —
// are serialized through its mailbox so no other goroutine touches the
// transport directly.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wormhole-fs/wormhole/internal/cache"
	"github.com/wormhole-fs/wormhole/internal/circuit"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/metrics"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/chunk"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// Opener opens a fresh logically-independent substream on the
// pairing-established connection (spec.md §6). The chunk fetcher dials
// one substream per request and closes it once the round trip
// completes; the out-of-scope transport multiplexer is responsible for
// actually carrying concurrent substreams over one physical link.
type Opener interface {
	OpenStream(ctx context.Context) (wire.Transport, error)
}

// Config bounds the fetcher's concurrency.
type Config struct {
	// MaxInFlight is the bounded semaphore on concurrent wire requests
	// (spec.md §4.6's default 16).
	MaxInFlight int
	// BackgroundQueue is the depth of the background-priority mailbox;
	// once full, further background fetches are dropped rather than
	// queued (spec.md §4.5/§4.6).
	BackgroundQueue int
}

type waiter struct {
	resultCh chan fetchResult
}

type fetchResult struct {
	data []byte
	err  error
}

type priorityRequest struct {
	ctx    context.Context
	addr   chunk.Addr
	result chan fetchResult
}

// Fetcher is the C7 actor. Construct with New and call Run in its own
// goroutine; Fetch/FetchBackground/Do are safe to call concurrently
// from any goroutine.
type Fetcher struct {
	opener  Opener
	cache   *cache.TwoTier
	log     *logging.Logger
	breaker *circuit.Breaker
	metrics *metrics.Collector

	sem chan struct{}

	priorityCh   chan priorityRequest
	backgroundCh chan chunk.Addr
	requestCh    chan genericRequest
	stopCh       chan struct{}

	mu       sync.Mutex
	inFlight map[chunk.Addr][]waiter
}

type genericRequest struct {
	ctx    context.Context
	frame  wire.Frame
	result chan genericResult
}

type genericResult struct {
	frame wire.Frame
	err   error
}

// New constructs a Fetcher. Run must be called (typically `go f.Run()`)
// before Fetch/FetchBackground/Do have anywhere to dispatch to.
func New(opener Opener, twoTier *cache.TwoTier, cfg Config) *Fetcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 16
	}
	if cfg.BackgroundQueue <= 0 {
		cfg.BackgroundQueue = 64
	}

	noopMetrics, _ := metrics.NewCollector(metrics.Config{})

	return &Fetcher{
		opener:  opener,
		cache:   twoTier,
		log:     logging.New("fetcher"),
		breaker: circuit.New("host-connection", circuit.Config{}),
		metrics: noopMetrics,
		sem:     make(chan struct{}, cfg.MaxInFlight),

		priorityCh:   make(chan priorityRequest),
		backgroundCh: make(chan chunk.Addr, cfg.BackgroundQueue),
		requestCh:    make(chan genericRequest),
		stopCh:       make(chan struct{}),
		inFlight:     make(map[chunk.Addr][]waiter),
	}
}

// SetMetrics swaps in a real Prometheus collector. Optional: a no-op
// collector is installed by New so this never needs to be called in
// tests.
func (f *Fetcher) SetMetrics(m *metrics.Collector) {
	f.metrics = m
}

// Run is the actor loop. It never blocks on shared state while holding
// the lock; every wire round trip happens on its own goroutine, guarded
// only by the semaphore.
func (f *Fetcher) Run() {
	for {
		select {
		case <-f.stopCh:
			return
		case req := <-f.priorityCh:
			f.dispatchPriority(req)
		case addr := <-f.backgroundCh:
			f.dispatchBackground(addr)
		case req := <-f.requestCh:
			f.dispatchGeneric(req)
		}
	}
}

// Stop terminates the actor loop. In-flight wire round trips already
// dispatched to their own goroutines are allowed to complete.
func (f *Fetcher) Stop() {
	close(f.stopCh)
}

// Fetch performs a priority fetch of addr: a cache hit returns
// immediately; a miss joins (or starts) the in-flight wire request and
// blocks until it resolves.
func (f *Fetcher) Fetch(ctx context.Context, addr chunk.Addr) ([]byte, error) {
	start := time.Now()
	if buf := f.cache.Get(addr); buf != nil {
		defer buf.Release()
		data := make([]byte, len(buf.Data))
		copy(data, buf.Data)
		f.metrics.RecordFetch("hit", time.Since(start))
		return data, nil
	}

	result := make(chan fetchResult, 1)
	select {
	case f.priorityCh <- priorityRequest{ctx: ctx, addr: addr, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stopCh:
		return nil, fmt.Errorf("fetcher: stopped")
	}

	select {
	case res := <-result:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchBackground implements prefetch.Fetcher: it posts a
// background-priority fetch and returns immediately. If the background
// mailbox is saturated, the fetch is silently dropped (spec.md §4.5).
func (f *Fetcher) FetchBackground(addr chunk.Addr) {
	select {
	case f.backgroundCh <- addr:
	default:
	}
}

// Do sends an arbitrary request frame and waits for the host's reply,
// bounded by the same in-flight semaphore as chunk fetches. Used by the
// lock client, sync engine, and VFS bridge for every non-chunk-read
// message kind in the wire catalogue.
func (f *Fetcher) Do(ctx context.Context, req wire.Frame) (wire.Frame, error) {
	result := make(chan genericResult, 1)
	select {
	case f.requestCh <- genericRequest{ctx: ctx, frame: req, result: result}:
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-f.stopCh:
		return wire.Frame{}, fmt.Errorf("fetcher: stopped")
	}

	select {
	case res := <-result:
		return res.frame, res.err
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

// dispatchPriority runs on the actor goroutine: it registers the
// waiter and, if no request for addr is already in flight, spawns the
// wire round trip on a new goroutine guarded by the semaphore.
func (f *Fetcher) dispatchPriority(req priorityRequest) {
	f.mu.Lock()
	waiters, already := f.inFlight[req.addr]
	f.inFlight[req.addr] = append(waiters, waiter{resultCh: req.result})
	f.mu.Unlock()

	if already {
		return
	}

	go f.fetchChunk(req.ctx, req.addr)
}

// dispatchBackground drops the fetch if the address is already cached
// or already in flight (spec.md §4.6's duplicate-suppression rule),
// otherwise spawns it with no waiter attached.
func (f *Fetcher) dispatchBackground(addr chunk.Addr) {
	if f.cache.Has(addr) {
		return
	}

	f.mu.Lock()
	_, already := f.inFlight[addr]
	if !already {
		f.inFlight[addr] = nil
	}
	f.mu.Unlock()

	if already {
		return
	}

	go f.fetchChunk(context.Background(), addr)
}

func (f *Fetcher) dispatchGeneric(req genericRequest) {
	go func() {
		select {
		case f.sem <- struct{}{}:
		case <-req.ctx.Done():
			req.result <- genericResult{err: req.ctx.Err()}
			return
		}
		defer func() { <-f.sem }()

		frame, err := f.roundTrip(req.ctx, req.frame)
		req.result <- genericResult{frame: frame, err: err}
	}()
}

// fetchChunk performs the wire round trip for addr, retrying once on
// an integrity failure, then notifies every waiter (possibly none, for
// a background fetch) and populates the cache on success.
func (f *Fetcher) fetchChunk(ctx context.Context, addr chunk.Addr) {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		f.resolve(addr, nil, ctx.Err())
		return
	}
	defer func() { <-f.sem }()

	data, err := f.fetchWithRetry(ctx, addr)
	f.resolve(addr, data, err)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, addr chunk.Addr) ([]byte, error) {
	start := time.Now()
	data, err := f.fetchOnce(ctx, addr)
	if err == nil {
		f.metrics.RecordFetch("miss", time.Since(start))
		return data, nil
	}
	if !wormholeerr.IsIntegrityFailure(err) {
		f.metrics.RecordFetch("error", time.Since(start))
		return nil, err
	}

	f.log.Printf("chunk %s failed integrity check, re-requesting once", addr)
	data, err = f.fetchOnce(ctx, addr)
	if err != nil {
		f.metrics.RecordFetch("error", time.Since(start))
		return nil, err
	}
	f.metrics.RecordFetch("miss", time.Since(start))
	return data, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, addr chunk.Addr) ([]byte, error) {
	reqFrame := wire.Frame{Type: wire.MsgReadChunk, Payload: wire.ReadChunk{Path: addr.Path, ChunkIndex: addr.Index}}

	respFrame, err := f.roundTrip(ctx, reqFrame)
	if err != nil {
		return nil, err
	}

	switch payload := respFrame.Payload.(type) {
	case wire.ChunkData:
		digest := chunk.Sum(payload.Bytes)
		if [32]byte(digest) != payload.Digest {
			return nil, wormholeerr.New(wormholeerr.IntegrityFailure, "chunk digest mismatch").
				WithComponent("fetcher").WithOperation("ReadChunk").WithContext("path", addr.Path)
		}
		// Put hands back a referenced Buffer the caller here has no use
		// for (payload.Bytes is already its own copy); release it
		// immediately (regardless of a disk-tier error, which Put
		// already surfaces only as a best-effort signal here) or the
		// entry's refcount never reaches zero and both eviction and
		// invalidation can never actually forget it.
		if buf, _ := f.cache.Put(addr, payload.Bytes); buf != nil {
			buf.Release()
		}
		return payload.Bytes, nil
	case wire.Error:
		return nil, wormholeerr.New(wormholeerr.Kind(payload.Kind), payload.Message).
			WithComponent("fetcher").WithOperation("ReadChunk")
	default:
		return nil, wormholeerr.New(wormholeerr.ProtocolViolation, "unexpected reply to ReadChunk").
			WithComponent("fetcher")
	}
}

// roundTrip opens a fresh substream, sends req, and reads exactly one
// reply frame before closing it. The whole exchange runs behind the
// circuit breaker: once the host connection has failed enough
// consecutive round trips, further calls fail fast with circuit.ErrOpen
// instead of each waiting out its own dial/timeout.
func (f *Fetcher) roundTrip(ctx context.Context, req wire.Frame) (wire.Frame, error) {
	var resp wire.Frame
	err := f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		stream, err := f.opener.OpenStream(ctx)
		if err != nil {
			return wormholeerr.New(wormholeerr.TransportClosed, err.Error()).WithComponent("fetcher")
		}
		defer func() { _ = stream.Close() }()

		if err := stream.Send(req); err != nil {
			return wormholeerr.New(wormholeerr.TransportClosed, err.Error()).WithComponent("fetcher")
		}

		resp, err = stream.Recv()
		if err != nil {
			return wormholeerr.New(wormholeerr.TransportClosed, err.Error()).WithComponent("fetcher")
		}
		return nil
	})
	if err != nil {
		if err == circuit.ErrOpen || err == circuit.ErrTooManyRequests {
			return wire.Frame{}, wormholeerr.New(wormholeerr.TransportClosed, err.Error()).WithComponent("fetcher").WithOperation("roundTrip")
		}
		return wire.Frame{}, err
	}
	return resp, nil
}

// resolve notifies every waiter registered for addr and clears the
// in-flight entry. If all waiters had already dropped their reply
// channel (spec.md §4.6's cancellation note), there is simply no one
// left to notify — the fetched bytes are still cached.
func (f *Fetcher) resolve(addr chunk.Addr, data []byte, err error) {
	f.mu.Lock()
	waiters := f.inFlight[addr]
	delete(f.inFlight, addr)
	f.mu.Unlock()

	for _, w := range waiters {
		w.resultCh <- fetchResult{data: data, err: err}
	}
}
