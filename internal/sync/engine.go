// Package sync implements the dirty set and write-back sync engine
// (spec.md C8): tracks locally modified chunks and drains them to the
// host under a valid lease, in priority order, with exponential
// backoff on transient failures.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/wormhole-fs/wormhole/internal/cache"
	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/metrics"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/chunk"
	"github.com/wormhole-fs/wormhole/pkg/retry"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// Priority orders the dirty-set drain: high (user-initiated flush),
// normal (natural write-back), low (retries) — spec.md §4.7 step 1.
// Lower values drain first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// WriteConcurrency is the concurrency cap U on outstanding write
// dispatches per drain pass (spec.md §4.7 step 5).
const WriteConcurrency = 4

// Sender is the subset of the chunk fetcher actor the sync engine
// needs: a single request/response round trip over the shared
// transport.
type Sender interface {
	Do(ctx context.Context, req wire.Frame) (wire.Frame, error)
}

// LeaseSource acquires or reuses a write lease on path, returning the
// token to attach to the WriteChunk request.
type LeaseSource interface {
	Lease(ctx context.Context, path string) (token string, err error)
}

type dirtyEntry struct {
	addr        chunk.Addr
	priority    Priority
	queuedAt    time.Time
	attempt     int
	nextAttempt time.Time
}

// Engine owns the dirty set and drains it on a timer or on demand.
type Engine struct {
	cache   *cache.TwoTier
	sender  Sender
	lease   LeaseSource
	log     *logging.Logger
	metrics *metrics.Collector

	retryCfg retry.Config

	mu       stdsync.Mutex
	dirty    map[chunk.Addr]*dirtyEntry
	draining bool

	onProgress func(chunk.Addr)
	onFatal    func(chunk.Addr, error)

	drainInterval time.Duration
	stopCh        chan struct{}
	stopped       chan struct{}
}

// New constructs an Engine. Run must be started (typically `go
// e.Run()`) for the periodic drain timer to fire.
func New(cfg config.SyncConfig, c *cache.TwoTier, sender Sender, lease LeaseSource) *Engine {
	interval := cfg.DrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	noopMetrics, _ := metrics.NewCollector(metrics.Config{})

	return &Engine{
		cache:         c,
		sender:        sender,
		lease:         lease,
		log:           logging.New("sync"),
		metrics:       noopMetrics,
		retryCfg:      retry.DefaultConfig(),
		dirty:         make(map[chunk.Addr]*dirtyEntry),
		drainInterval: interval,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// SetMetrics swaps in a real Prometheus collector. Optional: a no-op
// collector is installed by New so this never needs to be called in
// tests.
func (e *Engine) SetMetrics(collector *metrics.Collector) {
	e.metrics = collector
}

// OnProgress registers a callback invoked after each address is
// successfully drained.
func (e *Engine) OnProgress(fn func(chunk.Addr)) { e.onProgress = fn }

// OnFatal registers a callback invoked when an address exhausts its
// retry budget (spec.md §4.7 step 7's "surface a fatal write error").
func (e *Engine) OnFatal(fn func(chunk.Addr, error)) { e.onFatal = fn }

// MarkDirty adds (or re-prioritizes) addr in the dirty set. The bytes
// to send are always read from the cache at drain time, never copied
// into the entry, so the latest write always wins even if MarkDirty is
// called multiple times before a drain (spec.md §4.7's "does not
// reorder writes… the latest bytes in the cache are always the ones
// sent").
func (e *Engine) MarkDirty(addr chunk.Addr, priority Priority) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.dirty[addr]; ok {
		if priority < existing.priority {
			existing.priority = priority
		}
		return
	}
	e.dirty[addr] = &dirtyEntry{addr: addr, priority: priority, queuedAt: time.Now()}
	e.metrics.SetDirtySetSize(len(e.dirty))
}

// Pending reports the current dirty-set size.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dirty)
}

// Run starts the periodic drain loop; call Stop to terminate it.
func (e *Engine) Run() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Drain(context.Background())
		}
	}
}

// Stop terminates the periodic drain loop and waits for any in-flight
// drain pass to finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.stopped
}

// Drain runs one draining pass: snapshot the dirty set in priority
// order (oldest first within a priority), then dispatch eligible
// entries with up to WriteConcurrency writes outstanding at once. Used
// both by the periodic timer and on demand for flush/close-with-writes
// (spec.md §4.7).
func (e *Engine) Drain(ctx context.Context) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	entries := e.snapshotEligible()

	sem := make(chan struct{}, WriteConcurrency)
	var wg stdsync.WaitGroup
	for _, entry := range entries {
		entry := entry
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.drainOne(ctx, entry)
		}()
	}
	wg.Wait()
}

// snapshotEligible returns dirty entries whose backoff has elapsed,
// ordered by priority then queue time.
func (e *Engine) snapshotEligible() []*dirtyEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	entries := make([]*dirtyEntry, 0, len(e.dirty))
	for _, entry := range e.dirty {
		if entry.nextAttempt.After(now) {
			continue
		}
		entries = append(entries, entry)
	}

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			less := a.priority < b.priority || (a.priority == b.priority && a.queuedAt.Before(b.queuedAt))
			if less {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
	return entries
}

func (e *Engine) drainOne(ctx context.Context, entry *dirtyEntry) {
	buf := e.cache.Get(entry.addr)
	if buf == nil {
		// Invariant 3: a dirty address is always resident in the
		// cache. Should not happen; drop the stale entry rather than
		// spin on it forever.
		e.mu.Lock()
		delete(e.dirty, entry.addr)
		e.mu.Unlock()
		return
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	buf.Release()

	token, err := e.lease.Lease(ctx, entry.addr.Path)
	if err != nil {
		e.requeue(entry, PriorityLow, 0)
		return
	}

	req := wire.Frame{Type: wire.MsgWriteChunk, Payload: wire.WriteChunk{
		Path:       entry.addr.Path,
		ByteOffset: chunk.OffsetForIndex(entry.addr.Index),
		Bytes:      data,
		LeaseToken: token,
	}}

	resp, err := e.sender.Do(ctx, req)
	if err == nil {
		if wireErr, ok := resp.Payload.(wire.Error); ok {
			err = wormholeerr.New(wormholeerr.Kind(wireErr.Kind), wireErr.Message).WithComponent("sync")
		}
	}

	if err == nil {
		e.mu.Lock()
		delete(e.dirty, entry.addr)
		e.metrics.SetDirtySetSize(len(e.dirty))
		e.mu.Unlock()
		if e.onProgress != nil {
			e.onProgress(entry.addr)
		}
		return
	}

	if retry.ShouldRetry(e.retryCfg, err) && entry.attempt+1 < e.retryCfg.MaxAttempts {
		e.requeue(entry, PriorityLow, entry.attempt+1)
		return
	}

	if e.onFatal != nil {
		e.onFatal(entry.addr, err)
	}
	// Leave the address dirty at a slow retry cadence rather than
	// dropping the write on the floor; a future drain may succeed once
	// the host recovers.
	e.requeue(entry, PriorityLow, 0)
}

func (e *Engine) requeue(entry *dirtyEntry, priority Priority, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.dirty[entry.addr]
	if !ok {
		return
	}
	current.priority = priority
	current.attempt = attempt
	current.nextAttempt = time.Now().Add(retry.Delay(e.retryCfg, attempt+1))
}
