// Package prefetch implements the sequential-access governor (spec.md
// C5): per-open-file state that detects a streak of sequential chunk
// reads and, once the streak reaches a threshold, schedules a bounded
// number of speculative background fetches ahead of the reader.
package prefetch

import (
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

// direction mirrors spec.md §4.5's direction ∈ {forward, backward, random}.
type direction int

const (
	directionRandom direction = iota
	directionForward
	directionBackward
)

// Fetcher is the subset of the chunk fetcher actor (C7) the governor
// needs: a way to post a background-priority fetch. FetchBackground
// reports nothing back; when the background mailbox is saturated the
// fetch is dropped rather than queued (spec.md §4.5).
type Fetcher interface {
	FetchBackground(addr chunk.Addr)
}

// Cache reports whether an address is already resident, so the
// governor doesn't waste a background slot re-fetching a cache hit.
type Cache interface {
	Has(addr chunk.Addr) bool
}

// fileState is the per-open-file state spec.md §4.5 describes:
// last_chunk_index, consecutive_sequential_accesses, and direction.
type fileState struct {
	mu        sync.Mutex
	lastIndex int64
	hasLast   bool
	streak    int
	dir       direction
}

// Governor observes reads across open files and emits speculative
// background fetches once a read streak is detected. One Governor is
// shared by a client process; state is keyed per path.
type Governor struct {
	config  config.PrefetchConfig
	fetcher Fetcher
	cache   Cache

	pool *pool.Pool

	mu    sync.Mutex
	files map[string]*fileState
}

// New constructs a Governor. If cfg.Enabled is false, OnRead is a no-op.
func New(cfg config.PrefetchConfig, fetcher Fetcher, cache Cache) *Governor {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Governor{
		config:  cfg,
		fetcher: fetcher,
		cache:   cache,
		pool:    pool.New().WithMaxGoroutines(concurrency),
		files:   make(map[string]*fileState),
	}
}

// OnOpen allocates fresh governor state for a newly opened file handle,
// per spec.md §4.10's open(inode, flags) contract.
func (g *Governor) OnOpen(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files[path] = &fileState{}
}

// OnClose discards the governor state for a closed file handle.
func (g *Governor) OnClose(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.files, path)
}

// OnRead records a read of chunk k on path and, if a sequential streak
// has just reached the configured threshold, schedules up to W
// background fetches in the detected direction.
func (g *Governor) OnRead(path string, k int64) {
	if !g.config.Enabled {
		return
	}

	state := g.stateFor(path)

	state.mu.Lock()
	fire := g.updateLocked(state, k)
	dir := state.dir
	state.mu.Unlock()

	if fire {
		g.schedule(path, k, dir)
	}
}

func (g *Governor) stateFor(path string) *fileState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.files[path]
	if !ok {
		s = &fileState{}
		g.files[path] = s
	}
	return s
}

// updateLocked applies spec.md §4.5's transition rules and reports
// whether the streak just reached the threshold (the governor fires
// once per crossing, not on every subsequent read of the streak, to
// avoid re-issuing the same background window repeatedly).
func (g *Governor) updateLocked(s *fileState, k int64) bool {
	if !s.hasLast {
		s.hasLast = true
		s.lastIndex = k
		s.streak = 0
		s.dir = directionRandom
		return false
	}

	switch {
	case k == s.lastIndex+1:
		if s.dir != directionForward {
			s.streak = 0
		}
		s.dir = directionForward
		s.streak++
	case k == s.lastIndex-1:
		if s.dir != directionBackward {
			s.streak = 0
		}
		s.dir = directionBackward
		s.streak++
	case k == s.lastIndex:
		// no change
	default:
		s.streak = 0
		s.dir = directionRandom
	}

	s.lastIndex = k

	threshold := g.config.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	return s.streak == threshold
}

// schedule emits up to W background fetch requests starting one chunk
// past k in dir, skipping addresses already cached, bounded by the
// pool's concurrency cap P.
func (g *Governor) schedule(path string, k int64, dir direction) {
	if dir == directionRandom {
		return
	}

	window := g.config.Window
	if window <= 0 {
		window = 5
	}

	step := int64(1)
	if dir == directionBackward {
		step = -1
	}

	for i := int64(1); i <= int64(window); i++ {
		next := k + step*i
		if next < 0 {
			break
		}
		addr := chunk.Addr{Path: path, Index: next}
		if g.cache != nil && g.cache.Has(addr) {
			continue
		}

		g.pool.Go(func() {
			g.fetcher.FetchBackground(addr)
		})
	}
}

// Stop waits for in-flight background fetches to drain.
func (g *Governor) Stop() {
	g.pool.Wait()
}
