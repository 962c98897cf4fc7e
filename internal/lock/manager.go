package lock

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/metrics"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// leaseEntry is the host's in-memory record of one held lease
// (spec.md §4.9's "in-memory map canonical-path → lease-entry").
type leaseEntry struct {
	path            string
	token           string
	holder          string
	kind            wire.LeaseKind
	grantedAt       time.Time
	expiresAt       time.Time
	continuousSince time.Time
}

// Manager is the host-side lock manager (H4). It grants, renews, and
// expires exclusive leases on paths, with a background sweep reaping
// entries whose TTL has lapsed.
type Manager struct {
	mu     sync.Mutex
	leases map[string]*leaseEntry

	ttl               time.Duration
	maxContinuousHold time.Duration
	cleanupInterval   time.Duration

	log     *logging.Logger
	metrics *metrics.Collector

	stopCh  chan struct{}
	stopped chan struct{}
}

// SetMetrics swaps in a real Prometheus collector. Optional: a no-op
// collector is installed by NewManager so this never needs to be
// called in tests.
func (m *Manager) SetMetrics(collector *metrics.Collector) {
	m.metrics = collector
}

// NewManager constructs a Manager from the shared lock configuration.
func NewManager(cfg config.LockConfig) *Manager {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxHold := cfg.MaxContinuousHold
	if maxHold <= 0 {
		maxHold = defaultMaxContinuousHold
	}
	noopMetrics, _ := metrics.NewCollector(metrics.Config{})

	return &Manager{
		leases:            make(map[string]*leaseEntry),
		ttl:               ttl,
		maxContinuousHold: maxHold,
		cleanupInterval:   ttl / 4,
		log:               logging.New("lock"),
		metrics:           noopMetrics,
		stopCh:            make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

// Run starts the periodic expired-lease sweep (spec.md §4.9: "a
// periodic background sweep removes expired entries so their paths
// become available even without any new acquire traffic"). Grounded on
// the teacher's PersistentCache.cleanupExpired ticker loop.
func (m *Manager) Run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop terminates the sweep loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.stopped
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for path, entry := range m.leases {
		if entry.expiresAt.Before(now) {
			delete(m.leases, path)
		}
	}
}

// Acquire grants an exclusive lease on path to clientID, or denies it
// if another client currently holds one (spec.md §4.9's three-step
// acquire rule: validate kind, sweep expired leases, then grant or
// renew-in-place).
func (m *Manager) Acquire(path string, kind wire.LeaseKind, clientID string) (token string, expiresAt time.Time, err error) {
	if kind != wire.LeaseExclusive {
		return "", time.Time{}, ErrSharedUnsupported
	}

	path = canonicalize(path)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for p, entry := range m.leases {
		if entry.expiresAt.Before(now) {
			delete(m.leases, p)
		}
	}

	if existing, ok := m.leases[path]; ok {
		if existing.expiresAt.Before(now) {
			delete(m.leases, path)
		} else if existing.holder != clientID {
			m.metrics.RecordLeaseOutcome("denied")
			return "", time.Time{}, wormholeerr.New(wormholeerr.LeaseDenied, "path is held by another client").
				WithComponent("lock").
				WithDetail("holder", existing.holder)
		} else {
			// Same holder re-acquiring is treated as a renewal.
			existing.expiresAt = now.Add(m.ttl)
			m.metrics.RecordLeaseOutcome("granted")
			return existing.token, existing.expiresAt, nil
		}
	}

	entry := &leaseEntry{
		path:            path,
		token:           newToken(),
		holder:          clientID,
		kind:            kind,
		grantedAt:       now,
		expiresAt:       now.Add(m.ttl),
		continuousSince: now,
	}
	m.leases[path] = entry
	m.metrics.RecordLeaseOutcome("granted")
	return entry.token, entry.expiresAt, nil
}

// Renew extends a held lease by another TTL, unless the anti-starvation
// bound has been reached (spec.md §4.9's "maximum continuous lease
// duration is bounded… renewal fails with a distinct 'exhausted'
// reason").
func (m *Manager) Renew(path, token string) (expiresAt time.Time, err error) {
	path = canonicalize(path)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[path]
	if !ok || entry.token != token || entry.expiresAt.Before(now) {
		return time.Time{}, wormholeerr.New(wormholeerr.LeaseDenied, "no matching live lease to renew").WithComponent("lock")
	}

	if now.Sub(entry.continuousSince) >= m.maxContinuousHold {
		return time.Time{}, wormholeerr.New(wormholeerr.LeaseExhausted, "maximum continuous lease duration reached").WithComponent("lock")
	}

	entry.expiresAt = now.Add(m.ttl)
	return entry.expiresAt, nil
}

// Release voluntarily gives up a held lease.
func (m *Manager) Release(path, token string) error {
	path = canonicalize(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[path]
	if !ok || entry.token != token {
		return wormholeerr.New(wormholeerr.LeaseDenied, "no matching live lease to release").WithComponent("lock")
	}
	delete(m.leases, path)
	return nil
}

// Holder reports the current lease holder of path, if any. Used by H5
// to validate a write request's token without going through Acquire.
func (m *Manager) Holder(path string) (entry struct {
	Token     string
	Holder    string
	ExpiresAt time.Time
}, ok bool) {
	path = canonicalize(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.leases[path]
	if !found || e.expiresAt.Before(time.Now()) {
		return entry, false
	}
	entry.Token = e.token
	entry.Holder = e.holder
	entry.ExpiresAt = e.expiresAt
	return entry, true
}

// Count reports the number of currently live leases. Exposed for
// metrics and tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

func canonicalize(path string) string {
	return filepath.Clean("/" + path)
}
