package lock

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// Sender is the subset of the chunk fetcher actor the lock client
// needs: a single request/response round trip over the shared
// transport (satisfied by *fetcher.Fetcher.Do).
type Sender interface {
	Do(ctx context.Context, req wire.Frame) (wire.Frame, error)
}

type heldLease struct {
	token     string
	expiresAt time.Time
	stopCh    chan struct{}
}

// Client is the client-side lease client (C9). It exposes
// acquire/renew/release and maintains one background renewal task per
// held lease, renewing at a fraction of the TTL while the lease is
// still needed (spec.md §4.9).
type Client struct {
	sender   Sender
	clientID string
	renewAt  float64
	log      *logging.Logger

	mu   stdsync.Mutex
	held map[string]*heldLease
	wg   stdsync.WaitGroup
}

// NewClient constructs a lock Client. clientID identifies this process
// to the host's lock manager for holder reporting on contention.
func NewClient(cfg config.LockConfig, sender Sender, clientID string) *Client {
	renewAt := cfg.RenewAt
	if renewAt <= 0 || renewAt >= 1 {
		renewAt = defaultRenewAt
	}
	return &Client{
		sender:   sender,
		clientID: clientID,
		renewAt:  renewAt,
		log:      logging.New("lock"),
		held:     make(map[string]*heldLease),
	}
}

// Lease implements sync.LeaseSource: acquire or reuse a lease on path.
// Reuses an already-held, unexpired lease rather than round-tripping to
// the host on every sync-engine drain.
func (c *Client) Lease(ctx context.Context, path string) (string, error) {
	c.mu.Lock()
	if existing, ok := c.held[path]; ok && existing.expiresAt.After(time.Now()) {
		token := existing.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	token, _, err := c.Acquire(ctx, path)
	return token, err
}

// Acquire requests an exclusive lease on path from the host.
func (c *Client) Acquire(ctx context.Context, path string) (token string, expiresAt time.Time, err error) {
	req := wire.Frame{Type: wire.MsgAcquireLease, Payload: wire.AcquireLease{
		Path:     path,
		Kind:     wire.LeaseExclusive,
		ClientID: c.clientID,
	}}

	resp, err := c.sender.Do(ctx, req)
	if err != nil {
		return "", time.Time{}, err
	}

	switch payload := resp.Payload.(type) {
	case wire.LeaseGranted:
		c.trackGrant(path, payload.Token, payload.ExpiresAt)
		return payload.Token, payload.ExpiresAt, nil
	case wire.LeaseDenied:
		return "", time.Time{}, wormholeerr.New(wormholeerr.LeaseDenied, "path is held by another client").
			WithComponent("lock").
			WithDetail("holder", payload.HolderID)
	case wire.Error:
		return "", time.Time{}, wormholeerr.New(wormholeerr.Kind(payload.Kind), payload.Message).WithComponent("lock")
	default:
		return "", time.Time{}, wormholeerr.New(wormholeerr.ProtocolViolation, "unexpected reply to AcquireLease").WithComponent("lock")
	}
}

// Release voluntarily gives up a held lease.
func (c *Client) Release(ctx context.Context, path string) error {
	c.mu.Lock()
	held, ok := c.held[path]
	if ok {
		delete(c.held, path)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	close(held.stopCh)

	req := wire.Frame{Type: wire.MsgReleaseLease, Payload: wire.ReleaseLease{Path: path, Token: held.token}}
	_, err := c.sender.Do(ctx, req)
	return err
}

// Close invalidates all local lease state without notifying the host,
// matching spec.md §4.9's "loss of the transport connection invalidates
// all local lease state (the host will expire them anyway)".
func (c *Client) Close() {
	c.mu.Lock()
	held := c.held
	c.held = make(map[string]*heldLease)
	c.mu.Unlock()

	for _, h := range held {
		close(h.stopCh)
	}
	c.wg.Wait()
}

func (c *Client) trackGrant(path, token string, expiresAt time.Time) {
	c.mu.Lock()
	if existing, ok := c.held[path]; ok {
		close(existing.stopCh)
	}
	h := &heldLease{token: token, expiresAt: expiresAt, stopCh: make(chan struct{})}
	c.held[path] = h
	c.mu.Unlock()

	c.wg.Add(1)
	go c.renewLoop(path, h)
}

// renewLoop renews the lease at renewAt·TTL intervals until released,
// superseded by a fresh grant, or the renewal itself fails (lease lost
// or exhausted), at which point local state for path is dropped.
func (c *Client) renewLoop(path string, h *heldLease) {
	defer c.wg.Done()

	ttl := time.Until(h.expiresAt)
	interval := time.Duration(float64(ttl) * c.renewAt)
	if interval <= 0 {
		interval = defaultTTL / 2
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), defaultTTL/4)
			newExpiry, err := c.renew(ctx, path, h.token)
			cancel()
			if err != nil {
				c.log.Printf("lease renewal for %s failed, dropping local state: %v", path, err)
				c.mu.Lock()
				if c.held[path] == h {
					delete(c.held, path)
				}
				c.mu.Unlock()
				return
			}
			h.expiresAt = newExpiry
		}
	}
}

func (c *Client) renew(ctx context.Context, path, token string) (time.Time, error) {
	req := wire.Frame{Type: wire.MsgRenewLease, Payload: wire.RenewLease{Path: path, Token: token}}
	resp, err := c.sender.Do(ctx, req)
	if err != nil {
		return time.Time{}, err
	}
	switch payload := resp.Payload.(type) {
	case wire.LeaseGranted:
		return payload.ExpiresAt, nil
	case wire.LeaseDenied:
		return time.Time{}, wormholeerr.New(wormholeerr.LeaseDenied, "lease no longer held").WithComponent("lock")
	case wire.Error:
		return time.Time{}, wormholeerr.New(wormholeerr.Kind(payload.Kind), payload.Message).WithComponent("lock")
	default:
		return time.Time{}, wormholeerr.New(wormholeerr.ProtocolViolation, "unexpected reply to RenewLease").WithComponent("lock")
	}
}
