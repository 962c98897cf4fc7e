package lock

import (
	"testing"
	"time"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

func testLockConfig() config.LockConfig {
	return config.LockConfig{
		LeaseTTL:          50 * time.Millisecond,
		RenewAt:           0.5,
		MaxContinuousHold: 200 * time.Millisecond,
	}
}

func TestManagerAcquireGrantsFreshLease(t *testing.T) {
	m := NewManager(testLockConfig())

	token, expiresAt, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if !expiresAt.After(time.Now()) {
		t.Fatal("expected expiresAt in the future")
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 live lease, got %d", m.Count())
	}
}

func TestManagerAcquireDeniesConcurrentHolder(t *testing.T) {
	m := NewManager(testLockConfig())

	if _, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-b")
	if err == nil {
		t.Fatal("expected second client's Acquire to be denied")
	}
	wfErr, ok := err.(*wormholeerr.Error)
	if !ok || wfErr.Kind != wormholeerr.LeaseDenied {
		t.Fatalf("expected LeaseDenied, got %v", err)
	}
	if wfErr.Details["holder"] != "client-a" {
		t.Errorf("expected holder detail to name client-a, got %v", wfErr.Details["holder"])
	}
}

func TestManagerAcquireBySameHolderRenewsInPlace(t *testing.T) {
	m := NewManager(testLockConfig())

	token1, exp1, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	token2, exp2, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if token1 != token2 {
		t.Error("expected the same holder re-acquiring to keep the same token")
	}
	if !exp2.After(exp1) {
		t.Error("expected re-acquire to extend expiry")
	}
}

func TestManagerSweepReclaimsExpiredLease(t *testing.T) {
	m := NewManager(testLockConfig())

	if _, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(60 * time.Millisecond) // past the 50ms TTL

	_, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-b")
	if err != nil {
		t.Fatalf("expected client-b to acquire the expired lease, got %v", err)
	}
}

func TestManagerRenewExtendsExpiry(t *testing.T) {
	m := NewManager(testLockConfig())

	token, exp1, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	exp2, err := m.Renew("/doc.txt", token)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !exp2.After(exp1) {
		t.Error("expected Renew to extend expiry")
	}
}

func TestManagerRenewWithWrongTokenFails(t *testing.T) {
	m := NewManager(testLockConfig())
	if _, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Renew("/doc.txt", "wrong-token"); err == nil {
		t.Fatal("expected Renew with a mismatched token to fail")
	}
}

func TestManagerRenewFailsAfterMaxContinuousHold(t *testing.T) {
	cfg := testLockConfig()
	cfg.LeaseTTL = 10 * time.Millisecond
	cfg.MaxContinuousHold = 30 * time.Millisecond
	m := NewManager(cfg)

	token, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	var lastErr error
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		_, lastErr = m.Renew("/doc.txt", token)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected continuous renewal to eventually be exhausted")
	}
	wfErr, ok := lastErr.(*wormholeerr.Error)
	if !ok || wfErr.Kind != wormholeerr.LeaseExhausted {
		t.Fatalf("expected LeaseExhausted, got %v", lastErr)
	}
}

func TestManagerReleaseFreesPath(t *testing.T) {
	m := NewManager(testLockConfig())
	token, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release("/doc.txt", token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected 0 live leases after release, got %d", m.Count())
	}
	if _, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-b"); err != nil {
		t.Fatalf("expected client-b to acquire freed path, got %v", err)
	}
}

func TestManagerRejectsSharedLease(t *testing.T) {
	m := NewManager(testLockConfig())
	_, _, err := m.Acquire("/doc.txt", wire.LeaseShared, "client-a")
	if err != ErrSharedUnsupported {
		t.Fatalf("expected ErrSharedUnsupported, got %v", err)
	}
}

func TestManagerBackgroundSweepReclaimsWithoutNewAcquire(t *testing.T) {
	m := NewManager(testLockConfig())
	go m.Run()
	t.Cleanup(m.Stop)

	if _, _, err := m.Acquire("/doc.txt", wire.LeaseExclusive, "client-a"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.Count() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Count() != 0 {
		t.Error("expected the background sweep to reclaim the expired lease on its own")
	}
}
