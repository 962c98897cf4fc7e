// Package lock implements the distributed lock manager (spec.md §4.9):
// the client-side lease client that acquires, renews, and releases
// exclusive write leases, and the host-side Manager that grants them
// and reaps expired or starved holders.
package lock

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// ErrSharedUnsupported is returned when a client requests a shared
// lease. The wire envelope reserves LeaseShared (spec.md §9's Open
// Question: "shared lease semantics… should not be implemented until
// specified") but the manager rejects it outright rather than silently
// granting exclusive access under a different name.
var ErrSharedUnsupported = wormholeerr.New(wormholeerr.ProtocolViolation, "shared leases are not implemented").WithComponent("lock")

// newToken mints a fresh unforgeable lease token (spec.md §4.9: "tokens
// are fresh unforgeable random integers").
func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable; a predictable token
		// would silently break lease exclusivity guarantees.
		panic("lock: failed to read random token: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

const (
	// defaultTTL is spec.md §4.9's stated default: 60 seconds.
	defaultTTL = 60 * time.Second

	// defaultRenewAt renews at half the TTL, matching config.LockConfig's
	// documented default.
	defaultRenewAt = 0.5

	// defaultMaxContinuousHold is spec.md §4.9's anti-starvation bound:
	// "default 5 min of continuous renewals".
	defaultMaxContinuousHold = 5 * time.Minute
)
