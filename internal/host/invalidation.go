package host

import (
	"sync"

	"github.com/wormhole-fs/wormhole/internal/logging"
)

// InvalidationBus broadcasts "path changed" notices to every connected
// client other than the one that caused the change (spec.md §4.10's
// H6). Each subscriber gets its own bounded channel so one slow client
// cannot stall delivery to the others; a full channel drops the new
// notice (already queued ones are kept) rather than blocking the writer
// that triggered it,
// since invalidation is a hint the client will also pick up on its
// next fetch of a stale entry.
type InvalidationBus struct {
	mu   sync.Mutex
	subs map[string]chan []string
	size int
	log  *logging.Logger
}

// NewInvalidationBus constructs a bus whose per-client queues hold up
// to queueSize pending invalidation batches.
func NewInvalidationBus(queueSize int) *InvalidationBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &InvalidationBus{
		subs: make(map[string]chan []string),
		size: queueSize,
		log:  logging.New("host.invalidation"),
	}
}

// Subscribe registers clientID for invalidation delivery and returns
// its receive channel. Callers must Unsubscribe when the client
// disconnects.
func (b *InvalidationBus) Subscribe(clientID string) <-chan []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []string, b.size)
	b.subs[clientID] = ch
	return ch
}

// Unsubscribe removes clientID and closes its channel.
func (b *InvalidationBus) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[clientID]; ok {
		close(ch)
		delete(b.subs, clientID)
	}
}

// Publish enqueues path for every subscriber except originator
// (spec.md §4.10's H6: "broadcast to every connected client other than
// the one that initiated the change"). A subscriber whose queue is
// full is skipped for this notice rather than blocking the publisher.
func (b *InvalidationBus) Publish(originator, path string) {
	b.PublishAll(originator, []string{path})
}

// PublishAll is Publish for a batch of paths in one notice.
func (b *InvalidationBus) PublishAll(originator string, paths []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for clientID, ch := range b.subs {
		if clientID == originator {
			continue
		}
		select {
		case ch <- paths:
		default:
			b.log.Printf("invalidation queue full for client %s, dropping notice for %v", clientID, paths)
		}
	}
}

// SubscriberCount reports the number of currently connected clients.
// Exposed for metrics and tests.
func (b *InvalidationBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
