// Package session wraps the transport connection produced by the
// out-of-scope pairing/rendezvous step (spec.md §1's Non-goals) into
// the concrete types the data plane needs: something that satisfies
// fetcher.Opener on the client side, and something that accepts
// connections into host.Session on the host side. Pairing itself
// (discovery, key exchange, NAT traversal) is not implemented here —
// callers hand this package an address already agreed upon elsewhere.
package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/wire"
)

// Dialer opens a fresh TCP connection to a paired host for every
// substream the chunk fetcher requests (internal/fetcher.Opener).
// Wormhole multiplexes logically-independent requests as one
// connection each rather than framing them onto a shared stream,
// trading a per-request dial cost for a simpler host-side accept loop.
type Dialer struct {
	Address        string
	ConnectTimeout time.Duration
}

// NewDialer constructs a Dialer with spec.md §4.6's default connect
// timeout.
func NewDialer(address string) *Dialer {
	return &Dialer{Address: address, ConnectTimeout: 10 * time.Second}
}

// OpenStream implements fetcher.Opener.
func (d *Dialer) OpenStream(ctx context.Context) (wire.Transport, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", d.Address, err)
	}
	return wire.NewConnTransport(conn), nil
}

// Listener accepts incoming connections on behalf of a host process
// and hands each one to onAccept as a wire.Transport. Every accepted
// connection is a single substream, symmetric with Dialer.
type Listener struct {
	listener net.Listener
	log      *logging.Logger
}

// Listen binds address and returns a Listener ready for Serve.
func Listen(address string) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("session: listen on %s: %w", address, err)
	}
	return &Listener{listener: ln, log: logging.New("session")}, nil
}

// Addr returns the bound address, useful when address was ":0".
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until Close is called, handing each one
// (as a wire.Transport, with the peer's address for logging/identity
// fallback) to onAccept in its own goroutine.
func (l *Listener) Serve(onAccept func(wire.Transport, string)) error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return err
		}
		remote := conn.RemoteAddr().String()
		l.log.Printf("accepted connection from %s", remote)
		go onAccept(wire.NewConnTransport(conn), remote)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.listener.Close()
}
