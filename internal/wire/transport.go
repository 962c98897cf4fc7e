package wire

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport is the capability spec.md §9 calls a "transport" — send
// one frame, receive one frame, close. The chunk fetcher actor (C7) is
// the sole owner of a Transport; nothing else touches it concurrently.
type Transport interface {
	Send(Frame) error
	Recv() (Frame, error)
	Close() error
}

// connTransport is the real implementation over a net.Conn (the
// pairing-established authenticated byte stream from spec.md §6).
type connTransport struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn) Transport {
	return &connTransport{conn: conn, r: bufio.NewReader(conn)}
}

func (t *connTransport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return WriteFrame(t.conn, f)
}

func (t *connTransport) Recv() (Frame, error) {
	return ReadFrame(t.r)
}

func (t *connTransport) Close() error {
	return t.conn.Close()
}

// MemTransport is an in-memory fake transport pair for tests (spec.md
// §9's "strongly recommended" in-memory fake transport). NewMemPipe
// returns two endpoints; a Send on one side arrives via Recv on the
// other, in order, with no wire encoding round trip — frames are
// passed by value over a channel.
type MemTransport struct {
	out    chan Frame
	in     chan Frame
	closed chan struct{}
	once   *sync.Once
}

// NewMemPipe returns a connected pair of in-memory transports.
func NewMemPipe(bufferSize int) (a, b *MemTransport) {
	c1 := make(chan Frame, bufferSize)
	c2 := make(chan Frame, bufferSize)
	closed := make(chan struct{})
	once := &sync.Once{}
	a = &MemTransport{out: c1, in: c2, closed: closed, once: once}
	b = &MemTransport{out: c2, in: c1, closed: closed, once: once}
	return a, b
}

func (m *MemTransport) Send(f Frame) error {
	select {
	case <-m.closed:
		return fmt.Errorf("wire: transport closed")
	default:
	}
	select {
	case m.out <- f:
		return nil
	case <-m.closed:
		return fmt.Errorf("wire: transport closed")
	}
}

func (m *MemTransport) Recv() (Frame, error) {
	select {
	case f, ok := <-m.in:
		if !ok {
			return Frame{}, io.EOF
		}
		return f, nil
	case <-m.closed:
		return Frame{}, io.EOF
	}
}

func (m *MemTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}
