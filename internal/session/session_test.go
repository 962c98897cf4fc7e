package session

import (
	"context"
	"testing"
	"time"

	"github.com/wormhole-fs/wormhole/internal/wire"
)

func TestDialerListenerRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan wire.Transport, 1)
	go func() {
		_ = ln.Serve(func(tr wire.Transport, remote string) {
			if remote == "" {
				t.Error("expected a non-empty remote address")
			}
			accepted <- tr
		})
	}()

	dialer := NewDialer(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientTr, err := dialer.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer func() { _ = clientTr.Close() }()

	if err := clientTr.Send(wire.Frame{Type: wire.MsgPing, Payload: wire.Ping{Timestamp: time.Unix(42, 0)}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var hostTr wire.Transport
	select {
	case hostTr = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Listener to accept the dial")
	}
	defer func() { _ = hostTr.Close() }()

	frame, err := hostTr.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	ping, ok := frame.Payload.(wire.Ping)
	if !ok || !ping.Timestamp.Equal(time.Unix(42, 0)) {
		t.Fatalf("expected Ping{42}, got %v", frame)
	}
}

func TestDialerFailsOnUnreachableAddress(t *testing.T) {
	dialer := &Dialer{Address: "127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := dialer.OpenStream(ctx); err == nil {
		t.Fatal("expected OpenStream to fail against an unreachable address")
	}
}
