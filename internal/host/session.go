package host

import (
	"github.com/wormhole-fs/wormhole/internal/lock"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// Session is the host-side actor for one connected client: it receives
// wire frames, dispatches each to the metadata/read/write/lock
// servers, sends back the reply, and forwards this client's share of
// the invalidation bus as unsolicited Invalidate frames (spec.md §4.10,
// §5's "one actor task per live pairing session that owns the
// transport connection").
type Session struct {
	transport wire.Transport
	clientID  string

	metadata *MetadataServer
	read     *ReadServer
	write    *WriteServer
	locks    *lock.Manager
	bus      *InvalidationBus

	log *logging.Logger
}

// NewSession constructs a Session over an already-connected transport.
func NewSession(transport wire.Transport, clientID string, metadata *MetadataServer, read *ReadServer, write *WriteServer, locks *lock.Manager, bus *InvalidationBus) *Session {
	return &Session{
		transport: transport,
		clientID:  clientID,
		metadata:  metadata,
		read:      read,
		write:     write,
		locks:     locks,
		bus:       bus,
		log:       logging.New("host.session").With(clientID),
	}
}

// Run services transport until it errors (typically disconnection),
// forwarding invalidation notices concurrently. It blocks until the
// connection ends and always returns a non-nil error.
func (s *Session) Run() error {
	return s.run(nil)
}

// RunWithFirst is Run, but dispatches an already-received frame before
// entering the receive loop. Useful when the caller had to peek the
// connection's first frame (typically a Hello) to learn the client
// identity Session needs at construction time.
func (s *Session) RunWithFirst(first wire.Frame) error {
	return s.run(&first)
}

func (s *Session) run(first *wire.Frame) error {
	invalidations := s.bus.Subscribe(s.clientID)
	defer s.bus.Unsubscribe(s.clientID)

	sendErrCh := make(chan error, 1)
	go func() {
		for paths := range invalidations {
			if err := s.transport.Send(wire.Frame{Type: wire.MsgInvalidate, Payload: wire.Invalidate{Paths: paths}}); err != nil {
				sendErrCh <- err
				return
			}
		}
	}()

	if first != nil {
		resp := s.dispatch(*first)
		if err := s.transport.Send(resp); err != nil {
			return err
		}
	}

	for {
		req, err := s.transport.Recv()
		if err != nil {
			return err
		}

		resp := s.dispatch(req)
		if err := s.transport.Send(resp); err != nil {
			return err
		}

		select {
		case err := <-sendErrCh:
			return err
		default:
		}
	}
}

func (s *Session) dispatch(req wire.Frame) wire.Frame {
	switch p := req.Payload.(type) {
	case wire.Hello:
		return wire.Frame{Type: wire.MsgWelcome, Payload: wire.Welcome{ProtocolVersion: p.ProtocolVersion}}

	case wire.GetAttr:
		attrs, err := s.metadata.GetAttr(p.Path)
		if err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgAttr, Payload: wire.Attr{Attrs: attrs}}

	case wire.ListDir:
		entries, err := s.metadata.ListDir(p.Path)
		if err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgDirEntries, Payload: wire.DirEntries{Entries: entries}}

	case wire.ReadChunk:
		data, digest, err := s.read.ReadChunk(p.Path, p.ChunkIndex)
		if err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgChunkData, Payload: wire.ChunkData{Bytes: data, Digest: digest}}

	case wire.AcquireLease:
		token, expiresAt, err := s.locks.Acquire(p.Path, p.Kind, p.ClientID)
		if err != nil {
			if wfErr, ok := err.(*wormholeerr.Error); ok {
				holder, _ := wfErr.Details["holder"].(string)
				return wire.Frame{Type: wire.MsgLeaseDenied, Payload: wire.LeaseDenied{HolderID: holder}}
			}
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgLeaseGranted, Payload: wire.LeaseGranted{Token: token, ExpiresAt: expiresAt}}

	case wire.RenewLease:
		expiresAt, err := s.locks.Renew(p.Path, p.Token)
		if err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgLeaseGranted, Payload: wire.LeaseGranted{Token: p.Token, ExpiresAt: expiresAt}}

	case wire.ReleaseLease:
		if err := s.locks.Release(p.Path, p.Token); err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgLeaseGranted, Payload: wire.LeaseGranted{Token: p.Token}}

	case wire.WriteChunk:
		written, newSize, err := s.write.WriteChunk(s.clientID, p.Path, p.ByteOffset, p.Bytes, p.LeaseToken)
		if err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgWriteAck, Payload: wire.WriteAck{BytesWritten: written, NewFileSize: newSize}}

	case wire.Create:
		attrs, err := s.write.Create(s.clientID, p.Parent, p.Name, p.Kind, p.Mode, p.LeaseToken)
		if err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgAttr, Payload: wire.Attr{Attrs: attrs}}

	case wire.Remove:
		if err := s.write.Remove(s.clientID, p.Parent, p.Name, p.LeaseToken); err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgWriteAck}

	case wire.Rename:
		if err := s.write.Rename(s.clientID, p.OldParent, p.OldName, p.NewParent, p.NewName, p.LeaseToken); err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgWriteAck}

	case wire.Truncate:
		if err := s.write.Truncate(s.clientID, p.Path, p.NewSize, p.LeaseToken); err != nil {
			return errFrame(err)
		}
		return wire.Frame{Type: wire.MsgWriteAck, Payload: wire.WriteAck{NewFileSize: p.NewSize}}

	case wire.Ping:
		return wire.Frame{Type: wire.MsgPong, Payload: wire.Pong{Timestamp: p.Timestamp}}

	default:
		return errFrame(wormholeerr.New(wormholeerr.ProtocolViolation, "unexpected request type").WithComponent("host"))
	}
}

func errFrame(err error) wire.Frame {
	if wfErr, ok := err.(*wormholeerr.Error); ok {
		return wire.Frame{Type: wire.MsgError, Payload: wire.Error{Kind: string(wfErr.Kind), Message: wfErr.Message}}
	}
	return wire.Frame{Type: wire.MsgError, Payload: wire.Error{Kind: string(wormholeerr.ProtocolViolation), Message: err.Error()}}
}
