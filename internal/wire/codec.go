package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Frame is a fully decoded wire message: its type tag plus the typed
// payload. Payload is one of the message structs in messages.go.
type Frame struct {
	Type    MessageType
	Payload interface{}
}

// WriteFrame writes one length-prefixed frame to w: a 4-byte
// little-endian length covering the type byte and the encoded body,
// followed by the type byte and body (spec.md §6's "Wire framing").
func WriteFrame(w io.Writer, f Frame) error {
	body, err := encodeBody(f.Type, f.Payload)
	if err != nil {
		return err
	}
	if len(body)+1 > MaxPayload {
		return fmt.Errorf("wire: frame payload %d bytes exceeds max %d", len(body)+1, MaxPayload)
	}

	header := make([]byte, 5)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)+1))
	header[4] = byte(f.Type)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Frame{}, fmt.Errorf("wire: zero-length frame")
	}
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("wire: frame length %d exceeds max %d", length, MaxPayload)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}

	typ := MessageType(buf[0])
	payload, err := decodeBody(typ, buf[1:])
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// encoder/decoder is a tiny binary cursor used instead of encoding/gob
// so the wire format stays a stable, explicit byte layout rather than
// Go's reflection-driven self-describing encoding.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32)  { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) u64(v uint64)  { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) i64(v int64)   { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) byteVal(v byte) { e.buf.WriteByte(v) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) str(s string) { e.bytes([]byte(s)) }

func (e *encoder) strSlice(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

func (e *encoder) time(t time.Time) { e.i64(t.UTC().UnixNano()) }

func (e *encoder) attrs(a Attrs) {
	e.i64(a.Size)
	e.time(a.ModTime)
	e.time(a.CreateTime)
	e.time(a.AccessTime)
	e.u32(a.Mode)
	e.u32(a.UID)
	e.u32(a.GID)
	e.byteVal(byte(a.Kind))
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail(fmt.Errorf("wire: truncated message"))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i64() int64 {
	return int64(d.u64())
}

func (d *decoder) byteVal() byte {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if n < 0 {
		d.fail(fmt.Errorf("wire: negative length"))
		return nil
	}
	b := d.need(n)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) str() string { return string(d.bytes()) }

func (d *decoder) strSlice() []string {
	n := d.u32()
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) time() time.Time {
	ns := d.i64()
	return time.Unix(0, ns).UTC()
}

func (d *decoder) attrs() Attrs {
	return Attrs{
		Size:       d.i64(),
		ModTime:    d.time(),
		CreateTime: d.time(),
		AccessTime: d.time(),
		Mode:       d.u32(),
		UID:        d.u32(),
		GID:        d.u32(),
		Kind:       EntryKind(d.byteVal()),
	}
}

func encodeBody(typ MessageType, payload interface{}) ([]byte, error) {
	e := &encoder{}

	switch typ {
	case MsgHello:
		m := payload.(Hello)
		e.u32(m.ProtocolVersion)
		e.str(m.ClientID)
		e.strSlice(m.Capabilities)

	case MsgWelcome:
		m := payload.(Welcome)
		e.u32(m.ProtocolVersion)
		e.str(m.ShareName)
		e.u64(m.RootInode)
		e.strSlice(m.Capabilities)

	case MsgListDir:
		e.str(payload.(ListDir).Path)

	case MsgDirEntries:
		m := payload.(DirEntries)
		e.u32(uint32(len(m.Entries)))
		for _, ent := range m.Entries {
			e.str(ent.Name)
			e.byteVal(byte(ent.Kind))
			e.attrs(ent.Attrs)
		}

	case MsgGetAttr:
		e.str(payload.(GetAttr).Path)

	case MsgAttr:
		m := payload.(Attr)
		e.attrs(m.Attrs)
		e.i64(int64(m.TTL))

	case MsgReadChunk:
		m := payload.(ReadChunk)
		e.str(m.Path)
		e.i64(m.ChunkIndex)

	case MsgChunkData:
		m := payload.(ChunkData)
		e.bytes(m.Bytes)
		e.buf.Write(m.Digest[:])

	case MsgAcquireLease:
		m := payload.(AcquireLease)
		e.str(m.Path)
		e.byteVal(byte(m.Kind))
		e.str(m.ClientID)

	case MsgLeaseGranted:
		m := payload.(LeaseGranted)
		e.str(m.Token)
		e.time(m.ExpiresAt)

	case MsgLeaseDenied:
		e.str(payload.(LeaseDenied).HolderID)

	case MsgRenewLease:
		m := payload.(RenewLease)
		e.str(m.Path)
		e.str(m.Token)

	case MsgReleaseLease:
		m := payload.(ReleaseLease)
		e.str(m.Path)
		e.str(m.Token)

	case MsgWriteChunk:
		m := payload.(WriteChunk)
		e.str(m.Path)
		e.i64(m.ByteOffset)
		e.bytes(m.Bytes)
		e.str(m.LeaseToken)

	case MsgWriteAck:
		m := payload.(WriteAck)
		e.i64(m.BytesWritten)
		e.i64(m.NewFileSize)

	case MsgCreate:
		m := payload.(Create)
		e.str(m.Parent)
		e.str(m.Name)
		e.byteVal(byte(m.Kind))
		e.u32(m.Mode)
		e.str(m.LeaseToken)

	case MsgRemove:
		m := payload.(Remove)
		e.str(m.Parent)
		e.str(m.Name)
		e.str(m.LeaseToken)

	case MsgRename:
		m := payload.(Rename)
		e.str(m.OldParent)
		e.str(m.OldName)
		e.str(m.NewParent)
		e.str(m.NewName)
		e.str(m.LeaseToken)

	case MsgTruncate:
		m := payload.(Truncate)
		e.str(m.Path)
		e.i64(m.NewSize)
		e.str(m.LeaseToken)

	case MsgInvalidate:
		e.strSlice(payload.(Invalidate).Paths)

	case MsgPing:
		e.time(payload.(Ping).Timestamp)

	case MsgPong:
		e.time(payload.(Pong).Timestamp)

	case MsgError:
		m := payload.(Error)
		e.str(m.Kind)
		e.str(m.Message)

	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}

	return e.buf.Bytes(), nil
}

func decodeBody(typ MessageType, body []byte) (interface{}, error) {
	d := &decoder{buf: body}

	var out interface{}
	switch typ {
	case MsgHello:
		out = Hello{ProtocolVersion: d.u32(), ClientID: d.str(), Capabilities: d.strSlice()}

	case MsgWelcome:
		out = Welcome{
			ProtocolVersion: d.u32(),
			ShareName:       d.str(),
			RootInode:       d.u64(),
			Capabilities:    d.strSlice(),
		}

	case MsgListDir:
		out = ListDir{Path: d.str()}

	case MsgDirEntries:
		n := d.u32()
		entries := make([]DirEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			name := d.str()
			kind := EntryKind(d.byteVal())
			attrs := d.attrs()
			entries = append(entries, DirEntry{Name: name, Kind: kind, Attrs: attrs})
		}
		out = DirEntries{Entries: entries}

	case MsgGetAttr:
		out = GetAttr{Path: d.str()}

	case MsgAttr:
		attrs := d.attrs()
		ttl := d.i64()
		out = Attr{Attrs: attrs, TTL: time.Duration(ttl)}

	case MsgReadChunk:
		out = ReadChunk{Path: d.str(), ChunkIndex: d.i64()}

	case MsgChunkData:
		data := d.bytes()
		var digest [32]byte
		db := d.need(32)
		copy(digest[:], db)
		out = ChunkData{Bytes: data, Digest: digest}

	case MsgAcquireLease:
		out = AcquireLease{Path: d.str(), Kind: LeaseKind(d.byteVal()), ClientID: d.str()}

	case MsgLeaseGranted:
		out = LeaseGranted{Token: d.str(), ExpiresAt: d.time()}

	case MsgLeaseDenied:
		out = LeaseDenied{HolderID: d.str()}

	case MsgRenewLease:
		out = RenewLease{Path: d.str(), Token: d.str()}

	case MsgReleaseLease:
		out = ReleaseLease{Path: d.str(), Token: d.str()}

	case MsgWriteChunk:
		out = WriteChunk{Path: d.str(), ByteOffset: d.i64(), Bytes: d.bytes(), LeaseToken: d.str()}

	case MsgWriteAck:
		out = WriteAck{BytesWritten: d.i64(), NewFileSize: d.i64()}

	case MsgCreate:
		out = Create{
			Parent:     d.str(),
			Name:       d.str(),
			Kind:       EntryKind(d.byteVal()),
			Mode:       d.u32(),
			LeaseToken: d.str(),
		}

	case MsgRemove:
		out = Remove{Parent: d.str(), Name: d.str(), LeaseToken: d.str()}

	case MsgRename:
		out = Rename{
			OldParent:  d.str(),
			OldName:    d.str(),
			NewParent:  d.str(),
			NewName:    d.str(),
			LeaseToken: d.str(),
		}

	case MsgTruncate:
		out = Truncate{Path: d.str(), NewSize: d.i64(), LeaseToken: d.str()}

	case MsgInvalidate:
		out = Invalidate{Paths: d.strSlice()}

	case MsgPing:
		out = Ping{Timestamp: d.time()}

	case MsgPong:
		out = Pong{Timestamp: d.time()}

	case MsgError:
		out = Error{Kind: d.str(), Message: d.str()}

	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}

	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}
