// Package wire implements the length-prefixed binary protocol spoken
// between the client and host processes (spec.md §6): message framing,
// the message catalogue, and a codec between Go structs and bytes.
package wire

import "time"

// MessageType identifies the wire message catalogue from spec.md §6.
type MessageType byte

const (
	MsgHello MessageType = iota + 1
	MsgWelcome
	MsgListDir
	MsgDirEntries
	MsgGetAttr
	MsgAttr
	MsgReadChunk
	MsgChunkData
	MsgAcquireLease
	MsgLeaseGranted
	MsgLeaseDenied
	MsgRenewLease
	MsgReleaseLease
	MsgWriteChunk
	MsgWriteAck
	MsgCreate
	MsgRemove
	MsgRename
	MsgTruncate
	MsgInvalidate
	MsgPing
	MsgPong
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgWelcome:
		return "Welcome"
	case MsgListDir:
		return "ListDir"
	case MsgDirEntries:
		return "DirEntries"
	case MsgGetAttr:
		return "GetAttr"
	case MsgAttr:
		return "Attr"
	case MsgReadChunk:
		return "ReadChunk"
	case MsgChunkData:
		return "ChunkData"
	case MsgAcquireLease:
		return "AcquireLease"
	case MsgLeaseGranted:
		return "LeaseGranted"
	case MsgLeaseDenied:
		return "LeaseDenied"
	case MsgRenewLease:
		return "RenewLease"
	case MsgReleaseLease:
		return "ReleaseLease"
	case MsgWriteChunk:
		return "WriteChunk"
	case MsgWriteAck:
		return "WriteAck"
	case MsgCreate:
		return "Create"
	case MsgRemove:
		return "Remove"
	case MsgRename:
		return "Rename"
	case MsgTruncate:
		return "Truncate"
	case MsgInvalidate:
		return "Invalidate"
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgError:
		return "Error"
	default:
		return "Unknown"
	}
}

// EntryKind distinguishes directory entries and file attributes; the
// host skips symbolic links outbound (spec.md §3).
type EntryKind byte

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

// LeaseKind selects the kind of lease AcquireLease requests. Only
// LeaseExclusive is granted today; LeaseShared is accepted by the
// codec but rejected by the lock manager (DESIGN.md's Open Question
// decision) so the wire format doesn't need to change if shared
// leases are implemented later.
type LeaseKind byte

const (
	LeaseExclusive LeaseKind = iota
	LeaseShared
)

// MaxPayload is the DoS bound from spec.md §6: one chunk plus headroom.
const MaxPayload = 10 * 1024 * 1024

// Attrs is the file attribute record from spec.md §3.
type Attrs struct {
	Size       int64
	ModTime    time.Time
	CreateTime time.Time
	AccessTime time.Time
	Mode       uint32
	UID        uint32
	GID        uint32
	Kind       EntryKind
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name  string
	Kind  EntryKind
	Attrs Attrs
}

// Hello is the client's connection handshake.
type Hello struct {
	ProtocolVersion uint32
	ClientID        string
	Capabilities    []string
}

// Welcome is the host's handshake reply.
type Welcome struct {
	ProtocolVersion uint32
	ShareName       string
	RootInode       uint64
	Capabilities    []string
}

// ListDir requests the entries of path.
type ListDir struct {
	Path string
}

// DirEntries answers ListDir.
type DirEntries struct {
	Entries []DirEntry
}

// GetAttr requests the attributes of path.
type GetAttr struct {
	Path string
}

// Attr answers GetAttr, carrying a freshness TTL (spec.md §3).
type Attr struct {
	Attrs Attrs
	TTL   time.Duration
}

// ReadChunk requests one fixed-size chunk of path.
type ReadChunk struct {
	Path       string
	ChunkIndex int64
}

// ChunkData answers ReadChunk with the bytes and their content digest.
type ChunkData struct {
	Bytes  []byte
	Digest [32]byte
}

// AcquireLease requests an exclusive write lease on path.
type AcquireLease struct {
	Path     string
	Kind     LeaseKind
	ClientID string
}

// LeaseGranted answers AcquireLease on success.
type LeaseGranted struct {
	Token     string
	ExpiresAt time.Time
}

// LeaseDenied answers AcquireLease on contention.
type LeaseDenied struct {
	HolderID string
}

// RenewLease extends the TTL of a held lease.
type RenewLease struct {
	Path  string
	Token string
}

// ReleaseLease voluntarily gives up a held lease.
type ReleaseLease struct {
	Path  string
	Token string
}

// WriteChunk writes a byte range under a valid lease.
type WriteChunk struct {
	Path       string
	ByteOffset int64
	Bytes      []byte
	LeaseToken string
}

// WriteAck answers WriteChunk (and Truncate).
type WriteAck struct {
	BytesWritten int64
	NewFileSize  int64
}

// Create creates a new directory entry under parent.
type Create struct {
	Parent     string
	Name       string
	Kind       EntryKind
	Mode       uint32
	LeaseToken string
}

// Remove deletes a directory entry under parent.
type Remove struct {
	Parent     string
	Name       string
	LeaseToken string
}

// Rename moves a directory entry.
type Rename struct {
	OldParent  string
	OldName    string
	NewParent  string
	NewName    string
	LeaseToken string
}

// Truncate changes a file's size under a valid lease.
type Truncate struct {
	Path       string
	NewSize    int64
	LeaseToken string
}

// Invalidate tells a client to drop cached chunks for the given paths.
type Invalidate struct {
	Paths []string
}

// Ping/Pong carry a round-trip timestamp for heartbeats (spec.md §6).
type Ping struct {
	Timestamp time.Time
}

// Pong answers Ping.
type Pong struct {
	Timestamp time.Time
}

// Error carries a structured failure, either solicited (as a reply) or
// unsolicited (connection teardown notice). Kind is the wire spelling
// of a wormholeerr.Kind (e.g. "NOT_FOUND"); keeping it a string instead
// of a numeric code means the codec never needs updating when the
// kind set grows.
type Error struct {
	Kind    string
	Message string
}
