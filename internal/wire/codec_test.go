package wire

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: MsgHello, Payload: Hello{ProtocolVersion: 1, ClientID: "c1", Capabilities: []string{"a", "b"}}},
		{Type: MsgWelcome, Payload: Welcome{ProtocolVersion: 1, ShareName: "share", RootInode: 42}},
		{Type: MsgListDir, Payload: ListDir{Path: "/a/b"}},
		{Type: MsgReadChunk, Payload: ReadChunk{Path: "/f", ChunkIndex: 7}},
		{Type: MsgChunkData, Payload: ChunkData{Bytes: []byte("hello"), Digest: [32]byte{1, 2, 3}}},
		{Type: MsgAcquireLease, Payload: AcquireLease{Path: "/f", Kind: LeaseExclusive, ClientID: "c1"}},
		{Type: MsgLeaseGranted, Payload: LeaseGranted{Token: "tok", ExpiresAt: time.Unix(1000, 0).UTC()}},
		{Type: MsgWriteChunk, Payload: WriteChunk{Path: "/f", ByteOffset: 10, Bytes: []byte("xyz"), LeaseToken: "tok"}},
		{Type: MsgTruncate, Payload: Truncate{Path: "/f", NewSize: 100, LeaseToken: "tok"}},
		{Type: MsgInvalidate, Payload: Invalidate{Paths: []string{"/a", "/b"}}},
		{Type: MsgPing, Payload: Ping{Timestamp: time.Unix(500, 0).UTC()}},
		{Type: MsgError, Payload: Error{Kind: "NOT_FOUND", Message: "no such file"}},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, tc); err != nil {
			t.Fatalf("WriteFrame(%s): %v", tc.Type, err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(%s): %v", tc.Type, err)
		}
		if got.Type != tc.Type {
			t.Errorf("Type = %v, want %v", got.Type, tc.Type)
		}
		if !reflect.DeepEqual(got.Payload, tc.Payload) {
			t.Errorf("Payload = %+v, want %+v", got.Payload, tc.Payload)
		}
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	header[0], header[1], header[2], header[3] = 0xff, 0xff, 0xff, 0x7f
	buf.Write(header)

	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestDirEntriesRoundTripPreservesAttrs(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	entries := DirEntries{Entries: []DirEntry{
		{Name: "a.txt", Kind: KindFile, Attrs: Attrs{Size: 1024, ModTime: now, Mode: 0644, UID: 1000, GID: 1000, Kind: KindFile}},
		{Name: "sub", Kind: KindDir, Attrs: Attrs{Size: 0, ModTime: now, Mode: 0755, Kind: KindDir}},
	}}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: MsgDirEntries, Payload: entries}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded := got.Payload.(DirEntries)
	if len(decoded.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(decoded.Entries))
	}
	if decoded.Entries[0].Name != "a.txt" || decoded.Entries[0].Attrs.Size != 1024 {
		t.Errorf("entry 0 = %+v", decoded.Entries[0])
	}
	if !decoded.Entries[0].Attrs.ModTime.Equal(now) {
		t.Errorf("ModTime = %v, want %v", decoded.Entries[0].Attrs.ModTime, now)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	big := make([]byte, MaxPayload+1)
	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Type: MsgChunkData, Payload: ChunkData{Bytes: big}})
	if err == nil {
		t.Fatal("expected error for payload exceeding MaxPayload")
	}
}
