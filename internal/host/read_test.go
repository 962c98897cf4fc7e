package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

func newTestReadServer(t *testing.T, root string) *ReadServer {
	t.Helper()
	s, err := NewSandbox(root)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	return NewReadServer(s)
}

func TestReadChunkReturnsFullChunk(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, chunk.Size*2)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(filepath.Join(root, "big.bin"), data, 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	r := newTestReadServer(t, root)
	got, digest, err := r.ReadChunk("/big.bin", 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(got) != chunk.Size {
		t.Fatalf("expected a full chunk, got %d bytes", len(got))
	}
	if digest != chunk.Sum(data[:chunk.Size]) {
		t.Error("expected the returned digest to match the chunk content")
	}
}

func TestReadChunkShortAtEOF(t *testing.T) {
	root := t.TempDir()
	data := []byte("not even close to a full chunk")
	if err := os.WriteFile(filepath.Join(root, "small.bin"), data, 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	r := newTestReadServer(t, root)
	got, digest, err := r.ReadChunk("/small.bin", 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("expected %d bytes (short read at EOF), got %d", len(data), len(got))
	}
	if digest != chunk.Sum(data) {
		t.Error("expected the digest to match the short chunk content")
	}
}

func TestReadChunkPastEOFReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "small.bin"), []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	r := newTestReadServer(t, root)
	got, _, err := r.ReadChunk("/small.bin", 5)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected zero bytes past EOF, got %d", len(got))
	}
}

func TestReadChunkMissingFileFails(t *testing.T) {
	root := t.TempDir()
	r := newTestReadServer(t, root)

	_, _, err := r.ReadChunk("/missing.bin", 0)
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
