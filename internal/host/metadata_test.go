package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/wire"
)

func newTestMetadataServer(t *testing.T, root string, cfg config.HostConfig) *MetadataServer {
	t.Helper()
	s, err := NewSandbox(root)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	return NewMetadataServer(s, cfg)
}

func TestMetadataGetAttrReturnsSizeAndKind(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	m := newTestMetadataServer(t, root, config.HostConfig{})

	attrs, err := m.GetAttr("/doc.txt")
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	if attrs.Size != 5 {
		t.Errorf("expected size 5, got %d", attrs.Size)
	}
	if attrs.Kind != wire.KindFile {
		t.Errorf("expected KindFile, got %v", attrs.Kind)
	}
}

func TestMetadataGetAttrMissingPathReturnsNotFound(t *testing.T) {
	root := t.TempDir()
	m := newTestMetadataServer(t, root, config.HostConfig{})

	_, err := m.GetAttr("/missing.txt")
	if err == nil {
		t.Fatal("expected an error for a missing path")
	}
}

func TestMetadataListDirExcludesHiddenPrefixesAndSymlinks(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", ".wormhole-shadow-db"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x"), 0644); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	symlinked := true
	if err := os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")); err != nil {
		symlinked = false
	}

	cfg := config.HostConfig{HideSymlinks: true, HiddenPrefixes: []string{".wormhole-shadow"}}
	m := newTestMetadataServer(t, root, cfg)

	entries, err := m.ListDir("/")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Errorf("expected a.txt and b.txt to be listed, got %v", entries)
	}
	if names[".wormhole-shadow-db"] {
		t.Error("expected the hidden-prefix entry to be excluded")
	}
	if symlinked && names["link.txt"] {
		t.Error("expected the symlink entry to be excluded")
	}
}

func TestMetadataListDirOnFileReturnsNotDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	m := newTestMetadataServer(t, root, config.HostConfig{})

	_, err := m.ListDir("/doc.txt")
	if err == nil {
		t.Fatal("expected ListDir on a file to fail")
	}
}
