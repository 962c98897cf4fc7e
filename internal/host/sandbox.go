// Package host implements the host-side share (spec.md §4.10, H1-H6):
// a path sandbox, metadata/read/write servers over a local directory,
// and the invalidation bus that fans out change notices to connected
// clients. The lock manager (H4) lives in internal/lock.
package host

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// Sandbox canonicalizes inbound paths relative to a shared root and
// rejects any that would escape it, following the same
// clean-then-verify-prefix guard the disk tier uses for its own index
// file path (internal/cache/disktier.go's loadIndex/saveIndex).
type Sandbox struct {
	root string
}

// NewSandbox resolves root to an absolute, symlink-free path so every
// subsequent Resolve call compares against a stable prefix.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the sandbox's canonical root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve joins path onto the shared root, canonicalizes it (following
// any symbolic links on the existing portion of the path), and
// verifies the result still begins with the root. Any `..` escape or
// a symbolic-link target outside the root is rejected with PathEscape
// (spec.md §4.10's "path sandbox").
func (s *Sandbox) Resolve(path string) (string, error) {
	joined := filepath.Join(s.root, filepath.Clean("/"+path))
	if !strings.HasPrefix(joined, s.root) {
		return "", escapeErr(path)
	}

	resolved, err := resolveExisting(joined)
	if err != nil {
		return "", err
	}
	if !withinRoot(resolved, s.root) {
		return "", escapeErr(path)
	}
	return resolved, nil
}

// ResolveForCreate is like Resolve but tolerates a final path component
// that does not yet exist (e.g. the target of a Create or the new name
// of a Rename): it resolves the parent directory and rejoins the leaf.
func (s *Sandbox) ResolveForCreate(parent, name string) (string, error) {
	parentPath, err := s.Resolve(parent)
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return "", escapeErr(filepath.Join(parent, name))
	}
	return filepath.Join(parentPath, name), nil
}

func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", err
	}
	return resolved, nil
}

func withinRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func escapeErr(path string) error {
	return wormholeerr.New(wormholeerr.PathEscape, "path escapes shared root").
		WithComponent("host").
		WithDetail("path", path)
}
