package host

import (
	"os"
	"strings"

	"github.com/wormhole-fs/wormhole/internal/config"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// MetadataServer answers GetAttr/ListDir against the shared directory
// (spec.md §4.10's H2).
type MetadataServer struct {
	sandbox *Sandbox
	cfg     config.HostConfig
	log     *logging.Logger
}

// NewMetadataServer constructs a MetadataServer over sandbox.
func NewMetadataServer(sandbox *Sandbox, cfg config.HostConfig) *MetadataServer {
	return &MetadataServer{sandbox: sandbox, cfg: cfg, log: logging.New("host.metadata")}
}

// GetAttr resolves path and returns its attributes.
func (m *MetadataServer) GetAttr(path string) (wire.Attrs, error) {
	real, err := m.sandbox.Resolve(path)
	if err != nil {
		return wire.Attrs{}, err
	}
	info, err := os.Lstat(real)
	if err != nil {
		return wire.Attrs{}, statErr(path, err)
	}
	return attrsFromInfo(info), nil
}

// ListDir lists path's entries, excluding symbolic links and
// configured hidden-file prefixes (spec.md §4.10's H2 "excluding
// symbolic links and platform-convention hidden entries").
func (m *MetadataServer) ListDir(path string) ([]wire.DirEntry, error) {
	real, err := m.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, statErr(path, err)
	}
	if !info.IsDir() {
		return nil, wormholeerr.New(wormholeerr.NotDirectory, "not a directory").WithComponent("host").WithDetail("path", path)
	}

	entries, err := os.ReadDir(real)
	if err != nil {
		return nil, statErr(path, err)
	}

	out := make([]wire.DirEntry, 0, len(entries))
	for _, entry := range entries {
		if m.hidden(entry.Name()) {
			continue
		}
		childInfo, err := entry.Info()
		if err != nil {
			continue // entry vanished between readdir and stat; skip rather than fail the whole listing
		}
		if m.cfg.HideSymlinks && childInfo.Mode()&os.ModeSymlink != 0 {
			continue
		}
		out = append(out, wire.DirEntry{
			Name:  entry.Name(),
			Kind:  kindFromInfo(childInfo),
			Attrs: attrsFromInfo(childInfo),
		})
	}
	return out, nil
}

func (m *MetadataServer) hidden(name string) bool {
	for _, prefix := range m.cfg.HiddenPrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func kindFromInfo(info os.FileInfo) wire.EntryKind {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return wire.KindSymlink
	case info.IsDir():
		return wire.KindDir
	default:
		return wire.KindFile
	}
}

// attrsFromInfo converts an os.FileInfo into the wire attribute record.
// The standard library does not expose creation/access time portably
// without a platform-specific syscall.Stat_t assertion, so both
// fields are approximated from ModTime; this is adequate for the
// freshness-cache semantics the VFS bridge uses them for (spec.md §3).
func attrsFromInfo(info os.FileInfo) wire.Attrs {
	return wire.Attrs{
		Size:       info.Size(),
		ModTime:    info.ModTime(),
		CreateTime: info.ModTime(),
		AccessTime: info.ModTime(),
		Mode:       uint32(info.Mode().Perm()),
		Kind:       kindFromInfo(info),
	}
}

func statErr(path string, err error) error {
	if os.IsNotExist(err) {
		return wormholeerr.New(wormholeerr.NotFound, "no such file or directory").WithComponent("host").WithDetail("path", path)
	}
	if os.IsPermission(err) {
		return wormholeerr.New(wormholeerr.PermissionDenied, "permission denied").WithComponent("host").WithDetail("path", path)
	}
	return wormholeerr.New(wormholeerr.NotFound, err.Error()).WithComponent("host").WithDetail("path", path)
}
