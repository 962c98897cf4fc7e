//go:build !cgofuse
// +build !cgofuse

package vfs

import (
	"context"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// FileSystem is the go-fuse-facing root of the mounted tree. It holds
// no logic of its own beyond routing callbacks to the Bridge, mirroring
// the teacher's own split between a thin `fs.Inode`-embedding shell and
// its backend-facing core.
type FileSystem struct {
	fs.Inode
	bridge *Bridge
}

// NewFileSystem wraps an already-constructed Bridge for mounting.
func NewFileSystem(bridge *Bridge) *FileSystem {
	return &FileSystem{bridge: bridge}
}

// Root returns the root inode, matching go-fuse's fs.InodeEmbedder.
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{bridge: f.bridge, path: "/"}
}

// DirectoryNode represents one directory in the mounted tree.
type DirectoryNode struct {
	fs.Inode
	bridge *Bridge
	path   string
}

func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var wfErr *wormholeerr.Error
	if e, ok := err.(*wormholeerr.Error); ok {
		wfErr = e
		return syscall.Errno(wormholeerr.ToErrno(wfErr.Kind))
	}
	return syscall.EIO
}

func attrsToFuse(attrs wire.Attrs, out *fuse.AttrOut) {
	out.Size = uint64max(attrs.Size)
	out.Mode = attrs.Mode
	out.Uid = attrs.UID
	out.Gid = attrs.GID
	out.Mtime = uint64(attrs.ModTime.Unix())
	out.Atime = uint64(attrs.AccessTime.Unix())
	out.Ctime = uint64(attrs.CreateTime.Unix())
}

func uint64max(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func (n *DirectoryNode) joinPath(name string) string {
	if n.path == "" || n.path == "/" {
		return "/" + name
	}
	return strings.TrimRight(n.path, "/") + "/" + name
}

// Lookup resolves a child by name (spec.md §4.8's lookup).
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.joinPath(name)

	attrs, err := n.bridge.GetAttr(ctx, childPath)
	if err != nil {
		return nil, errnoFor(err)
	}

	attrsToFuse(attrs, &out.Attr)
	out.SetEntryTimeout(n.bridge.attrTTL)
	out.SetAttrTimeout(n.bridge.attrTTL)

	if attrs.Kind == wire.KindDir {
		child := &DirectoryNode{bridge: n.bridge, path: childPath}
		return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
	}
	child := &FileNode{bridge: n.bridge, path: childPath}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), 0
}

// Getattr returns the directory's own attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attrs, err := n.bridge.GetAttr(ctx, n.path)
	if err != nil {
		return errnoFor(err)
	}
	attrsToFuse(attrs, out)
	return 0
}

// Readdir lists the directory's entries (spec.md §4.8's readdir).
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.bridge.ReadDir(ctx, n.path)
	if err != nil {
		return nil, errnoFor(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == wire.KindDir {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Mkdir creates a subdirectory (spec.md §4.8's create, directory kind).
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attrs, err := n.bridge.Create(ctx, n.path, name, wire.KindDir, mode)
	if err != nil {
		return nil, errnoFor(err)
	}
	attrsToFuse(attrs, &out.Attr)
	child := &DirectoryNode{bridge: n.bridge, path: n.joinPath(name)}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
}

// Create creates and opens a new regular file.
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	attrs, err := n.bridge.Create(ctx, n.path, name, wire.KindFile, mode)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	attrsToFuse(attrs, &out.Attr)

	childPath := n.joinPath(name)
	child := &FileNode{bridge: n.bridge, path: childPath}
	inode := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG})

	n.bridge.Open(childPath)
	return inode, &FileHandle{bridge: n.bridge, path: childPath}, 0, 0
}

// Unlink removes a file (spec.md §4.8's unlink/rmdir).
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.bridge.Remove(ctx, n.path, name))
}

// Rmdir removes a subdirectory; the wire protocol does not distinguish
// unlink from rmdir (spec.md §6), so both route through Bridge.Remove.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.bridge.Remove(ctx, n.path, name))
}

// Rename moves name from this directory into newParent under newName.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newDir, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EINVAL
	}
	return errnoFor(n.bridge.Rename(ctx, n.path, name, newDir.path, newName))
}

// FileNode represents one regular file in the mounted tree.
type FileNode struct {
	fs.Inode
	bridge *Bridge
	path   string
}

// Open allocates governor state for this handle (spec.md §4.8's open).
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f.bridge.Open(f.path)
	return &FileHandle{bridge: f.bridge, path: f.path}, 0, 0
}

// Getattr returns the file's attributes.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attrs, err := f.bridge.GetAttr(ctx, f.path)
	if err != nil {
		return errnoFor(err)
	}
	attrsToFuse(attrs, out)
	return 0
}

// Setattr handles attribute changes; a size change is a truncate
// (spec.md §4.8's setattr rule).
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := f.bridge.Truncate(ctx, f.path, int64(size)); err != nil {
			return errnoFor(err)
		}
	}
	attrs, err := f.bridge.GetAttr(ctx, f.path)
	if err != nil {
		return errnoFor(err)
	}
	attrsToFuse(attrs, out)
	return 0
}

// FileHandle is the per-open-file object go-fuse dispatches
// read/write/flush/release calls to.
type FileHandle struct {
	bridge *Bridge
	path   string
}

// Read services a kernel read by decomposing into chunk fetches
// (spec.md §4.8's read).
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := h.bridge.Read(ctx, h.path, off, int64(len(dest)))
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write services a kernel write via the bridge's read-modify-write path
// (spec.md §4.8's write).
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.bridge.Write(ctx, h.path, off, data)
	if err != nil {
		return 0, errnoFor(err)
	}
	return uint32(n), 0
}

// Flush requests a high-priority drain and lease release
// (spec.md §4.8's fsync/flush/release).
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return errnoFor(h.bridge.Flush(ctx, h.path))
}

// Fsync is equivalent to Flush at this layer: both drain dirty chunks
// for the path.
func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

// Release tears down per-handle governor state and performs a final
// flush of any still-dirty chunks.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	h.bridge.Close(h.path)
	return h.Flush(ctx)
}
