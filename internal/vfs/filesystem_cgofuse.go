//go:build cgofuse
// +build cgofuse

// The cgofuse path serves darwin and windows builds, where go-fuse's
// kernel driver isn't available. It implements the same FUSE callback
// surface as filesystem.go but through winfsp/cgofuse's libfuse
// binding, grounded on the teacher's internal/fuse/cgofuse_filesystem.go
// (CgoFuseFS) with every S3-backend call replaced by the equivalent
// Bridge call.
package vfs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// FileSystem adapts a Bridge to cgofuse's fuse.FileSystemInterface.
// Unlike the go-fuse path there is no separate per-node inode type:
// cgofuse dispatches every callback by path string, so FileSystem
// tracks open handles itself and hands every other call straight to
// the Bridge.
type FileSystem struct {
	fuse.FileSystemBase

	bridge *Bridge

	mu         sync.Mutex
	openPaths  map[uint64]string
	nextHandle uint64
}

// NewFileSystem wraps an already-constructed Bridge for mounting.
func NewFileSystem(bridge *Bridge) *FileSystem {
	return &FileSystem{
		bridge:     bridge,
		openPaths:  make(map[uint64]string),
		nextHandle: 1,
	}
}

func errnoFromFuse(err error) int {
	if err == nil {
		return 0
	}
	if wfErr, ok := err.(*wormholeerr.Error); ok {
		return -int(wormholeerr.ToErrno(wfErr.Kind))
	}
	return -fuse.EIO
}

func attrsToStat(attrs wire.Attrs, stat *fuse.Stat_t) {
	stat.Size = attrs.Size
	perm := attrs.Mode & 0777
	if attrs.Kind == wire.KindDir {
		stat.Mode = fuse.S_IFDIR | perm
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | perm
		stat.Nlink = 1
	}
	stat.Uid = attrs.UID
	stat.Gid = attrs.GID
	stat.Mtim.Sec = attrs.ModTime.Unix()
	stat.Atim.Sec = attrs.AccessTime.Unix()
	stat.Ctim.Sec = attrs.CreateTime.Unix()
}

// Getattr services stat(2) (spec.md §4.8's getattr).
func (f *FileSystem) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	if path == "/" {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Nlink = 2
		return 0
	}
	attrs, err := f.bridge.GetAttr(context.Background(), path)
	if err != nil {
		return errnoFromFuse(err)
	}
	attrsToStat(attrs, stat)
	return 0
}

// Open allocates governor state for path and returns a new handle
// recorded in openPaths; Release removes it again. The other callbacks
// work from their path argument, not the handle.
func (f *FileSystem) Open(path string, flags int) (int, uint64) {
	f.bridge.Open(path)

	f.mu.Lock()
	handle := f.nextHandle
	f.nextHandle++
	f.openPaths[handle] = path
	f.mu.Unlock()

	return 0, handle
}

// Create makes a new regular file and opens it in one step.
func (f *FileSystem) Create(path string, flags int, mode uint32) (int, uint64) {
	parent, name := splitPath(path)
	if _, err := f.bridge.Create(context.Background(), parent, name, wire.KindFile, mode); err != nil {
		return errnoFromFuse(err), 0
	}
	return f.Open(path, flags)
}

// Mkdir creates a subdirectory.
func (f *FileSystem) Mkdir(path string, mode uint32) int {
	parent, name := splitPath(path)
	_, err := f.bridge.Create(context.Background(), parent, name, wire.KindDir, mode)
	return errnoFromFuse(err)
}

// Read services a kernel read by decomposing into chunk fetches.
func (f *FileSystem) Read(path string, buff []byte, ofst int64, fh uint64) int {
	data, err := f.bridge.Read(context.Background(), path, ofst, int64(len(buff)))
	if err != nil {
		return errnoFromFuse(err)
	}
	copy(buff, data)
	return len(data)
}

// Write services a kernel write via the bridge's read-modify-write path.
func (f *FileSystem) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := f.bridge.Write(context.Background(), path, ofst, buff)
	if err != nil {
		return errnoFromFuse(err)
	}
	return n
}

// Truncate resizes path, matching the go-fuse path's Setattr-size rule.
func (f *FileSystem) Truncate(path string, size int64, fh uint64) int {
	return errnoFromFuse(f.bridge.Truncate(context.Background(), path, size))
}

// Unlink removes a file; the wire protocol does not distinguish unlink
// from rmdir (spec.md §6), so both route through Bridge.Remove.
func (f *FileSystem) Unlink(path string) int {
	parent, name := splitPath(path)
	return errnoFromFuse(f.bridge.Remove(context.Background(), parent, name))
}

// Rmdir removes a subdirectory.
func (f *FileSystem) Rmdir(path string) int {
	parent, name := splitPath(path)
	return errnoFromFuse(f.bridge.Remove(context.Background(), parent, name))
}

// Rename moves oldpath to newpath.
func (f *FileSystem) Rename(oldpath string, newpath string) int {
	oldParent, oldName := splitPath(oldpath)
	newParent, newName := splitPath(newpath)
	return errnoFromFuse(f.bridge.Rename(context.Background(), oldParent, oldName, newParent, newName))
}

// Flush requests a drain of the dirty set (every dirty chunk, not only
// path's) and releases path's lease, via Bridge.Flush.
func (f *FileSystem) Flush(path string, fh uint64) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errnoFromFuse(f.bridge.Flush(ctx, path))
}

// Fsync is equivalent to Flush at this layer.
func (f *FileSystem) Fsync(path string, datasync bool, fh uint64) int {
	return f.Flush(path, fh)
}

// Release tears down per-handle governor state and performs a final
// flush of any still-dirty chunks.
func (f *FileSystem) Release(path string, fh uint64) int {
	f.mu.Lock()
	delete(f.openPaths, fh)
	f.mu.Unlock()

	f.bridge.Close(path)
	return f.Flush(path, fh)
}

// Readdir lists path's entries (spec.md §4.8's readdir).
func (f *FileSystem) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	fill(".", nil, 0)
	fill("..", nil, 0)

	entries, err := f.bridge.ReadDir(context.Background(), path)
	if err != nil {
		return errnoFromFuse(err)
	}
	for _, e := range entries {
		stat := &fuse.Stat_t{}
		attrsToStat(e.Attrs, stat)
		if !fill(e.Name, stat, 0) {
			break
		}
	}
	return 0
}

func splitPath(path string) (parent, name string) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/", strings.TrimPrefix(trimmed, "/")
	}
	return trimmed[:idx], trimmed[idx+1:]
}
