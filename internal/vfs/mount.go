//go:build !cgofuse
// +build !cgofuse

// Package vfs's default mount path uses go-fuse/v2, the kernel-level
// FUSE binding the teacher already depends on. Darwin and Windows
// builds (tag cgofuse) use mount_cgofuse.go instead; see
// filesystem_cgofuse.go for that path's callback adapter.
package vfs

import (
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/wormhole-fs/wormhole/internal/logging"
)

// Mounter owns the lifecycle of one FUSE mount, grounded on the
// teacher's MountManager (internal/fuse/mount.go): validate the mount
// point, start the FUSE server, and serve until unmounted.
type Mounter struct {
	root       *FileSystem
	mountPoint string
	options    *MountOptions
	server     *fuse.Server
	log        *logging.Logger
}

// NewMounter constructs a Mounter for root at mountPoint. A nil options
// uses defaultMountOptions.
func NewMounter(root *FileSystem, mountPoint string, options *MountOptions) *Mounter {
	if options == nil {
		options = defaultMountOptions()
	}
	return &Mounter{root: root, mountPoint: mountPoint, options: options, log: logging.New("vfs")}
}

// Mount starts serving the FUSE filesystem in the background.
func (m *Mounter) Mount() error {
	if m.server != nil {
		return fmt.Errorf("vfs: already mounted at %s", m.mountPoint)
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("vfs: invalid mount point: %w", err)
	}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: m.options.AllowOther,
			Debug:      m.options.Debug,
			FsName:     m.options.FSName,
			Name:       m.options.FSName,
		},
		EntryTimeout: &m.options.EntryTimeout,
		AttrTimeout:  &m.options.AttrTimeout,
	}

	server, err := fs.Mount(m.mountPoint, m.root, opts)
	if err != nil {
		return fmt.Errorf("vfs: mount failed: %w", err)
	}
	m.server = server

	m.log.Printf("mounted at %s", m.mountPoint)
	go func() {
		m.server.Wait()
		m.log.Printf("fuse server at %s stopped", m.mountPoint)
	}()
	return nil
}

// Unmount tears down the FUSE mount.
func (m *Mounter) Unmount() error {
	if m.server == nil {
		return fmt.Errorf("vfs: not mounted")
	}
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("vfs: unmount failed: %w", err)
	}
	m.server = nil
	return nil
}

func (m *Mounter) validateMountPoint() error {
	info, err := os.Stat(m.mountPoint)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", m.mountPoint)
	}
	return nil
}
