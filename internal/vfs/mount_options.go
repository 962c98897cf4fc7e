package vfs

import "time"

// MountOptions configures the FUSE mount itself, distinct from the
// Bridge's backend-facing configuration. Shared between the go-fuse
// (Linux) and cgofuse (darwin/windows) mount paths; AttrTimeout and
// EntryTimeout are ignored by the cgofuse path, which has no separate
// entry-cache knob.
type MountOptions struct {
	ReadOnly     bool
	AllowOther   bool
	Debug        bool
	FSName       string
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

func defaultMountOptions() *MountOptions {
	return &MountOptions{
		FSName:       "wormhole",
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
	}
}
