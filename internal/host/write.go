package host

import (
	"os"

	"github.com/wormhole-fs/wormhole/internal/lock"
	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/internal/wire"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// WriteServer applies ranged writes and directory-entry mutations
// under a valid lease (spec.md §4.10's H4→H5). Every mutating
// operation checks its lease against the host-side lock.Manager before
// touching the filesystem, and publishes the affected paths to an
// InvalidationBus on success.
type WriteServer struct {
	sandbox *Sandbox
	locks   *lock.Manager
	bus     *InvalidationBus
	log     *logging.Logger
}

// NewWriteServer constructs a WriteServer over sandbox, validating
// leases against locks and publishing change notices to bus.
func NewWriteServer(sandbox *Sandbox, locks *lock.Manager, bus *InvalidationBus) *WriteServer {
	return &WriteServer{sandbox: sandbox, locks: locks, bus: bus, log: logging.New("host.write")}
}

func (w *WriteServer) checkLease(path, token string) error {
	held, ok := w.locks.Holder(path)
	if !ok || held.Token != token {
		return wormholeerr.New(wormholeerr.LeaseDenied, "no valid lease for path").WithComponent("host").WithDetail("path", path)
	}
	return nil
}

// WriteChunk validates the caller's lease, then writes data at
// byteOffset and syncs before acknowledging (spec.md §4.10's H4→H5:
// "seeks, writes, syncs to stable storage"). An invalid lease rejects
// without touching the file.
func (w *WriteServer) WriteChunk(originator, path string, byteOffset int64, data []byte, leaseToken string) (bytesWritten, newSize int64, err error) {
	if err := w.checkLease(path, leaseToken); err != nil {
		return 0, 0, err
	}

	real, err := w.sandbox.Resolve(path)
	if err != nil {
		return 0, 0, err
	}

	f, err := os.OpenFile(real, os.O_WRONLY, 0)
	if err != nil {
		return 0, 0, statErr(path, err)
	}
	defer func() { _ = f.Close() }()

	n, err := f.WriteAt(data, byteOffset)
	if err != nil {
		return 0, 0, wormholeerr.New(wormholeerr.NoSpace, err.Error()).WithComponent("host")
	}
	if err := f.Sync(); err != nil {
		return 0, 0, wormholeerr.New(wormholeerr.NoSpace, err.Error()).WithComponent("host")
	}

	info, err := f.Stat()
	if err != nil {
		return 0, 0, statErr(path, err)
	}

	w.bus.Publish(originator, path)
	return int64(n), info.Size(), nil
}

// Create adds a new directory entry under parent (spec.md §4.10's
// "create/unlink/rename/truncate… require a lease on the parent path").
func (w *WriteServer) Create(originator, parent, name string, kind wire.EntryKind, mode uint32, leaseToken string) (wire.Attrs, error) {
	if err := w.checkLease(parent, leaseToken); err != nil {
		return wire.Attrs{}, err
	}

	real, err := w.sandbox.ResolveForCreate(parent, name)
	if err != nil {
		return wire.Attrs{}, err
	}

	switch kind {
	case wire.KindDir:
		if err := os.Mkdir(real, os.FileMode(mode)|0700); err != nil {
			return wire.Attrs{}, createErr(parent, name, err)
		}
	default:
		f, err := os.OpenFile(real, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode)|0600)
		if err != nil {
			return wire.Attrs{}, createErr(parent, name, err)
		}
		_ = f.Close()
	}

	info, err := os.Lstat(real)
	if err != nil {
		return wire.Attrs{}, statErr(name, err)
	}

	w.bus.Publish(originator, joinPath(parent, name))
	w.bus.Publish(originator, parent)
	return attrsFromInfo(info), nil
}

// Remove deletes a directory entry (unlink or rmdir; the wire protocol
// makes no distinction, spec.md §6). Removing a non-empty directory
// fails with NotEmpty.
func (w *WriteServer) Remove(originator, parent, name, leaseToken string) error {
	if err := w.checkLease(parent, leaseToken); err != nil {
		return err
	}

	real, err := w.sandbox.ResolveForCreate(parent, name)
	if err != nil {
		return err
	}

	if err := os.Remove(real); err != nil {
		if os.IsNotExist(err) {
			return statErr(name, err)
		}
		if isDirNotEmpty(err) {
			return wormholeerr.New(wormholeerr.NotEmpty, "directory not empty").WithComponent("host").WithDetail("path", name)
		}
		return wormholeerr.New(wormholeerr.PermissionDenied, err.Error()).WithComponent("host")
	}

	path := joinPath(parent, name)
	w.bus.Publish(originator, path)
	w.bus.Publish(originator, parent)
	return nil
}

// Rename moves a directory entry, requiring a lease on the source
// parent (spec.md §4.10).
func (w *WriteServer) Rename(originator, oldParent, oldName, newParent, newName, leaseToken string) error {
	if err := w.checkLease(oldParent, leaseToken); err != nil {
		return err
	}

	oldReal, err := w.sandbox.ResolveForCreate(oldParent, oldName)
	if err != nil {
		return err
	}
	newReal, err := w.sandbox.ResolveForCreate(newParent, newName)
	if err != nil {
		return err
	}

	if err := os.Rename(oldReal, newReal); err != nil {
		return wormholeerr.New(wormholeerr.PermissionDenied, err.Error()).WithComponent("host")
	}

	w.bus.Publish(originator, joinPath(oldParent, oldName))
	w.bus.Publish(originator, joinPath(newParent, newName))
	w.bus.Publish(originator, oldParent)
	w.bus.Publish(originator, newParent)
	return nil
}

// Truncate changes path's size under a lease held on path itself.
func (w *WriteServer) Truncate(originator, path string, newSize int64, leaseToken string) error {
	if err := w.checkLease(path, leaseToken); err != nil {
		return err
	}

	real, err := w.sandbox.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Truncate(real, newSize); err != nil {
		return statErr(path, err)
	}

	w.bus.Publish(originator, path)
	return nil
}

func joinPath(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func createErr(parent, name string, err error) error {
	if os.IsExist(err) {
		return wormholeerr.New(wormholeerr.AlreadyExists, "entry already exists").WithComponent("host").WithDetail("path", joinPath(parent, name))
	}
	if os.IsNotExist(err) {
		return wormholeerr.New(wormholeerr.NotFound, "parent does not exist").WithComponent("host").WithDetail("path", parent)
	}
	return wormholeerr.New(wormholeerr.PermissionDenied, err.Error()).WithComponent("host")
}

func isDirNotEmpty(err error) bool {
	pe, ok := err.(*os.PathError)
	if !ok {
		return false
	}
	return pe.Err.Error() == "directory not empty"
}
