// Package chunk defines the chunk address space shared by the cache,
// transfer, and sync layers: a fixed chunk size and the (path, index)
// address that identifies a chunk of a file.
package chunk

import (
	"crypto/sha256"
	"fmt"
)

// Size is the fixed chunk size in bytes. Every file is split into
// contiguous, non-overlapping chunks of this size; the final chunk of a
// file may be shorter.
const Size = 131072 // 128 KiB

// Digest is a fixed-width cryptographic digest of chunk content, used
// for content-addressed dedup in the disk tier and integrity
// verification on receipt over the wire.
type Digest [sha256.Size]byte

// Sum computes the digest of a chunk's bytes.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// String renders the digest as the hex string used for disk-tier
// filenames and wire logging.
func (d Digest) String() string {
	return fmt.Sprintf("%x", [sha256.Size]byte(d))
}

// Addr identifies one chunk of one file: the file's path and the
// zero-based chunk index within it. Two chunks at different paths or
// different indices are always distinct, even if their content is
// identical — content-addressed dedup happens only inside the disk
// tier, never at the addressing layer.
type Addr struct {
	Path  string
	Index int64
}

// String renders an address for logging and map keys where a struct key
// isn't convenient (e.g. disk-tier index entries keyed by string).
func (a Addr) String() string {
	return fmt.Sprintf("%s#%d", a.Path, a.Index)
}

// IndexForOffset returns the chunk index containing byte offset off.
func IndexForOffset(off int64) int64 {
	return off / Size
}

// OffsetForIndex returns the byte offset at which chunk index begins.
func OffsetForIndex(index int64) int64 {
	return index * Size
}

// CountForSize returns the number of chunks (including a possibly
// partial final chunk) needed to hold size bytes. A zero-byte file
// still has zero chunks.
func CountForSize(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + Size - 1) / Size
}

// LengthAt returns the length in bytes of the chunk at index, given the
// total file size — Size for every chunk except a possibly shorter
// final chunk.
func LengthAt(index, fileSize int64) int64 {
	start := OffsetForIndex(index)
	if start >= fileSize {
		return 0
	}
	remaining := fileSize - start
	if remaining > Size {
		return Size
	}
	return remaining
}
