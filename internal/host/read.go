package host

import (
	"io"
	"os"

	"github.com/wormhole-fs/wormhole/internal/logging"
	"github.com/wormhole-fs/wormhole/pkg/chunk"
	"github.com/wormhole-fs/wormhole/pkg/wormholeerr"
)

// ReadServer serves chunk-aligned byte ranges from the shared directory
// (spec.md §4.10's H3). Reads are idempotent and require no lease.
type ReadServer struct {
	sandbox *Sandbox
	log     *logging.Logger
}

// NewReadServer constructs a ReadServer over sandbox.
func NewReadServer(sandbox *Sandbox) *ReadServer {
	return &ReadServer{sandbox: sandbox, log: logging.New("host.read")}
}

// ReadChunk seeks to chunk index's byte offset and returns up to
// chunk.Size bytes (short at EOF) along with their content digest
// (spec.md §4.10's H3: "computes and attaches the content digest of
// the returned bytes").
func (r *ReadServer) ReadChunk(path string, index int64) ([]byte, chunk.Digest, error) {
	if index < 0 {
		return nil, chunk.Digest{}, wormholeerr.New(wormholeerr.ProtocolViolation, "negative chunk index").WithComponent("host")
	}

	real, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, chunk.Digest{}, err
	}

	f, err := os.Open(real)
	if err != nil {
		return nil, chunk.Digest{}, statErr(path, err)
	}
	defer func() { _ = f.Close() }()

	offset := chunk.OffsetForIndex(index)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, chunk.Digest{}, wormholeerr.New(wormholeerr.NotFound, err.Error()).WithComponent("host")
	}

	buf := make([]byte, chunk.Size)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, chunk.Digest{}, wormholeerr.New(wormholeerr.NotFound, err.Error()).WithComponent("host")
	}

	data := buf[:n]
	return data, chunk.Sum(data), nil
}
