package cache

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wormhole-fs/wormhole/pkg/chunk"
)

// DiskTierConfig bounds the on-disk tier.
type DiskTierConfig struct {
	Directory       string
	MaxBytes        int64
	Compression     bool
	IndexFile       string
	CleanupInterval time.Duration
	SyncInterval    time.Duration
}

// diskIndexEntry maps one chunk address to the content digest holding
// its data. Several addresses can share one digest (content-addressed
// dedup) — the content file itself is only removed once its last
// referencing index entry is gone.
type diskIndexEntry struct {
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"access_time"`
	Compressed bool      `json:"compressed"`
}

// DiskTier is a bounded, content-addressed on-disk cache of chunk
// buffers (spec.md C3). Chunks are stored under a two-level hex
// fan-out directory named by their content digest so identical chunks
// across different files or offsets are stored exactly once.
type DiskTier struct {
	mu          sync.RWMutex
	directory   string
	maxSize     int64
	compression bool
	currentSize int64

	index       map[chunk.Addr]*diskIndexEntry
	contentRefs map[string]int // digest hex -> number of index entries referencing it

	indexFile       string
	cleanupInterval time.Duration
	syncInterval    time.Duration

	stopCh chan struct{}
	closed bool
}

// NewDiskTier creates a DiskTier rooted at config.Directory, loading
// any existing index found there.
func NewDiskTier(config DiskTierConfig) (*DiskTier, error) {
	if config.IndexFile == "" {
		config.IndexFile = "cache-index.json"
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = time.Minute
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 10 * 1024 * 1024 * 1024
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, fmt.Errorf("failed to create disk tier directory: %w", err)
	}

	d := &DiskTier{
		directory:       config.Directory,
		maxSize:         config.MaxBytes,
		compression:     config.Compression,
		index:           make(map[chunk.Addr]*diskIndexEntry),
		contentRefs:     make(map[string]int),
		indexFile:       config.IndexFile,
		cleanupInterval: config.CleanupInterval,
		syncInterval:    config.SyncInterval,
		stopCh:          make(chan struct{}),
	}

	if err := d.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load disk tier index: %w", err)
	}

	go d.syncIndexLoop()

	return d, nil
}

// Get reads and verifies the chunk at addr, returning nil on a miss or
// on integrity failure (in which case the corrupt entry is dropped).
func (d *DiskTier) Get(addr chunk.Addr) []byte {
	d.mu.RLock()
	entry, ok := d.index[addr]
	d.mu.RUnlock()
	if !ok {
		return nil
	}

	data, err := d.readContent(entry)
	if err != nil {
		d.mu.Lock()
		d.removeIndexEntry(addr)
		d.mu.Unlock()
		return nil
	}

	d.mu.Lock()
	entry.AccessTime = time.Now()
	d.mu.Unlock()

	return data
}

// Put writes data for addr to the content-addressed store, evicting
// older entries if the tier is over budget afterward.
func (d *DiskTier) Put(addr chunk.Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	digest := chunk.Sum(data).String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.index[addr]; ok {
		if existing.Digest == digest {
			existing.AccessTime = time.Now()
			return nil
		}
		d.dropContentRef(existing.Digest, existing.Size)
	}

	size, err := d.writeContentIfAbsent(digest, data)
	if err != nil {
		return err
	}

	d.index[addr] = &diskIndexEntry{
		Digest:     digest,
		Size:       size,
		AccessTime: time.Now(),
		Compressed: d.compression,
	}
	if d.contentRefs[digest] == 0 {
		d.currentSize += size
	}
	d.contentRefs[digest]++

	d.evictIfNeeded()
	return nil
}

// Has reports whether addr is resident in the on-disk index.
func (d *DiskTier) Has(addr chunk.Addr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[addr]
	return ok
}

// Invalidate drops the index entry for addr (not necessarily its
// backing content file, which may still be referenced by other paths).
func (d *DiskTier) Invalidate(addr chunk.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeIndexEntry(addr)
}

// Size returns total bytes occupied by distinct content files.
func (d *DiskTier) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentSize
}

// Close stops background goroutines and persists the index.
func (d *DiskTier) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.stopCh)
	return d.saveIndex()
}

func (d *DiskTier) removeIndexEntry(addr chunk.Addr) {
	entry, ok := d.index[addr]
	if !ok {
		return
	}
	delete(d.index, addr)
	d.dropContentRef(entry.Digest, entry.Size)
}

// dropContentRef must be called with d.mu held; it deletes the backing
// file once no index entry references its digest anymore.
func (d *DiskTier) dropContentRef(digest string, size int64) {
	d.contentRefs[digest]--
	if d.contentRefs[digest] <= 0 {
		delete(d.contentRefs, digest)
		d.currentSize -= size
		_ = os.Remove(d.contentPath(digest))
	}
}

// contentPath returns the two-level hex fan-out path for a digest,
// e.g. <dir>/ab/cd/abcd....chunk.
func (d *DiskTier) contentPath(digest string) string {
	if len(digest) < 4 {
		return filepath.Join(d.directory, digest+".chunk")
	}
	return filepath.Join(d.directory, digest[0:2], digest[2:4], digest+".chunk")
}

func (d *DiskTier) writeContentIfAbsent(digest string, data []byte) (int64, error) {
	path := d.contentPath(digest)
	if stat, err := os.Stat(path); err == nil {
		return stat.Size(), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return 0, err
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	var writer io.Writer = file
	var gz *gzip.Writer
	if d.compression {
		gz = gzip.NewWriter(file)
		writer = gz
	}

	if _, err := writer.Write(data); err != nil {
		if gz != nil {
			_ = gz.Close()
		}
		_ = file.Close()
		_ = os.Remove(tmp)
		return 0, err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return int64(len(data)), nil
	}
	return stat.Size(), nil
}

func (d *DiskTier) readContent(entry *diskIndexEntry) ([]byte, error) {
	file, err := os.Open(d.contentPath(entry.Digest))
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if entry.Compressed {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if chunk.Sum(data).String() != entry.Digest {
		return nil, fmt.Errorf("checksum mismatch for cached chunk")
	}

	return data, nil
}

func (d *DiskTier) loadIndex() error {
	indexPath := filepath.Join(d.directory, d.indexFile)
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(d.directory)) {
		return fmt.Errorf("invalid index file path: %s", indexPath)
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var onDisk map[string]*diskIndexEntry
	if err := json.NewDecoder(file).Decode(&onDisk); err != nil {
		return err
	}

	for key, entry := range onDisk {
		addr, ok := parseAddrKey(key)
		if !ok {
			continue
		}
		if _, err := os.Stat(d.contentPath(entry.Digest)); os.IsNotExist(err) {
			continue
		}
		d.index[addr] = entry
		d.contentRefs[entry.Digest]++
	}

	d.currentSize = 0
	for digest := range d.contentRefs {
		if stat, err := os.Stat(d.contentPath(digest)); err == nil {
			d.currentSize += stat.Size()
		}
	}

	return nil
}

func (d *DiskTier) saveIndex() error {
	indexPath := filepath.Join(d.directory, d.indexFile)
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(d.directory)) {
		return fmt.Errorf("invalid index file path: %s", indexPath)
	}

	onDisk := make(map[string]*diskIndexEntry, len(d.index))
	for addr, entry := range d.index {
		onDisk[addrKey(addr)] = entry
	}

	tmp := indexPath + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(onDisk); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, indexPath)
}

// evictIfNeeded must be called with d.mu held; it drops the
// least-recently-accessed index entries until the tier is back within
// its byte budget.
func (d *DiskTier) evictIfNeeded() {
	for d.currentSize > d.maxSize {
		var oldestAddr chunk.Addr
		var oldestTime time.Time
		found := false

		for addr, entry := range d.index {
			if !found || entry.AccessTime.Before(oldestTime) {
				oldestAddr = addr
				oldestTime = entry.AccessTime
				found = true
			}
		}
		if !found {
			break
		}
		d.removeIndexEntry(oldestAddr)
	}
}

func (d *DiskTier) syncIndexLoop() {
	ticker := time.NewTicker(d.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.RLock()
			_ = d.saveIndex()
			d.mu.RUnlock()
		}
	}
}

func addrKey(a chunk.Addr) string {
	return fmt.Sprintf("%s\x00%d", a.Path, a.Index)
}

func parseAddrKey(key string) (chunk.Addr, bool) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return chunk.Addr{}, false
	}
	var index int64
	if _, err := fmt.Sscanf(parts[1], "%d", &index); err != nil {
		return chunk.Addr{}, false
	}
	return chunk.Addr{Path: parts[0], Index: index}, true
}
