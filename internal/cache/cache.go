// Package cache implements the content-addressed blob cache: a bbolt
// metadata index paired with a fan-out directory of blob files on disk, an
// in-memory running size total, and a periodic eviction loop.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/danielloader/registryproxy/internal/config"
	"github.com/danielloader/registryproxy/internal/proxyerr"
)

var entriesBucket = []byte("entries")

// Entry is the metadata record stored per cached blob, keyed by digest.
type Entry struct {
	Digest       string    `json:"digest"`
	SizeBytes    uint64    `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed_at"`
}

// BlobCache is the on-disk, content-addressed blob store. It is safe for
// concurrent use; the embedded metadata store (bbolt) provides its own
// internal locking and totalSize is guarded by its own RWMutex.
type BlobCache struct {
	dir     string
	maxAge  time.Duration
	maxSize uint64

	db *bolt.DB

	mu        sync.RWMutex
	totalSize uint64

	stop chan struct{}
}

// New opens (creating if necessary) the cache directory and its bbolt
// metadata index under dir/metadata, recomputes totalSize from the index,
// and returns a ready BlobCache. Failure to create the directory or open
// the index is fatal at startup, per the design's "refuse to start" rule.
func New(cfg config.CacheConfig) (*BlobCache, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	dbPath := filepath.Join(cfg.Directory, "metadata")
	db, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache metadata index: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("initializing cache metadata bucket: %w", err)
	}

	c := &BlobCache{
		dir:     cfg.Directory,
		maxAge:  time.Duration(cfg.MaxAgeSeconds) * time.Second,
		maxSize: cfg.MaxSizeBytes,
		db:      db,
		stop:    make(chan struct{}),
	}

	total, err := c.calculateTotalSize()
	if err != nil {
		return nil, err
	}
	c.totalSize = total

	return c, nil
}

func (c *BlobCache) calculateTotalSize() (uint64, error) {
	var total uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			total += e.SizeBytes
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scanning cache metadata: %w", err)
	}
	return total, nil
}

// blobPath computes the fan-out path for digest: D/blobs/<pp>/<safe_digest>,
// where safe_digest replaces ':' with '_' and pp is its first two
// characters (or the whole string if shorter).
func (c *BlobCache) blobPath(digest string) string {
	safe := safeDigest(digest)
	prefixLen := 2
	if len(safe) < prefixLen {
		prefixLen = len(safe)
	}
	return filepath.Join(c.dir, "blobs", safe[:prefixLen], safe)
}

func safeDigest(digest string) string {
	out := make([]byte, len(digest))
	for i := 0; i < len(digest); i++ {
		if digest[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = digest[i]
		}
	}
	return string(out)
}

// Get looks up digest. A miss (no metadata, or a self-healed inconsistency)
// returns (nil, false, nil) — the caller is expected to fall through to an
// upstream fetch, not treat it as an error. Only a failure within the
// metadata store itself (not the blob file) returns a Cache error.
func (c *BlobCache) Get(digest string) ([]byte, bool, error) {
	entryData, err := c.readMetadata(digest)
	if err != nil {
		return nil, false, err
	}
	if entryData == nil {
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(entryData, &entry); err != nil {
		return nil, false, proxyerr.Cachef("parsing cache entry for %s: %v", digest, err)
	}

	path := c.blobPath(digest)
	if _, statErr := os.Stat(path); statErr != nil {
		if os.IsNotExist(statErr) {
			slog.Warn("cache entry exists but blob file missing, self-healing", "digest", digest)
			c.selfHeal(digest, entry.SizeBytes)
			return nil, false, nil
		}
		slog.Error("failed to stat cached blob", "digest", digest, "error", statErr)
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read cached blob", "digest", digest, "error", err)
		return nil, false, nil
	}

	entry.LastAccessed = time.Now().UTC()
	c.writeMetadataBestEffort(digest, entry)

	slog.Debug("cache hit", "digest", digest)
	return data, true, nil
}

func (c *BlobCache) readMetadata(digest string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(digest))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, proxyerr.Cachef("reading cache metadata for %s: %v", digest, err)
	}
	return data, nil
}

func (c *BlobCache) writeMetadataBestEffort(digest string, entry Entry) {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(digest), encoded)
	})
}

// selfHeal removes a metadata entry whose blob file has gone missing and
// decrements totalSize by its recorded size (saturating at zero).
func (c *BlobCache) selfHeal(digest string, size uint64) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(digest))
	})
	c.mu.Lock()
	c.totalSize = saturatingSub(c.totalSize, size)
	c.mu.Unlock()
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Put stores data under digest: writes and fsyncs the blob file, then
// inserts metadata, then increments totalSize. Deliberately not atomic
// against a crash between the file write and the metadata insert — an
// orphan blob file is tolerated, never referenced by the index, and will
// be overwritten verbatim on a future Put of the same digest since content
// is addressed by its own hash. No temp-file-plus-rename is used.
func (c *BlobCache) Put(digest string, data []byte) error {
	path := c.blobPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return proxyerr.Cachef("creating cache subdirectory for %s: %v", digest, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return proxyerr.Cachef("creating cache file for %s: %v", digest, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return proxyerr.Cachef("writing cache file for %s: %v", digest, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return proxyerr.Cachef("syncing cache file for %s: %v", digest, err)
	}
	if err := f.Close(); err != nil {
		return proxyerr.Cachef("closing cache file for %s: %v", digest, err)
	}

	now := time.Now().UTC()
	entry := Entry{
		Digest:       digest,
		SizeBytes:    uint64(len(data)),
		CreatedAt:    now,
		LastAccessed: now,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return proxyerr.Cachef("serializing cache entry for %s: %v", digest, err)
	}
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(digest), encoded)
	}); err != nil {
		return proxyerr.Cachef("storing cache metadata for %s: %v", digest, err)
	}

	c.mu.Lock()
	c.totalSize += entry.SizeBytes
	c.mu.Unlock()

	slog.Debug("cached blob", "digest", digest, "size_bytes", entry.SizeBytes)
	return nil
}

// TotalSize returns the current in-memory running total, for tests and
// diagnostics.
func (c *BlobCache) TotalSize() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSize
}

// Cleanup removes expired entries (strict inequality: now-last_accessed >
// max_age), then, if still over max_size_bytes, evicts the least-recently
// used alive entries down to 90% of max_size_bytes. Per-entry removal
// failures are logged and do not abort the pass.
func (c *BlobCache) Cleanup() {
	slog.Info("starting cache cleanup")

	now := time.Now().UTC()
	var expired []Entry
	var alive []Entry

	if err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if now.Sub(e.LastAccessed) > c.maxAge {
				expired = append(expired, e)
			} else {
				alive = append(alive, e)
			}
			return nil
		})
	}); err != nil {
		slog.Error("cache cleanup: scanning metadata failed", "error", err)
		return
	}

	for _, e := range expired {
		if err := c.removeEntry(e); err != nil {
			slog.Error("failed to remove expired entry", "digest", e.Digest, "error", err)
			continue
		}
		slog.Debug("removed expired entry", "digest", e.Digest)
	}

	current := c.TotalSize()
	if current > c.maxSize {
		sort.Slice(alive, func(i, j int) bool {
			return alive[i].LastAccessed.Before(alive[j].LastAccessed)
		})

		target := uint64(float64(c.maxSize) * 0.9)
		var removed uint64
		for _, e := range alive {
			if current-removed <= target {
				break
			}
			if err := c.removeEntry(e); err != nil {
				slog.Error("failed to remove entry during size eviction", "digest", e.Digest, "error", err)
				continue
			}
			removed += e.SizeBytes
			slog.Debug("removed entry to free space", "digest", e.Digest)
		}
		slog.Info("cache cleanup: removed bytes to meet size limit", "bytes_removed", removed)
	}

	slog.Info("cache cleanup completed", "total_size_bytes", c.TotalSize(), "entries_expired", len(expired))
}

func (c *BlobCache) removeEntry(e Entry) error {
	path := c.blobPath(e.Digest)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing blob file: %w", err)
		}
	}

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(e.Digest))
	}); err != nil {
		return fmt.Errorf("removing cache metadata: %w", err)
	}

	c.mu.Lock()
	c.totalSize = saturatingSub(c.totalSize, e.SizeBytes)
	c.mu.Unlock()

	return nil
}

// StartEvictionLoop runs Cleanup every 60 seconds until Close is called. It
// is started once at construction time by the caller (typically
// cmd/registryproxy's bootstrap) and runs for the lifetime of the process.
func (c *BlobCache) StartEvictionLoop() {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Cleanup()
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the eviction loop and closes the metadata index.
func (c *BlobCache) Close() error {
	close(c.stop)
	return c.db.Close()
}

// SweepOrphans is an operator-triggered maintenance path (not invoked by
// the eviction loop): it walks the blobs directory and deletes any file
// with no corresponding metadata entry, returning the count removed.
func (c *BlobCache) SweepOrphans() (int, error) {
	known := make(map[string]struct{})
	if err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, _ []byte) error {
			known[safeDigest(string(k))] = struct{}{}
			return nil
		})
	}); err != nil {
		return 0, proxyerr.Cachef("scanning metadata for orphan sweep: %v", err)
	}

	root := filepath.Join(c.dir, "blobs")
	removed := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if _, ok := known[name]; !ok {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, proxyerr.Cachef("walking blob directory: %v", err)
	}
	return removed, nil
}
