// Package hashing implements the content hash tracker: the sole source of
// truth for "has this file changed". Digests are a pure function of file
// bytes, so staleness checks are content-based rather than timestamp-based
// and a no-op rewrite never looks like a modification.
package hashing

import (
	"encoding/hex"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

// DefaultCacheSize bounds the number of tracked paths.
const DefaultCacheSize = 4096

// Entry records the cached digest for one tracked path.
type Entry struct {
	Path       string
	Hash       string
	ComputedAt time.Time
}

// Stats describes the tracker's cache for diagnostics.
type Stats struct {
	TrackedFiles int
	OldestEntry  time.Time
}

// ModificationCheck is the result of a staleness probe.
type ModificationCheck struct {
	HasConflict bool
	CurrentHash string
}

// DigestBytes computes the BLAKE2b-256 digest of content, hex encoded.
// Identical bytes always yield the same digest regardless of writer.
func DigestBytes(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Tracker caches content digests per path. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Entry]
}

// NewTracker creates a tracker bounded to size entries. A size of zero or
// less selects DefaultCacheSize.
func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}

	cache, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}

	return &Tracker{cache: cache}, nil
}

// ComputeHash reads the file's current on-disk bytes, digests them, and
// caches the result.
func (t *Tracker) ComputeHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return t.Update(path, data), nil
}

// Update caches the digest of content as the committed version of path,
// without touching the disk. Called after every successful write so the
// cache never lags the committed bytes.
func (t *Tracker) Update(path string, content []byte) string {
	hash := DigestBytes(content)

	t.mu.Lock()
	t.cache.Add(path, Entry{
		Path:       path,
		Hash:       hash,
		ComputedAt: time.Now(),
	})
	t.mu.Unlock()

	return hash
}

// CachedHash returns the cached digest for path, if present.
func (t *Tracker) CachedHash(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.cache.Get(path)
	if !ok {
		return "", false
	}
	return entry.Hash, true
}

// Invalidate drops the cached entry for path so the next access recomputes
// from disk. Called when an external change is suspected.
func (t *Tracker) Invalidate(path string) {
	t.mu.Lock()
	t.cache.Remove(path)
	t.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (t *Tracker) InvalidateAll() {
	t.mu.Lock()
	t.cache.Purge()
	t.mu.Unlock()
}

// TrackedFiles returns the paths with a cached entry, oldest first.
func (t *Tracker) TrackedFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cache.Keys()
}

// Stats reports cache size and the oldest entry timestamp.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{TrackedFiles: t.cache.Len()}
	for _, entry := range t.cache.Values() {
		if stats.OldestEntry.IsZero() || entry.ComputedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.ComputedAt
		}
	}
	return stats
}

// CheckFileModified recomputes the digest of path directly from disk,
// bypassing the cache, and compares it to expectedHash. It mutates nothing,
// so callers can poll staleness without attempting a write. A missing file
// yields an empty current hash and conflicts with any non-empty expectation.
func (t *Tracker) CheckFileModified(path, expectedHash string) (ModificationCheck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ModificationCheck{
				HasConflict: expectedHash != "",
				CurrentHash: "",
			}, nil
		}
		return ModificationCheck{}, err
	}

	current := DigestBytes(data)
	return ModificationCheck{
		HasConflict: current != expectedHash,
		CurrentHash: current,
	}, nil
}
