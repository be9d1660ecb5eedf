// Package coordinator implements the safe file reader/writer: it
// serializes writes per path, detects stale writer versions by content
// hash, and applies the requested resolution policy before committing.
// All failures cross the package boundary as structured result values.
package coordinator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/adalundhe/accord/core/conflict"
	cerrors "github.com/adalundhe/accord/core/errors"
	"github.com/adalundhe/accord/core/hashing"
	"github.com/adalundhe/accord/core/locking"
	"github.com/adalundhe/accord/core/merge"
	"github.com/adalundhe/accord/core/workspace"
)

// ExternalWriter is the attribution recorded when the last modification
// did not come through the coordinator.
const ExternalWriter = "external"

const (
	defaultBlobCounters = 100_000
	defaultBlobMaxCost  = 64 * 1024 * 1024
	defaultBlobBuffer   = 64
)

// Resolution selects the conflict policy for a write.
type Resolution int

const (
	// FailFast rejects the write outright when the caller's version is stale.
	FailFast Resolution = iota

	// LastWriteWins applies the write unconditionally, discarding the
	// intervening change.
	LastWriteWins

	// AutoMerge attempts a line-based three-way merge and falls back to
	// FailFast when the edits overlap.
	AutoMerge
)

var resolutionNames = map[Resolution]string{
	FailFast:      "fail-fast",
	LastWriteWins: "last-write-wins",
	AutoMerge:     "auto-merge",
}

func (r Resolution) String() string {
	if name, ok := resolutionNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseResolution maps a wire name to its Resolution. Unknown names
// select FailFast, the safe default.
func ParseResolution(name string) Resolution {
	for r, n := range resolutionNames {
		if n == name {
			return r
		}
	}
	return FailFast
}

// ReadOptions carries per-read request context.
type ReadOptions struct {
	SessionID string
}

// ReadResult is the structured outcome of SafeReadFile.
type ReadResult struct {
	Success bool
	Content []byte
	Hash    string
	Err     *cerrors.Error
}

// WriteOptions carries per-write request context. A zero ExpectedHash
// skips the staleness check entirely.
type WriteOptions struct {
	SessionID    string
	ExpectedHash string
	Resolution   Resolution
	LockTimeout  time.Duration

	// BaseContent optionally supplies the caller's assumed prior content
	// for auto-merge. When absent, the last known version for
	// ExpectedHash is looked up in the blob cache.
	BaseContent []byte
}

// WriteResult is the structured outcome of SafeWriteFile.
type WriteResult struct {
	Success  bool
	NewHash  string
	Conflict *conflict.Info
	Merge    *merge.Result
	Err      *cerrors.Error
}

// CheckResult is the structured outcome of CheckFileModified.
type CheckResult struct {
	HasConflict bool
	CurrentHash string
	Err         *cerrors.Error
}

// Config wires the coordinator's collaborators. Guard, Locks, Hashes and
// Merger are required; Registry and CommitHook are optional.
type Config struct {
	Guard    *workspace.Guard
	Locks    *locking.Manager
	Hashes   *hashing.Tracker
	Merger   *merge.Resolver
	Registry *conflict.Registry
	Logger   *slog.Logger

	// LockTimeout is the default acquisition budget when a write does
	// not supply one.
	LockTimeout time.Duration

	// CommitHook is invoked with the resolved path after every committed
	// write, before the lock is released. Used by the external change
	// monitor to distinguish coordinator writes from foreign ones.
	CommitHook func(path string)

	// BlobCacheMaxCost bounds the committed-content cache in bytes.
	BlobCacheMaxCost int64
}

// Coordinator orchestrates safe reads and writes. Safe for concurrent use.
type Coordinator struct {
	guard    *workspace.Guard
	locks    *locking.Manager
	hashes   *hashing.Tracker
	merger   *merge.Resolver
	registry *conflict.Registry
	logger   *slog.Logger

	lockTimeout time.Duration
	commitHook  func(path string)

	// blobs caches committed content by its hash so auto-merge can
	// recover the caller's base version without a version store.
	blobs *ristretto.Cache

	writerMu    sync.RWMutex
	lastWriters map[string]string
}

// New creates a coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	maxCost := cfg.BlobCacheMaxCost
	if maxCost <= 0 {
		maxCost = defaultBlobMaxCost
	}

	blobs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultBlobCounters,
		MaxCost:     maxCost,
		BufferItems: defaultBlobBuffer,
	})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = locking.DefaultTimeout
	}

	return &Coordinator{
		guard:       cfg.Guard,
		locks:       cfg.Locks,
		hashes:      cfg.Hashes,
		merger:      cfg.Merger,
		registry:    cfg.Registry,
		logger:      logger,
		lockTimeout: lockTimeout,
		commitHook:  cfg.CommitHook,
		blobs:       blobs,
		lastWriters: make(map[string]string),
	}, nil
}

// SafeReadFile reads a file without locking, computes its current hash,
// and records the request for diagnostics.
func (c *Coordinator) SafeReadFile(path string, opts ReadOptions) ReadResult {
	resolved, err := c.guard.Resolve(opts.SessionID, workspace.AccessRead, path)
	if err != nil {
		return ReadResult{Err: c.boundaryError(err, path, opts.SessionID)}
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		c.guard.RecordAccess(opts.SessionID, workspace.AccessRead, path, resolved, false, err.Error())
		return ReadResult{
			Err: cerrors.New(cerrors.KindIO, "read failed", err).
				WithPath(path).WithSession(opts.SessionID),
		}
	}

	hash := c.hashes.Update(resolved, data)
	c.cacheBlob(hash, data)
	c.guard.RecordAccess(opts.SessionID, workspace.AccessRead, path, resolved, true, "")

	return ReadResult{Success: true, Content: data, Hash: hash}
}

// SafeWriteFile serializes the write against other writers of the same
// path, compares the caller's expected version to the current one, and
// applies the requested resolution policy on mismatch. The hash cache is
// refreshed synchronously before the lock is released, so no caller can
// observe a transient unsynced state.
func (c *Coordinator) SafeWriteFile(ctx context.Context, path string, content []byte, opts WriteOptions) WriteResult {
	resolved, err := c.guard.Resolve(opts.SessionID, workspace.AccessWrite, path)
	if err != nil {
		return WriteResult{Err: c.boundaryError(err, path, opts.SessionID)}
	}

	if err := c.guard.CheckSize(int64(len(content))); err != nil {
		c.guard.RecordAccess(opts.SessionID, workspace.AccessWrite, path, resolved, false, err.Error())
		return WriteResult{
			Err: cerrors.New(cerrors.KindIO, "content rejected", err).
				WithPath(path).WithSession(opts.SessionID),
		}
	}

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = c.lockTimeout
	}

	lock, err := c.locks.Acquire(ctx, resolved, opts.SessionID, timeout)
	if err != nil {
		c.guard.RecordAccess(opts.SessionID, workspace.AccessWrite, path, resolved, false, err.Error())
		return WriteResult{
			Err: cerrors.New(cerrors.KindLockTimeout, "lock not granted within budget", err).
				WithPath(path).WithSession(opts.SessionID),
		}
	}
	defer c.locks.Release(lock)

	current, ioErr := c.currentHash(resolved)
	if ioErr != nil {
		c.guard.RecordAccess(opts.SessionID, workspace.AccessWrite, path, resolved, false, ioErr.Error())
		return WriteResult{
			Err: cerrors.New(cerrors.KindIO, "hash current content", ioErr).
				WithPath(path).WithSession(opts.SessionID),
		}
	}

	if opts.ExpectedHash == "" || opts.ExpectedHash == current {
		return c.commit(path, resolved, content, opts.SessionID, nil)
	}

	info := &conflict.Info{
		Path:           path,
		ExpectedHash:   opts.ExpectedHash,
		CurrentHash:    current,
		LastModifiedBy: c.lastWriter(resolved),
		DetectedAt:     time.Now(),
	}

	switch opts.Resolution {
	case LastWriteWins:
		result := c.commit(path, resolved, content, opts.SessionID, nil)
		result.Conflict = info
		return result
	case AutoMerge:
		return c.writeWithMerge(path, resolved, content, opts, info)
	default:
		return c.failFast(path, resolved, opts.SessionID, info, nil)
	}
}

// CheckFileModified recomputes the path's digest from disk and compares
// it to expectedHash, without attempting a write.
func (c *Coordinator) CheckFileModified(path, expectedHash string, sessionID string) CheckResult {
	resolved, err := c.guard.Resolve(sessionID, workspace.AccessCheck, path)
	if err != nil {
		return CheckResult{Err: c.boundaryError(err, path, sessionID)}
	}

	check, err := c.hashes.CheckFileModified(resolved, expectedHash)
	if err != nil {
		return CheckResult{
			Err: cerrors.New(cerrors.KindIO, "staleness check failed", err).
				WithPath(path).WithSession(sessionID),
		}
	}

	c.guard.RecordAccess(sessionID, workspace.AccessCheck, path, resolved, true, "")
	return CheckResult{HasConflict: check.HasConflict, CurrentHash: check.CurrentHash}
}

// ForceWrite implements conflict.ResolutionWriter: an unconditional
// last-write-wins commit on behalf of an explicit user resolution.
func (c *Coordinator) ForceWrite(ctx context.Context, path string, content []byte, sessionID string) (string, error) {
	result := c.SafeWriteFile(ctx, path, content, WriteOptions{
		SessionID:  sessionID,
		Resolution: LastWriteWins,
	})
	if result.Err != nil {
		return "", result.Err
	}
	return result.NewHash, nil
}

// NoteExternalChange records that path changed outside the coordinator's
// write path: the cached hash is dropped and subsequent conflicts on the
// path are attributed to an external writer.
func (c *Coordinator) NoteExternalChange(path string) {
	c.hashes.Invalidate(path)

	c.writerMu.Lock()
	c.lastWriters[path] = ExternalWriter
	c.writerMu.Unlock()
}

// LastWriter reports the session that last committed to the resolved path.
func (c *Coordinator) LastWriter(resolved string) (string, bool) {
	c.writerMu.RLock()
	defer c.writerMu.RUnlock()

	writer, ok := c.lastWriters[resolved]
	return writer, ok
}

func (c *Coordinator) writeWithMerge(path, resolved string, content []byte, opts WriteOptions, info *conflict.Info) WriteResult {
	theirs, err := os.ReadFile(resolved)
	if err != nil && !os.IsNotExist(err) {
		return WriteResult{
			Err: cerrors.New(cerrors.KindIO, "read current content", err).
				WithPath(path).WithSession(opts.SessionID),
		}
	}

	result := merge.Result{}
	base, ok := c.baseContent(opts)
	if ok {
		result = c.merger.AttemptMerge(base, theirs, content)
	}

	if !result.CanAutoMerge {
		return c.failFast(path, resolved, opts.SessionID, info, &result)
	}

	committed := c.commit(path, resolved, result.MergedContent, opts.SessionID, otherSessions(info))
	committed.Conflict = info
	committed.Merge = &result
	return committed
}

// baseContent recovers the caller's assumed prior version: either
// supplied directly or looked up by expected hash among committed blobs.
func (c *Coordinator) baseContent(opts WriteOptions) ([]byte, bool) {
	if opts.BaseContent != nil {
		return opts.BaseContent, true
	}
	if opts.ExpectedHash == "" {
		return nil, false
	}

	value, found := c.blobs.Get(opts.ExpectedHash)
	if !found {
		return nil, false
	}

	blob, ok := value.([]byte)
	return blob, ok
}

func (c *Coordinator) failFast(path, resolved, sessionID string, info *conflict.Info, mergeResult *merge.Result) WriteResult {
	c.guard.RecordAccess(sessionID, workspace.AccessWrite, path, resolved, false, "stale expected hash")
	c.registerConflict(path, resolved, sessionID, info, mergeResult)

	return WriteResult{
		Conflict: info,
		Merge:    mergeResult,
		Err: cerrors.New(cerrors.KindConflict, "file modified since expected version", nil).
			WithPath(path).WithSession(sessionID),
	}
}

func (c *Coordinator) registerConflict(path, resolved, sessionID string, info *conflict.Info, mergeResult *merge.Result) {
	if c.registry == nil {
		return
	}

	conflictType := conflict.TypeConcurrentWrite
	switch {
	case mergeResult != nil:
		conflictType = conflict.TypeMerge
	case info.LastModifiedBy == ExternalWriter || info.LastModifiedBy == "":
		conflictType = conflict.TypeExternalChange
	}

	_, err := c.registry.Register(conflict.Detected{
		FilePath:     path,
		AbsolutePath: resolved,
		Type:         conflictType,
		Info:         info,
		Merge:        mergeResult,
		SessionID:    sessionID,
	})
	if err != nil {
		c.logger.Error("conflict registration failed", "path", path, "error", err)
	}
}

// commit writes content atomically, refreshes the hash cache, and records
// attribution. Runs with the path's lock held.
func (c *Coordinator) commit(path, resolved string, content []byte, sessionID string, alsoInvolved []string) WriteResult {
	if err := atomicWrite(resolved, content); err != nil {
		c.guard.RecordAccess(sessionID, workspace.AccessWrite, path, resolved, false, err.Error())
		return WriteResult{
			Err: cerrors.New(cerrors.KindIO, "write failed", err).
				WithPath(path).WithSession(sessionID),
		}
	}

	newHash := c.hashes.Update(resolved, content)
	c.cacheBlob(newHash, content)

	c.writerMu.Lock()
	c.lastWriters[resolved] = sessionID
	c.writerMu.Unlock()

	if c.commitHook != nil {
		c.commitHook(resolved)
	}

	c.guard.RecordAccess(sessionID, workspace.AccessWrite, path, resolved, true, "")
	c.logger.Debug("write committed",
		"path", path,
		"session", sessionID,
		"hash", newHash,
		"contributors", alsoInvolved,
	)

	return WriteResult{Success: true, NewHash: newHash}
}

func (c *Coordinator) cacheBlob(hash string, content []byte) {
	blob := append([]byte(nil), content...)
	c.blobs.Set(hash, blob, int64(len(blob)))
	c.blobs.Wait()
}

func (c *Coordinator) currentHash(resolved string) (string, error) {
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return hashing.DigestBytes(data), nil
}

func (c *Coordinator) lastWriter(resolved string) string {
	c.writerMu.RLock()
	defer c.writerMu.RUnlock()

	if writer, ok := c.lastWriters[resolved]; ok {
		return writer
	}
	return ExternalWriter
}

func (c *Coordinator) boundaryError(err error, path, sessionID string) *cerrors.Error {
	kind := cerrors.KindIO
	message := "path validation failed"
	if workspace.IsEscapeError(err) {
		kind = cerrors.KindPathEscape
		message = "path outside workspace root"
	}

	return cerrors.New(kind, message, err).WithPath(path).WithSession(sessionID)
}

func otherSessions(info *conflict.Info) []string {
	if info.LastModifiedBy == "" || info.LastModifiedBy == ExternalWriter {
		return nil
	}
	return []string{info.LastModifiedBy}
}

// atomicWrite commits content via a temp file and rename in the same
// directory, so a partially written file is never observable.
func atomicWrite(resolved string, content []byte) error {
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".accord-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
