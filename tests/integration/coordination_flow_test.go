package integration

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/accord/core/conflict"
	"github.com/adalundhe/accord/core/coordinator"
	cerrors "github.com/adalundhe/accord/core/errors"
	"github.com/adalundhe/accord/core/events"
	"github.com/adalundhe/accord/core/hashing"
	"github.com/adalundhe/accord/core/journal"
	"github.com/adalundhe/accord/core/locking"
	"github.com/adalundhe/accord/core/merge"
	"github.com/adalundhe/accord/core/workspace"
)

// stack is the fully wired service under test: guard, locks, tracker,
// registry, journal and coordinator, assembled the same way the serve
// command does it.
type stack struct {
	root     string
	coord    *coordinator.Coordinator
	registry *conflict.Registry
	journal  *journal.Store
	bus      *events.Bus
}

func newStack(t *testing.T) *stack {
	t.Helper()

	root := t.TempDir()

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	guardConfig := workspace.DefaultConfig(root)
	guardConfig.Audit = store
	guard, err := workspace.NewGuard(guardConfig)
	require.NoError(t, err)

	tracker, err := hashing.NewTracker(256)
	require.NoError(t, err)

	bus := events.NewBus(64)
	bus.Start()
	t.Cleanup(bus.Close)

	registry := conflict.NewRegistry(conflict.RegistryConfig{
		Bus:     bus,
		Journal: store,
	})

	locks := locking.NewManager()
	t.Cleanup(locks.Close)

	coord, err := coordinator.New(coordinator.Config{
		Guard:    guard,
		Locks:    locks,
		Hashes:   tracker,
		Merger:   merge.NewResolver(),
		Registry: registry,
	})
	require.NoError(t, err)
	registry.AttachWriter(coord)

	return &stack{root: root, coord: coord, registry: registry, journal: store, bus: bus}
}

func (s *stack) path(name string) string {
	return filepath.Join(s.root, name)
}

// =============================================================================
// Two-Session Conflict Flow
// =============================================================================

func TestTwoSessionConflictAndRetry(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	path := s.path("shared.txt")

	// session-1 writes and remembers the resulting hash.
	first := s.coord.SafeWriteFile(ctx, path, []byte("Hello, World!"), coordinator.WriteOptions{
		SessionID: "session-1",
	})
	require.True(t, first.Success)
	h1 := first.NewHash
	require.NotEmpty(t, h1)

	// session-2 reads, sees the same hash, and commits a change.
	read := s.coord.SafeReadFile(path, coordinator.ReadOptions{SessionID: "session-2"})
	require.True(t, read.Success)
	assert.Equal(t, h1, read.Hash)

	second := s.coord.SafeWriteFile(ctx, path, []byte("Hello from session-2!"), coordinator.WriteOptions{
		SessionID:    "session-2",
		ExpectedHash: h1,
	})
	require.True(t, second.Success)

	// session-1 writes against its stale hash and is rejected.
	stale := s.coord.SafeWriteFile(ctx, path, []byte("session-1 again"), coordinator.WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: h1,
	})
	require.False(t, stale.Success)
	require.NotNil(t, stale.Err)
	assert.Equal(t, cerrors.KindConflict, stale.Err.Kind)
	require.NotNil(t, stale.Conflict)
	assert.Equal(t, "session-2", stale.Conflict.LastModifiedBy)

	// A conflict record is now active and journaled.
	active := s.registry.ListActive()
	require.Len(t, active, 1)

	persisted, err := s.journal.ActiveConflicts()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, active[0].ConflictID, persisted[0].ConflictID)

	// session-1 retries with last-write-wins and the file reflects its payload.
	retry := s.coord.SafeWriteFile(ctx, path, []byte("session-1 again"), coordinator.WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: h1,
		Resolution:   coordinator.LastWriteWins,
	})
	require.True(t, retry.Success)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "session-1 again", string(content))
}

func TestConflictEventsDelivered(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	path := s.path("watched.txt")

	var (
		mu       sync.Mutex
		detected []events.Event
		resolved []events.Event
	)
	s.bus.Subscribe([]events.EventType{events.EventConflictDetected}, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		detected = append(detected, e)
	})
	s.bus.Subscribe([]events.EventType{events.EventConflictResolved}, func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		resolved = append(resolved, e)
	})

	first := s.coord.SafeWriteFile(ctx, path, []byte("v1"), coordinator.WriteOptions{SessionID: "session-1"})
	require.True(t, first.Success)
	s.coord.SafeWriteFile(ctx, path, []byte("v2"), coordinator.WriteOptions{SessionID: "session-2"})

	stale := s.coord.SafeWriteFile(ctx, path, []byte("stale"), coordinator.WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: first.NewHash,
	})
	require.False(t, stale.Success)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(detected) == 1
	}, 2*time.Second, 10*time.Millisecond, "detected event not delivered")

	mu.Lock()
	conflictID := detected[0].ConflictID
	mu.Unlock()
	require.NotEmpty(t, conflictID)

	// Resolving through the registry re-issues the write and emits the
	// resolved event with the same conflict id.
	require.NoError(t, s.registry.Resolve(ctx, conflictID, []byte("chosen"), "session-1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(resolved) == 1
	}, 2*time.Second, 10*time.Millisecond, "resolved event not delivered")

	mu.Lock()
	assert.Equal(t, conflictID, resolved[0].ConflictID)
	mu.Unlock()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "chosen", string(content))
	assert.Empty(t, s.registry.ListActive())
}

func TestConflictSurvivesRestart(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "journal.db")
	root := t.TempDir()
	ctx := context.Background()

	buildRegistry := func(store *journal.Store) (*conflict.Registry, *coordinator.Coordinator, func()) {
		guard, err := workspace.NewGuard(workspace.DefaultConfig(root))
		require.NoError(t, err)
		tracker, err := hashing.NewTracker(64)
		require.NoError(t, err)
		locks := locking.NewManager()

		registry := conflict.NewRegistry(conflict.RegistryConfig{Journal: store})
		coord, err := coordinator.New(coordinator.Config{
			Guard:    guard,
			Locks:    locks,
			Hashes:   tracker,
			Merger:   merge.NewResolver(),
			Registry: registry,
		})
		require.NoError(t, err)
		registry.AttachWriter(coord)
		return registry, coord, locks.Close
	}

	store, err := journal.Open(journalPath)
	require.NoError(t, err)

	registry, coord, closeLocks := buildRegistry(store)
	path := filepath.Join(root, "a.txt")

	first := coord.SafeWriteFile(ctx, path, []byte("v1"), coordinator.WriteOptions{SessionID: "session-1"})
	require.True(t, first.Success)
	coord.SafeWriteFile(ctx, path, []byte("v2"), coordinator.WriteOptions{SessionID: "session-2"})
	stale := coord.SafeWriteFile(ctx, path, []byte("stale"), coordinator.WriteOptions{
		SessionID:    "session-1",
		ExpectedHash: first.NewHash,
	})
	require.False(t, stale.Success)
	require.Len(t, registry.ListActive(), 1)
	conflictID := registry.ListActive()[0].ConflictID

	closeLocks()
	require.NoError(t, store.Close())

	// Restart: a fresh registry restores the active conflict and can
	// resolve it.
	reopened, err := journal.Open(journalPath)
	require.NoError(t, err)
	defer reopened.Close()

	restored, coord2, closeLocks2 := buildRegistry(reopened)
	defer closeLocks2()
	_ = coord2

	require.NoError(t, restored.Restore())
	rec, ok := restored.Get(conflictID)
	require.True(t, ok, "conflict lost across restart")
	assert.Equal(t, path, rec.FilePath)

	require.NoError(t, restored.Resolve(ctx, conflictID, []byte("after restart"), "session-1"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after restart", string(content))
}

func TestAuditTrailRecorded(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	s.coord.SafeWriteFile(ctx, s.path("a.txt"), []byte("v1"), coordinator.WriteOptions{SessionID: "session-1"})
	s.coord.SafeReadFile(s.path("a.txt"), coordinator.ReadOptions{SessionID: "session-2"})
	s.coord.SafeWriteFile(ctx, filepath.Join(s.root, "..", "escape.txt"), []byte("x"), coordinator.WriteOptions{SessionID: "session-3"})

	count, err := s.journal.AccessCount()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(3), "write, read and rejected access must all be audited")
}
