package conflict

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/accord/core/events"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrNoWriter         = errors.New("no resolution writer attached")
	ErrRegistryClosed   = errors.New("conflict registry is closed")
)

// ResolutionWriter re-issues a write once the user has explicitly chosen
// a version. Implemented by the coordinator as a last-write-wins commit.
type ResolutionWriter interface {
	ForceWrite(ctx context.Context, path string, content []byte, sessionID string) (newHash string, err error)
}

// Journal persists conflict records across restarts. Optional.
type Journal interface {
	AppendConflict(rec *Record) error
	MarkResolved(conflictID, sessionID string) error
	ActiveConflicts() ([]*Record, error)
}

// RegistryStats summarizes registry activity for badge counts.
type RegistryStats struct {
	Active          int
	TotalRegistered int64
	TotalResolved   int64
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Bus     *events.Bus
	Journal Journal
	Logger  *slog.Logger
}

// Registry holds active conflict records. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Record
	writer ResolutionWriter

	bus     *events.Bus
	journal Journal
	logger  *slog.Logger

	totalRegistered int64
	totalResolved   int64
	closed          bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		active:  make(map[string]*Record),
		bus:     cfg.Bus,
		journal: cfg.Journal,
		logger:  logger,
	}
}

// AttachWriter binds the writer used to apply resolutions. Called during
// wiring, after the coordinator is constructed.
func (r *Registry) AttachWriter(w ResolutionWriter) {
	r.mu.Lock()
	r.writer = w
	r.mu.Unlock()
}

// Restore reloads active conflicts from the journal after a restart.
func (r *Registry) Restore() error {
	if r.journal == nil {
		return nil
	}

	records, err := r.journal.ActiveConflicts()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		r.active[rec.ConflictID] = rec
	}

	r.logger.Info("restored active conflicts", "count", len(records))
	return nil
}

// Register creates a record for an unresolved conflict, assigns it a
// unique id, and emits a conflict.detected event.
func (r *Registry) Register(d Detected) (*Record, error) {
	rec := &Record{
		ConflictID:       uuid.NewString(),
		FilePath:         d.FilePath,
		AbsolutePath:     d.AbsolutePath,
		Type:             d.Type,
		InvolvedSessions: involvedSessions(d),
		Timestamp:        time.Now(),
		Status:           StatusActive,
	}
	if d.Merge != nil {
		rec.Merge = *d.Merge
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.active[rec.ConflictID] = rec
	r.totalRegistered++
	r.mu.Unlock()

	if r.journal != nil {
		if err := r.journal.AppendConflict(rec); err != nil {
			r.logger.Error("journal append failed", "conflict", rec.ConflictID, "error", err)
		}
	}

	r.publish(events.EventConflictDetected, rec)
	r.logger.Info("conflict detected",
		"conflict", rec.ConflictID,
		"path", rec.FilePath,
		"type", rec.Type.String(),
	)

	return rec.Clone(), nil
}

func involvedSessions(d Detected) []string {
	seen := make(map[string]bool, 2)
	var sessions []string

	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		sessions = append(sessions, id)
	}

	add(d.SessionID)
	if d.Info != nil {
		add(d.Info.LastModifiedBy)
	}
	return sessions
}

// Get returns a copy of an active record.
func (r *Registry) Get(conflictID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.active[conflictID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// ListActive returns the active records ordered by detection time.
func (r *Registry) ListActive() []*Record {
	r.mu.RLock()
	records := make([]*Record, 0, len(r.active))
	for _, rec := range r.active {
		records = append(records, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records
}

// Resolve applies the user's chosen content for the conflict. The write
// is re-issued through the coordinator with last-write-wins, since the
// user has explicitly chosen a version (including an auto-merged one).
// On success the record is marked resolved, evicted, and a
// conflict.resolved event is emitted.
func (r *Registry) Resolve(ctx context.Context, conflictID string, content []byte, sessionID string) error {
	r.mu.RLock()
	rec, ok := r.active[conflictID]
	writer := r.writer
	r.mu.RUnlock()

	if !ok {
		return ErrConflictNotFound
	}
	if writer == nil {
		return ErrNoWriter
	}

	if _, err := writer.ForceWrite(ctx, rec.FilePath, content, sessionID); err != nil {
		return err
	}

	r.mu.Lock()
	rec, ok = r.active[conflictID]
	if ok {
		rec.Status = StatusResolved
		delete(r.active, conflictID)
		r.totalResolved++
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if r.journal != nil {
		if err := r.journal.MarkResolved(conflictID, sessionID); err != nil {
			r.logger.Error("journal resolve failed", "conflict", conflictID, "error", err)
		}
	}

	r.publish(events.EventConflictResolved, rec)
	r.logger.Info("conflict resolved",
		"conflict", conflictID,
		"path", rec.FilePath,
		"session", sessionID,
	)

	return nil
}

// Stats returns registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		Active:          len(r.active),
		TotalRegistered: r.totalRegistered,
		TotalResolved:   r.totalResolved,
	}
}

// Close refuses further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Registry) publish(eventType events.EventType, rec *Record) {
	if r.bus == nil {
		return
	}

	r.bus.Publish(events.Event{
		Type:             eventType,
		ConflictID:       rec.ConflictID,
		FilePath:         rec.FilePath,
		AbsolutePath:     rec.AbsolutePath,
		ConflictType:     rec.Type.String(),
		InvolvedSessions: append([]string(nil), rec.InvolvedSessions...),
		Merge:            events.MergeSummary{CanAutoMerge: rec.Merge.CanAutoMerge},
		Timestamp:        time.Now(),
	})
}
