// Package journal persists conflict records and access audit entries in
// an embedded SQLite database so active conflicts survive a restart and
// every access attempt is attributable after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adalundhe/accord/core/conflict"
	"github.com/adalundhe/accord/core/merge"
	"github.com/adalundhe/accord/core/workspace"
)

const maxOpenConns = 1

// Store is a SQLite-backed journal. It implements conflict.Journal and
// workspace.AuditLogger.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the journal database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conflicts (
		conflict_id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		absolute_path TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		involved_sessions TEXT NOT NULL DEFAULT '',
		can_auto_merge INTEGER NOT NULL DEFAULT 0,
		merged_content BLOB,
		status TEXT NOT NULL,
		detected_at TIMESTAMP NOT NULL,
		resolved_at TIMESTAMP,
		resolved_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);

	CREATE TABLE IF NOT EXISTS accesses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		access TEXT NOT NULL,
		path TEXT NOT NULL,
		resolved_path TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accesses_path ON accesses(path);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AppendConflict records a newly detected conflict.
func (s *Store) AppendConflict(rec *conflict.Record) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conflicts
			(conflict_id, file_path, absolute_path, conflict_type,
			 involved_sessions, can_auto_merge, merged_content, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ConflictID,
		rec.FilePath,
		rec.AbsolutePath,
		rec.Type.String(),
		strings.Join(rec.InvolvedSessions, ","),
		boolToInt(rec.Merge.CanAutoMerge),
		rec.Merge.MergedContent,
		rec.Status.String(),
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append conflict: %w", err)
	}
	return nil
}

// MarkResolved transitions a conflict to resolved.
func (s *Store) MarkResolved(conflictID, sessionID string) error {
	result, err := s.db.Exec(`
		UPDATE conflicts
		SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE conflict_id = ?
	`, conflict.StatusResolved.String(), time.Now(), sessionID, conflictID)
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return conflict.ErrConflictNotFound
	}
	return nil
}

// ActiveConflicts loads every unresolved record, oldest first.
func (s *Store) ActiveConflicts() ([]*conflict.Record, error) {
	rows, err := s.db.Query(`
		SELECT conflict_id, file_path, absolute_path, conflict_type,
		       involved_sessions, can_auto_merge, merged_content, detected_at
		FROM conflicts
		WHERE status = ?
		ORDER BY detected_at ASC
	`, conflict.StatusActive.String())
	if err != nil {
		return nil, fmt.Errorf("query active conflicts: %w", err)
	}
	defer rows.Close()

	var records []*conflict.Record
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanConflict(rows *sql.Rows) (*conflict.Record, error) {
	var (
		rec          conflict.Record
		typeName     string
		sessions     string
		canAutoMerge int
		content      []byte
	)

	err := rows.Scan(
		&rec.ConflictID,
		&rec.FilePath,
		&rec.AbsolutePath,
		&typeName,
		&sessions,
		&canAutoMerge,
		&content,
		&rec.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}

	rec.Type = conflict.ParseType(typeName)
	rec.Status = conflict.StatusActive
	if sessions != "" {
		rec.InvolvedSessions = strings.Split(sessions, ",")
	}
	rec.Merge = merge.Result{
		CanAutoMerge:  canAutoMerge != 0,
		MergedContent: content,
	}
	return &rec, nil
}

// Log implements workspace.AuditLogger, persisting one access attempt.
// Failures are swallowed: auditing never blocks the access itself.
func (s *Store) Log(entry workspace.AuditEntry) {
	_, _ = s.db.Exec(`
		INSERT INTO accesses
			(session_id, access, path, resolved_path, success, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SessionID,
		string(entry.Access),
		entry.Path,
		entry.ResolvedPath,
		boolToInt(entry.Success),
		entry.Error,
		entry.Timestamp,
	)
}

// AccessCount returns the number of recorded access entries.
func (s *Store) AccessCount() (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM accesses`).Scan(&count)
	return count, err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
