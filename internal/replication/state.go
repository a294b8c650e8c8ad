// Package replication implements the replication engine: a
// single-consumer event loop that evaluates per-file replication
// rules against configured targets, uploads matched files within
// schedule/bandwidth constraints, and tracks per-target state in a
// local embedded SQLite database.
package replication

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// StateRow is one (file, target) replication_state record.
type StateRow struct {
	FileID       string
	TargetName   string
	ReplicatedAt time.Time
	SourceMtime  time.Time
	SourceSize   uint64
	RemoteKey    string
	Checksum     string
}

// DeletionRow is one (file, target) deletion_log record.
type DeletionRow struct {
	FileID      string
	TargetName  string
	DeletedAt   time.Time
	RetainUntil *time.Time
	RemoteKey   string
	Purged      bool
}

// QueueRow is one pending upload_queue entry.
type QueueRow struct {
	ID         int64
	FileID     string
	TargetName string
	QueuedAt   time.Time
	Priority   int
}

// State is the replication engine's local SQLite-backed store: a
// single-writer database guarded by a mutex, matching the block
// cache's own metadata-DB discipline.
type State struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the replication state database
// at path, e.g. "{state_dir}/replication.db".
func Open(path string) (*State, bool, error) {
	isNew := false
	if _, err := os.Stat(path); err != nil {
		isNew = true
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, false, fmt.Errorf("open replication state db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("initialize replication schema: %w", err)
	}
	return &State{db: db}, isNew, nil
}

func (s *State) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Get returns the replication_state row for (fileID, target), if any.
func (s *State) Get(fileID, target string) (StateRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT file_id, target_name, replicated_at, source_mtime,
		source_size, remote_key, COALESCE(checksum, '') FROM replication_state
		WHERE file_id = ? AND target_name = ?`, fileID, target)

	var r StateRow
	var replicatedAt, mtime string
	if err := row.Scan(&r.FileID, &r.TargetName, &replicatedAt, &mtime, &r.SourceSize, &r.RemoteKey, &r.Checksum); err != nil {
		if err == sql.ErrNoRows {
			return StateRow{}, false, nil
		}
		return StateRow{}, false, err
	}
	r.ReplicatedAt = parseTime(replicatedAt)
	r.SourceMtime = parseTime(mtime)
	return r, true, nil
}

// Matches reports whether an existing state row's source (mtime, size)
// agree with the current file, i.e. the replica is up to date.
func (r StateRow) Matches(mtime time.Time, size uint64) bool {
	return r.SourceMtime.Equal(mtime) && r.SourceSize == size
}

// Upsert records a successful upload, its mtime/size matching the
// replica document the caller writes to D.
func (s *State) Upsert(row StateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO replication_state
		(file_id, target_name, replicated_at, source_mtime, source_size, remote_key, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id, target_name) DO UPDATE SET
			replicated_at = excluded.replicated_at,
			source_mtime = excluded.source_mtime,
			source_size = excluded.source_size,
			remote_key = excluded.remote_key,
			checksum = excluded.checksum`,
		row.FileID, row.TargetName, fmtTime(row.ReplicatedAt), fmtTime(row.SourceMtime),
		row.SourceSize, row.RemoteKey, row.Checksum)
	return err
}

// DeleteState removes a replication_state row (moved to deletion_log).
func (s *State) DeleteState(fileID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM replication_state WHERE file_id = ? AND target_name = ?`, fileID, target)
	return err
}

// StatesForFile returns every target this file currently has a
// replication_state row for.
func (s *State) StatesForFile(fileID string) ([]StateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT file_id, target_name, replicated_at, source_mtime,
		source_size, remote_key, COALESCE(checksum, '') FROM replication_state WHERE file_id = ?`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var r StateRow
		var replicatedAt, mtime string
		if err := rows.Scan(&r.FileID, &r.TargetName, &replicatedAt, &mtime, &r.SourceSize, &r.RemoteKey, &r.Checksum); err != nil {
			return nil, err
		}
		r.ReplicatedAt = parseTime(replicatedAt)
		r.SourceMtime = parseTime(mtime)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllStates returns every replication_state row, used by the full scan.
func (s *State) AllStates() ([]StateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT file_id, target_name, replicated_at, source_mtime,
		source_size, remote_key, COALESCE(checksum, '') FROM replication_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var r StateRow
		var replicatedAt, mtime string
		if err := rows.Scan(&r.FileID, &r.TargetName, &replicatedAt, &mtime, &r.SourceSize, &r.RemoteKey, &r.Checksum); err != nil {
			return nil, err
		}
		r.ReplicatedAt = parseTime(replicatedAt)
		r.SourceMtime = parseTime(mtime)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MoveToDeletionLog removes the replication_state row for (fileID,
// target) and records a deletion_log row with the given retention.
func (s *State) MoveToDeletionLog(fileID, target, remoteKey string, deletedAt time.Time, retainUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM replication_state WHERE file_id = ? AND target_name = ?`, fileID, target); err != nil {
		return err
	}

	var retainStr interface{}
	if retainUntil != nil {
		retainStr = fmtTime(*retainUntil)
	}
	purged := 0
	if retainUntil == nil {
		purged = 1
	}
	if _, err := tx.Exec(`INSERT INTO deletion_log
		(file_id, target_name, deleted_at, retain_until, remote_key, purged)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id, target_name) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			retain_until = excluded.retain_until,
			remote_key = excluded.remote_key,
			purged = excluded.purged`,
		fileID, target, fmtTime(deletedAt), retainStr, remoteKey, purged); err != nil {
		return err
	}
	return tx.Commit()
}

// DueForPurge returns deletion_log rows whose retain_until has passed
// and are not yet purged.
func (s *State) DueForPurge(now time.Time) ([]DeletionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT file_id, target_name, deleted_at, COALESCE(retain_until, ''), remote_key, purged
		FROM deletion_log WHERE purged = 0 AND retain_until IS NOT NULL AND retain_until <= ?`, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeletionRow
	for rows.Next() {
		var r DeletionRow
		var deletedAt, retainUntil string
		var purged int
		if err := rows.Scan(&r.FileID, &r.TargetName, &deletedAt, &retainUntil, &r.RemoteKey, &purged); err != nil {
			return nil, err
		}
		r.DeletedAt = parseTime(deletedAt)
		if retainUntil != "" {
			t := parseTime(retainUntil)
			r.RetainUntil = &t
		}
		r.Purged = purged != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkPurged flags a deletion_log row as purged after its remote
// object has been removed.
func (s *State) MarkPurged(fileID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE deletion_log SET purged = 1 WHERE file_id = ? AND target_name = ?`, fileID, target)
	return err
}

// Enqueue inserts (or leaves in place) a pending upload for (fileID, target).
func (s *State) Enqueue(fileID, target string, priority int, queuedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO upload_queue (file_id, target_name, queued_at, priority)
		VALUES (?, ?, ?, ?) ON CONFLICT (file_id, target_name) DO NOTHING`,
		fileID, target, fmtTime(queuedAt), priority)
	return err
}

// Dequeue removes the queue row for (fileID, target) after a
// successful upload.
func (s *State) Dequeue(fileID, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM upload_queue WHERE file_id = ? AND target_name = ?`, fileID, target)
	return err
}

// QueueDepth reports the current backlog size.
func (s *State) QueueDepth() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM upload_queue`).Scan(&n)
	return n, err
}

// DrainQueue returns queued uploads in priority order for the
// queue-drain timer to retry.
func (s *State) DrainQueue(limit int) ([]QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, file_id, target_name, queued_at, priority
		FROM upload_queue ORDER BY priority DESC, queued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueRow
	for rows.Next() {
		var q QueueRow
		var queuedAt string
		if err := rows.Scan(&q.ID, &q.FileID, &q.TargetName, &queuedAt, &q.Priority); err != nil {
			return nil, err
		}
		q.QueuedAt = parseTime(queuedAt)
		out = append(out, q)
	}
	return out, rows.Err()
}
