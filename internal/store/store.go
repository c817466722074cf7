// Package store persists task records and their audit trails in SQLite.
// It is the single shared mutable resource: the lifecycle coordinator is
// the only writer of state, result and audit entries, and every
// transition commits atomically with its audit entry.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/throw-if-null/quill/internal/api"
	"github.com/throw-if-null/quill/internal/machine"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("task already exists")
	// ErrConflict means concurrent writers contended on the same task
	// past the store's internal retry budget. Callers may retry the
	// whole operation.
	ErrConflict = errors.New("store conflict")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  task_id TEXT PRIMARY KEY,
  prompt TEXT NOT NULL,
  status TEXT NOT NULL,
  phase TEXT NOT NULL DEFAULT '',
  result TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
  actor TEXT NOT NULL,
  from_status TEXT NOT NULL,
  from_phase TEXT NOT NULL DEFAULT '',
  to_status TEXT NOT NULL,
  to_phase TEXT NOT NULL DEFAULT '',
  at TEXT NOT NULL,
  note TEXT NOT NULL DEFAULT ''
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateTask inserts a pending task row with an empty audit log.
func (s *Store) CreateTask(taskID, prompt string) (*api.TaskView, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	init := machine.Initial()
	_, err := s.db.Exec(
		`INSERT INTO tasks (task_id, prompt, status, phase, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, prompt, string(init.Status), string(init.Phase), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrExists
		}
		return nil, err
	}
	return s.GetTask(taskID)
}

// GetTask returns the task row plus its ordered audit entries.
func (s *Store) GetTask(taskID string) (*api.TaskView, error) {
	row := s.db.QueryRow(`SELECT task_id, prompt, status, phase, result, created_at, updated_at FROM tasks WHERE task_id = ?`, taskID)
	view, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT actor, from_status, from_phase, to_status, to_phase, at, note FROM audit_log WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e api.AuditEntry
		if err := rows.Scan(&e.Actor, &e.FromStatus, &e.FromPhase, &e.ToStatus, &e.ToPhase, &e.At, &e.Note); err != nil {
			return nil, err
		}
		view.AuditLog = append(view.AuditLog, e)
	}
	return view, rows.Err()
}

// ListTasks returns tasks ordered newest first. If limit <= 0, return all.
// Audit logs are not loaded here; use GetTask for the full view.
func (s *Store) ListTasks(limit int) ([]*api.TaskView, error) {
	q := `SELECT task_id, prompt, status, phase, result, created_at, updated_at FROM tasks ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.TaskView
	for rows.Next() {
		view, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, rows.Err()
}

// Mutation describes one accepted transition to be committed atomically
// with its audit entry. The store fills the from/to edge and timestamp;
// the caller supplies actor and note.
type Mutation struct {
	Next   machine.State
	Result *string
	Actor  string
	Note   string
}

// ApplyTransition runs fn against the freshest row inside one
// transaction. fn sees the current state and returns the mutation to
// commit, or (nil, nil) for a no-op, or an error to abort. Busy/locked
// sqlite conditions are retried with backoff; exhaustion maps to
// ErrConflict so the caller can apply its own retry policy. The bool
// result reports whether a transition was committed.
func (s *Store) ApplyTransition(taskID string, fn func(cur machine.State) (*Mutation, error)) (*api.TaskView, bool, error) {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		mutated, err := s.applyOnce(taskID, fn)
		if err == nil {
			view, gerr := s.GetTask(taskID)
			return view, mutated, gerr
		}
		if isSqliteBusy(err) {
			lastErr = err
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *Store) applyOnce(taskID string, fn func(cur machine.State) (*Mutation, error)) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status, phase string
	var result sql.NullString
	row := tx.QueryRow(`SELECT status, phase, result FROM tasks WHERE task_id = ?`, taskID)
	if err := row.Scan(&status, &phase, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	cur := machine.State{Status: machine.Status(status), Phase: machine.Phase(phase)}

	m, err := fn(cur)
	if err != nil {
		return false, err
	}
	if m == nil {
		// Redelivery no-op: nothing committed, nothing appended.
		return false, tx.Commit()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if m.Result != nil {
		if result.Valid {
			return false, fmt.Errorf("result already set for task %s", taskID)
		}
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, phase = ?, result = ?, updated_at = ? WHERE task_id = ?`,
			string(m.Next.Status), string(m.Next.Phase), *m.Result, now, taskID); err != nil {
			return false, err
		}
	} else {
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, phase = ?, updated_at = ? WHERE task_id = ?`,
			string(m.Next.Status), string(m.Next.Phase), now, taskID); err != nil {
			return false, err
		}
	}

	if _, err := tx.Exec(`INSERT INTO audit_log (task_id, actor, from_status, from_phase, to_status, to_phase, at, note) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, m.Actor, string(cur.Status), string(cur.Phase), string(m.Next.Status), string(m.Next.Phase), now, m.Note); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ListStalledRunning returns phase signals for tasks that have sat in a
// running state longer than the grace period. These are candidates for
// a lost dispatch; re-enqueueing is safe because the coordinator treats
// redelivered completions as no-ops.
func (s *Store) ListStalledRunning(grace time.Duration) ([]api.Signal, error) {
	cutoff := time.Now().UTC().Add(-grace).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`SELECT task_id, phase FROM tasks WHERE status = ? AND updated_at < ?`,
		string(machine.StatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Signal
	for rows.Next() {
		var sig api.Signal
		if err := rows.Scan(&sig.TaskID, &sig.Phase); err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*api.TaskView, error) {
	var view api.TaskView
	var result sql.NullString
	if err := row.Scan(&view.TaskID, &view.Prompt, &view.Status, &view.Phase, &result, &view.CreatedAt, &view.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if result.Valid {
		r := result.String
		view.Result = &r
	}
	return &view, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
