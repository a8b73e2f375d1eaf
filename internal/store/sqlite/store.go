// Package sqlite implements store.Store on an embedded SQLite database.
// It backs single-node deployments and the engine's tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/conductor/internal/models"
	"github.com/kandev/conductor/internal/store"
)

const sessionColumns = `id, task_id, agent_id, capability_id, status, session_ref, model, worker_id,
	work_dir, permission_mode, allowed_tools, heartbeat_at, total_cost_usd, total_turns,
	started_at, ended_at, idle_timeout_sec, initial_prompt, status_message, created_at, updated_at`

const executionColumns = `id, task_id, agent_id, capability_id, requester_id, status, spawn_depth,
	parent_execution_id, worker_id, prompt, work_dir, timeout_sec, heartbeat_at, log_file_path,
	status_message, started_at, finished_at, created_at, updated_at`

const jobColumns = `id, kind, payload, status, attempts, max_attempts, run_at, locked_by, last_error,
	created_at, updated_at`

// Store is a SQLite-backed store.Store.
type Store struct {
	db  *sqlx.DB // writer, single connection
	ro  *sqlx.DB // reader pool
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	path = absPath(path)
	writer, err := openWriter(path)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Exec(schema); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	reader, err := openReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Store{db: writer, ro: reader, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetClock replaces the time source used for heartbeats and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	rErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rErr
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	now := s.now()
	if sess.Status == "" {
		sess.Status = models.SessionIdle
	}
	sess.CreatedAt, sess.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`) VALUES (
			:id, :task_id, :agent_id, :capability_id, :status, :session_ref, :model, :worker_id,
			:work_dir, :permission_mode, :allowed_tools, :heartbeat_at, :total_cost_usd, :total_turns,
			:started_at, :ended_at, :idle_timeout_sec, :initial_prompt, :status_message, :created_at, :updated_at)
	`, sess)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.ro.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *Store) ClaimSession(ctx context.Context, id, workerID string) (*models.Session, error) {
	now := s.now()
	var sess models.Session
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET worker_id = ?, status = 'active', started_at = ?, heartbeat_at = ?, status_message = '', updated_at = ?
			WHERE id = ?
			  AND (status = 'idle' OR (status = 'active' AND (worker_id IS NULL OR worker_id = ?)))
		`, workerID, now, now, now, id, workerID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return store.ErrNotClaimed
		}
		return tx.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// inTx runs fn in a transaction on the writer connection. The writer holds a
// single connection, so fn observes and mutates rows without interleaving.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) TransitionSession(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, message string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	now := s.now()
	set := `status = ?, status_message = ?, updated_at = ?`
	args := []any{string(to), message, now}
	switch to {
	case models.SessionEnded, models.SessionTimedOut:
		set += `, worker_id = NULL, ended_at = ?`
		args = append(args, now)
	case models.SessionIdle:
		set += `, worker_id = NULL`
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ReopenSession(ctx context.Context, id, prompt string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'idle', initial_prompt = ?, worker_id = NULL, ended_at = NULL, status_message = '', updated_at = ?
		WHERE id = ? AND status IN ('idle', 'ended', 'timed_out')
	`, prompt, s.now(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SetSessionRef(ctx context.Context, id, ref, model string) error {
	var modelArg any
	if model != "" {
		modelArg = model
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET session_ref = ?, model = COALESCE(?, model), updated_at = ? WHERE id = ?
	`, ref, modelArg, s.now(), id)
	return err
}

func (s *Store) RecordTurn(ctx context.Context, id string, costUSD float64, turns int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET total_cost_usd = total_cost_usd + ?, total_turns = total_turns + ?, updated_at = ?
		WHERE id = ?
	`, costUSD, turns, s.now(), id)
	return err
}

func (s *Store) AddAllowedTool(ctx context.Context, id, tool string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.AllowedTools.Contains(tool) {
		return nil
	}
	tools := append(sess.AllowedTools, tool)
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET allowed_tools = ?, updated_at = ? WHERE id = ?`,
		tools, s.now(), id)
	return err
}

func (s *Store) TouchSession(ctx context.Context, id, workerID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND worker_id = ?`,
		now, now, id, workerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) ReapStaleSessions(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	now := s.now()
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE sessions
		SET status = 'timed_out', status_message = ?, worker_id = NULL, ended_at = ?, updated_at = ?
		WHERE status IN ('active', 'awaiting_input') AND heartbeat_at IS NOT NULL AND heartbeat_at < ?
		RETURNING id
	`, message, now, now, cutoff.UTC())
	return ids, err
}

// --- executions ---

func (s *Store) CreateExecution(ctx context.Context, e *models.Execution) error {
	now := s.now()
	if e.Status == "" {
		e.Status = models.ExecutionQueued
	}
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`) VALUES (
			:id, :task_id, :agent_id, :capability_id, :requester_id, :status, :spawn_depth,
			:parent_execution_id, :worker_id, :prompt, :work_dir, :timeout_sec, :heartbeat_at, :log_file_path,
			:status_message, :started_at, :finished_at, :created_at, :updated_at)
	`, e)
	return err
}

func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var e models.Execution
	err := s.ro.GetContext(ctx, &e, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *Store) ClaimExecution(ctx context.Context, id, workerID string) (*models.Execution, error) {
	now := s.now()
	var e models.Execution
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET worker_id = ?, status = 'running', started_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'
		`, workerID, now, now, now, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return store.ErrNotClaimed
		}
		return tx.GetContext(ctx, &e, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, message string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	now := s.now()
	set := `status = ?, status_message = ?, updated_at = ?`
	args := []any{string(to), message, now}
	if to.Terminal() {
		set += `, finished_at = ?`
		args = append(args, now)
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+set+` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) TouchExecution(ctx context.Context, id, workerID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND worker_id = ?`,
		now, now, id, workerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) CountActiveExecutions(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM executions WHERE agent_id = ? AND status IN ('queued', 'running')`, agentID)
	return n, err
}

func (s *Store) ReapStaleExecutions(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	now := s.now()
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE executions
		SET status = 'timed_out', status_message = ?, finished_at = ?, updated_at = ?
		WHERE status IN ('running', 'cancelling') AND heartbeat_at IS NOT NULL AND heartbeat_at < ?
		RETURNING id
	`, message, now, now, cutoff.UTC())
	return ids, err
}

// --- jobs ---

type jobRow struct {
	ID          string    `db:"id"`
	Kind        string    `db:"kind"`
	Payload     string    `db:"payload"`
	Status      string    `db:"status"`
	Attempts    int       `db:"attempts"`
	MaxAttempts int       `db:"max_attempts"`
	RunAt       time.Time `db:"run_at"`
	LockedBy    *string   `db:"locked_by"`
	LastError   *string   `db:"last_error"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r jobRow) toModel() *models.Job {
	return &models.Job{
		ID:          r.ID,
		Kind:        models.JobKind(r.Kind),
		Payload:     []byte(r.Payload),
		Status:      models.JobStatus(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		RunAt:       r.RunAt,
		LockedBy:    r.LockedBy,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *Store) EnqueueJob(ctx context.Context, job *models.Job) error {
	now := s.now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = models.JobPending
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, 0, ?, ?, NULL, NULL, ?, ?)
	`, job.ID, string(job.Kind), string(job.Payload), string(job.Status), job.MaxAttempts, job.RunAt.UTC(), now, now)
	return err
}

// ClaimNextJob relies on the single writer connection for exclusivity; the
// Postgres store uses FOR UPDATE SKIP LOCKED instead.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	now := s.now()
	var row jobRow
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		err := tx.GetContext(ctx, &id, `
			SELECT id FROM jobs WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at, created_at LIMIT 1
		`, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', attempts = attempts + 1, locked_by = ?, updated_at = ?
			WHERE id = ?
		`, workerID, now, id); err != nil {
			return err
		}
		return tx.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', locked_by = NULL, updated_at = ? WHERE id = ?`, s.now(), id)
	return err
}

func (s *Store) RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', run_at = ?, last_error = ?, locked_by = NULL, updated_at = ?
		WHERE id = ?
	`, runAt.UTC(), lastError, s.now(), id)
	return err
}

func (s *Store) FailJob(ctx context.Context, id string, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = ?, locked_by = NULL, updated_at = ? WHERE id = ?`,
		lastError, s.now(), id)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	if err := s.ro.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}
