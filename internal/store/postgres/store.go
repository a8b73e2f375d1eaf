package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

// Store is a PostgreSQL-backed store.Store on the shared pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New returns a store on pool. The listen pool must never be passed here.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op; Pools owns the connections.
func (s *Store) Close() error { return nil }

func one[T any](ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, sql string, args ...any) (*T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[T])
}

// inList renders "$n, $n+1, ..." for count parameters starting at start.
func inList(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.Status == "" {
		sess.Status = models.SessionIdle
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, sess.ID, sess.TaskID, sess.AgentID, sess.CapabilityID, string(sess.Status), sess.SessionRef, sess.Model,
		sess.WorkerID, sess.WorkDir, sess.PermissionMode, sess.AllowedTools, sess.HeartbeatAt, sess.TotalCostUSD,
		sess.TotalTurns, sess.StartedAt, sess.EndedAt, sess.IdleTimeoutSec, sess.InitialPrompt, sess.StatusMessage,
		sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := one[models.Session](ctx, s.pool, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

func (s *Store) ClaimSession(ctx context.Context, id, workerID string) (*models.Session, error) {
	sess, err := one[models.Session](ctx, s.pool, `
		UPDATE sessions
		SET worker_id = $1, status = 'active', started_at = now(), heartbeat_at = now(), status_message = '', updated_at = now()
		WHERE id = $2
		  AND (status = 'idle' OR (status = 'active' AND (worker_id IS NULL OR worker_id = $1)))
		RETURNING `+sessionColumns, workerID, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotClaimed
	}
	return sess, err
}

func (s *Store) TransitionSession(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus, message string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	set := `status = $1, status_message = $2, updated_at = now()`
	switch to {
	case models.SessionEnded, models.SessionTimedOut:
		set += `, worker_id = NULL, ended_at = now()`
	case models.SessionIdle:
		set += `, worker_id = NULL`
	}
	args := []any{string(to), message, id}
	for _, f := range from {
		args = append(args, string(f))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET `+set+` WHERE id = $3 AND status IN (`+inList(4, len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ReopenSession(ctx context.Context, id, prompt string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = 'idle', initial_prompt = $1, worker_id = NULL, ended_at = NULL, status_message = '', updated_at = now()
		WHERE id = $2 AND status IN ('idle', 'ended', 'timed_out')
	`, prompt, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetSessionRef(ctx context.Context, id, ref, model string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET session_ref = $1, model = COALESCE(NULLIF($2, ''), model), updated_at = now()
		WHERE id = $3
	`, ref, model, id)
	return err
}

func (s *Store) RecordTurn(ctx context.Context, id string, costUSD float64, turns int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET total_cost_usd = total_cost_usd + $1, total_turns = total_turns + $2, updated_at = now()
		WHERE id = $3
	`, costUSD, turns, id)
	return err
}

func (s *Store) AddAllowedTool(ctx context.Context, id, tool string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET allowed_tools = (allowed_tools::jsonb || to_jsonb($1::text))::text, updated_at = now()
		WHERE id = $2 AND NOT (allowed_tools::jsonb ? $1)
	`, tool, id)
	return err
}

func (s *Store) TouchSession(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET heartbeat_at = now(), updated_at = now() WHERE id = $1 AND worker_id = $2`,
		id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) ReapStaleSessions(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sessions
		SET status = 'timed_out', status_message = $1, worker_id = NULL, ended_at = now(), updated_at = now()
		WHERE status IN ('active', 'awaiting_input') AND heartbeat_at < $2
		RETURNING id
	`, message, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- executions ---

func (s *Store) CreateExecution(ctx context.Context, e *models.Execution) error {
	if e.Status == "" {
		e.Status = models.ExecutionQueued
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, e.ID, e.TaskID, e.AgentID, e.CapabilityID, e.RequesterID, string(e.Status), e.SpawnDepth,
		e.ParentExecutionID, e.WorkerID, e.Prompt, e.WorkDir, e.TimeoutSec, e.HeartbeatAt, e.LogFilePath,
		e.StatusMessage, e.StartedAt, e.FinishedAt, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *Store) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	e, err := one[models.Execution](ctx, s.pool, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func (s *Store) ClaimExecution(ctx context.Context, id, workerID string) (*models.Execution, error) {
	e, err := one[models.Execution](ctx, s.pool, `
		UPDATE executions
		SET worker_id = $1, status = 'running', started_at = now(), heartbeat_at = now(), updated_at = now()
		WHERE id = $2 AND status = 'queued'
		RETURNING `+executionColumns, workerID, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotClaimed
	}
	return e, err
}

func (s *Store) TransitionExecution(ctx context.Context, id string, from []models.ExecutionStatus, to models.ExecutionStatus, message string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	set := `status = $1, status_message = $2, updated_at = now()`
	if to.Terminal() {
		set += `, finished_at = now()`
	}
	args := []any{string(to), message, id}
	for _, f := range from {
		args = append(args, string(f))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET `+set+` WHERE id = $3 AND status IN (`+inList(4, len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) TouchExecution(ctx context.Context, id, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET heartbeat_at = now(), updated_at = now() WHERE id = $1 AND worker_id = $2`,
		id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotClaimed
	}
	return nil
}

func (s *Store) CountActiveExecutions(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM executions WHERE agent_id = $1 AND status IN ('queued', 'running')`, agentID,
	).Scan(&n)
	return n, err
}

func (s *Store) ReapStaleExecutions(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE executions
		SET status = 'timed_out', status_message = $1, finished_at = now(), updated_at = now()
		WHERE status IN ('running', 'cancelling') AND heartbeat_at < $2
		RETURNING id
	`, message, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
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

func (r *jobRow) toModel() *models.Job {
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
	now := time.Now().UTC()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = models.JobPending
	job.CreatedAt, job.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, 'pending', 0, $4, $5, NULL, NULL, $6, $6)
	`, job.ID, string(job.Kind), string(job.Payload), job.MaxAttempts, job.RunAt, now)
	return err
}

// ClaimNextJob locks exactly one due job; concurrent pollers skip rows
// another worker holds.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	row, err := one[jobRow](ctx, s.pool, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, locked_by = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= now()
			ORDER BY run_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', locked_by = NULL, updated_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', run_at = $1, last_error = $2, locked_by = NULL, updated_at = now()
		WHERE id = $3
	`, runAt, lastError, id)
	return err
}

func (s *Store) FailJob(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $1, locked_by = NULL, updated_at = now() WHERE id = $2`,
		lastError, id)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row, err := one[jobRow](ctx, s.pool, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}
