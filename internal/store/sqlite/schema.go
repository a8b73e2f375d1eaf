package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL DEFAULT '',
	agent_id         TEXT NOT NULL,
	capability_id    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'idle',
	session_ref      TEXT,
	model            TEXT,
	worker_id        TEXT,
	work_dir         TEXT NOT NULL DEFAULT '',
	permission_mode  TEXT NOT NULL DEFAULT '',
	allowed_tools    TEXT NOT NULL DEFAULT '[]',
	heartbeat_at     TIMESTAMP,
	total_cost_usd   REAL NOT NULL DEFAULT 0,
	total_turns      INTEGER NOT NULL DEFAULT 0,
	started_at       TIMESTAMP,
	ended_at         TIMESTAMP,
	idle_timeout_sec INTEGER NOT NULL DEFAULT 0,
	initial_prompt   TEXT NOT NULL DEFAULT '',
	status_message   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status_heartbeat ON sessions(status, heartbeat_at);

CREATE TABLE IF NOT EXISTS executions (
	id                  TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL DEFAULT '',
	agent_id            TEXT NOT NULL,
	capability_id       TEXT NOT NULL DEFAULT '',
	requester_id        TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'queued',
	spawn_depth         INTEGER NOT NULL DEFAULT 0,
	parent_execution_id TEXT REFERENCES executions(id),
	worker_id           TEXT,
	prompt              TEXT NOT NULL DEFAULT '',
	work_dir            TEXT NOT NULL DEFAULT '',
	timeout_sec         INTEGER NOT NULL DEFAULT 0,
	heartbeat_at        TIMESTAMP,
	log_file_path       TEXT NOT NULL DEFAULT '',
	status_message      TEXT NOT NULL DEFAULT '',
	started_at          TIMESTAMP,
	finished_at         TIMESTAMP,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_agent_status ON executions(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_executions_status_heartbeat ON executions(status, heartbeat_at);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 2,
	run_at       TIMESTAMP NOT NULL,
	locked_by    TEXT,
	last_error   TEXT,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at);
`
