package sqlstore

// schemaSQLite mirrors the Postgres migrations for the zero-setup
// backend. Keep both in sync when adding columns.
const schemaSQLite = `
CREATE TABLE IF NOT EXISTS agents (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	name                TEXT NOT NULL,
	system_instructions TEXT NOT NULL DEFAULT '',
	task_instructions   TEXT NOT NULL DEFAULT '',
	model               TEXT NOT NULL DEFAULT '',
	schedule            TEXT NOT NULL DEFAULT '',
	allowed_tools       TEXT NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL DEFAULT 'idle',
	last_error          TEXT NOT NULL DEFAULT '',
	last_run_at         DATETIME,
	next_run_at         DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_id);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS agent_runs (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	thread_id    TEXT NOT NULL,
	status       TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	started_at   DATETIME,
	finished_at  DATETIME,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost   REAL NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_agent ON agent_runs(agent_id, created_at);

CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	canvas     TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	status          TEXT NOT NULL,
	trigger_payload TEXT NOT NULL DEFAULT '{}',
	node_outputs    TEXT NOT NULL DEFAULT '{}',
	completed_nodes TEXT NOT NULL DEFAULT '[]',
	run_ids         TEXT NOT NULL DEFAULT '[]',
	error           TEXT NOT NULL DEFAULT '',
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status);

CREATE TABLE IF NOT EXISTS triggers (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	secret     TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
`
