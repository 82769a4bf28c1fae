package store

// schema matches the domain model: tasks carry the lease and scheduling
// columns, attempts snapshot the lease at start, events are append-only,
// run_state is a durable key/value map. Timestamps are fixed-width
// ISO-8601 UTC strings so lexicographic comparison orders them correctly.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    type             TEXT NOT NULL DEFAULT 'generic',
    title            TEXT NOT NULL,
    prompt           TEXT NOT NULL,
    success_criteria TEXT,
    task_request     TEXT NOT NULL DEFAULT '{}',
    priority         INTEGER NOT NULL DEFAULT 3,
    attempt_count    INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 3,
    status           TEXT NOT NULL DEFAULT 'queued',
    lease_owner      TEXT,
    lease_expires_at TEXT,
    last_error       TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry ON tasks(lease_expires_at);

CREATE TABLE IF NOT EXISTS task_attempts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id          TEXT NOT NULL REFERENCES tasks(id),
    attempt_no       INTEGER NOT NULL,
    status           TEXT NOT NULL DEFAULT 'running',
    lease_owner      TEXT,
    lease_expires_at TEXT,
    phase            TEXT NOT NULL DEFAULT '',
    output_json      TEXT NOT NULL DEFAULT '{}',
    started_at       TEXT NOT NULL,
    finished_at      TEXT,
    UNIQUE (task_id, attempt_no)
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT REFERENCES tasks(id),
    attempt_id INTEGER REFERENCES task_attempts(id),
    phase      TEXT NOT NULL DEFAULT '',
    level      TEXT NOT NULL DEFAULT 'info',
    message    TEXT NOT NULL DEFAULT '',
    data_json  TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_state (
    key        TEXT PRIMARY KEY,
    value_json TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL
);
`
