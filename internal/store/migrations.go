package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id   INTEGER PRIMARY KEY,
	role TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	key     TEXT NOT NULL UNIQUE,
	enabled INTEGER NOT NULL DEFAULT 1,
	config  BLOB
);

CREATE TABLE IF NOT EXISTS jobs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id            INTEGER NOT NULL,
	provider_id        INTEGER NOT NULL REFERENCES providers(id),
	external_id        TEXT NOT NULL,
	title              TEXT NOT NULL,
	category           TEXT NOT NULL,
	metadata           TEXT NOT NULL DEFAULT '{}',
	priority           INTEGER NOT NULL DEFAULT 100,
	position            INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	progress           REAL NOT NULL DEFAULT 0,
	speed_bps          INTEGER NOT NULL DEFAULT 0,
	eta_seconds        INTEGER NOT NULL DEFAULT 0,
	downloader_handle  TEXT,
	tmp_path           TEXT,
	final_path         TEXT,
	file_size_bytes    INTEGER NOT NULL DEFAULT 0,
	error_text         TEXT,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	deleted_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_provider ON jobs(provider_id);
CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id);

CREATE TABLE IF NOT EXISTS bulk_tasks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id         INTEGER NOT NULL,
	payload         TEXT NOT NULL,
	options         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL,
	total_items     INTEGER NOT NULL DEFAULT 0,
	processed_items INTEGER NOT NULL DEFAULT 0,
	failed_items    INTEGER NOT NULL DEFAULT 0,
	error_text      TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bulk_tasks_status ON bulk_tasks(status);

CREATE TABLE IF NOT EXISTS provider_pause (
	provider_key TEXT PRIMARY KEY,
	paused_by    TEXT NOT NULL,
	paused_at    TIMESTAMP NOT NULL,
	note         TEXT
);

CREATE TABLE IF NOT EXISTS audit_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	actor        TEXT NOT NULL,
	action       TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}
