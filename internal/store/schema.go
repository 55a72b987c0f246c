package store

// Schema DDL. All timestamps are stored as Unix milliseconds so comparisons
// in SQL stay integer-cheap and clock injection round-trips exactly.

const userStateSchema = `
CREATE TABLE IF NOT EXISTS user_states (
	user_id TEXT PRIMARY KEY,
	attention REAL NOT NULL,
	fatigue REAL NOT NULL,
	motivation REAL NOT NULL,
	cog_memory REAL NOT NULL,
	cog_speed REAL NOT NULL,
	cog_stability REAL NOT NULL,
	trend TEXT NOT NULL DEFAULT 'stable',
	updated_at INTEGER NOT NULL
);
`

const stateHistorySchema = `
CREATE TABLE IF NOT EXISTS state_history (
	user_id TEXT NOT NULL,
	date TEXT NOT NULL,
	attention REAL NOT NULL,
	fatigue REAL NOT NULL,
	motivation REAL NOT NULL,
	cog_memory REAL NOT NULL,
	cog_speed REAL NOT NULL,
	cog_stability REAL NOT NULL,
	trend_state TEXT NOT NULL DEFAULT 'stable',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, date)
);
CREATE INDEX IF NOT EXISTS idx_state_history_user ON state_history(user_id, date);
`

const answerRecordSchema = `
CREATE TABLE IF NOT EXISTS answer_records (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	word_id TEXT NOT NULL,
	is_correct INTEGER NOT NULL,
	response_time_ms INTEGER NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_answers_user_ts ON answer_records(user_id, timestamp DESC);
`

const featureVectorSchema = `
CREATE TABLE IF NOT EXISTS feature_vectors (
	session_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	payload TEXT NOT NULL,
	norm_method TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	PRIMARY KEY (session_id, version)
);
`

const rewardTaskSchema = `
CREATE TABLE IF NOT EXISTS reward_tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT,
	due_ts INTEGER NOT NULL,
	reward REAL NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reward_status_due ON reward_tasks(status, due_ts);
CREATE INDEX IF NOT EXISTS idx_reward_user ON reward_tasks(user_id, due_ts, created_at);
`

const rewardAppliedSchema = `
CREATE TABLE IF NOT EXISTS reward_applied (
	idempotency_key TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

const decisionTraceSchema = `
CREATE TABLE IF NOT EXISTS decision_traces (
	decision_id TEXT PRIMARY KEY,
	answer_record_id TEXT,
	session_id TEXT,
	timestamp INTEGER NOT NULL,
	decision_source TEXT NOT NULL,
	weights_snapshot TEXT,
	member_votes TEXT,
	selected_action TEXT NOT NULL,
	confidence REAL NOT NULL,
	reward REAL,
	ingestion_status TEXT NOT NULL DEFAULT 'SUCCESS'
);
CREATE INDEX IF NOT EXISTS idx_traces_session ON decision_traces(session_id);
CREATE INDEX IF NOT EXISTS idx_traces_ts ON decision_traces(timestamp);

CREATE TABLE IF NOT EXISTS decision_trace_stages (
	decision_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	duration_ms INTEGER,
	error TEXT,
	PRIMARY KEY (decision_id, seq),
	FOREIGN KEY (decision_id) REFERENCES decision_traces(decision_id) ON DELETE CASCADE
);
`
