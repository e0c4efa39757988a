// Package store is the SQLite persistence layer. One process owns the
// database file; the event log has its own table managed by eventlog.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	original_qty    TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	avg_price       TEXT NOT NULL,
	status          TEXT NOT NULL,
	correlation_id  TEXT,
	oca_group       TEXT,
	last_updated    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	exec_id    TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	side       TEXT NOT NULL,
	qty        TEXT NOT NULL,
	price      TEXT NOT NULL,
	time       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id);

CREATE TABLE IF NOT EXISTS evaluations (
	evaluation_id  TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	features       TEXT NOT NULL,
	score          REAL NOT NULL,
	confidence     REAL NOT NULL,
	should_trade   INTEGER NOT NULL,
	dispersion     REAL NOT NULL,
	regime         TEXT NOT NULL,
	prompt_hash    TEXT NOT NULL,
	blocked        INTEGER NOT NULL,
	block_reason   TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_symbol ON evaluations(symbol);

CREATE TABLE IF NOT EXISTS model_outputs (
	evaluation_id  TEXT NOT NULL,
	model          TEXT NOT NULL,
	score          REAL NOT NULL,
	should_trade   INTEGER,
	confidence     REAL NOT NULL,
	reasoning      TEXT,
	fail_reason    TEXT,
	latency_ms     INTEGER NOT NULL,
	PRIMARY KEY (evaluation_id, model)
);

CREATE TABLE IF NOT EXISTS outcomes (
	evaluation_id  TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	r_multiple     REAL NOT NULL,
	win            INTEGER NOT NULL,
	recorded_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exit_plans (
	plan_id     TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	state       TEXT NOT NULL,
	document    TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id    TEXT NOT NULL,
	field      TEXT NOT NULL,
	old        TEXT NOT NULL,
	new        TEXT NOT NULL,
	reason     TEXT NOT NULL,
	notes      TEXT,
	timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exit_events_plan ON exit_events(plan_id);

CREATE TABLE IF NOT EXISTS trade_journal (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol     TEXT,
	entry_type TEXT NOT NULL,
	body       TEXT NOT NULL,
	tags       TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_config (
	key        TEXT PRIMARY KEY,
	document   TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
	signal_id   TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	price       REAL,
	note        TEXT,
	received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS weight_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	claude      REAL NOT NULL,
	gpt4o       REAL NOT NULL,
	gemini      REAL NOT NULL,
	k           REAL NOT NULL,
	source      TEXT NOT NULL,
	sample_size INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ops_availability (
	time       TEXT PRIMARY KEY,
	bridge     INTEGER NOT NULL,
	broker     INTEGER NOT NULL,
	tunnel     INTEGER NOT NULL,
	end_to_end INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ops_outages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	start      TEXT NOT NULL,
	"end"      TEXT NOT NULL,
	duration_s INTEGER NOT NULL,
	components TEXT NOT NULL
);
`

// Open opens (or creates) the SQLite database with WAL and a busy timeout,
// and applies the schema
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// modernc sqlite is single-writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Database opened")
	return db, nil
}
