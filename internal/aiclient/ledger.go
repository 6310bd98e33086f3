package aiclient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Ledger journals AI usage and key states in sqlite so daily budgets
// and rotation state survive restarts.
type Ledger struct {
	db *sql.DB
}

// UsageRecord is one completed lease.
type UsageRecord struct {
	Client   string
	Model    string
	Owner    string
	Outcome  string
	Usage    Usage
	Duration time.Duration
}

// KeyStateRow is one persisted key state.
type KeyStateRow struct {
	Client    string
	KeyHint   string
	State     string
	Balance   float64
	UpdatedAt time.Time
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ai_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_client_time ON ai_usage(client, created_at);
CREATE TABLE IF NOT EXISTS ai_key_state (
	client TEXT NOT NULL,
	key_hint TEXT NOT NULL,
	state TEXT NOT NULL,
	balance REAL NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (client, key_hint)
);
`

// OpenLedger opens or creates the ledger database.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}
	// sqlite takes one writer at a time; a single pooled connection
	// keeps SQLITE_BUSY away from the worker fan-in.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init usage ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// RecordUsage journals one completed lease.
func (l *Ledger) RecordUsage(ctx context.Context, rec UsageRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ai_usage (client, model, owner, outcome, prompt_tokens, completion_tokens, total_tokens, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Client, rec.Model, rec.Owner, rec.Outcome,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens,
		rec.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// RequestsSince counts the journaled calls of one client after the
// cutoff. Budget seeding uses it on restart.
func (l *Ledger) RequestsSince(ctx context.Context, client string, since time.Time) (int, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ai_usage WHERE client = ? AND created_at >= ?`,
		client, since.UTC())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return n, nil
}

// RecordKeyState upserts the rotation state of one key.
func (l *Ledger) RecordKeyState(ctx context.Context, client, keyHint, state string, balance float64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ai_key_state (client, key_hint, state, balance, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(client, key_hint) DO UPDATE SET
			state = excluded.state,
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		client, keyHint, state, balance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record key state: %w", err)
	}
	return nil
}

// KeyStates lists the persisted key states of one client.
func (l *Ledger) KeyStates(ctx context.Context, client string) ([]KeyStateRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT client, key_hint, state, balance, updated_at
		 FROM ai_key_state WHERE client = ? ORDER BY key_hint`,
		client)
	if err != nil {
		return nil, fmt.Errorf("list key states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []KeyStateRow
	for rows.Next() {
		var row KeyStateRow
		if err := rows.Scan(&row.Client, &row.KeyHint, &row.State, &row.Balance, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan key state: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
