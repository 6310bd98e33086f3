// Package conversation archives every AI exchange as a plain-text
// transcript with a sqlite index, so an operator can audit what a model
// was asked and what it answered without trawling log files.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"intelligence-hub/internal/logging"
)

const indexFile = "conversation_index.db"

// Record is one exchange to persist.
type Record struct {
	UUID      string
	Informant string
	Outcome   string
	Model     string
	System    string
	User      string
	Reply     string
}

// IndexRow is one sidecar index entry.
type IndexRow struct {
	UUID      string    `json:"uuid"`
	Informant string    `json:"informant"`
	Outcome   string    `json:"outcome"`
	Model     string    `json:"model"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	informant TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_uuid ON conversations(uuid);
CREATE INDEX IF NOT EXISTS idx_conversations_time ON conversations(created_at);
`

// Recorder writes transcripts under one directory and keeps the index
// beside them.
type Recorder struct {
	dir    string
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// NewRecorder creates the transcript directory and opens the index.
func NewRecorder(dir string, logger logging.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, indexFile)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init conversation index: %w", err)
	}
	return &Recorder{
		dir:    dir,
		db:     db,
		logger: logger.WithComponent("conversation"),
		now:    time.Now,
	}, nil
}

// Dir returns the transcript directory.
func (r *Recorder) Dir() string { return r.dir }

// Record writes one transcript and indexes it. The returned path is
// relative to the recorder directory and is non-empty whenever the
// transcript reached disk, even if indexing failed.
func (r *Recorder) Record(ctx context.Context, rec Record) (string, error) {
	stamp := r.now().UTC()
	name, err := r.writeTranscript(stamp, rec)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO conversations (uuid, informant, outcome, model, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UUID, rec.Informant, rec.Outcome, rec.Model, name, stamp)
	if err != nil {
		return name, fmt.Errorf("index transcript: %w", err)
	}
	return name, nil
}

func (r *Recorder) writeTranscript(stamp time.Time, rec Record) (string, error) {
	base := fmt.Sprintf("%s_%s_%s",
		stamp.Format("20060102T150405"), pathToken(rec.UUID), pathToken(rec.Outcome))
	body := []byte(transcript(rec.System, rec.User, rec.Reply))

	// Retries of one item can land in the same second; the numeric
	// suffix keeps names unique.
	name := base + ".txt"
	for seq := 2; ; seq++ {
		f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(body)
			cerr := f.Close()
			if werr != nil {
				return "", fmt.Errorf("write transcript: %w", werr)
			}
			if cerr != nil {
				return "", fmt.Errorf("write transcript: %w", cerr)
			}
			return name, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("write transcript: %w", err)
		}
		name = fmt.Sprintf("%s_%d.txt", base, seq)
	}
}

// Lookup returns the index rows of one item, newest first.
func (r *Recorder) Lookup(ctx context.Context, uuid string) ([]IndexRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uuid, informant, outcome, model, path, created_at
		 FROM conversations WHERE uuid = ? ORDER BY id DESC`,
		uuid)
	if err != nil {
		return nil, fmt.Errorf("lookup conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []IndexRow
	for rows.Next() {
		var row IndexRow
		if err := rows.Scan(&row.UUID, &row.Informant, &row.Outcome, &row.Model, &row.Path, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the index handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// transcript renders the exchange in the section layout readers expect.
// A missing reply is written as <None>.
func transcript(system, user, reply string) string {
	if reply == "" {
		reply = "<None>"
	}
	var b strings.Builder
	b.WriteString("[system]\n\n")
	b.WriteString(system)
	b.WriteString("\n\n[user]\n\n")
	b.WriteString(user)
	b.WriteString("\n\n[reply]\n\n")
	b.WriteString(reply)
	return b.String()
}

// pathToken makes a value safe to embed in a file name.
func pathToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
