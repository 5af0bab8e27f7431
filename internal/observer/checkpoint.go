package observer

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/pulse-compute/internal/ledger"
	_ "modernc.org/sqlite"
)

// Checkpoint persists the observer's cursor and the set of (entitlement,
// kind) pairs already acted on, so a restart resumes without reprocessing.
type Checkpoint struct {
	db   *sql.DB
	name string
}

// OpenCheckpoint opens (or creates) the checkpoint database in dir. name
// distinguishes cursors when several observers share a directory.
func OpenCheckpoint(dir, name string) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	dsn := filepath.Join(dir, "observer.db") + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `
	CREATE TABLE IF NOT EXISTS cursors (
		name       TEXT PRIMARY KEY,
		seq        INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS handled_events (
		entitlement_id INTEGER NOT NULL,
		kind           TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		handled_at     INTEGER NOT NULL,
		PRIMARY KEY (entitlement_id, kind)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return &Checkpoint{db: db, name: name}, nil
}

func (c *Checkpoint) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Cursor returns the last persisted sequence, 0 if none.
func (c *Checkpoint) Cursor(ctx context.Context) (uint64, error) {
	var seq int64
	err := c.db.QueryRowContext(ctx, `SELECT seq FROM cursors WHERE name = ?`, c.name).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return uint64(seq), nil
}

// SetCursor persists seq. The cursor never moves backwards.
func (c *Checkpoint) SetCursor(ctx context.Context, seq uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			seq = MAX(cursors.seq, excluded.seq),
			updated_at = excluded.updated_at`,
		c.name, int64(seq), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// MarkHandled records that the logical event (id, kind) has been acted on.
func (c *Checkpoint) MarkHandled(ctx context.Context, id uint64, kind ledger.EventKind, seq uint64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO handled_events (entitlement_id, kind, seq, handled_at)
		VALUES (?, ?, ?, ?)`,
		int64(id), string(kind), int64(seq), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("mark %s %d handled: %w", kind, id, err)
	}
	return nil
}

// Handled reports whether (id, kind) was already acted on.
func (c *Checkpoint) Handled(ctx context.Context, id uint64, kind ledger.EventKind) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM handled_events WHERE entitlement_id = ? AND kind = ?`,
		int64(id), string(kind)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s %d handled: %w", kind, id, err)
	}
	return true, nil
}
