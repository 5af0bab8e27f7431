package statusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("status entry not found")
	ErrNotRetryable = errors.New("status entry is not in a retryable state")
	ErrInvalidState = errors.New("invalid status state")
)

// Store is the durable, non-authoritative record of per-entitlement
// fulfillment state, backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the status database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create status store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "status.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open status store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlement_status (
		entitlement_id  INTEGER PRIMARY KEY,
		state           TEXT NOT NULL,
		provider        TEXT NOT NULL DEFAULT '',
		tier            TEXT NOT NULL DEFAULT '',
		owner           TEXT NOT NULL DEFAULT '',
		instance_id     TEXT NOT NULL DEFAULT '',
		network_address TEXT NOT NULL DEFAULT '',
		attempt_id      TEXT NOT NULL DEFAULT '',
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		provisioned_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_entitlement_status_state ON entitlement_status(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init status store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `entitlement_id, state, provider, tier, owner,
	instance_id, network_address, attempt_id, attempts, last_error,
	created_at, updated_at, provisioned_at`

// Get returns the entry for id, or nil if none has been recorded.
func (s *Store) Get(ctx context.Context, id uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
		FROM entitlement_status WHERE entitlement_id = ?`, int64(id))
	return scanEntry(row)
}

// Put writes the whole entry, creating it if needed. CreatedAt is preserved
// for existing rows.
func (s *Store) Put(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("status entry is nil")
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, e.State)
	}
	now := s.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlement_status (
			entitlement_id, state, provider, tier, owner,
			instance_id, network_address, attempt_id, attempts, last_error,
			created_at, updated_at, provisioned_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entitlement_id) DO UPDATE SET
			state = excluded.state,
			provider = excluded.provider,
			tier = excluded.tier,
			owner = excluded.owner,
			instance_id = excluded.instance_id,
			network_address = excluded.network_address,
			attempt_id = excluded.attempt_id,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at,
			provisioned_at = excluded.provisioned_at`,
		int64(e.EntitlementID), string(e.State), e.Provider, e.Tier, e.Owner,
		e.InstanceID, e.NetworkAddress, e.AttemptID, e.Attempts, e.LastError,
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(), nullableTimeUnix(e.ProvisionedAt),
	)
	if err != nil {
		return fmt.Errorf("put status entry %d: %w", e.EntitlementID, err)
	}
	return nil
}

// Set records state for id. If no entry exists a minimal one is created.
// A non-empty lastErr replaces the stored error; moving to running or
// terminated clears it.
func (s *Store) Set(ctx context.Context, id uint64, state State, lastErr string) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	now := s.now().UTC().Unix()
	resetErr := 0
	if state == StateRunning || state == StateTerminated {
		resetErr = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlement_status (entitlement_id, state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entitlement_id) DO UPDATE SET
			state = excluded.state,
			last_error = CASE
				WHEN ? = 1 THEN ''
				WHEN excluded.last_error != '' THEN excluded.last_error
				ELSE entitlement_status.last_error
			END,
			updated_at = excluded.updated_at`,
		int64(id), string(state), lastErr, now, now, resetErr,
	)
	if err != nil {
		return fmt.Errorf("set status %d to %s: %w", id, state, err)
	}
	return nil
}

// BeginAttempt marks id in progress under a fresh attempt id and bumps the
// attempt counter. A previously recorded instance id is kept so the next
// attempt can reuse it.
func (s *Store) BeginAttempt(ctx context.Context, e *Entry) (string, error) {
	attemptID := ulid.Make().String()
	now := s.now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlement_status (
			entitlement_id, state, provider, tier, owner, attempt_id, attempts,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(entitlement_id) DO UPDATE SET
			state = excluded.state,
			provider = excluded.provider,
			tier = excluded.tier,
			owner = excluded.owner,
			attempt_id = excluded.attempt_id,
			attempts = entitlement_status.attempts + 1,
			last_error = '',
			updated_at = excluded.updated_at`,
		int64(e.EntitlementID), string(StateInProgress), e.Provider, e.Tier, e.Owner,
		attemptID, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("begin attempt for %d: %w", e.EntitlementID, err)
	}
	return attemptID, nil
}

// RecordInstance stores the instance created by the current attempt before
// its address is known.
func (s *Store) RecordInstance(ctx context.Context, id uint64, instanceID, networkAddress string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlement_status SET instance_id = ?, network_address = ?, updated_at = ?
		WHERE entitlement_id = ?`,
		instanceID, networkAddress, s.now().UTC().Unix(), int64(id))
	if err != nil {
		return fmt.Errorf("record instance for %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// MarkRunning records a successful, written-back provisioning.
func (s *Store) MarkRunning(ctx context.Context, id uint64, instanceID, networkAddress string) error {
	now := s.now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlement_status SET
			state = ?, instance_id = ?, network_address = ?, last_error = '',
			provisioned_at = COALESCE(provisioned_at, ?), updated_at = ?
		WHERE entitlement_id = ?`,
		string(StateRunning), instanceID, networkAddress, now, now, int64(id))
	if err != nil {
		return fmt.Errorf("mark %d running: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// RequestRetry flags an entry for another provisioning attempt.
func (s *Store) RequestRetry(ctx context.Context, id uint64) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if !e.State.Retryable() {
		return fmt.Errorf("%w: %d is %s", ErrNotRetryable, id, e.State)
	}
	return s.Set(ctx, id, StateRetryRequested, "")
}

// Delete removes the entry for id.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entitlement_status WHERE entitlement_id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete status %d: %w", id, err)
	}
	return nil
}

// List returns all entries ordered by entitlement id.
func (s *Store) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM entitlement_status ORDER BY entitlement_id`)
	if err != nil {
		return nil, fmt.Errorf("list status entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByState returns entries in any of states, ordered by entitlement id.
func (s *Store) ListByState(ctx context.Context, states ...State) ([]*Entry, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
		FROM entitlement_status WHERE state IN (`+placeholders+`)
		ORDER BY entitlement_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list status entries by state: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountByState returns a map of state -> count.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM entitlement_status GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count status entries by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[State(state)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var id int64
	var state string
	var createdAt, updatedAt int64
	var provisionedAt sql.NullInt64

	err := s.Scan(
		&id, &state, &e.Provider, &e.Tier, &e.Owner,
		&e.InstanceID, &e.NetworkAddress, &e.AttemptID, &e.Attempts, &e.LastError,
		&createdAt, &updatedAt, &provisionedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan status entry: %w", err)
	}

	e.EntitlementID = uint64(id)
	e.State = State(state)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if provisionedAt.Valid {
		ts := time.Unix(provisionedAt.Int64, 0).UTC()
		e.ProvisionedAt = &ts
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
