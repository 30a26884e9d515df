package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// Snapshot is one polled usage observation for an account.
type Snapshot struct {
	ID              string
	Timestamp       time.Time
	AccountID       string
	SessionPct      float64
	WeeklyPct       float64
	OpusPct         float64
	SessionResetsAt string
	WeeklyResetsAt  string
}

// MemberUsage is one organization member's token totals for a day, from the
// admin usage collaborator.
type MemberUsage struct {
	Date         string
	Member       string
	InputTokens  int64
	OutputTokens int64
}

type QueryFilter struct {
	Limit     int
	AccountID string
	Since     time.Time
}

// Store persists usage snapshots and admin member totals in sqlite.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	store := &Store{db: db}
	if err := store.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set db perms: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS usage_snapshots (
    id TEXT PRIMARY KEY,
    timestamp DATETIME NOT NULL,
    account_id TEXT NOT NULL,
    session_pct REAL,
    weekly_pct REAL,
    opus_pct REAL,
    session_resets_at TEXT,
    weekly_resets_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account ON usage_snapshots(account_id, timestamp);

CREATE TABLE IF NOT EXISTS admin_member_usage (
    date TEXT NOT NULL,
    member TEXT NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    PRIMARY KEY (date, member)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) RecordSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = ulid.Make().String()
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_snapshots (id, timestamp, account_id, session_pct, weekly_pct, opus_pct, session_resets_at, weekly_resets_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID,
		snapshot.Timestamp.UTC().Format(time.RFC3339),
		snapshot.AccountID,
		snapshot.SessionPct,
		snapshot.WeeklyPct,
		snapshot.OpusPct,
		snapshot.SessionResetsAt,
		snapshot.WeeklyResetsAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for accountID.
func (s *Store) LatestSnapshot(ctx context.Context, accountID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, timestamp, account_id, session_pct, weekly_pct, opus_pct, session_resets_at, weekly_resets_at
FROM usage_snapshots WHERE account_id = ?
ORDER BY timestamp DESC LIMIT 1`, accountID)
	return scanSnapshot(row)
}

func (s *Store) ListSnapshots(ctx context.Context, filter QueryFilter) ([]Snapshot, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	where := []string{"1=1"}
	args := make([]any, 0, 3)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	args = append(args, filter.Limit)
	query := `
SELECT id, timestamp, account_id, session_pct, weekly_pct, opus_pct, session_resets_at, weekly_resets_at
FROM usage_snapshots
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY timestamp DESC
LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	out := []Snapshot{}
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	return out, rows.Err()
}

func (s *Store) UpsertAdminUsage(ctx context.Context, usage MemberUsage) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO admin_member_usage(date, member, input_tokens, output_tokens)
VALUES (?, ?, ?, ?)
ON CONFLICT(date, member) DO UPDATE SET
    input_tokens = excluded.input_tokens,
    output_tokens = excluded.output_tokens
`, usage.Date, usage.Member, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return fmt.Errorf("upsert admin usage: %w", err)
	}
	return nil
}

func (s *Store) ListAdminUsage(ctx context.Context, date string) ([]MemberUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT date, member, input_tokens, output_tokens
FROM admin_member_usage WHERE date = ? ORDER BY member`, date)
	if err != nil {
		return nil, fmt.Errorf("query admin usage: %w", err)
	}
	defer rows.Close()
	out := []MemberUsage{}
	for rows.Next() {
		var usage MemberUsage
		if err := rows.Scan(&usage.Date, &usage.Member, &usage.InputTokens, &usage.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan admin usage row: %w", err)
		}
		out = append(out, usage)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOlderThan(ctx context.Context, days int) error {
	if days <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_snapshots WHERE timestamp < ?`, cutoff.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("delete old snapshots: %w", err)
	}
	return nil
}

func scanSnapshot(scanner interface{ Scan(dest ...any) error }) (Snapshot, error) {
	var snapshot Snapshot
	var timestamp string
	if err := scanner.Scan(
		&snapshot.ID,
		&timestamp,
		&snapshot.AccountID,
		&snapshot.SessionPct,
		&snapshot.WeeklyPct,
		&snapshot.OpusPct,
		&snapshot.SessionResetsAt,
		&snapshot.WeeklyResetsAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("scan snapshot row: %w", err)
	}
	if parsed, err := time.Parse(time.RFC3339, timestamp); err == nil {
		snapshot.Timestamp = parsed
	}
	return snapshot, nil
}
