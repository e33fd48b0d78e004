package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists alert fire history in SQLite. It is an audit trail only:
// cooldown decisions never read from it.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) an alert history database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open alerts db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS alert_fires (
		id           TEXT PRIMARY KEY,
		rule_name    TEXT NOT NULL,
		count        INTEGER NOT NULL,
		severity     TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end   TEXT NOT NULL,
		fired_at     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create alert_fires: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_fires_rule_name ON alert_fires(rule_name)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_alert_fires_fired_at ON alert_fires(fired_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one fire event.
func (s *Store) Record(ctx context.Context, evt FireEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.FiredAt.IsZero() {
		evt.FiredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO alert_fires (id, rule_name, count, severity, window_start, window_end, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.RuleName,
		evt.Count,
		evt.Severity,
		evt.WindowStart.UTC().Format(timeLayout),
		evt.WindowEnd.UTC().Format(timeLayout),
		evt.FiredAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert alert fire: %w", err)
	}
	return nil
}

// List returns recent fires for one rule (or all rules when rule is empty),
// newest first.
func (s *Store) List(ctx context.Context, rule string, limit int) ([]FireEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, rule_name, count, severity, window_start, window_end, fired_at
		FROM alert_fires`
	args := make([]any, 0, 2)
	if rule != "" {
		query += ` WHERE rule_name = ?`
		args = append(args, rule)
	}
	query += ` ORDER BY fired_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert fires: %w", err)
	}
	defer rows.Close()

	out := make([]FireEvent, 0)
	for rows.Next() {
		evt, err := scanFire(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert fire: %w", err)
		}
		out = append(out, *evt)
	}
	return out, rows.Err()
}

// DeleteBefore removes fires older than cutoff and returns how many went.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_fires WHERE fired_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune alert fires: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// timeLayout is fixed width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func scanFire(s scanner) (*FireEvent, error) {
	var (
		evt                 FireEvent
		windowStart, winEnd string
		firedAt             string
	)

	if err := s.Scan(
		&evt.ID,
		&evt.RuleName,
		&evt.Count,
		&evt.Severity,
		&windowStart,
		&winEnd,
		&firedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if evt.WindowStart, err = time.Parse(timeLayout, windowStart); err != nil {
		return nil, fmt.Errorf("fire %s window_start: %w", evt.ID, err)
	}
	if evt.WindowEnd, err = time.Parse(timeLayout, winEnd); err != nil {
		return nil, fmt.Errorf("fire %s window_end: %w", evt.ID, err)
	}
	if evt.FiredAt, err = time.Parse(timeLayout, firedAt); err != nil {
		return nil, fmt.Errorf("fire %s fired_at: %w", evt.ID, err)
	}
	return &evt, nil
}
