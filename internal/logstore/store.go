// Package logstore persists parsed syslog records and answers the windowed
// count queries that alert rules run against them.
//
// The same schema is used on SQLite, PostgreSQL and MySQL. Alert rule
// predicates are SQL boolean fragments over these columns:
//
//	id, ts, received_at, facility, severity, hostname, app_name,
//	proc_id, msg_id, structured_data, message, raw
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/logsentry/internal/syslog"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// timeLayout is fixed width UTC so text ordering equals time ordering on
// every dialect.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is a stored record.
type Entry struct {
	ID         int64         `json:"id"`
	ReceivedAt time.Time     `json:"received_at"`
	Record     syslog.Record `json:"record"`
}

type dialect struct {
	name       string
	sqlDriver  string
	dollar     bool
	returning  bool
	schema     []string
	initialise []string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:       DriverSQLite,
		sqlDriver:  "sqlite",
		initialise: []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"},
		schema: []string{
			`CREATE TABLE IF NOT EXISTS logs (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				ts              TEXT NOT NULL,
				received_at     TEXT NOT NULL,
				facility        INTEGER NOT NULL,
				severity        INTEGER NOT NULL,
				hostname        TEXT NOT NULL,
				app_name        TEXT NOT NULL,
				proc_id         TEXT NOT NULL DEFAULT '',
				msg_id          TEXT NOT NULL DEFAULT '',
				structured_data TEXT NOT NULL DEFAULT '',
				message         TEXT NOT NULL,
				raw             TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
		},
	},
	DriverPostgres: {
		name:      DriverPostgres,
		sqlDriver: "pgx",
		dollar:    true,
		returning: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS logs (
				id              BIGSERIAL PRIMARY KEY,
				ts              TEXT NOT NULL,
				received_at     TEXT NOT NULL,
				facility        INTEGER NOT NULL,
				severity        INTEGER NOT NULL,
				hostname        TEXT NOT NULL,
				app_name        TEXT NOT NULL,
				proc_id         TEXT NOT NULL DEFAULT '',
				msg_id          TEXT NOT NULL DEFAULT '',
				structured_data TEXT NOT NULL DEFAULT '',
				message         TEXT NOT NULL,
				raw             TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
		},
	},
	DriverMySQL: {
		name:      DriverMySQL,
		sqlDriver: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS logs (
				id              BIGINT AUTO_INCREMENT PRIMARY KEY,
				ts              CHAR(30) NOT NULL,
				received_at     CHAR(30) NOT NULL,
				facility        INT NOT NULL,
				severity        INT NOT NULL,
				hostname        VARCHAR(255) NOT NULL,
				app_name        VARCHAR(255) NOT NULL,
				proc_id         VARCHAR(128) NOT NULL DEFAULT '',
				msg_id          VARCHAR(64) NOT NULL DEFAULT '',
				structured_data TEXT NOT NULL,
				message         TEXT NOT NULL,
				raw             TEXT NOT NULL,
				INDEX idx_logs_ts (ts)
			)`,
		},
	},
}

// Store is a SQL-backed log store.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database and creates the schema if needed.
// driver is one of sqlite, postgres (or postgresql) and mysql.
func Open(driver, dsn string) (*Store, error) {
	if driver == "postgresql" {
		driver = DriverPostgres
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	if d.name == DriverSQLite {
		// One writer keeps SQLite from returning SQLITE_BUSY under
		// concurrent connections.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range d.initialise {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialise log store: %w", err)
		}
	}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create log schema: %w", err)
		}
	}

	return &Store{db: db, dialect: d}, nil
}

// Driver returns the dialect name in use.
func (s *Store) Driver() string {
	return s.dialect.name
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append stores one record and returns its id.
func (s *Store) Append(ctx context.Context, rec syslog.Record) (int64, error) {
	sd := ""
	if len(rec.StructuredData) > 0 {
		b, err := json.Marshal(rec.StructuredData)
		if err != nil {
			return 0, fmt.Errorf("encode structured data: %w", err)
		}
		sd = string(b)
	}

	query := `INSERT INTO logs (ts, received_at, facility, severity, hostname, app_name, proc_id, msg_id, structured_data, message, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		formatTime(rec.Timestamp),
		formatTime(time.Now()),
		rec.Facility,
		rec.Severity,
		rec.Hostname,
		rec.AppName,
		rec.ProcID,
		rec.MsgID,
		sd,
		rec.Message,
		rec.Raw,
	}

	if s.dialect.returning {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.rebind(query+` RETURNING id`), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert log record: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("insert log record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert log record: %w", err)
	}
	return id, nil
}

// CountMatching counts records with ts in [start, end] that satisfy
// predicate. The predicate is trusted SQL and is embedded as written; an
// empty predicate matches every record in the window.
func (s *Store) CountMatching(ctx context.Context, predicate string, start, end time.Time) (int, error) {
	query := s.rebind(`SELECT COUNT(*) FROM logs WHERE ts >= ? AND ts <= ?`)
	if p := strings.TrimSpace(predicate); p != "" {
		query += ` AND (` + p + `)`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, formatTime(start), formatTime(end)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count matching logs: %w", err)
	}
	return n, nil
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, ts, received_at, facility, severity, hostname, app_name, proc_id, msg_id, structured_data, message, raw
		FROM logs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent logs: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

// DeleteBefore removes records whose timestamp is older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM logs WHERE ts < ?`), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// rebind rewrites ? placeholders for dialects that use $n.
func (s *Store) rebind(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		ts, received string
		sd           string
	)
	if err := s.Scan(
		&e.ID,
		&ts,
		&received,
		&e.Record.Facility,
		&e.Record.Severity,
		&e.Record.Hostname,
		&e.Record.AppName,
		&e.Record.ProcID,
		&e.Record.MsgID,
		&sd,
		&e.Record.Message,
		&e.Record.Raw,
	); err != nil {
		return nil, fmt.Errorf("scan log record: %w", err)
	}

	e.Record.Timestamp, _ = time.Parse(timeLayout, ts)
	e.ReceivedAt, _ = time.Parse(timeLayout, received)
	if sd != "" {
		_ = json.Unmarshal([]byte(sd), &e.Record.StructuredData)
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
