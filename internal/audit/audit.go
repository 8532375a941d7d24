// Package audit is an append-only operational event log, independent of
// the relay's protocol surface. Losing the audit database never blocks a
// relay operation; writes are best-effort and logged on failure.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one recorded relay event.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Tenant    string    `json:"tenant"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor"`
}

// Log is a SQLite-backed audit log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path and runs
// its migration.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			tenant TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			actor TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_log (tenant, ts);
	`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append writes e to the log.
func (l *Log) Append(e Entry) error {
	_, err := l.db.Exec(
		`INSERT INTO audit_log (id, ts, tenant, action, detail, actor) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.Tenant, e.Action, e.Detail, e.Actor,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. If tenant is
// non-empty, entries are filtered to that tenant.
func (l *Log) Recent(tenant string, limit int) ([]Entry, error) {
	var rows *sql.Rows
	var err error
	if tenant != "" {
		rows, err = l.db.Query(
			`SELECT id, ts, tenant, action, detail, actor FROM audit_log WHERE tenant = ? ORDER BY ts DESC LIMIT ?`,
			tenant, limit,
		)
	} else {
		rows, err = l.db.Query(
			`SELECT id, ts, tenant, action, detail, actor FROM audit_log ORDER BY ts DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Tenant, &e.Action, &detail, &e.Actor); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
