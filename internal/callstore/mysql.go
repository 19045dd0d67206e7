package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const ddlMySQL = `
CREATE TABLE IF NOT EXISTS calls (
    session_id       VARCHAR(64)  NOT NULL PRIMARY KEY,
    call_id          VARCHAR(191) NOT NULL,
    provider         VARCHAR(64)  NOT NULL,
    from_number      VARCHAR(64)  NOT NULL DEFAULT '',
    to_number        VARCHAR(64)  NOT NULL DEFAULT '',
    dtmf             VARCHAR(64)  NOT NULL DEFAULT '',
    status           VARCHAR(16)  NOT NULL,
    duration_seconds DOUBLE       NOT NULL DEFAULT 0,
    created_at       DATETIME(3)  NOT NULL,
    INDEX idx_calls_created_at (created_at)
)`

// MySQL stores calls in MySQL or MariaDB.
type MySQL struct {
	db *sql.DB
}

var _ Store = (*MySQL)(nil)

// OpenMySQL connects to dsn, a go-sql-driver DSN, and creates the calls
// table if missing. Timestamps are always read and written as UTC.
func OpenMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("callstore: mysql: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("callstore: mysql: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddlMySQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("callstore: mysql: migrate: %w", err)
	}
	return &MySQL{db: db}, nil
}

// Save implements [Store].
func (m *MySQL) Save(ctx context.Context, c Call) error {
	const q = `
		INSERT IGNORE INTO calls (session_id, call_id, provider, from_number, to_number, dtmf, status, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := m.db.ExecContext(ctx, q,
		c.SessionID, c.CallID, c.Provider, c.From, c.To, c.DTMF,
		string(c.Status), c.DurationSeconds, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("callstore: mysql: save %s: %w", c.SessionID, err)
	}
	return nil
}

// Recent implements [Store].
func (m *MySQL) Recent(ctx context.Context, limit int) ([]Call, error) {
	const q = `
		SELECT session_id, call_id, provider, from_number, to_number, dtmf, status, duration_seconds, created_at
		FROM calls
		ORDER BY created_at DESC
		LIMIT ?`
	rows, err := m.db.QueryContext(ctx, q, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("callstore: mysql: recent: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.SessionID, &c.CallID, &c.Provider, &c.From, &c.To, &c.DTMF,
			&c.Status, &c.DurationSeconds, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("callstore: mysql: scan: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: mysql: recent: %w", err)
	}
	return calls, nil
}

// Ping implements [Store].
func (m *MySQL) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

// Close implements [Store].
func (m *MySQL) Close() error { return m.db.Close() }
