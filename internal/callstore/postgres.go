package callstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlPostgres = `
CREATE TABLE IF NOT EXISTS calls (
    session_id       TEXT             PRIMARY KEY,
    call_id          TEXT             NOT NULL,
    provider         TEXT             NOT NULL,
    from_number      TEXT             NOT NULL DEFAULT '',
    to_number        TEXT             NOT NULL DEFAULT '',
    dtmf             TEXT             NOT NULL DEFAULT '',
    status           TEXT             NOT NULL,
    duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_created_at
    ON calls (created_at DESC);
`

// Postgres stores calls in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// OpenPostgres creates a connection pool for dsn, pings it and creates the
// calls table if missing.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("callstore: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("callstore: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callstore: postgres: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Save implements [Store].
func (p *Postgres) Save(ctx context.Context, c Call) error {
	const q = `
		INSERT INTO calls (session_id, call_id, provider, from_number, to_number, dtmf, status, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING`
	_, err := p.pool.Exec(ctx, q,
		c.SessionID, c.CallID, c.Provider, c.From, c.To, c.DTMF,
		string(c.Status), c.DurationSeconds, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("callstore: postgres: save %s: %w", c.SessionID, err)
	}
	return nil
}

// Recent implements [Store].
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Call, error) {
	const q = `
		SELECT session_id, call_id, provider, from_number, to_number, dtmf, status, duration_seconds, created_at
		FROM calls
		ORDER BY created_at DESC
		LIMIT $1`
	rows, err := p.pool.Query(ctx, q, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("callstore: postgres: recent: %w", err)
	}
	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Call, error) {
		var c Call
		err := row.Scan(&c.SessionID, &c.CallID, &c.Provider, &c.From, &c.To, &c.DTMF,
			&c.Status, &c.DurationSeconds, &c.CreatedAt)
		c.CreatedAt = c.CreatedAt.UTC()
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("callstore: postgres: scan: %w", err)
	}
	return calls, nil
}

// Ping implements [Store].
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// Close implements [Store].
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
