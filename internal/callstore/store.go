// Package callstore persists one row per finished call so operators can list
// recent calls with their outcome, numbers and DTMF input.
//
// Three backends are available: PostgreSQL on a pgx pool, SQLite through
// GORM, and MySQL through database/sql. [Open] selects one by driver name.
// Every backend creates its table on open and ignores a second Save for the
// same session.
package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callbridge/internal/usage"
)

// Driver names accepted by [Open].
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

const (
	// DefaultLimit is used by Recent when limit is not positive.
	DefaultLimit = 50

	// MaxLimit caps the number of rows Recent returns.
	MaxLimit = 500
)

// ErrUnknownDriver is returned by [Open] for an unsupported driver.
var ErrUnknownDriver = errors.New("callstore: unknown driver")

// Call is one finished call.
type Call struct {
	SessionID       string       `json:"session_id"`
	CallID          string       `json:"call_id"`
	Provider        string       `json:"provider"`
	From            string       `json:"from,omitempty"`
	To              string       `json:"to,omitempty"`
	DTMF            string       `json:"dtmf,omitempty"`
	Status          usage.Status `json:"status"`
	DurationSeconds float64      `json:"duration_seconds"`
	CreatedAt       time.Time    `json:"created_at"`
}

// FromRecord builds a Call from a usage record and the caller details the
// record does not carry.
func FromRecord(rec usage.Record, from, to, dtmf string) Call {
	return Call{
		SessionID:       rec.SessionID,
		CallID:          rec.CallID,
		Provider:        rec.Provider,
		From:            from,
		To:              to,
		DTMF:            dtmf,
		Status:          rec.Status,
		DurationSeconds: rec.DurationSeconds,
		CreatedAt:       rec.CreatedAt,
	}
}

// Store is a call log backend. Implementations are safe for concurrent use.
type Store interface {
	// Save inserts c. Saving a session that is already stored is a no-op.
	Save(ctx context.Context, c Call) error

	// Recent returns up to limit calls, newest first.
	Recent(ctx context.Context, limit int) ([]Call, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open connects to the backend named by driver and ensures its schema.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverMySQL:
		return OpenMySQL(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// clampLimit maps limit into [1, MaxLimit].
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
