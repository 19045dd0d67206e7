package callstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/MrWong99/callbridge/internal/usage"
)

type callRow struct {
	SessionID       string    `gorm:"primaryKey;size:64"`
	CallID          string    `gorm:"size:191;not null"`
	Provider        string    `gorm:"size:64;not null"`
	FromNumber      string    `gorm:"size:64"`
	ToNumber        string    `gorm:"size:64"`
	DTMF            string    `gorm:"column:dtmf;size:64"`
	Status          string    `gorm:"size:16;not null"`
	DurationSeconds float64   `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;index:idx_calls_created_at"`
}

func (callRow) TableName() string { return "calls" }

func (r callRow) toCall() Call {
	return Call{
		SessionID:       r.SessionID,
		CallID:          r.CallID,
		Provider:        r.Provider,
		From:            r.FromNumber,
		To:              r.ToNumber,
		DTMF:            r.DTMF,
		Status:          usage.Status(r.Status),
		DurationSeconds: r.DurationSeconds,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func rowFromCall(c Call) callRow {
	return callRow{
		SessionID:       c.SessionID,
		CallID:          c.CallID,
		Provider:        c.Provider,
		FromNumber:      c.From,
		ToNumber:        c.To,
		DTMF:            c.DTMF,
		Status:          string(c.Status),
		DurationSeconds: c.DurationSeconds,
		CreatedAt:       c.CreatedAt.UTC(),
	}
}

// SQLite stores calls in an SQLite file through GORM.
type SQLite struct {
	db *gorm.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at dsn. A DSN of ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("callstore: sqlite: dsn is required")
	}
	if err := ensureSQLiteDirectory(dsn); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqliteDriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("callstore: sqlite: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("callstore: sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an in-memory
	// database alive and shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&callRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("callstore: sqlite: migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Save implements [Store].
func (s *SQLite) Save(ctx context.Context, c Call) error {
	row := rowFromCall(c)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("callstore: sqlite: save %s: %w", c.SessionID, err)
	}
	return nil
}

// Recent implements [Store].
func (s *SQLite) Recent(ctx context.Context, limit int) ([]Call, error) {
	var rows []callRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("callstore: sqlite: recent: %w", err)
	}
	calls := make([]Call, 0, len(rows))
	for _, r := range rows {
		calls = append(calls, r.toCall())
	}
	return calls, nil
}

// Ping implements [Store].
func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements [Store].
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("callstore: sqlite: create db dir: %w", err)
	}
	return nil
}

// sqliteFilePath returns the file a DSN refers to, or false for in-memory
// databases.
func sqliteFilePath(dsn string) (string, bool) {
	lower := strings.ToLower(dsn)
	if lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if !strings.HasPrefix(lower, "file:") {
		return stripQuery(dsn), true
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return stripQuery(strings.TrimPrefix(dsn, "file:")), true
	}
	if strings.EqualFold(u.Query().Get("mode"), "memory") {
		return "", false
	}
	if u.Path != "" {
		return u.Path, true
	}
	if u.Opaque != "" {
		return stripQuery(u.Opaque), true
	}
	return "", false
}

func stripQuery(v string) string {
	if i := strings.IndexByte(v, '?'); i >= 0 {
		return v[:i]
	}
	return v
}
