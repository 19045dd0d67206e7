// Package usage meters finished calls and reports them to the platform's
// usage endpoint in batches.
package usage

import (
	"math"
	"time"
)

// Status is the outcome of a call.
type Status string

const (
	// StatusCompleted means both legs ended cleanly.
	StatusCompleted Status = "completed"

	// StatusError means a transport or bot failure ended the call.
	StatusError Status = "error"

	// StatusAbandoned means the caller hung up before the bot answered.
	StatusAbandoned Status = "abandoned"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAbandoned:
		return true
	}
	return false
}

// Record is the usage entry for one call. It is created once at teardown and
// never modified.
type Record struct {
	SessionID       string    `json:"session_id"`
	CallID          string    `json:"call_id"`
	Provider        string    `json:"provider"`
	DurationSeconds float64   `json:"duration_seconds"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewRecord builds a Record. Duration is rounded to milliseconds.
func NewRecord(sessionID, callID, provider string, d time.Duration, status Status, createdAt time.Time) Record {
	return Record{
		SessionID:       sessionID,
		CallID:          callID,
		Provider:        provider,
		DurationSeconds: math.Round(d.Seconds()*1000) / 1000,
		Status:          status,
		CreatedAt:       createdAt.UTC(),
	}
}
