// Package audit persists a summary of every CardLink session attempt.
//
// Raw card data never reaches this package; cards are identified by the
// fingerprint the session engine derives from EF.GDO.
package audit

import (
	"context"
	"time"

	"cardlink/cmd/internal/cardlink"
	"cardlink/cmd/internal/ids"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"

	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

// Entry is the persisted form of one attempt.
type Entry struct {
	SessionID       string    `json:"session_id"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	CardFingerprint string    `json:"card_fingerprint,omitempty"`
	Result          string    `json:"result"`
	State           string    `json:"state"`
	APDUCount       int       `json:"apdu_count"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Store records attempts and lists the most recent ones.
//
// Requirements:
//   - RecordAttempt is idempotent per session id
//   - Recent is ordered by started_at DESC
type Store interface {
	cardlink.Recorder
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// EntryFromAttempt converts a session attempt into its persisted form.
// A missing start time is recovered from the session id's ULID timestamp.
func EntryFromAttempt(a cardlink.Attempt) Entry {
	if a.StartedAt.IsZero() {
		if ts, ok := ids.ParseULID(a.SessionID); ok {
			a.StartedAt = ts
		}
	}
	e := Entry{
		SessionID:       a.SessionID,
		CorrelationID:   a.CorrelationID,
		CardFingerprint: a.CardFingerprint,
		Result:          ResultSuccess,
		State:           a.State.String(),
		APDUCount:       a.APDUCount,
		StartedAt:       a.StartedAt.UTC(),
		FinishedAt:      a.FinishedAt.UTC(),
	}
	if a.Err != nil {
		e.Result = ResultFailure
		e.Error = a.Err.Error()
	}
	return e
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}
