// Package turnlog persists per-turn latency records. Transcript text is never
// stored.
package turnlog

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
	OutcomeStale       Outcome = "stale"
)

// Record describes one assistant turn. Zero FirstToken or FirstAudio means
// the turn ended before that point.
type Record struct {
	SessionID      string
	Generation     uint64
	Outcome        Outcome
	UtteranceChars int
	FirstToken     time.Duration
	FirstAudio     time.Duration
	Total          time.Duration
	AudioBytes     int64
	CreatedAt      time.Time
}

// Recorder accepts finished turn records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Nop discards records. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Record) error { return nil }
