package orchestration

import (
	"time"

	"github.com/koscakluka/ema-intake/core/events"
)

// TurnRequest is one audio submission from a session.
type TurnRequest struct {
	SessionID string
	TenantID  string
	UserID    string
	// Sequence numbers turns within a session, starting at 1.
	Sequence int
	Audio    []byte
}

type StageTiming struct {
	Stage string
	Start time.Time
	End   time.Time
}

func (t StageTiming) Duration() time.Duration { return t.End.Sub(t.Start) }

// Turn is the outcome of one pipeline run. It always carries the best
// available response, even when a stage failed.
type Turn struct {
	SessionID     string
	TenantID      string
	UserID        string
	CorrelationID string
	Sequence      int

	Transcript string
	Confidence float64
	Language   string

	Response string
	// Audio is nil when synthesis was skipped or failed.
	Audio []byte

	Outcome            events.Outcome
	RequiresEscalation bool
	// Flags holds the violation types found by the live compliance checks.
	Flags []string

	Started   time.Time
	Completed time.Time
	Timings   []StageTiming

	// Err joins the failures of every stage that fell back.
	Err error
}

// Total is the end-to-end duration of the turn.
func (t *Turn) Total() time.Duration { return t.Completed.Sub(t.Started) }

// StageDuration returns the time spent in stage, zero if it did not run.
func (t *Turn) StageDuration(stage string) time.Duration {
	var total time.Duration
	for _, timing := range t.Timings {
		if timing.Stage == stage {
			total += timing.Duration()
		}
	}
	return total
}

// DominantStage is the stage that took the longest.
func (t *Turn) DominantStage() string {
	var (
		dominant string
		longest  time.Duration = -1
	)
	for _, timing := range t.Timings {
		if d := timing.Duration(); d > longest {
			dominant, longest = timing.Stage, d
		}
	}
	return dominant
}
