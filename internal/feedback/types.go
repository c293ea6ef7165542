package feedback

import (
	"errors"
	"time"
)

// ErrInvalidSignal is returned for signals that cannot become events.
var ErrInvalidSignal = errors.New("invalid feedback signal")

// #region enums
// Source is where a signal came from.
type Source string

const (
	SourceFeedback Source = "feedback"
	SourceAudit    Source = "audit"
	SourceManual   Source = "manual"
)

// EventType is the kind of learning signal.
type EventType string

const (
	ThumbUp         EventType = "thumb_up"
	ThumbDown       EventType = "thumb_down"
	Rewrite         EventType = "rewrite"
	PolicyViolation EventType = "policy_violation"
	ManualLabel     EventType = "manual_label"
)

// Severity grades violations; only high severity blocks a publish.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityHigh Severity = "high"
)

// defaultScore is the signed score of an event type when none is given.
var defaultScore = map[EventType]float64{
	ThumbUp:         1,
	ThumbDown:       -1,
	Rewrite:         -0.5,
	PolicyViolation: -1,
}

// #endregion enums

// #region signal
// Signal is a raw reaction before it becomes a training event.
type Signal struct {
	TwinID          string
	TraceID         string
	Source          Source
	Type            EventType
	Score           *float64 // nil uses the type's default
	Severity        Severity
	Note            string
	ResponseAuditID string
}

// #endregion signal

// #region event
// Event is a deduplicated training event.
type Event struct {
	ID              string
	TwinID          string
	TraceID         string
	Source          Source
	Type            EventType
	Score           float64
	Severity        Severity
	Note            string
	ResponseAuditID string
	Intent          string
	Processed       bool
	RunID           string
	CreatedAt       time.Time
	ProcessedAt     time.Time
}

// Positive reports whether the event raises module confidence. Policy
// violations never do, whatever their score.
func (e Event) Positive() bool { return e.Score > 0 && e.Type != PolicyViolation }

// #endregion event
