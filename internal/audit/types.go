package audit

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an audit row does not exist.
var ErrNotFound = errors.New("audit record not found")

// EscalationRepeatedFailures is the escalation reason that restarts the
// consecutive failure count of a conversation.
const EscalationRepeatedFailures = "repeated_failures"

// #region decision
// Decision is one immutable routing decision.
type Decision struct {
	ID             string
	TwinID         string
	ConversationID string
	MessageID      string
	Interaction    string
	Action         string
	WorkflowID     string
	Intent         string
	Confidence     float64
	Reasons        []string // machine-readable reason codes, first is primary
	MissingInputs  []string
	Questions      []string
	SpecVersion    string
	CorrelationID  string
	CreatedAt      time.Time
}

// #endregion decision

// #region judge-result
// Violation is one failed deterministic check.
type Violation struct {
	ClauseID string `json:"clause_id"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail,omitempty"`
}

// JudgeResult is the verdict recorded for one judged draft.
type JudgeResult struct {
	ID              string
	DecisionID      string
	TwinID          string
	GatePassed      bool
	FinalGatePassed bool
	Violations      []Violation
	StructureScore  float64
	VoiceScore      float64
	DraftScore      float64
	FinalScore      float64
	RewriteApplied  bool
	RewriteReasons  []string
	Directives      []string
	CreatedAt       time.Time
}

// ViolatedClauses returns the clause ids of the violations.
func (j JudgeResult) ViolatedClauses() []string {
	out := make([]string, len(j.Violations))
	for i, v := range j.Violations {
		out[i] = v.ClauseID
	}
	return out
}

// #endregion judge-result

// #region response
// Response is the record of what was delivered for one message.
type Response struct {
	ID               string
	TwinID           string
	ConversationID   string
	MessageID        string
	DecisionID       string
	JudgeResultID    string
	Interaction      string
	Action           string
	Intent           string
	SpecVersion      string
	VariantID        string
	ModuleIDs        []string
	Confidence       float64
	Citations        []string
	Sources          []string
	RetrievalSummary string // JSON
	MemoryRefs       []string
	GatePassed       bool
	FinalGatePassed  bool
	RewriteApplied   bool
	RefusalReason    string
	EscalationReason string
	Text             string
	CorrelationID    string
	CreatedAt        time.Time
}

// #endregion response

// #region failure
// Failure is a hard pipeline failure tied to a conversation.
type Failure struct {
	ID             string
	TwinID         string
	ConversationID string
	MessageID      string
	DecisionID     string
	Stage          string
	Kind           string
	Detail         string
	CorrelationID  string
	CreatedAt      time.Time
}

// Correction annotates an earlier response audit without changing it.
type Correction struct {
	ID        string
	AuditID   string
	Author    string
	Note      string
	CreatedAt time.Time
}

// #endregion failure
