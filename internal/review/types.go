package review

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("review item not found")
	ErrNotPending = errors.New("review item is not pending")
)

// #region enums

// Priority orders review items.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank returns a sortable weight; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Status is the item lifecycle: pending → resolved | dismissed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Reason is why an item was queued.
type Reason string

const (
	ReasonPolicyViolation       Reason = "policy_violation"
	ReasonRepeatedLowConfidence Reason = "repeated_low_confidence"
	ReasonLowConfidence         Reason = "low_confidence"
	ReasonEscalation            Reason = "escalation"
	ReasonJudgeUnavailable      Reason = "judge_unavailable"
	ReasonHardFailure           Reason = "hard_failure"
	ReasonModuleReview          Reason = "module_review"
)

// #endregion

// #region item

// Item is one entry in the owner review queue.
type Item struct {
	ID            string
	TwinID        string
	Reason        Reason
	Priority      Priority
	Status        Status
	Payload       Payload
	CorrelationID string
	CreatedAt     time.Time
	ResolvedBy    string
	ResolvedAt    time.Time
	Resolution    string
}

// Payload carries the context a reviewer needs.
type Payload struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageID      string   `json:"message_id,omitempty"`
	DecisionID     string   `json:"decision_id,omitempty"`
	AuditID        string   `json:"audit_id,omitempty"`
	ModuleID       string   `json:"module_id,omitempty"`
	Action         string   `json:"action,omitempty"`
	Confidence     float64  `json:"confidence"`
	Reasons        []Reason `json:"reasons"`
	Violations     []string `json:"violations,omitempty"`
	Detail         string   `json:"detail,omitempty"`
}

// #endregion

// #region signal

// Signal describes one pipeline outcome that may need review.
type Signal struct {
	TwinID                string
	ConversationID        string
	MessageID             string
	DecisionID            string
	AuditID               string
	ModuleID              string // learned module forced back to draft
	Action                string
	Confidence            float64
	ReviewThreshold       float64
	Violations            []string
	JudgeUnavailable      bool
	HardFailure           bool
	RepeatedLowConfidence bool
	Detail                string
	CorrelationID         string
}

// #endregion
