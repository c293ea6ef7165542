package router

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/retrieval"
)

// #region action

// Action is the closed set of routing outcomes.
type Action string

const (
	ActionAnswer   Action = "answer"
	ActionClarify  Action = "clarify"
	ActionRefuse   Action = "refuse"
	ActionEscalate Action = "escalate"
)

// Valid reports whether a is one of the four actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAnswer, ActionClarify, ActionRefuse, ActionEscalate:
		return true
	}
	return false
}

// ParseAction converts a stored string back into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Handlers must implement one method per action, so adding an action
// breaks every implementation at compile time.
type Handlers[T any] interface {
	Answer() T
	Clarify() T
	Refuse() T
	Escalate() T
}

// Dispatch calls the handler method for a.
func Dispatch[T any](a Action, h Handlers[T]) (T, error) {
	switch a {
	case ActionAnswer:
		return h.Answer(), nil
	case ActionClarify:
		return h.Clarify(), nil
	case ActionRefuse:
		return h.Refuse(), nil
	case ActionEscalate:
		return h.Escalate(), nil
	}
	var zero T
	return zero, fmt.Errorf("unknown action %q", a)
}

// #endregion

// #region interaction

// Interaction is the context a message arrives in.
type Interaction string

const (
	OwnerTraining Interaction = "owner_training"
	OwnerChat     Interaction = "owner_chat"
	PublicShare   Interaction = "public_share"
	PublicWidget  Interaction = "public_widget"
)

// IsPublic reports whether visitors, not the owner, are on the other end.
func (i Interaction) IsPublic() bool {
	return i == PublicShare || i == PublicWidget
}

// ParseInteraction validates an interaction name.
func ParseInteraction(s string) (Interaction, error) {
	switch i := Interaction(s); i {
	case OwnerTraining, OwnerChat, PublicShare, PublicWidget:
		return i, nil
	}
	return "", fmt.Errorf("unknown interaction %q", s)
}

// #endregion

// #region reasons

// Reason codes recorded on every decision.
const (
	ReasonSpecUnavailable      = "spec_unavailable"
	ReasonClassifierFailed     = "classifier_unavailable"
	ReasonWorkflowDisallowed   = "workflow_disallowed"
	ReasonBannedTopic          = "banned_topic"
	ReasonEscalationKeyword    = "escalation_keyword"
	ReasonRepeatedFailures     = audit.EscalationRepeatedFailures
	ReasonPublicSensitive      = "public_sensitive_topic"
	ReasonBelowFloor           = "below_floor"
	ReasonMissingInputs        = "missing_inputs"
	ReasonRetrievalUnavailable = "retrieval_unavailable"
	ReasonBelowThreshold       = "below_threshold"
	ReasonConfident            = "confident"
)

// #endregion

// #region request

// Request is one inbound message as the router sees it.
type Request struct {
	TwinID         string
	ConversationID string
	MessageID      string
	Text           string
	History        []string
	Interaction    Interaction
	Evidence       *retrieval.Summary // nil when retrieval is not in use
	RecentFailures int
	CorrelationID  string
}

// #endregion

// #region decision

// Question is a clarifying question for one missing input.
type Question struct {
	Input   string   `json:"input"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Decision is the router's output. It is persisted before Route returns.
type Decision struct {
	ID            string
	Action        Action
	WorkflowID    string
	Intent        string
	Confidence    float64
	Reason        string
	Reasons       []string
	MissingInputs []string
	Questions     []Question
	SpecVersion   string
	CreatedAt     time.Time
}

// QuestionTexts returns the clarifying question strings.
func (d Decision) QuestionTexts() []string {
	out := make([]string, len(d.Questions))
	for i, q := range d.Questions {
		out[i] = q.Text
	}
	return out
}

// #endregion
