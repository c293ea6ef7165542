// Package pipeline runs one inbound message through routing, generation,
// judging, audit and review.
package pipeline

import (
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

// UnavailableMessage is the only text a client sees for internal failures.
const UnavailableMessage = "I'm unable to answer right now."

// Client-facing texts for non-answer actions.
const (
	RefusalMessage    = "I can't help with that request."
	EscalationMessage = "I've passed this to the owner, who will follow up with you."
)

// #region message
// Message is one inbound chat message, already scoped to a twin.
type Message struct {
	TwinID         string
	ConversationID string
	MessageID      string
	ActorID        string // owner or visitor identity
	Text           string
	History        []string // earlier user messages, oldest first
	Interaction    router.Interaction
	CorrelationID  string // generated when empty
}

// #endregion message

// #region result
// Result is what the delivery layer shows the client.
type Result struct {
	DecisionID    string
	AuditID       string
	Action        router.Action
	Intent        string
	Confidence    float64
	Text          string
	Question      string
	Options       []string
	ThreadID      string
	Citations     []string
	MemoryRefs    []string
	CorrelationID string
	Failed        bool // an internal failure was masked by UnavailableMessage
}

// forClient strips internal identifiers from results bound for public
// visitors; they stay in the audit trail and the review queue.
func (r Result) forClient(inter router.Interaction) Result {
	if !inter.IsPublic() {
		return r
	}
	r.CorrelationID = ""
	r.DecisionID = ""
	r.AuditID = ""
	r.ThreadID = ""
	r.MemoryRefs = nil
	return r
}

// #endregion result
