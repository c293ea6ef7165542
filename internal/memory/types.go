package memory

import (
	"errors"
	"time"
)

// #region errors
var (
	ErrNotFound      = errors.New("memory record not found")
	ErrPublicContext = errors.New("clarifications are restricted to the owner")
	ErrThreadClosed  = errors.New("clarification thread is not pending")
	ErrInvalidBelief = errors.New("invalid belief")
)

// #endregion errors

// #region belief
// BeliefType classifies what a belief describes.
type BeliefType string

const (
	TypeBelief     BeliefType = "belief"
	TypePreference BeliefType = "preference"
	TypeStance     BeliefType = "stance"
	TypeLens       BeliefType = "lens"
	TypeToneRule   BeliefType = "tone_rule"
)

// Valid reports whether t is a known belief type.
func (t BeliefType) Valid() bool {
	switch t {
	case TypeBelief, TypePreference, TypeStance, TypeLens, TypeToneRule:
		return true
	}
	return false
}

// BeliefStatus is the lifecycle state of a belief.
type BeliefStatus string

const (
	BeliefActive     BeliefStatus = "active"
	BeliefSuperseded BeliefStatus = "superseded"
	BeliefRetracted  BeliefStatus = "retracted"
)

// Belief is a durable fact or preference attributed to the owner.
type Belief struct {
	ID           string
	TwinID       string
	Topic        string // normalized
	Type         BeliefType
	Value        string
	Stance       string
	Confidence   float64
	Status       BeliefStatus
	SupersededBy string
	Source       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BeliefInput is a request to write a belief.
type BeliefInput struct {
	TwinID     string
	Topic      string
	Type       BeliefType
	Value      string
	Stance     string
	Confidence float64
	Source     string
}

// #endregion belief

// #region thread
// ThreadMode records which kind of conversation surfaced the question.
type ThreadMode string

const (
	ModeOwner  ThreadMode = "owner"
	ModePublic ThreadMode = "public"
)

// ThreadStatus is the clarification state machine:
// pending_owner → answered | expired.
type ThreadStatus string

const (
	ThreadPending  ThreadStatus = "pending_owner"
	ThreadAnswered ThreadStatus = "answered"
	ThreadExpired  ThreadStatus = "expired"
)

// Thread is a clarification question awaiting the owner.
type Thread struct {
	ID             string
	TwinID         string
	ConversationID string
	MessageID      string // message whose clarification opened the thread
	Mode           ThreadMode
	Status         ThreadStatus
	Question       string
	Options        []string
	Topic          string
	ProposedType   BeliefType
	Resolution     string
	ResolvedBy     string
	BeliefID       string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	ResolvedAt     time.Time
}

// ThreadInput opens a clarification thread.
type ThreadInput struct {
	TwinID         string
	ConversationID string
	MessageID      string
	Mode           ThreadMode // defaults to owner
	Question       string
	Options        []string
	Topic          string // defaults to the normalized question
	ProposedType   BeliefType
}

// Actor identifies who is calling a memory operation.
type Actor struct {
	ID     string
	Public bool
}

// Owner returns an owner-context actor.
func Owner(id string) Actor { return Actor{ID: id} }

// Visitor returns a public-context actor.
func Visitor(id string) Actor { return Actor{ID: id, Public: true} }

// #endregion thread
