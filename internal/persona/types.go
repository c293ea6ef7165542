package persona

import (
	"errors"
	"time"
)

// #region errors
var (
	ErrNotFound         = errors.New("persona spec not found")
	ErrDuplicateVersion = errors.New("persona spec version already exists")
	ErrInvalidDocument  = errors.New("invalid persona document")
	ErrNotPromotable    = errors.New("persona spec cannot be promoted")
)

// #endregion errors

// #region status
// Status is the lifecycle state of a Spec.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	}
	return false
}

// #endregion status

// #region spec
// Spec is one immutable version of a twin's persona document. Only Status
// and PublishedAt change after insert.
type Spec struct {
	ID          string
	TwinID      string
	Seq         int
	Version     string // "v<seq>"
	Status      Status
	Document    Document
	ParentID    string
	CreatedAt   time.Time
	PublishedAt time.Time
}

// #endregion spec

// #region document
// Document is the governed persona definition.
type Document struct {
	Name           string          `yaml:"name" json:"name"`
	Workflows      []Workflow      `yaml:"workflows" json:"workflows"`
	Policy         Policy          `yaml:"policy" json:"policy"`
	Voice          Voice           `yaml:"voice" json:"voice"`
	Structure      Structure       `yaml:"structure" json:"structure"`
	Escalation     Escalation      `yaml:"escalation" json:"escalation"`
	LearnedModules []LearnedModule `yaml:"learned_modules,omitempty" json:"learned_modules,omitempty"`
}

// Workflow is a routable task the twin knows how to handle.
type Workflow struct {
	ID                 string          `yaml:"id" json:"id"`
	Intent             string          `yaml:"intent" json:"intent"`
	Keywords           []string        `yaml:"keywords" json:"keywords"`
	Threshold          float64         `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	RequiredInputs     []RequiredInput `yaml:"required_inputs,omitempty" json:"required_inputs,omitempty"`
	DisallowedContexts []string        `yaml:"disallowed_contexts,omitempty" json:"disallowed_contexts,omitempty"`
	Sensitive          bool            `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// RequiredInput is a piece of information the workflow needs before it
// can answer. Patterns are matched case-insensitively.
type RequiredInput struct {
	Name     string   `yaml:"name" json:"name"`
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Question string   `yaml:"question,omitempty" json:"question,omitempty"`
	Options  []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Policy holds the hard constraints a response must satisfy.
type Policy struct {
	BannedPhrases    []Clause          `yaml:"banned_phrases,omitempty" json:"banned_phrases,omitempty"`
	HardClauses      []Clause          `yaml:"hard_clauses,omitempty" json:"hard_clauses,omitempty"`
	RequiredElements []RequiredElement `yaml:"required_elements,omitempty" json:"required_elements,omitempty"`
	BannedTopics     []string          `yaml:"banned_topics,omitempty" json:"banned_topics,omitempty"`
	MaxLength        int               `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// Clause is a banned phrase (Text) or a forbidden regex (Pattern).
type Clause struct {
	ID      string `yaml:"id" json:"id"`
	Text    string `yaml:"text,omitempty" json:"text,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// RequiredElement must appear in responses for the listed contexts; an
// empty Contexts list means every context.
type RequiredElement struct {
	ID       string   `yaml:"id" json:"id"`
	Text     string   `yaml:"text" json:"text"`
	Contexts []string `yaml:"contexts,omitempty" json:"contexts,omitempty"`
}

// AppliesTo reports whether the element is required for interaction.
func (r RequiredElement) AppliesTo(interaction string) bool {
	if len(r.Contexts) == 0 {
		return true
	}
	for _, c := range r.Contexts {
		if c == interaction {
			return true
		}
	}
	return false
}

// Voice describes the twin's tone.
type Voice struct {
	Preferred []string `yaml:"preferred,omitempty" json:"preferred,omitempty"`
	Avoided   []string `yaml:"avoided,omitempty" json:"avoided,omitempty"`
	Formality string   `yaml:"formality,omitempty" json:"formality,omitempty"` // formal | neutral | casual
}

// Structure bounds the response shape. Zero means unbounded.
type Structure struct {
	MaxParagraphs    int `yaml:"max_paragraphs,omitempty" json:"max_paragraphs,omitempty"`
	MaxSentenceWords int `yaml:"max_sentence_words,omitempty" json:"max_sentence_words,omitempty"`
	BulletLimit      int `yaml:"bullet_limit,omitempty" json:"bullet_limit,omitempty"`
}

// Escalation lists what always goes to the owner.
type Escalation struct {
	Keywords            []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	SensitiveTopics     []string `yaml:"sensitive_topics,omitempty" json:"sensitive_topics,omitempty"`
	MaxRepeatedFailures int      `yaml:"max_repeated_failures,omitempty" json:"max_repeated_failures,omitempty"`
}

// LearnedModule is a reference to a published learning module.
type LearnedModule struct {
	ID         string  `yaml:"id" json:"id"`
	Kind       string  `yaml:"kind" json:"kind"`
	Key        string  `yaml:"key" json:"key"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

// Workflow returns the workflow with the given id.
func (d Document) Workflow(id string) (Workflow, bool) {
	for _, w := range d.Workflows {
		if w.ID == id {
			return w, true
		}
	}
	return Workflow{}, false
}

// WorkflowIDs returns the workflow ids in document order.
func (d Document) WorkflowIDs() []string {
	ids := make([]string, len(d.Workflows))
	for i, w := range d.Workflows {
		ids[i] = w.ID
	}
	return ids
}

// #endregion document
