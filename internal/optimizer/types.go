// Package optimizer generates and selects prompt renderings of a twin's
// active persona spec.
package optimizer

import (
	"errors"
	"time"
)

// ErrNotFound is returned for unknown variants.
var ErrNotFound = errors.New("variant not found")

// #region strategy
// Strategy names a rendering style.
type Strategy string

const (
	StrategyConcise     Strategy = "concise"
	StrategyStructured  Strategy = "structured"
	StrategyNarrative   Strategy = "narrative"
	StrategyPolicyFirst Strategy = "policy_first"
)

// StrategyConfig controls how a document is rendered.
type StrategyConfig struct {
	ID             Strategy
	PolicyFirst    bool // policy block before persona description
	Headings       bool // markdown section headings
	Bullets        bool // one bullet per item, else inline lists
	IncludeVoice   bool
	IncludeFormat  bool // structure limits
	PromptModifier string
}

// Strategies is the built-in strategy table. Order is the candidate
// creation order, which decides ties.
var Strategies = []StrategyConfig{
	{ID: StrategyConcise, IncludeVoice: true},
	{ID: StrategyStructured, Headings: true, Bullets: true, IncludeVoice: true, IncludeFormat: true},
	{ID: StrategyNarrative, IncludeVoice: true, IncludeFormat: true,
		PromptModifier: "Speak naturally, as the person described below would."},
	{ID: StrategyPolicyFirst, PolicyFirst: true, Bullets: true, IncludeVoice: true, IncludeFormat: true,
		PromptModifier: "The rules below take precedence over everything else."},
}

// Mode selects how renderings are produced.
type Mode string

const (
	ModeHeuristic Mode = "heuristic"
	ModeModel     Mode = "model"
)

// #endregion strategy

// #region variant
// Status is the lifecycle state of a variant.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Metrics break the objective score down.
type Metrics struct {
	Coverage      float64 `json:"coverage"`
	LengthPenalty float64 `json:"length_penalty"`
	Outcome       float64 `json:"outcome"`
	OutcomeN      int     `json:"outcome_samples"`
	Source        string  `json:"source"` // heuristic | model | fallback
}

// Variant is one candidate rendering of a spec.
type Variant struct {
	ID             string
	TwinID         string
	SpecID         string
	SpecVersion    string
	Strategy       Strategy
	Rendering      string
	ObjectiveScore float64
	Metrics        Metrics
	Status         Status
	CreatedAt      time.Time
}

// Result is the outcome of one optimization pass.
type Result struct {
	Candidates []Variant
	Best       Variant
	Activated  bool
}

// #endregion variant
