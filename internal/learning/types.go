// Package learning turns training events into persona module updates and a
// gated publish decision.
package learning

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
)

var (
	// ErrNotFound is returned when a module or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when the twin's lease was lost mid-run.
	ErrLocked = errors.New("learning lease held by another runner")
	// ErrNotFlagged is returned when reinstating a module nobody flagged.
	ErrNotFlagged = errors.New("module is not awaiting review")
	// ErrArchived is returned when reviewing a retired module version.
	ErrArchived = errors.New("module version is archived")
)

// #region module
// ModuleKind classifies a unit of learned behavior.
type ModuleKind string

const (
	KindScenarioJudgment   ModuleKind = "scenario-judgment"
	KindPairwisePreference ModuleKind = "pairwise-preference"
	KindIntrospection      ModuleKind = "introspection"
)

// KindFor maps an event type to the module kind it trains.
func KindFor(t feedback.EventType) ModuleKind {
	switch t {
	case feedback.Rewrite:
		return KindPairwisePreference
	case feedback.ManualLabel:
		return KindIntrospection
	default:
		return KindScenarioJudgment
	}
}

// ModuleStatus is the lifecycle state of a module row.
type ModuleStatus string

const (
	ModuleDraft    ModuleStatus = "draft"
	ModuleActive   ModuleStatus = "active"
	ModuleArchived ModuleStatus = "archived"
)

// Module is one versioned row of learned behavior. Key is stable across
// versions; ID changes when a material change creates a new version.
type Module struct {
	ID             string
	TwinID         string
	Key            string
	Kind           ModuleKind
	Status         ModuleStatus
	Confidence     float64
	BaseConfidence float64 // confidence when this version was created
	NeedsReview    bool
	ParentID       string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ModuleKey is the attribution key used when an event names no module.
func ModuleKey(kind ModuleKind, intent string) string {
	if intent == "" {
		intent = "general"
	}
	return string(kind) + ":" + intent
}

// initialConfidence seeds modules created on demand.
const initialConfidence = 0.5

// #endregion module

// #region run
// RunStatus is the lifecycle state of a learning run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// PublishDecision is the outcome of the publish gate.
type PublishDecision string

const (
	Published   PublishDecision = "published"
	Held        PublishDecision = "held"
	NoCandidate PublishDecision = "no_candidate"
)

// Run is the record of one learning batch for a twin.
type Run struct {
	ID                 string
	TwinID             string
	Status             RunStatus
	EventsScanned      int
	ModulesUpdated     int
	AvgConfidenceDelta float64
	PublishDecision    PublishDecision
	Reason             string
	CandidateSpecID    string
	Error              string
	StartedAt          time.Time
	FinishedAt         time.Time
}

// #endregion run

// #region config
// Config tunes the runner. Thresholds are resolved per twin.
type Config struct {
	LockTTL         time.Duration
	LockPoll        time.Duration
	BatchSize       int
	LearningRate    float64
	ViolationWeight float64
	MaterialChange  float64
	MinModuleConf   float64
}

// ConfigFrom copies the runner settings out of the loaded configuration.
func ConfigFrom(c config.LearningConfig) Config {
	return Config{
		LockTTL:         c.LockTTL,
		LockPoll:        c.LockPoll,
		BatchSize:       c.BatchSize,
		LearningRate:    c.LearningRate,
		ViolationWeight: c.ViolationWeight,
		MaterialChange:  c.MaterialChange,
		MinModuleConf:   c.MinModuleConf,
	}
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Learning)
}

func (c Config) update() UpdateConfig {
	return UpdateConfig{
		LearningRate:    c.LearningRate,
		ViolationWeight: c.ViolationWeight,
		MaterialChange:  c.MaterialChange,
		MinConfidence:   c.MinModuleConf,
	}
}

// #endregion config
