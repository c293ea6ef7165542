// Package config loads controller configuration from YAML and environment.
package config

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
)

// #region config

// Config is the full controller configuration.
type Config struct {
	Database   DatabaseConfig               `koanf:"database"`
	Log        logging.Config               `koanf:"log"`
	Model      ModelConfig                  `koanf:"model"`
	HTTP       HTTPConfig                   `koanf:"http"`
	Thresholds Thresholds                   `koanf:"thresholds"`
	Twins      map[string]ThresholdOverride `koanf:"twins"`
	Review     ReviewConfig                 `koanf:"review"`
	Learning   LearningConfig               `koanf:"learning"`
	Memory     MemoryConfig                 `koanf:"memory"`
	Optimizer  OptimizerConfig              `koanf:"optimizer"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// ModelConfig addresses the external model service.
type ModelConfig struct {
	Addr    string        `koanf:"addr"`
	Timeout time.Duration `koanf:"timeout"`
	// Disabled runs every model-backed component on its heuristic fallback.
	Disabled bool `koanf:"disabled"`
}

// HTTPConfig controls the observability listener.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// #endregion config

// #region thresholds

// Thresholds are the numeric gates of the pipeline. Every value may be
// overridden per twin.
type Thresholds struct {
	AbsoluteFloor     float64 `koanf:"absolute_floor"`      // below this the router refuses
	WorkflowDefault   float64 `koanf:"workflow_default"`    // clarify threshold when a workflow sets none
	ReviewConfidence  float64 `koanf:"review_confidence"`   // below this an item is queued for review
	JudgeScore        float64 `koanf:"judge_score"`         // draft persona score that triggers a rewrite
	PublishDelta      float64 `koanf:"publish_delta"`       // avg confidence delta needed to publish
	MaxRepeatFailures int     `koanf:"max_repeat_failures"` // recent failures that force escalation
}

// ThresholdOverride holds per-twin overrides; nil fields inherit.
type ThresholdOverride struct {
	AbsoluteFloor     *float64 `koanf:"absolute_floor"`
	WorkflowDefault   *float64 `koanf:"workflow_default"`
	ReviewConfidence  *float64 `koanf:"review_confidence"`
	JudgeScore        *float64 `koanf:"judge_score"`
	PublishDelta      *float64 `koanf:"publish_delta"`
	MaxRepeatFailures *int     `koanf:"max_repeat_failures"`
}

// DefaultThresholds returns the built-in gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AbsoluteFloor:     0.2,
		WorkflowDefault:   0.6,
		ReviewConfidence:  0.5,
		JudgeScore:        0.7,
		PublishDelta:      0.01,
		MaxRepeatFailures: 3,
	}
}

// Apply returns base with the non-nil override fields applied.
func (o ThresholdOverride) Apply(base Thresholds) Thresholds {
	if o.AbsoluteFloor != nil {
		base.AbsoluteFloor = *o.AbsoluteFloor
	}
	if o.WorkflowDefault != nil {
		base.WorkflowDefault = *o.WorkflowDefault
	}
	if o.ReviewConfidence != nil {
		base.ReviewConfidence = *o.ReviewConfidence
	}
	if o.JudgeScore != nil {
		base.JudgeScore = *o.JudgeScore
	}
	if o.PublishDelta != nil {
		base.PublishDelta = *o.PublishDelta
	}
	if o.MaxRepeatFailures != nil {
		base.MaxRepeatFailures = *o.MaxRepeatFailures
	}
	return base
}

// ThresholdsFor resolves the effective thresholds for twinID.
func (c *Config) ThresholdsFor(twinID string) Thresholds {
	if o, ok := c.Twins[twinID]; ok {
		return o.Apply(c.Thresholds)
	}
	return c.Thresholds
}

// #endregion thresholds

// #region review

// ReviewRule maps a review reason to a priority.
type ReviewRule struct {
	Reason   string `koanf:"reason"`
	Priority string `koanf:"priority"`
}

// ReviewConfig holds the reason→priority rule table.
type ReviewConfig struct {
	Rules []ReviewRule `koanf:"rules"`
	// LowConfidenceWindow is how many recent decisions in a conversation are
	// inspected when deciding whether low confidence is repeated.
	LowConfidenceWindow int `koanf:"low_confidence_window"`
}

// DefaultReviewRules is the stock rule table.
func DefaultReviewRules() []ReviewRule {
	return []ReviewRule{
		{Reason: "policy_violation", Priority: "high"},
		{Reason: "judge_unavailable", Priority: "high"},
		{Reason: "hard_failure", Priority: "high"},
		{Reason: "repeated_low_confidence", Priority: "medium"},
		{Reason: "low_confidence", Priority: "low"},
		{Reason: "escalation", Priority: "low"},
		{Reason: "module_review", Priority: "medium"},
	}
}

// #endregion review

// #region learning

// LearningConfig tunes the feedback-learning runner.
type LearningConfig struct {
	Interval        time.Duration `koanf:"interval"`
	LockTTL         time.Duration `koanf:"lock_ttl"`
	LockPoll        time.Duration `koanf:"lock_poll"`
	BatchSize       int           `koanf:"batch_size"`
	Twins           []string      `koanf:"twins"`
	LearningRate    float64       `koanf:"learning_rate"`
	ViolationWeight float64       `koanf:"violation_weight"`
	MaterialChange  float64       `koanf:"material_change"`
	MinModuleConf   float64       `koanf:"min_module_confidence"`
}

// MemoryConfig tunes clarification expiry.
type MemoryConfig struct {
	ClarificationTTL time.Duration `koanf:"clarification_ttl"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
}

// OptimizerConfig tunes prompt variant selection.
type OptimizerConfig struct {
	Mode         string        `koanf:"mode"`          // heuristic | model
	TargetLength int           `koanf:"target_length"` // renderings longer than this are penalized
	HalfLife     time.Duration `koanf:"half_life"`     // decay of historical outcomes
}

// #endregion learning

// #region defaults

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, func(string) bool { return false })
	return cfg
}

// applyDefaults fills unset values. Gates where zero is meaningful (a
// floor of 0, failure escalation off) are filled only when set reports
// their key absent; durations and sizes treat zero as unset.
func applyDefaults(cfg *Config, set func(key string) bool) {
	gate := func(key string, v *float64, def float64) {
		if !set(key) {
			*v = def
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "persona_governor.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Model.Addr == "" {
		cfg.Model.Addr = "localhost:50051"
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 20 * time.Second
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:9464"
	}

	def := DefaultThresholds()
	t := &cfg.Thresholds
	gate("thresholds.absolute_floor", &t.AbsoluteFloor, def.AbsoluteFloor)
	gate("thresholds.workflow_default", &t.WorkflowDefault, def.WorkflowDefault)
	gate("thresholds.review_confidence", &t.ReviewConfidence, def.ReviewConfidence)
	gate("thresholds.judge_score", &t.JudgeScore, def.JudgeScore)
	gate("thresholds.publish_delta", &t.PublishDelta, def.PublishDelta)
	if !set("thresholds.max_repeat_failures") {
		t.MaxRepeatFailures = def.MaxRepeatFailures
	}

	if len(cfg.Review.Rules) == 0 {
		cfg.Review.Rules = DefaultReviewRules()
	}
	if cfg.Review.LowConfidenceWindow == 0 {
		cfg.Review.LowConfidenceWindow = 5
	}

	l := &cfg.Learning
	if l.Interval == 0 {
		l.Interval = 15 * time.Minute
	}
	if l.LockTTL == 0 {
		l.LockTTL = 10 * time.Minute
	}
	if l.LockPoll == 0 {
		l.LockPoll = 250 * time.Millisecond
	}
	if l.BatchSize == 0 {
		l.BatchSize = 500
	}
	gate("learning.learning_rate", &l.LearningRate, 0.02)
	gate("learning.violation_weight", &l.ViolationWeight, 3)
	gate("learning.material_change", &l.MaterialChange, 0.2)
	gate("learning.min_module_confidence", &l.MinModuleConf, 0.1)

	if cfg.Memory.ClarificationTTL == 0 {
		cfg.Memory.ClarificationTTL = 72 * time.Hour
	}
	if cfg.Memory.SweepInterval == 0 {
		cfg.Memory.SweepInterval = time.Minute
	}

	o := &cfg.Optimizer
	if o.Mode == "" {
		o.Mode = "heuristic"
	}
	if o.TargetLength == 0 {
		o.TargetLength = 1500
	}
	if o.HalfLife == 0 {
		o.HalfLife = 7 * 24 * time.Hour
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
		return nil
	}
	for twin, o := range c.Twins {
		t := o.Apply(c.Thresholds)
		for name, v := range map[string]float64{
			"absolute_floor":    t.AbsoluteFloor,
			"workflow_default":  t.WorkflowDefault,
			"review_confidence": t.ReviewConfidence,
			"judge_score":       t.JudgeScore,
		} {
			if err := check(twin+"."+name, v); err != nil {
				return err
			}
		}
		if t.PublishDelta <= 0 {
			return fmt.Errorf("%s.publish_delta must be positive", twin)
		}
	}
	for name, v := range map[string]float64{
		"absolute_floor":    c.Thresholds.AbsoluteFloor,
		"workflow_default":  c.Thresholds.WorkflowDefault,
		"review_confidence": c.Thresholds.ReviewConfidence,
		"judge_score":       c.Thresholds.JudgeScore,
	} {
		if err := check(name, v); err != nil {
			return err
		}
	}
	if c.Thresholds.PublishDelta <= 0 {
		return fmt.Errorf("publish_delta must be positive")
	}
	switch c.Optimizer.Mode {
	case "heuristic", "model":
	default:
		return fmt.Errorf("optimizer.mode: unknown mode %q", c.Optimizer.Mode)
	}
	for _, r := range c.Review.Rules {
		switch r.Priority {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("review rule %q: unknown priority %q", r.Reason, r.Priority)
		}
	}
	return nil
}

// #endregion defaults
