package learning

import (
	"math"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/feedback"
)

// #region update-config
// UpdateConfig holds the step sizes of the pure update function.
type UpdateConfig struct {
	LearningRate    float64 // magnitude of a unit-score event
	ViolationWeight float64 // multiplier for policy violations
	MaterialChange  float64 // |confidence - base| that forces a new version
	MinConfidence   float64 // below this a module drops to draft + needs review
}

// #endregion update-config

// #region update-result
// Outcome is what Update decided for one module and one event.
type Outcome struct {
	Module       Module
	Delta        float64
	Material     bool
	ForcedReview bool
}

// Changed reports whether the module row needs writing.
func (o Outcome) Changed(old Module) bool {
	return o.Delta != 0 || o.Module.Status != old.Status || o.Module.NeedsReview != old.NeedsReview
}

// #endregion update-result

// #region update-function
// Update is a pure function that applies one training event to a module.
// Positive scores raise confidence, negative scores lower it, and policy
// violations lower it by ViolationWeight times as much. A high-severity
// violation, or confidence under the floor, forces the module back to draft
// with NeedsReview set regardless of its aggregate score.
func Update(m Module, ev feedback.Event, cfg UpdateConfig) Outcome {
	weight := math.Abs(ev.Score)
	step := cfg.LearningRate * weight
	if ev.Type == feedback.PolicyViolation {
		step *= cfg.ViolationWeight
	}
	if !ev.Positive() {
		step = -step
	}

	next := m
	next.Confidence = clamp01(m.Confidence + step)
	next.UpdatedAt = time.Now().UTC()

	out := Outcome{Delta: next.Confidence - m.Confidence}

	if ev.Type == feedback.PolicyViolation && ev.Severity == feedback.SeverityHigh {
		out.ForcedReview = true
	}
	if cfg.MinConfidence > 0 && next.Confidence < cfg.MinConfidence {
		out.ForcedReview = true
	}
	if out.ForcedReview {
		next.Status = ModuleDraft
		next.NeedsReview = true
	}

	if cfg.MaterialChange > 0 && math.Abs(next.Confidence-m.BaseConfidence) >= cfg.MaterialChange {
		out.Material = true
	}
	out.Module = next
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion update-function
