package learning

import (
	"fmt"
	"math"
)

// #region batch
// Batch accumulates the effect of one run's events.
type Batch struct {
	EventsScanned  int
	Updates        int     // module-event applications with a non-zero delta
	DeltaSum       float64 // sum of those deltas
	HighSeverity   int     // high-severity violation events seen
	minConf        float64
	changedModules map[string]Module
}

func newBatch(minConf float64) *Batch {
	return &Batch{minConf: minConf, changedModules: make(map[string]Module)}
}

func (b *Batch) observe(old Module, out Outcome) {
	if out.Delta != 0 {
		b.Updates++
		b.DeltaSum += out.Delta
	}
	if out.Changed(old) {
		b.changedModules[out.Module.Key] = out.Module
	}
}

// AvgDelta is the mean confidence delta across applied updates.
func (b *Batch) AvgDelta() float64 {
	if b.Updates == 0 {
		return 0
	}
	return b.DeltaSum / float64(b.Updates)
}

// Changed returns the latest state of every module the batch touched.
func (b *Batch) Changed() []Module {
	out := make([]Module, 0, len(b.changedModules))
	for _, m := range b.changedModules {
		out = append(out, m)
	}
	return out
}

// Eligible returns the changed modules a candidate spec may carry: not
// awaiting review, not archived and at or above the confidence floor.
func (b *Batch) Eligible() []Module {
	var out []Module
	for _, m := range b.changedModules {
		if eligible(m, b.minConf) {
			out = append(out, m)
		}
	}
	return out
}

func eligible(m Module, minConf float64) bool {
	return !m.NeedsReview && m.Status != ModuleArchived && m.Confidence >= minConf
}

// #endregion batch

// #region eval
// EvalMetric is one post-batch check.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// EvalResult is the outcome of validating the changed modules.
type EvalResult struct {
	Passed  bool
	Metrics []EvalMetric
	Reason  string
}

// EvalModules validates the modules a batch changed. Confidence must be a
// finite value in [0,1]; the share of modules flagged for review is
// reported but does not fail the eval.
func EvalModules(modules []Module) EvalResult {
	var metrics []EvalMetric
	var fails []string

	outOfBounds := 0
	flagged := 0
	for _, m := range modules {
		if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
			outOfBounds++
			fails = append(fails, fmt.Sprintf("module %s confidence %v out of bounds", m.Key, m.Confidence))
		}
		if m.NeedsReview {
			flagged++
		}
	}
	metrics = append(metrics, EvalMetric{Name: "confidence_bounds", Value: float64(outOfBounds), Pass: outOfBounds == 0})

	share := 0.0
	if len(modules) > 0 {
		share = float64(flagged) / float64(len(modules))
	}
	metrics = append(metrics, EvalMetric{Name: "needs_review_share", Value: share, Pass: flagged == 0})

	res := EvalResult{Passed: len(fails) == 0, Metrics: metrics, Reason: "all checks passed"}
	if !res.Passed {
		res.Reason = "eval failed: " + fails[0]
		if len(fails) > 1 {
			res.Reason = fmt.Sprintf("eval failed: %d checks: %s", len(fails), fails[0])
		}
	}
	return res
}

// #endregion eval

// #region publish-gate
// GateResult is the publish gate's verdict on a batch.
type GateResult struct {
	Decision PublishDecision
	Reason   string
	Eval     EvalResult
}

// Decide applies the publish gate. Hard vetoes (high-severity violations,
// failed eval) are checked first; a batch whose changed modules are all
// awaiting review or under the confidence floor is held, since the
// candidate spec would carry nothing it learned.
func Decide(b *Batch, threshold float64) GateResult {
	changed := b.Changed()
	if len(changed) == 0 {
		return GateResult{Decision: NoCandidate, Reason: "no module changed"}
	}
	ev := EvalModules(changed)
	res := GateResult{Decision: Held, Eval: ev}

	switch {
	case b.HighSeverity > 0:
		res.Reason = fmt.Sprintf("veto: %d high-severity violation(s)", b.HighSeverity)
	case !ev.Passed:
		res.Reason = "veto: " + ev.Reason
	case len(b.Eligible()) == 0:
		res.Reason = fmt.Sprintf("none of %d changed module(s) is eligible to publish", len(changed))
	case b.AvgDelta() < threshold:
		res.Reason = fmt.Sprintf("avg delta %.4f below gate %.4f", b.AvgDelta(), threshold)
	default:
		res.Decision = Published
		res.Reason = fmt.Sprintf("avg delta %.4f clears gate %.4f", b.AvgDelta(), threshold)
	}
	return res
}

// #endregion publish-gate
