package review

import (
	"fmt"

	"github.com/danielpatrickdp/persona-governor/internal/config"
)

// #region rule-table

// RuleTable maps reasons to priorities. Unknown reasons are low priority.
type RuleTable map[Reason]Priority

// NewRuleTable builds a table from configured rules.
func NewRuleTable(rules []config.ReviewRule) (RuleTable, error) {
	t := make(RuleTable, len(rules))
	for _, r := range rules {
		p := Priority(r.Priority)
		if p.Rank() == 0 {
			return nil, fmt.Errorf("review rule %q: unknown priority %q", r.Reason, r.Priority)
		}
		t[Reason(r.Reason)] = p
	}
	return t, nil
}

// PriorityFor returns the priority of reason.
func (t RuleTable) PriorityFor(reason Reason) Priority {
	if p, ok := t[reason]; ok {
		return p
	}
	return PriorityLow
}

// #endregion

// #region evaluate

// Evaluate returns every reason that applies to sig, in detection order.
func Evaluate(sig Signal) []Reason {
	var out []Reason
	if len(sig.Violations) > 0 {
		out = append(out, ReasonPolicyViolation)
	}
	if sig.JudgeUnavailable {
		out = append(out, ReasonJudgeUnavailable)
	}
	if sig.HardFailure {
		out = append(out, ReasonHardFailure)
	}
	if sig.Confidence < sig.ReviewThreshold {
		if sig.RepeatedLowConfidence {
			out = append(out, ReasonRepeatedLowConfidence)
		} else {
			out = append(out, ReasonLowConfidence)
		}
	}
	if sig.Action == "escalate" {
		out = append(out, ReasonEscalation)
	}
	if sig.ModuleID != "" {
		out = append(out, ReasonModuleReview)
	}
	return out
}

// Primary picks the highest-priority reason; ties keep detection order.
func (t RuleTable) Primary(reasons []Reason) (Reason, Priority) {
	var best Reason
	var bestP Priority
	for _, r := range reasons {
		p := t.PriorityFor(r)
		if p.Rank() > bestP.Rank() {
			best, bestP = r, p
		}
	}
	return best, bestP
}

// RepeatedLowConfidence reports whether at least two of the given recent
// confidences fall below threshold.
func RepeatedLowConfidence(recent []float64, threshold float64) bool {
	n := 0
	for _, c := range recent {
		if c < threshold {
			n++
		}
	}
	return n >= 2
}

// #endregion
