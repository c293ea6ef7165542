package judge

import "github.com/danielpatrickdp/persona-governor/internal/persona"

// #region violation
// ViolationKind names the deterministic check that failed.
type ViolationKind string

const (
	KindBannedPhrase     ViolationKind = "banned_phrase"
	KindHardClause       ViolationKind = "hard_clause"
	KindMissingElement   ViolationKind = "missing_element"
	KindMaxLength        ViolationKind = "max_length"
	KindEmpty            ViolationKind = "empty_draft"
	KindJudgeUnavailable ViolationKind = "judge_unavailable"
)

// ClauseJudgeUnavailable is the clause id recorded when scoring failed.
const ClauseJudgeUnavailable = "judge_unavailable"

// Violation is one failed gate check.
type Violation struct {
	ClauseID string
	Kind     ViolationKind
	Detail   string
}

// #endregion violation

// #region rewrite-reasons
const (
	RewriteGateFailure      = "gate_failure"
	RewriteLowScore         = "low_score"
	RewriteJudgeUnavailable = "judge_unavailable"
)

// #endregion rewrite-reasons

// #region config
// Config weights the scored dimensions.
type Config struct {
	StructureWeight float64
	VoiceWeight     float64
}

// DefaultConfig weighs structure and voice equally.
func DefaultConfig() Config {
	return Config{StructureWeight: 0.5, VoiceWeight: 0.5}
}

// #endregion config

// #region input
// Input is one draft to judge.
type Input struct {
	Draft       string
	Document    persona.Document
	Interaction string
	Threshold   float64 // draft scores below this trigger a rewrite
}

// #endregion input

// #region verdict
// Verdict is the outcome of judging a draft.
type Verdict struct {
	GatePassed      bool
	Violations      []Violation
	StructureScore  float64
	VoiceScore      float64
	DraftScore      float64
	FinalScore      float64
	RewriteApplied  bool
	RewriteSource   string // "model" | "scrub"
	RewriteReasons  []string
	Directives      []string
	FinalText       string
	FinalViolations []Violation
	FinalGatePassed bool
	ScorerFailed    bool
}

// Ship reports whether FinalText may be delivered as an answer.
func (v Verdict) Ship() bool {
	return v.FinalGatePassed && len(v.FinalViolations) == 0
}

// HardBlocked reports whether the final text still breaks a content
// clause, which calls for a refusal rather than an escalation.
func (v Verdict) HardBlocked() bool {
	for _, vi := range v.FinalViolations {
		if vi.Kind == KindHardClause || vi.Kind == KindBannedPhrase {
			return true
		}
	}
	return false
}

// ViolatedClauses returns the clause ids of the draft's violations.
func (v Verdict) ViolatedClauses() []string {
	out := make([]string, len(v.Violations))
	for i, vi := range v.Violations {
		out[i] = vi.ClauseID
	}
	return out
}

// PolicyViolations returns draft violations other than judge_unavailable.
func (v Verdict) PolicyViolations() []Violation {
	var out []Violation
	for _, vi := range v.Violations {
		if vi.Kind != KindJudgeUnavailable {
			out = append(out, vi)
		}
	}
	return out
}

// #endregion verdict
