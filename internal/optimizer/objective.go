package optimizer

import (
	"math"
	"strings"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region objective
// Objective weights the components of a variant's score.
type Objective struct {
	CoverageWeight float64
	OutcomeWeight  float64
	LengthWeight   float64
	TargetLength   int
	HalfLife       time.Duration
	MinSamples     int // fewer historical outcomes than this scores neutral
}

// DefaultObjective favors policy coverage over history and length.
func DefaultObjective() Objective {
	return Objective{
		CoverageWeight: 0.6,
		OutcomeWeight:  0.3,
		LengthWeight:   0.1,
		TargetLength:   1500,
		HalfLife:       7 * 24 * time.Hour,
		MinSamples:     3,
	}
}

// ObjectiveFrom applies the configured target length and half-life to
// the default weights.
func ObjectiveFrom(c config.OptimizerConfig) Objective {
	o := DefaultObjective()
	if c.TargetLength > 0 {
		o.TargetLength = c.TargetLength
	}
	if c.HalfLife > 0 {
		o.HalfLife = c.HalfLife
	}
	return o
}

// Coverage is the share of hard clauses, banned phrases and required
// elements the rendering mentions. A document without any scores 1.
func Coverage(rendering string, doc persona.Document) float64 {
	lower := strings.ToLower(rendering)
	var labels []string
	for _, c := range doc.Policy.BannedPhrases {
		labels = append(labels, ClauseLabel(c))
	}
	for _, c := range doc.Policy.HardClauses {
		labels = append(labels, ClauseLabel(c))
	}
	for _, r := range doc.Policy.RequiredElements {
		labels = append(labels, r.Text)
	}
	if len(labels) == 0 {
		return 1
	}
	hit := 0
	for _, l := range labels {
		if strings.Contains(lower, strings.ToLower(l)) {
			hit++
		}
	}
	return float64(hit) / float64(len(labels))
}

// LengthPenalty grows linearly past target, capped at 1.
func LengthPenalty(rendering string, target int) float64 {
	n := len(rendering)
	if target <= 0 || n <= target {
		return 0
	}
	return math.Min(1, float64(n-target)/float64(target))
}

// Outcome is one historical feedback score attributed to a strategy.
type Outcome struct {
	Strategy  Strategy
	Score     float64 // [-1,1]
	CreatedAt time.Time
}

// OutcomeScore is the decay-weighted mean outcome of strategy mapped to
// [0,1]. It returns 0.5 and the sample count when there are too few samples.
func (o Objective) OutcomeScore(strategy Strategy, outcomes []Outcome, now time.Time) (float64, int) {
	halfLife := o.HalfLife.Hours()
	if halfLife <= 0 {
		halfLife = 7 * 24
	}
	var weighted, total float64
	n := 0
	for _, oc := range outcomes {
		if oc.Strategy != strategy {
			continue
		}
		w := math.Exp(-now.Sub(oc.CreatedAt).Hours() / halfLife)
		weighted += oc.Score * w
		total += w
		n++
	}
	if n < o.MinSamples || total == 0 {
		return 0.5, n
	}
	return (weighted/total + 1) / 2, n
}

// Score combines coverage, history and length into one value.
func (o Objective) Score(m Metrics) float64 {
	return o.CoverageWeight*m.Coverage + o.OutcomeWeight*m.Outcome + o.LengthWeight*(1-m.LengthPenalty)
}

// #endregion objective
