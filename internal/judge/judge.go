package judge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region interfaces
// Scores are the two scored dimensions in [0,1].
type Scores struct {
	Structure float64
	Voice     float64
}

// Scorer replaces the heuristic scores, typically with a model call.
type Scorer interface {
	Score(ctx context.Context, draft string, doc persona.Document, interaction string) (Scores, error)
}

// Rewriter rewrites a draft following directives.
type Rewriter interface {
	Rewrite(ctx context.Context, draft string, directives []string) (string, error)
}

// ModelJudgeAPI is the judging slice of the model client.
type ModelJudgeAPI interface {
	Judge(ctx context.Context, draft, personaDoc, interaction string) (model.JudgeScores, error)
}

// ModelScorer scores drafts through the model client.
type ModelScorer struct {
	api ModelJudgeAPI
}

// NewModelScorer wraps api.
func NewModelScorer(api ModelJudgeAPI) *ModelScorer { return &ModelScorer{api: api} }

// Score implements Scorer.
func (m *ModelScorer) Score(ctx context.Context, draft string, doc persona.Document, interaction string) (Scores, error) {
	docYAML, err := persona.ExportYAML(doc)
	if err != nil {
		return Scores{}, err
	}
	s, err := m.api.Judge(ctx, draft, string(docYAML), interaction)
	if err != nil {
		return Scores{}, err
	}
	return Scores{Structure: s.Structure, Voice: s.Voice}, nil
}

// #endregion interfaces

// #region judge
// Judge evaluates drafts against the active persona document.
type Judge struct {
	config   Config
	scorer   Scorer
	rewriter Rewriter
	logger   *zap.Logger
}

// New creates a Judge. scorer and rewriter may be nil, in which case the
// heuristic scores and the deterministic scrub are used.
func New(config Config, scorer Scorer, rewriter Rewriter, logger *zap.Logger) *Judge {
	if config.StructureWeight+config.VoiceWeight <= 0 {
		config = DefaultConfig()
	}
	return &Judge{config: config, scorer: scorer, rewriter: rewriter, logger: logging.OrNop(logger).Named("judge")}
}

// Evaluate runs the gate, scores the draft and rewrites it when the gate
// failed or the score is below in.Threshold.
func (j *Judge) Evaluate(ctx context.Context, in Input) Verdict {
	v := Verdict{}
	v.Violations = Check(in.Draft, in.Document, in.Interaction)

	s, scorerErr := j.score(ctx, in.Draft, in)
	if scorerErr != nil {
		v.ScorerFailed = true
		v.Violations = append(v.Violations, Violation{
			ClauseID: ClauseJudgeUnavailable,
			Kind:     KindJudgeUnavailable,
			Detail:   string(model.KindOf(scorerErr)),
		})
	}
	v.StructureScore = s.Structure
	v.VoiceScore = s.Voice
	v.DraftScore = j.combine(s)
	v.GatePassed = len(v.Violations) == 0

	if len(v.PolicyViolations()) > 0 {
		v.RewriteReasons = append(v.RewriteReasons, RewriteGateFailure)
	}
	if v.DraftScore < in.Threshold {
		v.RewriteReasons = append(v.RewriteReasons, RewriteLowScore)
	}
	if v.ScorerFailed {
		v.RewriteReasons = append(v.RewriteReasons, RewriteJudgeUnavailable)
	}

	if len(v.RewriteReasons) == 0 {
		v.FinalText = in.Draft
		v.FinalScore = v.DraftScore
		v.FinalGatePassed = true
		verdictsTotal.WithLabelValues("pass").Inc()
		return v
	}

	v.Directives = directives(v, in)
	v.FinalText, v.RewriteSource = j.rewrite(ctx, in, v.Directives)
	v.RewriteApplied = true
	rewritesTotal.WithLabelValues(v.RewriteSource).Inc()

	v.FinalViolations = Check(v.FinalText, in.Document, in.Interaction)
	final, err := j.score(ctx, v.FinalText, in)
	if err != nil || v.ScorerFailed {
		// an unjudged text never ships
		v.FinalViolations = append(v.FinalViolations, Violation{
			ClauseID: ClauseJudgeUnavailable,
			Kind:     KindJudgeUnavailable,
		})
	}
	v.FinalScore = j.combine(final)
	v.FinalGatePassed = len(v.FinalViolations) == 0

	outcome := "rewritten"
	if !v.Ship() {
		outcome = "blocked"
	}
	verdictsTotal.WithLabelValues(outcome).Inc()
	j.logger.Debug("draft judged",
		zap.Bool("gate_passed", v.GatePassed),
		zap.Strings("violations", v.ViolatedClauses()),
		zap.Float64("draft_score", v.DraftScore),
		zap.Float64("final_score", v.FinalScore),
		zap.String("rewrite_source", v.RewriteSource),
		zap.Bool("ship", v.Ship()))
	return v
}

func (j *Judge) score(ctx context.Context, text string, in Input) (Scores, error) {
	heuristic := Scores{
		Structure: StructureScore(text, in.Document.Structure),
		Voice:     VoiceScore(text, in.Document.Voice),
	}
	if j.scorer == nil {
		return heuristic, nil
	}
	s, err := j.scorer.Score(ctx, text, in.Document, in.Interaction)
	if err != nil {
		j.logger.Warn("scorer failed", zap.String("kind", string(model.KindOf(err))), zap.Error(err))
		return heuristic, err
	}
	return Scores{Structure: clamp01(s.Structure), Voice: clamp01(s.Voice)}, nil
}

func (j *Judge) combine(s Scores) float64 {
	w := j.config.StructureWeight + j.config.VoiceWeight
	return (s.Structure*j.config.StructureWeight + s.Voice*j.config.VoiceWeight) / w
}

// #endregion judge

// #region rewrite
// rewrite tries the model rewriter first, then falls back to the scrub
// when the model is unavailable or its output still fails the gate.
func (j *Judge) rewrite(ctx context.Context, in Input, dirs []string) (string, string) {
	if j.rewriter != nil {
		out, err := j.rewriter.Rewrite(ctx, in.Draft, dirs)
		switch {
		case err != nil:
			j.logger.Warn("rewriter failed, scrubbing",
				zap.String("kind", string(model.KindOf(err))), zap.Error(err))
		case strings.TrimSpace(out) == "":
			j.logger.Warn("rewriter returned empty text, scrubbing")
		case len(Check(out, in.Document, in.Interaction)) == 0:
			return out, "model"
		default:
			return Scrub(out, in.Document, in.Interaction), "scrub"
		}
	}
	return Scrub(in.Draft, in.Document, in.Interaction), "scrub"
}

func directives(v Verdict, in Input) []string {
	var out []string
	for _, vi := range v.PolicyViolations() {
		switch vi.Kind {
		case KindBannedPhrase:
			out = append(out, fmt.Sprintf("remove the phrase %q", vi.Detail))
		case KindHardClause:
			out = append(out, fmt.Sprintf("remove content violating clause %s", vi.ClauseID))
		case KindMissingElement:
			out = append(out, fmt.Sprintf("include %q", vi.Detail))
		case KindMaxLength:
			out = append(out, fmt.Sprintf("shorten to at most %d characters", in.Document.Policy.MaxLength))
		case KindEmpty:
			out = append(out, "write a complete answer")
		}
	}
	if v.StructureScore < in.Threshold {
		out = append(out, "follow the structure policy: shorter sentences and paragraphs")
	}
	if v.VoiceScore < in.Threshold {
		d := "match the persona voice"
		if len(in.Document.Voice.Preferred) > 0 {
			d += fmt.Sprintf(" (prefer: %s)", strings.Join(in.Document.Voice.Preferred, ", "))
		}
		out = append(out, d)
	}
	return out
}

// #endregion rewrite
