package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region deps

// BeliefReader reads the owner's active beliefs.
type BeliefReader interface {
	ActiveBeliefs(ctx context.Context, twinID string) ([]memory.Belief, error)
}

// DecisionRecorder persists routing decisions.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, d audit.Decision) (audit.Decision, error)
}

// ThresholdSource resolves per-twin thresholds.
type ThresholdSource interface {
	ThresholdsFor(twinID string) config.Thresholds
}

// #endregion

// #region router

// Router classifies messages and chooses an action.
type Router struct {
	classifier Classifier
	beliefs    BeliefReader
	recorder   DecisionRecorder
	thresholds ThresholdSource
	logger     *zap.Logger
}

// New creates a Router. beliefs may be nil.
func New(classifier Classifier, beliefs BeliefReader, recorder DecisionRecorder, thresholds ThresholdSource, logger *zap.Logger) *Router {
	if classifier == nil {
		classifier = HeuristicClassifier{}
	}
	return &Router{
		classifier: classifier,
		beliefs:    beliefs,
		recorder:   recorder,
		thresholds: thresholds,
		logger:     logging.OrNop(logger).Named("router"),
	}
}

// #endregion

// #region route

// Route decides what to do with req and records the decision before
// returning. pc is nil when the twin has no usable active spec. A
// recording failure is returned together with the decision.
func (r *Router) Route(ctx context.Context, pc *persona.Context, req Request) (Decision, error) {
	d := r.decide(ctx, pc, req)

	rec := audit.Decision{
		TwinID:         req.TwinID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Interaction:    string(req.Interaction),
		Action:         string(d.Action),
		WorkflowID:     d.WorkflowID,
		Intent:         d.Intent,
		Confidence:     d.Confidence,
		Reasons:        d.Reasons,
		MissingInputs:  d.MissingInputs,
		Questions:      d.QuestionTexts(),
		SpecVersion:    d.SpecVersion,
		CorrelationID:  req.CorrelationID,
	}
	saved, err := r.recorder.RecordDecision(ctx, rec)
	if err != nil {
		return d, fmt.Errorf("record decision: %w", err)
	}
	d.ID = saved.ID
	d.CreatedAt = saved.CreatedAt

	decisionsTotal.WithLabelValues(string(d.Action), d.Reason).Inc()
	r.logger.Debug("routed",
		zap.String("twin_id", req.TwinID),
		zap.String("decision_id", d.ID),
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason),
		zap.String("workflow", d.WorkflowID),
		zap.Float64("confidence", d.Confidence))
	return d, nil
}

// #endregion

// #region policy

type ranked struct {
	cand     model.Candidate
	workflow persona.Workflow
	missing  []persona.RequiredInput
}

// decide applies the routing policy; the first matching rule wins.
func (r *Router) decide(ctx context.Context, pc *persona.Context, req Request) Decision {
	if pc == nil {
		return finish(Decision{Action: ActionEscalate}, ReasonSpecUnavailable)
	}
	doc := pc.Document()
	th := config.DefaultThresholds()
	if r.thresholds != nil {
		th = r.thresholds.ThresholdsFor(req.TwinID)
	}
	lower := strings.ToLower(req.Text)
	d := Decision{SpecVersion: pc.Spec.Version}

	cands, err := r.classifier.Classify(ctx, req.Text, req.History, doc.Workflows)
	if err != nil {
		r.logger.Warn("classify failed", zap.Error(err))
		d.Action = ActionEscalate
		return finish(d, ReasonClassifierFailed)
	}
	best, ok := r.rank(ctx, req, doc, cands)
	if ok {
		d.WorkflowID = best.workflow.ID
		d.Intent = best.cand.Intent
		d.Confidence = clamp01(best.cand.Score)
		for _, in := range best.missing {
			d.MissingInputs = append(d.MissingInputs, in.Name)
		}
	}
	public := req.Interaction.IsPublic()

	// hard policy
	if ok && contains(best.workflow.DisallowedContexts, string(req.Interaction)) {
		d.Action = ActionRefuse
		return finish(d, ReasonWorkflowDisallowed)
	}
	if matchAny(lower, doc.Policy.BannedTopics) {
		d.Action = ActionRefuse
		return finish(d, ReasonBannedTopic)
	}

	// escalation triggers
	if matchAny(lower, doc.Escalation.Keywords) {
		d.Action = ActionEscalate
		return finish(d, ReasonEscalationKeyword)
	}
	maxFailures := th.MaxRepeatFailures
	if doc.Escalation.MaxRepeatedFailures > 0 {
		maxFailures = doc.Escalation.MaxRepeatedFailures
	}
	if maxFailures > 0 && req.RecentFailures >= maxFailures {
		d.Action = ActionEscalate
		return finish(d, ReasonRepeatedFailures)
	}
	if public && ((ok && best.workflow.Sensitive) || matchAny(lower, doc.Escalation.SensitiveTopics)) {
		d.Action = ActionEscalate
		return finish(d, ReasonPublicSensitive)
	}

	// confidence
	if d.Confidence < th.AbsoluteFloor {
		d.Action = ActionRefuse
		return finish(d, ReasonBelowFloor)
	}
	threshold := th.WorkflowDefault
	if best.workflow.Threshold > 0 {
		threshold = best.workflow.Threshold
	}
	if d.Confidence < threshold && len(best.missing) > 0 {
		if public {
			d.Action = ActionEscalate
		} else {
			d.Action = ActionClarify
			d.Questions = questionsFor(best.missing)
		}
		return finish(d, ReasonMissingInputs)
	}

	// grounding
	if req.Evidence != nil && !req.Evidence.Available {
		if public {
			d.Action = ActionEscalate
		} else {
			d.Action = ActionClarify
			d.Questions = []Question{{
				Input: "details",
				Text:  "I couldn't look that up just now. Could you add a bit more detail about what you need?",
			}}
		}
		return finish(d, ReasonRetrievalUnavailable)
	}

	d.Action = ActionAnswer
	if d.Confidence < threshold {
		return finish(d, ReasonBelowThreshold)
	}
	return finish(d, ReasonConfident)
}

func finish(d Decision, reason string) Decision {
	d.Reason = reason
	d.Reasons = append([]string{reason}, d.Reasons...)
	return d
}

// #endregion

// #region ranking

// rank orders candidates by score desc, then fewer missing inputs, then
// workflow id asc, and returns the first.
func (r *Router) rank(ctx context.Context, req Request, doc persona.Document, cands []model.Candidate) (ranked, bool) {
	if len(cands) == 0 {
		return ranked{}, false
	}
	known := r.knownTopics(ctx, req.TwinID)
	haystack := strings.ToLower(req.Text + "\n" + strings.Join(req.History, "\n"))

	var rs []ranked
	for _, c := range cands {
		w, ok := doc.Workflow(c.WorkflowID)
		if !ok {
			continue
		}
		if c.Intent == "" {
			c.Intent = intentOf(w)
		}
		rs = append(rs, ranked{cand: c, workflow: w, missing: MissingInputs(w, haystack, known)})
	}
	if len(rs) == 0 {
		return ranked{}, false
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.cand.Score != b.cand.Score {
			return a.cand.Score > b.cand.Score
		}
		if len(a.missing) != len(b.missing) {
			return len(a.missing) < len(b.missing)
		}
		return a.workflow.ID < b.workflow.ID
	})
	return rs[0], true
}

func (r *Router) knownTopics(ctx context.Context, twinID string) map[string]bool {
	known := make(map[string]bool)
	if r.beliefs == nil {
		return known
	}
	beliefs, err := r.beliefs.ActiveBeliefs(ctx, twinID)
	if err != nil {
		r.logger.Warn("load beliefs failed", zap.String("twin_id", twinID), zap.Error(err))
		return known
	}
	for _, b := range beliefs {
		known[b.Topic] = true
	}
	return known
}

// MissingInputs returns w's required inputs not satisfied by haystack
// (lowercased message plus history) or by an active belief topic.
func MissingInputs(w persona.Workflow, haystack string, knownTopics map[string]bool) []persona.RequiredInput {
	var missing []persona.RequiredInput
	for _, in := range w.RequiredInputs {
		if knownTopics[memory.NormalizeTopic(in.Name)] {
			continue
		}
		patterns := in.Patterns
		if len(patterns) == 0 {
			patterns = []string{in.Name}
		}
		if matchAny(haystack, patterns) {
			continue
		}
		missing = append(missing, in)
	}
	return missing
}

func questionsFor(missing []persona.RequiredInput) []Question {
	qs := make([]Question, len(missing))
	for i, in := range missing {
		text := in.Question
		if text == "" {
			text = fmt.Sprintf("Could you share your %s?", in.Name)
		}
		qs[i] = Question{Input: in.Name, Text: text, Options: in.Options}
	}
	return qs
}

// #endregion

// #region helpers

func matchAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion
