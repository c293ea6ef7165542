package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/judge"
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/retrieval"
	"github.com/danielpatrickdp/persona-governor/internal/review"
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

var tracer = otel.Tracer("github.com/danielpatrickdp/persona-governor/internal/pipeline")

// #region deps
// ContextLoader builds the per-request persona context.
type ContextLoader interface {
	LoadContext(ctx context.Context, twinID string) (*persona.Context, error)
}

// Retriever fetches grounding evidence.
type Retriever interface {
	Retrieve(ctx context.Context, twinID, query string) retrieval.Summary
}

// Generator drafts an answer.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, message string, evidence []string) (model.GenerateResult, error)
}

// Deps wires a Pipeline. Retriever and Feedback are optional.
type Deps struct {
	Personas     ContextLoader
	Retriever    Retriever
	Router       *router.Router
	Generator    Generator
	Judge        *judge.Judge
	Audit        *audit.Recorder
	Memory       *memory.Store
	Review       *review.Queue
	Feedback     *feedback.Ingestor
	Thresholds   router.ThresholdSource
	ReviewWindow int // recent decisions inspected for repeated low confidence
	Logger       *zap.Logger
}

// Pipeline handles inbound messages. It holds no per-request state.
type Pipeline struct {
	d      Deps
	logger *zap.Logger
}

// New returns a pipeline over d.
func New(d Deps) *Pipeline {
	if d.ReviewWindow <= 0 {
		d.ReviewWindow = 5
	}
	return &Pipeline{d: d, logger: logging.OrNop(d.Logger).Named("pipeline")}
}

// #endregion deps

// #region handle
// Handle runs msg through the pipeline. Every message that reaches routing
// leaves a routing decision or a recorded failure. Internal failures reach
// the client only as UnavailableMessage; the returned error is non-nil only
// when not even the failure could be recorded.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Handle", trace.WithAttributes(
		attribute.String("twin_id", msg.TwinID),
		attribute.String("interaction", string(msg.Interaction)),
	))
	defer span.End()

	t := &turn{
		p:    p,
		ctx:  ctx,
		msg:  msg,
		corr: correlationID(msg.CorrelationID, span),
		th:   config.DefaultThresholds(),
	}
	if p.d.Thresholds != nil {
		t.th = p.d.Thresholds.ThresholdsFor(msg.TwinID)
	}
	t.log = p.logger.With(zap.String("twin_id", msg.TwinID), zap.String("correlation_id", t.corr))

	pc, err := p.d.Personas.LoadContext(ctx, msg.TwinID)
	if err != nil {
		// the router escalates a twin without a usable spec
		t.log.Warn("persona context unavailable", zap.Error(err))
		pc = nil
	}
	t.pc = pc

	if msg.Interaction == router.OwnerTraining {
		t.learnPreference()
	}

	req := router.Request{
		TwinID:         msg.TwinID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		Text:           msg.Text,
		History:        msg.History,
		Interaction:    msg.Interaction,
		CorrelationID:  t.corr,
	}
	if n, err := p.d.Audit.ConsecutiveFailures(ctx, msg.ConversationID); err != nil {
		t.log.Warn("failure count unavailable", zap.Error(err))
	} else {
		req.RecentFailures = n
	}
	if p.d.Retriever != nil && pc != nil {
		sum := p.d.Retriever.Retrieve(ctx, msg.TwinID, msg.Text)
		req.Evidence = &sum
		t.evidence = &sum
	}

	d, err := p.d.Router.Route(ctx, pc, req)
	var out outcome
	if err != nil {
		out = t.hardFailure("route", err)
	} else {
		t.decision = d
		out, err = router.Dispatch[outcome](d.Action, t)
		if err != nil {
			out = t.hardFailure("dispatch", err)
		}
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "unrecorded failure")
		return out.res.forClient(msg.Interaction), out.err
	}
	if t.decision.ID != "" || out.hardFailure {
		t.enqueueReview(out)
	}

	res := out.res
	res.CorrelationID = t.corr
	messagesHandled.WithLabelValues(string(res.Action), string(msg.Interaction)).Inc()
	handleDuration.WithLabelValues(string(res.Action)).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("action", string(res.Action)),
		attribute.Float64("confidence", res.Confidence),
		attribute.Bool("failed", res.Failed),
	)
	t.log.Info("message handled",
		zap.String("decision_id", res.DecisionID),
		zap.String("audit_id", res.AuditID),
		zap.String("action", string(res.Action)),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("failed", res.Failed))
	return res.forClient(msg.Interaction), nil
}

func correlationID(given string, span trace.Span) string {
	if given != "" {
		return given
	}
	if sc := span.SpanContext(); span.IsRecording() && sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

// #endregion handle

// #region turn
// turn carries one message through the action handlers.
type turn struct {
	p        *Pipeline
	ctx      context.Context
	msg      Message
	corr     string
	th       config.Thresholds
	pc       *persona.Context
	evidence *retrieval.Summary
	decision router.Decision
	beliefs  []string
	log      *zap.Logger
}

// outcome is what an action handler produced.
type outcome struct {
	res         Result
	verdict     *judge.Verdict
	hardFailure bool
	replayed    bool // the message id was already audited
	detail      string
	err         error
}

// durable detaches audit writes from client cancellation.
func (t *turn) durable() context.Context { return context.WithoutCancel(t.ctx) }

// learnPreference stores owner-training statements as beliefs.
func (t *turn) learnPreference() {
	det, ok := memory.DetectPreference(t.msg.Text)
	if !ok || t.p.d.Memory == nil {
		return
	}
	b, err := t.p.d.Memory.WriteBelief(t.ctx, memory.BeliefInput{
		TwinID: t.msg.TwinID,
		Topic:  det.Topic,
		Type:   det.Type,
		Value:  det.Value,
		Source: "owner_training:" + t.msg.MessageID,
	})
	if err != nil {
		t.log.Warn("preference not stored", zap.Error(err))
		return
	}
	t.log.Info("owner preference stored", zap.String("belief_id", b.ID), zap.String("topic", b.Topic))
}

func (t *turn) base() Result {
	return Result{
		DecisionID: t.decision.ID,
		Action:     t.decision.Action,
		Intent:     t.decision.Intent,
		Confidence: t.decision.Confidence,
	}
}

// hardFailure records a failure tied to the conversation and masks it.
func (t *turn) hardFailure(stage string, cause error) outcome {
	failuresTotal.WithLabelValues(stage).Inc()
	kind := "internal"
	var me *model.Error
	if errors.As(cause, &me) {
		kind = string(me.Kind)
	}
	res := t.base()
	res.Action = router.ActionEscalate
	res.Text = UnavailableMessage
	res.Failed = true

	_, err := t.p.d.Audit.RecordFailure(t.durable(), audit.Failure{
		TwinID:         t.msg.TwinID,
		ConversationID: t.msg.ConversationID,
		MessageID:      t.msg.MessageID,
		DecisionID:     t.decision.ID,
		Stage:          stage,
		Kind:           kind,
		Detail:         cause.Error(),
		CorrelationID:  t.corr,
	})
	if err != nil {
		return outcome{res: res, err: fmt.Errorf("%s failed (%v) and was not recorded: %w", stage, cause, err)}
	}
	t.log.Error("pipeline failure", zap.String("stage", stage), zap.String("kind", kind), zap.Error(cause))
	return outcome{res: res, hardFailure: true, detail: stage + ": " + cause.Error()}
}

// record writes the response audit. A retried message id returns the
// response already delivered for it.
func (t *turn) record(res Result, a audit.Response) outcome {
	a.TwinID = t.msg.TwinID
	a.ConversationID = t.msg.ConversationID
	a.MessageID = t.msg.MessageID
	a.DecisionID = t.decision.ID
	a.Interaction = string(t.msg.Interaction)
	a.Action = string(res.Action)
	a.Intent = t.decision.Intent
	a.Confidence = t.decision.Confidence
	a.Text = res.Text
	a.CorrelationID = t.corr
	a.MemoryRefs = t.beliefs
	if t.pc != nil {
		a.SpecVersion = t.pc.Spec.Version
		a.VariantID = t.pc.VariantID()
		a.ModuleIDs = t.pc.ModuleIDs()
	}
	if t.evidence != nil {
		a.RetrievalSummary = summarize(*t.evidence)
		for _, c := range t.evidence.Chunks {
			a.Sources = append(a.Sources, c.ID)
		}
	}

	saved, err := t.p.d.Audit.RecordResponse(t.durable(), a)
	if err != nil {
		if prev, perr := t.p.d.Audit.ResponseByMessage(t.durable(), t.msg.MessageID); perr == nil {
			t.log.Warn("message already answered, replaying audited response", zap.String("audit_id", prev.ID))
			res.AuditID = prev.ID
			res.Text = prev.Text
			res.Action = router.Action(prev.Action)
			return outcome{res: res, replayed: true}
		}
		return t.hardFailure("audit", err)
	}
	res.AuditID = saved.ID
	res.MemoryRefs = t.beliefs
	return outcome{res: res}
}

// summarize renders the retrieval summary without chunk text.
func summarize(s retrieval.Summary) string {
	s.Chunks = nil
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion turn

// #region review
func (t *turn) enqueueReview(out outcome) {
	if t.p.d.Review == nil {
		return
	}
	sig := review.Signal{
		TwinID:          t.msg.TwinID,
		ConversationID:  t.msg.ConversationID,
		MessageID:       t.msg.MessageID,
		DecisionID:      t.decision.ID,
		AuditID:         out.res.AuditID,
		Action:          string(out.res.Action),
		Confidence:      t.decision.Confidence,
		ReviewThreshold: t.th.ReviewConfidence,
		HardFailure:     out.hardFailure,
		Detail:          out.detail,
		CorrelationID:   t.corr,
	}
	if out.verdict != nil {
		for _, v := range out.verdict.PolicyViolations() {
			sig.Violations = append(sig.Violations, v.ClauseID)
		}
		sig.JudgeUnavailable = out.verdict.ScorerFailed
	}
	if sig.Confidence < sig.ReviewThreshold {
		recent, err := t.p.d.Audit.RecentDecisions(t.durable(), t.msg.ConversationID, t.p.d.ReviewWindow)
		if err == nil {
			confs := make([]float64, len(recent))
			for i, d := range recent {
				confs[i] = d.Confidence
			}
			sig.RepeatedLowConfidence = review.RepeatedLowConfidence(confs, t.th.ReviewConfidence)
		}
	}
	if _, _, err := t.p.d.Review.Enqueue(t.durable(), sig); err != nil {
		t.log.Error("review enqueue failed", zap.Error(err))
	}
}

// #endregion review
