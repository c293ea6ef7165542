package pipeline

import (
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/judge"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/optimizer"
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

// #region answer
// Answer drafts, judges and audits a response. A verdict that cannot ship
// becomes a refusal when a content clause is still broken and an
// escalation otherwise.
func (t *turn) Answer() outcome {
	doc := t.pc.Document()
	var evidence []string
	if t.evidence != nil {
		evidence = t.evidence.Texts()
	}

	gen, err := t.p.d.Generator.Generate(t.ctx, t.systemPrompt(), t.msg.Text, evidence)
	if err != nil {
		return t.hardFailure("generate", err)
	}

	v := t.p.d.Judge.Evaluate(t.ctx, judge.Input{
		Draft:       gen.Text,
		Document:    doc,
		Interaction: string(t.msg.Interaction),
		Threshold:   t.th.JudgeScore,
	})
	jr, err := t.p.d.Audit.RecordJudgeResult(t.durable(), judgeRecord(t, v))
	if err != nil {
		return t.hardFailure("audit", err)
	}

	res := t.base()
	a := audit.Response{
		JudgeResultID:   jr.ID,
		GatePassed:      v.GatePassed,
		FinalGatePassed: v.FinalGatePassed,
		RewriteApplied:  v.RewriteApplied,
	}
	switch {
	case v.Ship():
		res.Action = router.ActionAnswer
		res.Text = v.FinalText
		res.Citations = gen.Citations
		if len(res.Citations) == 0 && t.evidence != nil {
			res.Citations = t.evidence.Citations
		}
		a.Citations = res.Citations
	case v.HardBlocked():
		res.Action = router.ActionRefuse
		res.Text = RefusalMessage
		a.RefusalReason = "policy_violation: " + strings.Join(clauseIDs(v.FinalViolations), ",")
	default:
		res.Action = router.ActionEscalate
		res.Text = EscalationMessage
		a.EscalationReason = "gate_failed: " + strings.Join(clauseIDs(v.FinalViolations), ",")
		if v.ScorerFailed {
			a.EscalationReason = "judge_unavailable"
		}
	}

	out := t.record(res, a)
	out.verdict = &v
	if !out.hardFailure && out.res.AuditID != "" {
		t.deriveTrainingEvent(out.res.AuditID, jr)
	}
	return out
}

// systemPrompt is the active variant's rendering, or the concise rendering
// of the persona spec, with the owner's active beliefs projected in front.
func (t *turn) systemPrompt() string {
	var prompt string
	if t.pc.Variant != nil && t.pc.Variant.Rendering != "" {
		prompt = t.pc.Variant.Rendering
	} else {
		prompt = optimizer.Render(t.pc.Document(), optimizer.Strategies[0])
	}
	if t.p.d.Memory == nil {
		return prompt
	}
	beliefs, err := t.p.d.Memory.ActiveBeliefs(t.ctx, t.msg.TwinID)
	if err != nil {
		t.log.Warn("beliefs unavailable", zap.Error(err))
		return prompt
	}
	for _, b := range beliefs {
		t.beliefs = append(t.beliefs, b.ID)
	}
	return memory.WrapPrompt(memory.ProjectBeliefs(beliefs), prompt)
}

func judgeRecord(t *turn, v judge.Verdict) audit.JudgeResult {
	jr := audit.JudgeResult{
		DecisionID:      t.decision.ID,
		TwinID:          t.msg.TwinID,
		GatePassed:      v.GatePassed,
		FinalGatePassed: v.FinalGatePassed,
		StructureScore:  v.StructureScore,
		VoiceScore:      v.VoiceScore,
		DraftScore:      v.DraftScore,
		FinalScore:      v.FinalScore,
		RewriteApplied:  v.RewriteApplied,
		RewriteReasons:  v.RewriteReasons,
		Directives:      v.Directives,
	}
	for _, vi := range v.Violations {
		jr.Violations = append(jr.Violations, audit.Violation{ClauseID: vi.ClauseID, Kind: string(vi.Kind), Detail: vi.Detail})
	}
	return jr
}

func clauseIDs(vs []judge.Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ClauseID
	}
	return out
}

// deriveTrainingEvent feeds judged violations into the learning loop.
func (t *turn) deriveTrainingEvent(auditID string, jr audit.JudgeResult) {
	if t.p.d.Feedback == nil {
		return
	}
	sig, ok := feedback.FromJudgeVerdict(audit.Response{ID: auditID, TwinID: t.msg.TwinID}, jr)
	if !ok {
		return
	}
	if _, _, err := t.p.d.Feedback.Ingest(t.durable(), sig); err != nil {
		t.log.Warn("violation event not ingested", zap.Error(err))
	}
}

// #endregion answer

// #region clarify
// Clarify asks the clarifying questions. Once the response is audited,
// owner contexts open one thread per missing input so each answer becomes
// an owner belief. A retried message gets the threads opened the first
// time.
func (t *turn) Clarify() outcome {
	res := t.base()
	if len(t.decision.Questions) > 0 {
		res.Question = t.decision.Questions[0].Text
		res.Options = t.decision.Questions[0].Options
	}
	res.Text = strings.Join(t.decision.QuestionTexts(), " ")

	out := t.record(res, audit.Response{})
	if out.err != nil || out.hardFailure || t.msg.Interaction.IsPublic() || t.p.d.Memory == nil {
		return out
	}
	if out.replayed {
		prev, err := t.p.d.Memory.ThreadsForMessage(t.durable(), t.msg.MessageID)
		if err != nil {
			t.log.Warn("clarification threads unavailable", zap.Error(err))
		} else if len(prev) > 0 {
			out.res.ThreadID = prev[0].ID
		}
		return out
	}
	out.res.ThreadID = t.openThreads()
	return out
}

// openThreads opens a thread for every question tied to a missing input
// and returns the first thread id.
func (t *turn) openThreads() string {
	missing := make(map[string]bool, len(t.decision.MissingInputs))
	for _, in := range t.decision.MissingInputs {
		missing[in] = true
	}
	actor := t.msg.ActorID
	if actor == "" {
		actor = "owner"
	}
	var first string
	for _, q := range t.decision.Questions {
		if !missing[q.Input] {
			continue
		}
		th, err := t.p.d.Memory.OpenClarification(t.durable(), memory.Owner(actor), memory.ThreadInput{
			TwinID:         t.msg.TwinID,
			ConversationID: t.msg.ConversationID,
			MessageID:      t.msg.MessageID,
			Mode:           memory.ModeOwner,
			Question:       q.Text,
			Options:        q.Options,
			Topic:          q.Input,
		})
		if err != nil {
			t.log.Warn("clarification thread not opened", zap.String("input", q.Input), zap.Error(err))
			continue
		}
		if first == "" {
			first = th.ID
		}
	}
	return first
}

// #endregion clarify

// #region refuse-escalate
// Refuse declines without generating anything.
func (t *turn) Refuse() outcome {
	res := t.base()
	res.Text = RefusalMessage
	return t.record(res, audit.Response{RefusalReason: t.decision.Reason})
}

// Escalate hands the conversation to the owner.
func (t *turn) Escalate() outcome {
	res := t.base()
	res.Text = EscalationMessage
	return t.record(res, audit.Response{EscalationReason: t.decision.Reason})
}

// #endregion refuse-escalate
