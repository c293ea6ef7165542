package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/persona-governor/internal/store"
)

type scanner interface {
	Scan(dest ...any) error
}

// #region decisions
const selectDecision = `SELECT id, twin_id, conversation_id, message_id, interaction, action, workflow_id,
	intent, confidence, reasons, missing_inputs, questions, spec_version, correlation_id, created_at
	FROM routing_decisions`

func scanDecision(row scanner) (Decision, error) {
	var d Decision
	var workflowID, intent, specVersion, correlationID sql.NullString
	var reasons, missing, questions, createdAt string
	if err := row.Scan(&d.ID, &d.TwinID, &d.ConversationID, &d.MessageID, &d.Interaction, &d.Action,
		&workflowID, &intent, &d.Confidence, &reasons, &missing, &questions, &specVersion,
		&correlationID, &createdAt); err != nil {
		return Decision{}, err
	}
	d.WorkflowID = store.NullString(workflowID)
	d.Intent = store.NullString(intent)
	d.SpecVersion = store.NullString(specVersion)
	d.CorrelationID = store.NullString(correlationID)
	d.Reasons = decodeList(reasons)
	d.MissingInputs = decodeList(missing)
	d.Questions = decodeList(questions)
	d.CreatedAt = store.ParseTime(createdAt)
	return d, nil
}

// Decision returns a routing decision by id.
func (r *Recorder) Decision(ctx context.Context, id string) (Decision, error) {
	d, err := scanDecision(r.db.QueryRowContext(ctx, selectDecision+` WHERE id = ?`, id))
	if err != nil {
		return Decision{}, notFound(err, "decision", id)
	}
	return d, nil
}

// DecisionsForConversation returns decisions in creation order.
func (r *Recorder) DecisionsForConversation(ctx context.Context, conversationID string) ([]Decision, error) {
	return r.queryDecisions(ctx, selectDecision+` WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
}

// RecentDecisions returns up to limit decisions of a conversation, newest first.
func (r *Recorder) RecentDecisions(ctx context.Context, conversationID string, limit int) ([]Decision, error) {
	return r.queryDecisions(ctx,
		selectDecision+` WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`, conversationID, limit)
}

func (r *Recorder) queryDecisions(ctx context.Context, query string, args ...any) ([]Decision, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// #endregion decisions

// #region judge-results
// JudgeResult returns a judge verdict by id.
func (r *Recorder) JudgeResult(ctx context.Context, id string) (JudgeResult, error) {
	var j JudgeResult
	var gate, finalGate, rewrite int
	var violations, reasons, directives, createdAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, decision_id, twin_id, gate_passed, final_gate_passed, violations, structure_score,
			voice_score, draft_score, final_score, rewrite_applied, rewrite_reasons, directives, created_at
		 FROM judge_results WHERE id = ?`, id,
	).Scan(&j.ID, &j.DecisionID, &j.TwinID, &gate, &finalGate, &violations, &j.StructureScore,
		&j.VoiceScore, &j.DraftScore, &j.FinalScore, &rewrite, &reasons, &directives, &createdAt)
	if err != nil {
		return JudgeResult{}, notFound(err, "judge result", id)
	}
	if err := json.Unmarshal([]byte(violations), &j.Violations); err != nil {
		return JudgeResult{}, fmt.Errorf("unmarshal violations: %w", err)
	}
	if len(j.Violations) == 0 {
		j.Violations = nil
	}
	j.GatePassed = gate == 1
	j.FinalGatePassed = finalGate == 1
	j.RewriteApplied = rewrite == 1
	j.RewriteReasons = decodeList(reasons)
	j.Directives = decodeList(directives)
	j.CreatedAt = store.ParseTime(createdAt)
	return j, nil
}

// #endregion judge-results

// #region responses
const selectResponse = `SELECT id, twin_id, conversation_id, message_id, decision_id, judge_result_id,
	interaction, action, intent, spec_version, variant_id, module_ids, confidence, citations, sources,
	retrieval_summary, memory_refs, gate_passed, final_gate_passed, rewrite_applied, refusal_reason,
	escalation_reason, text, correlation_id, created_at
	FROM response_audits`

func scanResponse(row scanner) (Response, error) {
	var a Response
	var judgeID, intent, specVersion, variantID, retrieval, refusal, escalation, correlationID sql.NullString
	var modules, citations, sources, memoryRefs, createdAt string
	var gate, finalGate, rewrite int
	if err := row.Scan(&a.ID, &a.TwinID, &a.ConversationID, &a.MessageID, &a.DecisionID, &judgeID,
		&a.Interaction, &a.Action, &intent, &specVersion, &variantID, &modules, &a.Confidence,
		&citations, &sources, &retrieval, &memoryRefs, &gate, &finalGate, &rewrite, &refusal,
		&escalation, &a.Text, &correlationID, &createdAt); err != nil {
		return Response{}, err
	}
	a.JudgeResultID = store.NullString(judgeID)
	a.Intent = store.NullString(intent)
	a.SpecVersion = store.NullString(specVersion)
	a.VariantID = store.NullString(variantID)
	a.RetrievalSummary = store.NullString(retrieval)
	a.RefusalReason = store.NullString(refusal)
	a.EscalationReason = store.NullString(escalation)
	a.CorrelationID = store.NullString(correlationID)
	a.ModuleIDs = decodeList(modules)
	a.Citations = decodeList(citations)
	a.Sources = decodeList(sources)
	a.MemoryRefs = decodeList(memoryRefs)
	a.GatePassed = gate == 1
	a.FinalGatePassed = finalGate == 1
	a.RewriteApplied = rewrite == 1
	a.CreatedAt = store.ParseTime(createdAt)
	return a, nil
}

// Response returns a response audit by id.
func (r *Recorder) Response(ctx context.Context, id string) (Response, error) {
	a, err := scanResponse(r.db.QueryRowContext(ctx, selectResponse+` WHERE id = ?`, id))
	if err != nil {
		return Response{}, notFound(err, "response audit", id)
	}
	return a, nil
}

// ResponseByMessage returns the response audit for a delivered message.
func (r *Recorder) ResponseByMessage(ctx context.Context, messageID string) (Response, error) {
	a, err := scanResponse(r.db.QueryRowContext(ctx, selectResponse+` WHERE message_id = ?`, messageID))
	if err != nil {
		return Response{}, notFound(err, "response for message", messageID)
	}
	return a, nil
}

// ResponsesForConversation returns response audits in creation order.
func (r *Recorder) ResponsesForConversation(ctx context.Context, conversationID string) ([]Response, error) {
	return r.queryResponses(ctx, selectResponse+` WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
}

// RecentResponses returns up to limit of twinID's response audits, newest first.
func (r *Recorder) RecentResponses(ctx context.Context, twinID string, limit int) ([]Response, error) {
	return r.queryResponses(ctx, selectResponse+` WHERE twin_id = ? ORDER BY seq DESC LIMIT ?`, twinID, limit)
}

func (r *Recorder) queryResponses(ctx context.Context, query string, args ...any) ([]Response, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()
	var out []Response
	for rows.Next() {
		a, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// #endregion responses

// #region failures
// FailuresForConversation returns hard failures in creation order.
func (r *Recorder) FailuresForConversation(ctx context.Context, conversationID string) ([]Failure, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, twin_id, conversation_id, message_id, decision_id, stage, kind, detail, correlation_id, created_at
		 FROM pipeline_failures WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	var out []Failure
	for rows.Next() {
		var f Failure
		var decisionID, detail, correlationID sql.NullString
		var createdAt string
		if err := rows.Scan(&f.ID, &f.TwinID, &f.ConversationID, &f.MessageID, &decisionID, &f.Stage,
			&f.Kind, &detail, &correlationID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.DecisionID = store.NullString(decisionID)
		f.Detail = store.NullString(detail)
		f.CorrelationID = store.NullString(correlationID)
		f.CreatedAt = store.ParseTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ConsecutiveFailures counts refusals, escalations and hard failures in a
// conversation since its last answered response or its last escalation for
// repeated failures, whichever is later. Counting restarts after that
// escalation so a recovered model can answer again.
func (r *Recorder) ConsecutiveFailures(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`WITH reset AS (
			SELECT COALESCE(MAX(created_at), '') AS at FROM response_audits
			WHERE conversation_id = ?
			  AND (action = 'answer' OR (action = 'escalate' AND escalation_reason = ?))
		)
		SELECT
			(SELECT COUNT(*) FROM response_audits, reset
			 WHERE conversation_id = ? AND action IN ('refuse', 'escalate') AND created_at > reset.at)
			+
			(SELECT COUNT(*) FROM pipeline_failures, reset
			 WHERE conversation_id = ? AND created_at > reset.at)`,
		conversationID, EscalationRepeatedFailures, conversationID, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

// Corrections returns the correction notes attached to a response audit.
func (r *Recorder) Corrections(ctx context.Context, auditID string) ([]Correction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, audit_id, author, note, created_at FROM audit_corrections WHERE audit_id = ? ORDER BY seq ASC`,
		auditID)
	if err != nil {
		return nil, fmt.Errorf("query corrections: %w", err)
	}
	defer rows.Close()
	var out []Correction
	for rows.Next() {
		var c Correction
		var createdAt string
		if err := rows.Scan(&c.ID, &c.AuditID, &c.Author, &c.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		c.CreatedAt = store.ParseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// #endregion failures
