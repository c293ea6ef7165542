package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS routing_decisions (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	twin_id          TEXT NOT NULL,
	conversation_id  TEXT NOT NULL,
	message_id       TEXT NOT NULL,
	interaction      TEXT NOT NULL,
	action           TEXT NOT NULL CHECK (action IN ('answer', 'clarify', 'refuse', 'escalate')),
	workflow_id      TEXT,
	intent           TEXT,
	confidence       REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	reasons          TEXT NOT NULL,
	missing_inputs   TEXT NOT NULL,
	questions        TEXT NOT NULL,
	spec_version     TEXT,
	correlation_id   TEXT,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_decisions_conv ON routing_decisions(conversation_id, seq);

CREATE TABLE IF NOT EXISTS judge_results (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	decision_id       TEXT NOT NULL REFERENCES routing_decisions(id),
	twin_id           TEXT NOT NULL,
	gate_passed       INTEGER NOT NULL,
	final_gate_passed INTEGER NOT NULL,
	violations        TEXT NOT NULL,
	structure_score   REAL NOT NULL,
	voice_score       REAL NOT NULL,
	draft_score       REAL NOT NULL,
	final_score       REAL NOT NULL,
	rewrite_applied   INTEGER NOT NULL,
	rewrite_reasons   TEXT NOT NULL,
	directives        TEXT NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS response_audits (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	twin_id            TEXT NOT NULL,
	conversation_id    TEXT NOT NULL,
	message_id         TEXT NOT NULL UNIQUE,
	decision_id        TEXT NOT NULL REFERENCES routing_decisions(id),
	judge_result_id    TEXT REFERENCES judge_results(id),
	interaction        TEXT NOT NULL,
	action             TEXT NOT NULL CHECK (action IN ('answer', 'clarify', 'refuse', 'escalate')),
	intent             TEXT,
	spec_version       TEXT,
	variant_id         TEXT,
	module_ids         TEXT NOT NULL,
	confidence         REAL NOT NULL,
	citations          TEXT NOT NULL,
	sources            TEXT NOT NULL,
	retrieval_summary  TEXT,
	memory_refs        TEXT NOT NULL,
	gate_passed        INTEGER NOT NULL,
	final_gate_passed  INTEGER NOT NULL,
	rewrite_applied    INTEGER NOT NULL,
	refusal_reason     TEXT,
	escalation_reason  TEXT,
	text               TEXT NOT NULL,
	correlation_id     TEXT,
	created_at         TEXT NOT NULL,
	CHECK (action != 'answer' OR gate_passed = 1 OR rewrite_applied = 1),
	CHECK (action != 'answer' OR final_gate_passed = 1)
);
CREATE INDEX IF NOT EXISTS idx_response_audits_conv ON response_audits(conversation_id, seq);

CREATE TABLE IF NOT EXISTS pipeline_failures (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	twin_id          TEXT NOT NULL,
	conversation_id  TEXT NOT NULL,
	message_id       TEXT NOT NULL,
	decision_id      TEXT REFERENCES routing_decisions(id),
	stage            TEXT NOT NULL,
	kind             TEXT NOT NULL,
	detail           TEXT,
	correlation_id   TEXT,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_corrections (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	audit_id    TEXT NOT NULL REFERENCES response_audits(id),
	author      TEXT NOT NULL,
	note        TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
`

var insertOnlyTables = []string{
	"routing_decisions", "judge_results", "response_audits", "pipeline_failures", "audit_corrections",
}

func triggers() string {
	var out string
	for _, t := range insertOnlyTables {
		out += fmt.Sprintf(`
CREATE TRIGGER IF NOT EXISTS %[1]s_no_update BEFORE UPDATE ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[1]s is insert-only'); END;
CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete BEFORE DELETE ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[1]s is insert-only'); END;
`, t)
	}
	return out
}

// #endregion schema

// #region recorder
// Recorder is the append-only audit sink.
type Recorder struct {
	db  *sql.DB
	now func() time.Time
}

// NewRecorder creates the audit tables on db.
func NewRecorder(db *sql.DB) (*Recorder, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate audit: %w", err)
	}
	if _, err := db.Exec(triggers()); err != nil {
		return nil, fmt.Errorf("migrate audit triggers: %w", err)
	}
	return &Recorder{db: db, now: time.Now}, nil
}

func (r *Recorder) stamp(id *string, at *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if at.IsZero() {
		*at = r.now().UTC()
	}
}

// #endregion recorder

// #region record
// RecordDecision inserts a routing decision.
func (r *Recorder) RecordDecision(ctx context.Context, d Decision) (Decision, error) {
	r.stamp(&d.ID, &d.CreatedAt)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routing_decisions (id, twin_id, conversation_id, message_id, interaction, action,
			workflow_id, intent, confidence, reasons, missing_inputs, questions, spec_version,
			correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TwinID, d.ConversationID, d.MessageID, d.Interaction, d.Action,
		store.NullIfEmpty(d.WorkflowID), store.NullIfEmpty(d.Intent), d.Confidence,
		encodeList(d.Reasons), encodeList(d.MissingInputs), encodeList(d.Questions),
		store.NullIfEmpty(d.SpecVersion), store.NullIfEmpty(d.CorrelationID), store.FormatTime(d.CreatedAt),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("record decision: %w", err)
	}
	return d, nil
}

// RecordJudgeResult inserts a judge verdict.
func (r *Recorder) RecordJudgeResult(ctx context.Context, j JudgeResult) (JudgeResult, error) {
	r.stamp(&j.ID, &j.CreatedAt)
	violations, err := json.Marshal(nonNil(j.Violations))
	if err != nil {
		return JudgeResult{}, fmt.Errorf("marshal violations: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO judge_results (id, decision_id, twin_id, gate_passed, final_gate_passed, violations,
			structure_score, voice_score, draft_score, final_score, rewrite_applied, rewrite_reasons,
			directives, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.DecisionID, j.TwinID, store.BoolInt(j.GatePassed), store.BoolInt(j.FinalGatePassed),
		string(violations), j.StructureScore, j.VoiceScore, j.DraftScore, j.FinalScore,
		store.BoolInt(j.RewriteApplied), encodeList(j.RewriteReasons), encodeList(j.Directives),
		store.FormatTime(j.CreatedAt),
	)
	if err != nil {
		return JudgeResult{}, fmt.Errorf("record judge result: %w", err)
	}
	return j, nil
}

// RecordResponse inserts the response audit for a delivered message. A
// second audit for the same message id is rejected.
func (r *Recorder) RecordResponse(ctx context.Context, a Response) (Response, error) {
	r.stamp(&a.ID, &a.CreatedAt)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO response_audits (id, twin_id, conversation_id, message_id, decision_id, judge_result_id,
			interaction, action, intent, spec_version, variant_id, module_ids, confidence, citations, sources,
			retrieval_summary, memory_refs, gate_passed, final_gate_passed, rewrite_applied,
			refusal_reason, escalation_reason, text, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TwinID, a.ConversationID, a.MessageID, a.DecisionID, store.NullIfEmpty(a.JudgeResultID),
		a.Interaction, a.Action, store.NullIfEmpty(a.Intent), store.NullIfEmpty(a.SpecVersion),
		store.NullIfEmpty(a.VariantID), encodeList(a.ModuleIDs), a.Confidence,
		encodeList(a.Citations), encodeList(a.Sources), store.NullIfEmpty(a.RetrievalSummary),
		encodeList(a.MemoryRefs), store.BoolInt(a.GatePassed), store.BoolInt(a.FinalGatePassed),
		store.BoolInt(a.RewriteApplied), store.NullIfEmpty(a.RefusalReason),
		store.NullIfEmpty(a.EscalationReason), a.Text, store.NullIfEmpty(a.CorrelationID),
		store.FormatTime(a.CreatedAt),
	)
	if err != nil {
		return Response{}, fmt.Errorf("record response: %w", err)
	}
	return a, nil
}

// RecordFailure inserts a hard pipeline failure.
func (r *Recorder) RecordFailure(ctx context.Context, f Failure) (Failure, error) {
	r.stamp(&f.ID, &f.CreatedAt)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO pipeline_failures (id, twin_id, conversation_id, message_id, decision_id, stage, kind,
			detail, correlation_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TwinID, f.ConversationID, f.MessageID, store.NullIfEmpty(f.DecisionID), f.Stage, f.Kind,
		store.NullIfEmpty(f.Detail), store.NullIfEmpty(f.CorrelationID), store.FormatTime(f.CreatedAt),
	)
	if err != nil {
		return Failure{}, fmt.Errorf("record failure: %w", err)
	}
	return f, nil
}

// Correct appends a correction note to an existing response audit.
func (r *Recorder) Correct(ctx context.Context, auditID, author, note string) (Correction, error) {
	if _, err := r.Response(ctx, auditID); err != nil {
		return Correction{}, err
	}
	c := Correction{AuditID: auditID, Author: author, Note: note}
	r.stamp(&c.ID, &c.CreatedAt)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_corrections (id, audit_id, author, note, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.AuditID, c.Author, c.Note, store.FormatTime(c.CreatedAt),
	)
	if err != nil {
		return Correction{}, fmt.Errorf("record correction: %w", err)
	}
	return c, nil
}

// #endregion record

// #region helpers
func encodeList(v []string) string {
	b, _ := json.Marshal(nonNil(v))
	return string(b)
}

func decodeList(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// #endregion helpers
