package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS training_events (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	twin_id            TEXT NOT NULL,
	trace_id           TEXT NOT NULL,
	source             TEXT NOT NULL CHECK (source IN ('feedback', 'audit', 'manual')),
	type               TEXT NOT NULL CHECK (type IN ('thumb_up', 'thumb_down', 'rewrite', 'policy_violation', 'manual_label')),
	score              REAL NOT NULL CHECK (score >= -1 AND score <= 1),
	severity           TEXT NOT NULL CHECK (severity IN ('low', 'high')),
	note               TEXT,
	response_audit_id  TEXT,
	intent             TEXT,
	processed          INTEGER NOT NULL DEFAULT 0,
	run_id             TEXT,
	created_at         TEXT NOT NULL,
	processed_at       TEXT,
	UNIQUE (trace_id, source)
);
CREATE INDEX IF NOT EXISTS idx_training_events_pending ON training_events(twin_id, processed, seq);
`

// #endregion schema

// #region ingestor
// AuditLookup resolves the response audit a signal refers to.
type AuditLookup interface {
	Response(ctx context.Context, id string) (audit.Response, error)
}

// Ingestor turns signals into training events.
type Ingestor struct {
	db     *sql.DB
	audits AuditLookup
	logger *zap.Logger
	now    func() time.Time
}

// NewIngestor creates the training event table on db. audits may be nil.
func NewIngestor(db *sql.DB, audits AuditLookup, logger *zap.Logger) (*Ingestor, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate feedback: %w", err)
	}
	return &Ingestor{db: db, audits: audits, logger: logging.OrNop(logger).Named("feedback"), now: time.Now}, nil
}

// #endregion ingestor

// #region ingest
// Ingest stores sig as a training event. Re-ingesting the same
// (trace id, source) is a no-op that returns the stored event and false.
func (i *Ingestor) Ingest(ctx context.Context, sig Signal) (Event, bool, error) {
	ev, err := i.validate(ctx, sig)
	if err != nil {
		return Event{}, false, err
	}

	res, err := i.db.ExecContext(ctx,
		`INSERT INTO training_events (id, twin_id, trace_id, source, type, score, severity, note,
			response_audit_id, intent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (trace_id, source) DO NOTHING`,
		ev.ID, ev.TwinID, ev.TraceID, string(ev.Source), string(ev.Type), ev.Score, string(ev.Severity),
		store.NullIfEmpty(ev.Note), store.NullIfEmpty(ev.ResponseAuditID), store.NullIfEmpty(ev.Intent),
		store.FormatTime(ev.CreatedAt),
	)
	if err != nil {
		return Event{}, false, fmt.Errorf("insert training event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		eventsIngested.WithLabelValues(string(ev.Source), string(ev.Type), "duplicate").Inc()
		existing, err := i.byTrace(ctx, ev.TraceID, ev.Source)
		if err != nil {
			return Event{}, false, err
		}
		return existing, false, nil
	}

	eventsIngested.WithLabelValues(string(ev.Source), string(ev.Type), "created").Inc()
	i.logger.Debug("training event ingested",
		zap.String("twin_id", ev.TwinID), zap.String("trace_id", ev.TraceID),
		zap.String("type", string(ev.Type)), zap.Float64("score", ev.Score))
	return ev, true, nil
}

func (i *Ingestor) validate(ctx context.Context, sig Signal) (Event, error) {
	invalid := func(msg string) (Event, error) {
		return Event{}, fmt.Errorf("%w: %s", ErrInvalidSignal, msg)
	}
	if sig.TwinID == "" || sig.TraceID == "" {
		return invalid("twin id and trace id are required")
	}
	switch sig.Source {
	case SourceFeedback, SourceAudit, SourceManual:
	case "":
		sig.Source = SourceFeedback
	default:
		return invalid(fmt.Sprintf("unknown source %q", sig.Source))
	}

	if _, known := defaultScore[sig.Type]; !known && sig.Type != ManualLabel {
		return invalid(fmt.Sprintf("unknown event type %q", sig.Type))
	}
	var score float64
	switch {
	case sig.Score != nil:
		score = *sig.Score
	case sig.Type == ManualLabel:
		return invalid("manual labels need a score")
	default:
		score = defaultScore[sig.Type]
	}
	if score < -1 || score > 1 {
		return invalid(fmt.Sprintf("score %v outside [-1,1]", score))
	}

	switch sig.Severity {
	case "":
		sig.Severity = SeverityLow
	case SeverityLow, SeverityHigh:
	default:
		return invalid(fmt.Sprintf("unknown severity %q", sig.Severity))
	}

	ev := Event{
		ID:              uuid.New().String(),
		TwinID:          sig.TwinID,
		TraceID:         sig.TraceID,
		Source:          sig.Source,
		Type:            sig.Type,
		Score:           score,
		Severity:        sig.Severity,
		Note:            sig.Note,
		ResponseAuditID: sig.ResponseAuditID,
		CreatedAt:       i.now().UTC(),
	}
	if sig.ResponseAuditID != "" && i.audits != nil {
		resp, err := i.audits.Response(ctx, sig.ResponseAuditID)
		if errors.Is(err, audit.ErrNotFound) {
			return invalid(fmt.Sprintf("unknown response audit %s", sig.ResponseAuditID))
		}
		if err != nil {
			return Event{}, fmt.Errorf("lookup audit: %w", err)
		}
		if resp.TwinID != sig.TwinID {
			return invalid("response audit belongs to another twin")
		}
		ev.Intent = resp.Intent
	}
	return ev, nil
}

// #endregion ingest

// #region from-verdict
// FromJudgeVerdict derives the audit-sourced violation signal for a
// delivered response. It returns false when the judge found no policy
// violation. Hard-clause violations are high severity.
func FromJudgeVerdict(resp audit.Response, jr audit.JudgeResult) (Signal, bool) {
	var clauses []string
	severity := SeverityLow
	for _, v := range jr.Violations {
		if v.Kind == "judge_unavailable" {
			continue
		}
		clauses = append(clauses, v.ClauseID)
		if v.Kind == "hard_clause" {
			severity = SeverityHigh
		}
	}
	if len(clauses) == 0 {
		return Signal{}, false
	}
	return Signal{
		TwinID:          resp.TwinID,
		TraceID:         "audit:" + resp.ID,
		Source:          SourceAudit,
		Type:            PolicyViolation,
		Severity:        severity,
		Note:            fmt.Sprintf("violated %v", clauses),
		ResponseAuditID: resp.ID,
	}, true
}

// #endregion from-verdict

// #region readers
const selectEvent = `SELECT id, twin_id, trace_id, source, type, score, severity, note, response_audit_id,
	intent, processed, run_id, created_at, processed_at FROM training_events`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var source, typ, severity, createdAt string
	var note, auditID, intent, runID, processedAt sql.NullString
	var processed int
	if err := row.Scan(&ev.ID, &ev.TwinID, &ev.TraceID, &source, &typ, &ev.Score, &severity, &note,
		&auditID, &intent, &processed, &runID, &createdAt, &processedAt); err != nil {
		return Event{}, err
	}
	ev.Source = Source(source)
	ev.Type = EventType(typ)
	ev.Severity = Severity(severity)
	ev.Note = store.NullString(note)
	ev.ResponseAuditID = store.NullString(auditID)
	ev.Intent = store.NullString(intent)
	ev.Processed = processed == 1
	ev.RunID = store.NullString(runID)
	ev.CreatedAt = store.ParseTime(createdAt)
	ev.ProcessedAt = store.ParseNullTime(processedAt)
	return ev, nil
}

func (i *Ingestor) byTrace(ctx context.Context, traceID string, source Source) (Event, error) {
	ev, err := scanEvent(i.db.QueryRowContext(ctx,
		selectEvent+` WHERE trace_id = ? AND source = ?`, traceID, string(source)))
	if err != nil {
		return Event{}, fmt.Errorf("load event %s/%s: %w", traceID, source, err)
	}
	return ev, nil
}

// Get returns an event by id.
func (i *Ingestor) Get(ctx context.Context, id string) (Event, error) {
	ev, err := scanEvent(i.db.QueryRowContext(ctx, selectEvent+` WHERE id = ?`, id))
	if err != nil {
		return Event{}, fmt.Errorf("load event %s: %w", id, err)
	}
	return ev, nil
}

// Unprocessed returns up to limit of twinID's pending events, oldest first.
func (i *Ingestor) Unprocessed(ctx context.Context, twinID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := i.db.QueryContext(ctx,
		selectEvent+` WHERE twin_id = ? AND processed = 0 ORDER BY seq LIMIT ?`, twinID, limit)
	if err != nil {
		return nil, fmt.Errorf("unprocessed events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkProcessed flags an event as consumed by runID. It returns false when
// another run already consumed it.
func MarkProcessed(ctx context.Context, q store.Querier, eventID, runID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE training_events SET processed = 1, run_id = ?, processed_at = ?
		 WHERE id = ? AND processed = 0`,
		runID, store.FormatTime(at), eventID,
	)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return n == 1, nil
}

// #endregion readers
