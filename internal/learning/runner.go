package learning

import (
	"context"
	"database/sql"
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
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/review"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

var tracer = otel.Tracer("github.com/danielpatrickdp/persona-governor/internal/learning")

// #region deps
// EventSource lists a twin's unconsumed training events.
type EventSource interface {
	Unprocessed(ctx context.Context, twinID string, limit int) ([]feedback.Event, error)
}

// AuditLookup resolves the response an event refers to.
type AuditLookup interface {
	Response(ctx context.Context, id string) (audit.Response, error)
}

// ReviewSink queues modules that need an owner decision.
type ReviewSink interface {
	Enqueue(ctx context.Context, sig review.Signal) (review.Item, bool, error)
}

// ThresholdSource resolves per-twin thresholds.
type ThresholdSource interface {
	ThresholdsFor(twinID string) config.Thresholds
}

// Deps wires a Runner. Audits and Reviews may be nil.
type Deps struct {
	DB         *sql.DB
	Store      *Store
	Events     EventSource
	Audits     AuditLookup
	Reviews    ReviewSink
	Specs      *persona.Store
	Thresholds ThresholdSource
	Logger     *zap.Logger
}

// #endregion deps

// #region runner
// Runner executes learning runs. Runs for the same twin are serialized by
// a lease in learning_locks, across processes as well as goroutines.
type Runner struct {
	db         *sql.DB
	store      *Store
	events     EventSource
	audits     AuditLookup
	reviews    ReviewSink
	specs      *persona.Store
	thresholds ThresholdSource
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewRunner returns a runner over d.
func NewRunner(d Deps, cfg Config) *Runner {
	return &Runner{
		db:         d.DB,
		store:      d.Store,
		events:     d.Events,
		audits:     d.Audits,
		reviews:    d.Reviews,
		specs:      d.Specs,
		thresholds: d.Thresholds,
		cfg:        cfg,
		logger:     logging.OrNop(d.Logger).Named("learning"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// #endregion runner

// #region run
// Run consumes twinID's unprocessed events, updates the attributed modules
// and applies the publish gate. It waits for any in-flight run on the same
// twin to finish first. A publish creates a draft persona spec and never
// activates it.
func (r *Runner) Run(ctx context.Context, twinID string) (Run, error) {
	ctx, span := tracer.Start(ctx, "learning.Run", trace.WithAttributes(attribute.String("twin_id", twinID)))
	defer span.End()
	start := time.Now()

	l := &lease{db: r.db, twinID: twinID, holder: uuid.New().String(), ttl: r.cfg.LockTTL, now: r.now}
	if l.ttl <= 0 {
		l.ttl = 10 * time.Minute
	}
	if err := l.acquire(ctx, r.cfg.LockPoll); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease")
		return Run{}, fmt.Errorf("learning run %s: %w", twinID, err)
	}
	defer func() {
		if err := l.release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release lease failed", zap.String("twin_id", twinID), zap.Error(err))
		}
	}()

	run, err := r.begin(ctx, twinID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin")
		return Run{}, err
	}
	log := r.logger.With(zap.String("twin_id", twinID), zap.String("run_id", run.ID))

	batch, err := r.apply(ctx, l, run.ID, twinID)
	run.EventsScanned = batch.EventsScanned
	run.ModulesUpdated = len(batch.Changed())
	run.AvgConfidenceDelta = batch.AvgDelta()
	if err != nil {
		return r.fail(ctx, span, run, err)
	}

	gate := Decide(batch, r.thresholds.ThresholdsFor(twinID).PublishDelta)
	run.PublishDecision = gate.Decision
	run.Reason = gate.Reason
	if gate.Decision == Published {
		specID, err := r.publish(ctx, twinID)
		if err != nil {
			return r.fail(ctx, span, run, err)
		}
		run.CandidateSpecID = specID
	}

	run.Status = RunCompleted
	if err := r.finish(ctx, &run); err != nil {
		return run, err
	}
	runsTotal.WithLabelValues(string(run.Status), string(run.PublishDecision)).Inc()
	runDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("events_scanned", run.EventsScanned),
		attribute.Int("modules_updated", run.ModulesUpdated),
		attribute.String("publish_decision", string(run.PublishDecision)),
	)
	log.Info("learning run completed",
		zap.Int("events", run.EventsScanned),
		zap.Int("modules", run.ModulesUpdated),
		zap.Float64("avg_delta", run.AvgConfidenceDelta),
		zap.String("decision", string(run.PublishDecision)),
		zap.String("reason", run.Reason),
		zap.String("candidate_spec_id", run.CandidateSpecID))
	return run, nil
}

func (r *Runner) begin(ctx context.Context, twinID string) (Run, error) {
	now := r.now()
	run := Run{ID: uuid.New().String(), TwinID: twinID, Status: RunRunning, StartedAt: now}
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		// Holding the lease means any running row is left over from a crash.
		if _, err := tx.ExecContext(ctx,
			`UPDATE learning_runs SET status = 'failed', error = 'abandoned', finished_at = ?
			 WHERE twin_id = ? AND status = 'running'`,
			store.FormatTime(now), twinID,
		); err != nil {
			return fmt.Errorf("abandon stale runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO learning_runs (id, twin_id, status, started_at) VALUES (?, ?, 'running', ?)`,
			run.ID, twinID, store.FormatTime(now),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	return run, err
}

func (r *Runner) finish(ctx context.Context, run *Run) error {
	run.FinishedAt = r.now()
	_, err := r.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE learning_runs SET status = ?, events_scanned = ?, modules_updated = ?, avg_confidence_delta = ?,
			publish_decision = ?, reason = ?, candidate_spec_id = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		string(run.Status), run.EventsScanned, run.ModulesUpdated, run.AvgConfidenceDelta,
		store.NullIfEmpty(string(run.PublishDecision)), store.NullIfEmpty(run.Reason),
		store.NullIfEmpty(run.CandidateSpecID), store.NullIfEmpty(run.Error),
		store.FormatTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, span trace.Span, run Run, cause error) (Run, error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "run failed")
	run.Status = RunFailed
	run.Error = cause.Error()
	if err := r.finish(ctx, &run); err != nil {
		r.logger.Error("record failed run", zap.String("run_id", run.ID), zap.Error(err))
	}
	runsTotal.WithLabelValues(string(run.Status), string(run.PublishDecision)).Inc()
	return run, fmt.Errorf("learning run %s: %w", run.ID, cause)
}

// #endregion run

// #region apply
type target struct {
	key  string
	kind ModuleKind
}

// moduleIDsFor returns the modules recorded on the event's response audit.
// It runs outside any transaction; the store has a single connection.
func (r *Runner) moduleIDsFor(ctx context.Context, ev feedback.Event) ([]string, error) {
	if ev.ResponseAuditID == "" || r.audits == nil {
		return nil, nil
	}
	resp, err := r.audits.Response(ctx, ev.ResponseAuditID)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.ModuleIDs, nil
}

// targetsFor resolves module ids to stable keys, falling back to the
// (kind, intent) module when no recorded module exists.
func targetsFor(ctx context.Context, q store.Querier, ev feedback.Event, moduleIDs []string) ([]target, error) {
	seen := make(map[string]bool)
	var out []target
	for _, id := range moduleIDs {
		m, err := moduleByID(ctx, q, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !seen[m.Key] {
			seen[m.Key] = true
			out = append(out, target{key: m.Key, kind: m.Kind})
		}
	}
	if len(out) == 0 {
		kind := KindFor(ev.Type)
		out = append(out, target{key: ModuleKey(kind, ev.Intent), kind: kind})
	}
	return out, nil
}

type applied struct {
	old Module
	out Outcome
}

func (r *Runner) apply(ctx context.Context, l *lease, runID, twinID string) (*Batch, error) {
	batch := newBatch(r.cfg.MinModuleConf)
	events, err := r.events.Unprocessed(ctx, twinID, r.cfg.BatchSize)
	if err != nil {
		return batch, err
	}
	ucfg := r.cfg.update()

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if err := l.renew(ctx); err != nil {
			return batch, err
		}
		moduleIDs, err := r.moduleIDsFor(ctx, ev)
		if err != nil {
			return batch, fmt.Errorf("attribute event %s: %w", ev.ID, err)
		}

		var consumed bool
		var results []applied
		now := r.now()
		err = store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
			consumed, results = false, nil
			ok, err := feedback.MarkProcessed(ctx, tx, ev.ID, runID, now)
			if err != nil || !ok {
				return err
			}
			consumed = true

			targets, err := targetsFor(ctx, tx, ev, moduleIDs)
			if err != nil {
				return err
			}
			for _, t := range targets {
				m, err := currentModule(ctx, tx, twinID, t.key)
				if errors.Is(err, ErrNotFound) {
					m, err = createModule(ctx, tx, twinID, t.kind, t.key, now)
				}
				if err != nil {
					return err
				}
				out := Update(m, ev, ucfg)
				if !out.Changed(m) {
					continue
				}
				saved, err := saveOutcome(ctx, tx, m, out, now)
				if err != nil {
					return err
				}
				out.Module = saved
				results = append(results, applied{old: m, out: out})
			}
			return nil
		})
		if err != nil {
			return batch, fmt.Errorf("apply event %s: %w", ev.ID, err)
		}
		if !consumed {
			continue
		}
		eventsApplied.Inc()
		batch.EventsScanned++
		if ev.Type == feedback.PolicyViolation && ev.Severity == feedback.SeverityHigh {
			batch.HighSeverity++
		}
		for _, a := range results {
			batch.observe(a.old, a.out)
			if a.out.ForcedReview && !a.old.NeedsReview {
				r.flag(ctx, ev, a.out.Module)
			}
		}
	}
	return batch, nil
}

// flag queues a newly flagged module for the owner. A queue failure is
// logged; the module stays flagged either way.
func (r *Runner) flag(ctx context.Context, ev feedback.Event, m Module) {
	modulesFlagged.Inc()
	if r.reviews == nil {
		return
	}
	_, _, err := r.reviews.Enqueue(ctx, review.Signal{
		TwinID:        m.TwinID,
		ModuleID:      m.ID,
		Confidence:    m.Confidence,
		Detail:        fmt.Sprintf("module %s v%d flagged by %s event %s", m.Key, m.Version, ev.Type, ev.ID),
		CorrelationID: ev.TraceID,
	})
	if err != nil {
		r.logger.Warn("module review not queued", zap.String("module_id", m.ID), zap.Error(err))
	}
}

// #endregion apply

// #region publish
// publish stages a draft spec carrying every eligible module. Module status
// is untouched; the modules go live when the draft is promoted.
func (r *Runner) publish(ctx context.Context, twinID string) (string, error) {
	base, err := r.specs.Active(ctx, twinID)
	if errors.Is(err, persona.ErrNotFound) {
		hist, herr := r.specs.History(ctx, twinID, 1)
		if herr != nil {
			return "", herr
		}
		if len(hist) == 0 {
			return "", fmt.Errorf("publish %s: no persona spec to extend", twinID)
		}
		base, err = hist[0], nil
	}
	if err != nil {
		return "", err
	}

	mods, err := learnedModules(ctx, r.db, twinID, r.cfg.MinModuleConf)
	if err != nil {
		return "", err
	}
	if len(mods) == 0 {
		return "", fmt.Errorf("publish %s: no eligible modules", twinID)
	}
	doc := base.Document
	doc.LearnedModules = mods
	spec, err := r.specs.CreateDraft(ctx, twinID, doc, base.ID)
	if err != nil {
		return "", fmt.Errorf("stage candidate spec: %w", err)
	}
	return spec.ID, nil
}

// #endregion publish
