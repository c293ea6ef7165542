package learning

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/review"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

const twin = "twin-a"

type fixture struct {
	runner *Runner
	store  *Store
	ing    *feedback.Ingestor
	rec    *audit.Recorder
	specs  *persona.Store
	queue  *review.Queue
	active persona.Spec
}

func setup(t *testing.T) fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	specs, err := persona.NewStore(db, nil)
	require.NoError(t, err)
	rec, err := audit.NewRecorder(db)
	require.NoError(t, err)
	ing, err := feedback.NewIngestor(db, rec, nil)
	require.NoError(t, err)
	ls, err := NewStore(db)
	require.NoError(t, err)
	rules, err := review.NewRuleTable(config.DefaultReviewRules())
	require.NoError(t, err)
	queue, err := review.NewQueue(db, rules, nil)
	require.NoError(t, err)

	draft, err := specs.CreateDraft(ctx, twin, persona.Document{
		Name:      "Ada",
		Workflows: []persona.Workflow{{ID: "pricing", Intent: "pricing", Keywords: []string{"price"}}},
	}, "")
	require.NoError(t, err)
	active, err := specs.Promote(ctx, twin, draft.ID)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LockPoll = 5 * time.Millisecond
	r := NewRunner(Deps{
		DB: db, Store: ls, Events: ing, Audits: rec, Reviews: queue, Specs: specs, Thresholds: config.Default(),
	}, cfg)
	return fixture{runner: r, store: ls, ing: ing, rec: rec, specs: specs, queue: queue, active: active}
}

// promote makes specID active and applies its module list.
func (f fixture) promote(t *testing.T, specID string) persona.Spec {
	t.Helper()
	ctx := context.Background()
	spec, err := f.specs.Promote(ctx, twin, specID)
	require.NoError(t, err)
	_, err = f.store.ApplySpec(ctx, spec)
	require.NoError(t, err)
	return spec
}

func (f fixture) ingest(t *testing.T, typ feedback.EventType, n int, prefix string) {
	t.Helper()
	for i := range n {
		_, _, err := f.ing.Ingest(context.Background(), feedback.Signal{
			TwinID: twin, TraceID: fmt.Sprintf("%s-%d", prefix, i), Type: typ,
		})
		require.NoError(t, err)
	}
}

func TestUpdate(t *testing.T) {
	cfg := DefaultConfig().update()
	base := Module{Key: "k", Status: ModuleActive, Confidence: 0.5, BaseConfidence: 0.5}

	tests := []struct {
		name       string
		ev         feedback.Event
		wantDelta  float64
		wantReview bool
	}{
		{"thumb up", feedback.Event{Type: feedback.ThumbUp, Score: 1}, 0.02, false},
		{"thumb down", feedback.Event{Type: feedback.ThumbDown, Score: -1}, -0.02, false},
		{"rewrite", feedback.Event{Type: feedback.Rewrite, Score: -0.5}, -0.01, false},
		{"low violation", feedback.Event{Type: feedback.PolicyViolation, Score: -1, Severity: feedback.SeverityLow}, -0.06, false},
		{"high violation", feedback.Event{Type: feedback.PolicyViolation, Score: -1, Severity: feedback.SeverityHigh}, -0.06, true},
		{"violation never raises", feedback.Event{Type: feedback.PolicyViolation, Score: 1, Severity: feedback.SeverityLow}, -0.06, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Update(base, tt.ev, cfg)
			assert.InDelta(t, tt.wantDelta, out.Delta, 1e-9)
			assert.Equal(t, tt.wantReview, out.ForcedReview)
			if tt.wantReview {
				assert.Equal(t, ModuleDraft, out.Module.Status)
				assert.True(t, out.Module.NeedsReview)
			}
			assert.False(t, out.Material)
		})
	}

	t.Run("clamped", func(t *testing.T) {
		top := base
		top.Confidence = 1
		out := Update(top, feedback.Event{Type: feedback.ThumbUp, Score: 1}, cfg)
		assert.Zero(t, out.Delta)
		assert.False(t, out.Changed(top))
	})

	t.Run("floor forces review", func(t *testing.T) {
		low := base
		low.Confidence = 0.11
		out := Update(low, feedback.Event{Type: feedback.ThumbDown, Score: -1}, cfg)
		assert.True(t, out.ForcedReview)
	})

	t.Run("material", func(t *testing.T) {
		drifted := base
		drifted.Confidence = 0.69
		out := Update(drifted, feedback.Event{Type: feedback.ThumbUp, Score: 1}, cfg)
		assert.True(t, out.Material)
	})
}

func TestDecide(t *testing.T) {
	b := newBatch(0.1)
	assert.Equal(t, NoCandidate, Decide(b, 0.01).Decision)

	m := Module{Key: "k", Confidence: 0.5}
	up := Module{Key: "k", Confidence: 0.52}
	b.observe(m, Outcome{Module: up, Delta: 0.02})
	assert.Equal(t, Published, Decide(b, 0.01).Decision)

	b.HighSeverity = 1
	res := Decide(b, 0.01)
	assert.Equal(t, Held, res.Decision)
	assert.Contains(t, res.Reason, "high-severity")

	t.Run("nothing eligible", func(t *testing.T) {
		b := newBatch(0.1)
		flagged := Module{Key: "k", Confidence: 0.6, NeedsReview: true, Status: ModuleDraft}
		b.observe(Module{Key: "k", Confidence: 0.55}, Outcome{Module: flagged, Delta: 0.05})
		faint := Module{Key: "j", Confidence: 0.08, Status: ModuleDraft}
		b.observe(Module{Key: "j", Confidence: 0.06}, Outcome{Module: faint, Delta: 0.02})
		res := Decide(b, 0.01)
		assert.Equal(t, Held, res.Decision)
		assert.Contains(t, res.Reason, "eligible")
		assert.Empty(t, b.Eligible())
	})
}

func TestMixedFeedbackIsHeld(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 3, "up")
	f.ingest(t, feedback.ThumbDown, 7, "down")

	run, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 10, run.EventsScanned)
	assert.Equal(t, 1, run.ModulesUpdated)
	assert.Less(t, run.AvgConfidenceDelta, 0.0)
	assert.InDelta(t, -0.008, run.AvgConfidenceDelta, 1e-9)
	assert.Equal(t, Held, run.PublishDecision)
	assert.Empty(t, run.CandidateSpecID)

	pending, err := f.ing.Unprocessed(ctx, twin, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, Held, stored.PublishDecision)
	assert.False(t, stored.FinishedAt.IsZero())
}

func TestPublishStagesDraftSpec(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 5, "up")

	run, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	require.Equal(t, Published, run.PublishDecision)
	require.NotEmpty(t, run.CandidateSpecID)

	candidate, err := f.specs.Get(ctx, run.CandidateSpecID)
	require.NoError(t, err)
	assert.Equal(t, persona.StatusDraft, candidate.Status)
	assert.Equal(t, f.active.ID, candidate.ParentID)
	require.Len(t, candidate.Document.LearnedModules, 1)
	assert.Equal(t, ModuleKey(KindScenarioJudgment, ""), candidate.Document.LearnedModules[0].Key)

	active, err := f.specs.Active(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, f.active.ID, active.ID)

	refs, err := f.store.ActiveModules(ctx, twin)
	require.NoError(t, err)
	assert.Empty(t, refs, "publishing stages a draft persona spec without activating modules")
	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, ModuleDraft, mods[0].Status)
	assert.Equal(t, mods[0].ID, candidate.Document.LearnedModules[0].ID)

	loader := &persona.Loader{Specs: f.specs, Modules: f.store}
	pc, err := loader.LoadContext(ctx, twin)
	require.NoError(t, err)
	assert.Empty(t, pc.ModuleIDs())
}

func TestPromotionActivatesListedModules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 5, "up")
	run, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	require.Equal(t, Published, run.PublishDecision)

	f.promote(t, run.CandidateSpecID)
	refs, err := f.store.ActiveModules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.InDelta(t, 0.6, refs[0].Confidence, 1e-9)

	loader := &persona.Loader{Specs: f.specs, Modules: f.store}
	pc, err := loader.LoadContext(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, []string{refs[0].ID}, pc.ModuleIDs())

	// Rolling back to the first persona spec takes the modules out of play.
	f.promote(t, f.active.ID)
	refs, err = f.store.ActiveModules(ctx, twin)
	require.NoError(t, err)
	assert.Empty(t, refs)
	pc, err = loader.LoadContext(ctx, twin)
	require.NoError(t, err)
	assert.Empty(t, pc.ModuleIDs())
}

func TestFlaggedModuleIsQueuedAndReviewed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, _, err := f.ing.Ingest(ctx, feedback.Signal{
		TwinID: twin, TraceID: "v1", Source: feedback.SourceAudit,
		Type: feedback.PolicyViolation, Severity: feedback.SeverityHigh,
	})
	require.NoError(t, err)
	_, err = f.runner.Run(ctx, twin)
	require.NoError(t, err)

	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	flagged := mods[0]
	require.True(t, flagged.NeedsReview)

	items, err := f.queue.List(ctx, twin, review.StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, review.ReasonModuleReview, items[0].Reason)
	assert.Equal(t, review.PriorityMedium, items[0].Priority)
	assert.Equal(t, flagged.ID, items[0].Payload.ModuleID)

	// Positive feedback alone cannot publish a flagged module.
	f.ingest(t, feedback.ThumbUp, 5, "up")
	run, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, Held, run.PublishDecision)
	assert.Contains(t, run.Reason, "eligible")
	assert.Empty(t, run.CandidateSpecID)

	items, err = f.queue.List(ctx, twin, review.StatusPending)
	require.NoError(t, err)
	assert.Len(t, items, 1, "an already flagged module is not queued again")

	got, err := f.store.ReviewModule(ctx, flagged.ID, Reinstate)
	require.NoError(t, err)
	assert.False(t, got.NeedsReview)
	assert.Equal(t, ModuleDraft, got.Status)
	_, err = f.store.ReviewModule(ctx, flagged.ID, Reinstate)
	require.ErrorIs(t, err, ErrNotFlagged)

	f.ingest(t, feedback.ThumbUp, 5, "again")
	run, err = f.runner.Run(ctx, twin)
	require.NoError(t, err)
	require.Equal(t, Published, run.PublishDecision)
	candidate, err := f.specs.Get(ctx, run.CandidateSpecID)
	require.NoError(t, err)
	require.Len(t, candidate.Document.LearnedModules, 1)
	assert.Equal(t, flagged.ID, candidate.Document.LearnedModules[0].ID)
}

func TestArchivedModuleRestartsVersionSequence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 1, "up")
	_, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, mods, 1)

	archived, err := f.store.ReviewModule(ctx, mods[0].ID, Archive)
	require.NoError(t, err)
	assert.Equal(t, ModuleArchived, archived.Status)
	_, err = f.store.ReviewModule(ctx, mods[0].ID, Reinstate)
	require.ErrorIs(t, err, ErrArchived)

	f.ingest(t, feedback.ThumbUp, 1, "next")
	_, err = f.runner.Run(ctx, twin)
	require.NoError(t, err)

	history, err := f.store.ModuleHistory(ctx, twin, mods[0].Key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.InDelta(t, 0.52, history[0].Confidence, 1e-9)

	_, err = ParseReviewDecision("promote")
	require.Error(t, err)
}

func TestHighSeverityViolationBlocksPublish(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 8, "up")
	_, _, err := f.ing.Ingest(ctx, feedback.Signal{
		TwinID: twin, TraceID: "v1", Source: feedback.SourceAudit,
		Type: feedback.PolicyViolation, Severity: feedback.SeverityHigh,
	})
	require.NoError(t, err)

	run, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, Held, run.PublishDecision)
	assert.Contains(t, run.Reason, "high-severity")

	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.True(t, mods[0].NeedsReview)
	assert.Equal(t, ModuleDraft, mods[0].Status)
}

func TestDuplicateEventsCountOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 1, "same")
	f.ingest(t, feedback.ThumbUp, 1, "same")

	first, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, 1, first.EventsScanned)

	second, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, 0, second.EventsScanned)
	assert.Equal(t, NoCandidate, second.PublishDecision)

	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.InDelta(t, 0.52, mods[0].Confidence, 1e-9)
}

func TestConcurrentRunsSerialize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 20, "up")

	var wg sync.WaitGroup
	runs := make([]Run, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs[i], errs[i] = f.runner.Run(ctx, twin)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 20, runs[0].EventsScanned+runs[1].EventsScanned)

	history, err := f.store.ModuleHistory(ctx, twin, ModuleKey(KindScenarioJudgment, ""))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 2, "material change creates a new version")
	current := 0
	for _, m := range history {
		if m.Status != ModuleArchived {
			current++
			assert.InDelta(t, 0.9, m.Confidence, 1e-9)
		}
	}
	assert.Equal(t, 1, current)
}

func TestAttributesToRecordedModules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 5, "up")
	run, err := f.runner.Run(ctx, twin)
	require.NoError(t, err)
	f.promote(t, run.CandidateSpecID)
	refs, err := f.store.ActiveModules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	d, err := f.rec.RecordDecision(ctx, audit.Decision{
		TwinID: twin, ConversationID: "c1", MessageID: "m1", Interaction: "owner_chat",
		Action: "answer", WorkflowID: "pricing", Intent: "pricing", Confidence: 0.9,
	})
	require.NoError(t, err)
	resp, err := f.rec.RecordResponse(ctx, audit.Response{
		TwinID: twin, ConversationID: "c1", MessageID: "m1", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "answer", Intent: "pricing", ModuleIDs: []string{refs[0].ID},
		GatePassed: true, FinalGatePassed: true, Text: "ok",
	})
	require.NoError(t, err)
	_, _, err = f.ing.Ingest(ctx, feedback.Signal{TwinID: twin, TraceID: "down-1", Type: feedback.ThumbDown, ResponseAuditID: resp.ID})
	require.NoError(t, err)

	_, err = f.runner.Run(ctx, twin)
	require.NoError(t, err)

	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	require.Len(t, mods, 1, "no pricing module created")
	assert.InDelta(t, 0.58, mods[0].Confidence, 1e-9)
}

func TestSimulateWritesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.ingest(t, feedback.ThumbUp, 3, "up")
	f.ingest(t, feedback.ThumbDown, 7, "down")

	rep, err := f.runner.Simulate(ctx, twin)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.EventsScanned)
	assert.Equal(t, Held, rep.Gate.Decision)
	require.Len(t, rep.Modules, 1)
	assert.InDelta(t, 0.42, rep.Modules[0].Confidence, 1e-9)

	pending, err := f.ing.Unprocessed(ctx, twin, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 10)
	mods, err := f.store.Modules(ctx, twin)
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestLeaseExpiryTakeover(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0

	a := &lease{db: f.runner.db, twinID: twin, holder: "a", ttl: time.Minute, now: func() time.Time { return clock }}
	b := &lease{db: f.runner.db, twinID: twin, holder: "b", ttl: time.Minute, now: func() time.Time { return clock }}

	ok, err := a.tryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.tryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clock = t0.Add(2 * time.Minute)
	ok, err = b.tryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.ErrorIs(t, a.renew(ctx), ErrLocked)

	require.NoError(t, a.release(ctx))
	require.NoError(t, b.renew(ctx))
}

func TestStaleRunningRowIsAbandoned(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.runner.db.ExecContext(ctx,
		`INSERT INTO learning_runs (id, twin_id, status, started_at) VALUES ('stale', ?, 'running', ?)`,
		twin, store.FormatTime(time.Now()))
	require.NoError(t, err)

	_, err = f.runner.Run(ctx, twin)
	require.NoError(t, err)

	stale, err := f.store.Run(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, stale.Status)
	assert.Equal(t, "abandoned", stale.Error)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	f := setup(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f.ingest(t, feedback.ThumbUp, 2, "up")

	s := NewScheduler(f.runner, nil, f.specs, 10*time.Millisecond)
	runs := s.RunOnce(context.Background())
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].EventsScanned)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done
}
