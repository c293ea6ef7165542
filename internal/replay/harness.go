package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/judge"
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/pipeline"
	"github.com/danielpatrickdp/persona-governor/internal/review"
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

// #region types

// ReplayResult captures the outcome of replaying one turn through the
// full message pipeline.
type ReplayResult struct {
	TurnID     string
	Action     router.Action
	Reason     string // primary routing reason
	Intent     string
	Confidence float64
	AuditID    string
	ThreadID   string
	Failed     bool
	Text       string
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTurns  int
	Answers     int
	Clarifies   int
	Refusals    int
	Escalations int
	Failures    int
	ReviewItems int
	OpenThreads int
}

// Mismatch is a turn whose replayed outcome differs from the fixture.
type Mismatch struct {
	TurnID         string
	ExpectedAction router.Action
	GotAction      router.Action
	ExpectedReason string
	GotReason      string
}

// #endregion types

// #region scripted

// scriptedClassifier returns the current turn's candidates, or falls back
// to the keyword heuristic when the turn scripts none.
type scriptedClassifier struct {
	cands    []model.Candidate
	fallback router.HeuristicClassifier
}

func (s *scriptedClassifier) Classify(ctx context.Context, text string, history []string, wfs []persona.Workflow) ([]model.Candidate, error) {
	if len(s.cands) == 0 {
		return s.fallback.Classify(ctx, text, history, wfs)
	}
	return s.cands, nil
}

type scriptedGenerator struct{ turn FixtureTurn }

func (g *scriptedGenerator) Generate(context.Context, string, string, []string) (model.GenerateResult, error) {
	if g.turn.GenerationError != "" {
		return model.GenerateResult{}, &model.Error{
			Op: model.OpGenerate, Kind: g.turn.GenerationError, Err: errors.New("scripted failure"),
		}
	}
	return model.GenerateResult{Text: g.turn.Draft}, nil
}

// decisionTap remembers the last decision the router persisted so the
// harness can compare routing reasons.
type decisionTap struct {
	*audit.Recorder
	last audit.Decision
}

func (d *decisionTap) RecordDecision(ctx context.Context, dec audit.Decision) (audit.Decision, error) {
	out, err := d.Recorder.RecordDecision(ctx, dec)
	if err == nil {
		d.last = out
	}
	return out, err
}

type fixedThresholds config.Thresholds

func (f fixedThresholds) ThresholdsFor(string) config.Thresholds { return config.Thresholds(f) }

// #endregion scripted

// #region replay

// Replay runs every fixture turn through a pipeline backed by db, which
// must be empty. Turns are handled in order so earlier turns shape later
// routing the same way live traffic would.
func Replay(ctx context.Context, db *sql.DB, f *Fixture, logger *zap.Logger) ([]ReplayResult, error) {
	logger = logging.OrNop(logger).Named("replay")

	specs, err := persona.NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	draft, err := specs.CreateDraft(ctx, f.TwinID, f.Document, "")
	if err != nil {
		return nil, fmt.Errorf("seed spec: %w", err)
	}
	if _, err := specs.Promote(ctx, f.TwinID, draft.ID); err != nil {
		return nil, fmt.Errorf("seed spec: %w", err)
	}

	rec, err := audit.NewRecorder(db)
	if err != nil {
		return nil, err
	}
	mem, err := memory.NewStore(db, time.Hour, logger)
	if err != nil {
		return nil, err
	}
	rules, err := review.NewRuleTable(config.DefaultReviewRules())
	if err != nil {
		return nil, err
	}
	queue, err := review.NewQueue(db, rules, logger)
	if err != nil {
		return nil, err
	}
	ing, err := feedback.NewIngestor(db, rec, logger)
	if err != nil {
		return nil, err
	}

	th := fixedThresholds(f.Thresholds.Apply(config.DefaultThresholds()))
	tap := &decisionTap{Recorder: rec}
	cls := &scriptedClassifier{}
	gen := &scriptedGenerator{}
	p := pipeline.New(pipeline.Deps{
		Personas:   &persona.Loader{Specs: specs},
		Router:     router.New(cls, mem, tap, th, logger),
		Generator:  gen,
		Judge:      judge.New(judge.DefaultConfig(), nil, nil, logger),
		Audit:      rec,
		Memory:     mem,
		Review:     queue,
		Feedback:   ing,
		Thresholds: th,
		Logger:     logger,
	})

	results := make([]ReplayResult, 0, len(f.Turns))
	for _, t := range f.Turns {
		cls.cands = t.ToCandidates()
		gen.turn = t
		tap.last = audit.Decision{}

		conv := t.ConversationID
		if conv == "" {
			conv = "replay"
		}
		res, err := p.Handle(ctx, pipeline.Message{
			TwinID:         f.TwinID,
			ConversationID: conv,
			MessageID:      t.TurnID,
			ActorID:        "replay",
			Text:           t.Text,
			Interaction:    t.Interaction,
			CorrelationID:  "replay-" + t.TurnID,
		})
		if err != nil {
			return results, fmt.Errorf("turn %s: %w", t.TurnID, err)
		}
		r := ReplayResult{
			TurnID:     t.TurnID,
			Action:     res.Action,
			Intent:     res.Intent,
			Confidence: res.Confidence,
			AuditID:    res.AuditID,
			ThreadID:   res.ThreadID,
			Failed:     res.Failed,
			Text:       res.Text,
		}
		if len(tap.last.Reasons) > 0 {
			r.Reason = tap.last.Reasons[0]
		}
		// Public results carry no ids; read them back from the audit trail.
		if r.AuditID == "" {
			if a, err := rec.ResponseByMessage(ctx, t.TurnID); err == nil {
				r.AuditID = a.ID
			}
		}
		logger.Debug("turn replayed",
			zap.String("turn_id", t.TurnID),
			zap.String("action", string(r.Action)),
			zap.String("reason", r.Reason))
		results = append(results, r)
	}
	return results, nil
}

// Compare checks results against the fixture's expected outcomes. An
// expected result with an empty reason matches any reason.
func Compare(results []ReplayResult, expected []FixtureExpected) []Mismatch {
	byTurn := make(map[string]ReplayResult, len(results))
	for _, r := range results {
		byTurn[r.TurnID] = r
	}
	var out []Mismatch
	for _, e := range expected {
		got := byTurn[e.TurnID]
		if got.Action == e.Action && (e.Reason == "" || got.Reason == e.Reason) {
			continue
		}
		out = append(out, Mismatch{
			TurnID:         e.TurnID,
			ExpectedAction: e.Action,
			GotAction:      got.Action,
			ExpectedReason: e.Reason,
			GotReason:      got.Reason,
		})
	}
	return out
}

// Summarize computes aggregate stats from replay results. The review and
// thread counts are read back from db after the run.
func Summarize(ctx context.Context, db *sql.DB, twinID string, results []ReplayResult) (ReplaySummary, error) {
	s := ReplaySummary{TotalTurns: len(results)}
	for _, r := range results {
		switch r.Action {
		case router.ActionAnswer:
			s.Answers++
		case router.ActionClarify:
			s.Clarifies++
		case router.ActionRefuse:
			s.Refusals++
		case router.ActionEscalate:
			s.Escalations++
		}
		if r.Failed {
			s.Failures++
		}
	}

	rules, err := review.NewRuleTable(config.DefaultReviewRules())
	if err != nil {
		return s, err
	}
	queue, err := review.NewQueue(db, rules, nil)
	if err != nil {
		return s, err
	}
	items, err := queue.List(ctx, twinID, review.StatusPending)
	if err != nil {
		return s, err
	}
	s.ReviewItems = len(items)

	mem, err := memory.NewStore(db, time.Hour, nil)
	if err != nil {
		return s, err
	}
	threads, err := mem.Threads(ctx, twinID, memory.ThreadPending)
	if err != nil {
		return s, err
	}
	s.OpenThreads = len(threads)
	return s, nil
}

// #endregion replay
