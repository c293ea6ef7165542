package optimizer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

const twin = "twin-a"

func testDocument() persona.Document {
	return persona.Document{
		Name: "Ada",
		Workflows: []persona.Workflow{
			{ID: "pricing", Intent: "pricing", Keywords: []string{"price"}},
			{ID: "support", Intent: "support", Keywords: []string{"help"}},
		},
		Policy: persona.Policy{
			BannedPhrases:    []persona.Clause{{ID: "no-guarantee", Text: "guaranteed returns"}},
			HardClauses:      []persona.Clause{{ID: "no-ssn", Pattern: `\d{3}-\d{2}-\d{4}`}},
			RequiredElements: []persona.RequiredElement{{ID: "disclaimer", Text: "not financial advice"}},
			MaxLength:        800,
		},
		Voice:     persona.Voice{Preferred: []string{"happy to help"}, Formality: "neutral"},
		Structure: persona.Structure{MaxParagraphs: 3},
	}
}

type fixture struct {
	opt   *Optimizer
	store *Store
	specs *persona.Store
	rec   *audit.Recorder
	ing   *feedback.Ingestor
}

func setup(t *testing.T, renderer ModelRenderer) fixture {
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
	s, err := NewStore(db)
	require.NoError(t, err)

	draft, err := specs.CreateDraft(ctx, twin, testDocument(), "")
	require.NoError(t, err)
	_, err = specs.Promote(ctx, twin, draft.ID)
	require.NoError(t, err)

	return fixture{opt: New(s, specs, renderer, DefaultObjective(), nil), store: s, specs: specs, rec: rec, ing: ing}
}

func TestRenderCoversPolicy(t *testing.T) {
	doc := testDocument()
	for _, sc := range Strategies {
		t.Run(string(sc.ID), func(t *testing.T) {
			text := Render(doc, sc)
			assert.Equal(t, 1.0, Coverage(text, doc))
			assert.Contains(t, text, "You are Ada's assistant.")
		})
	}

	pf := Render(doc, Strategies[3])
	assert.Less(t, strings.Index(pf, "Never"), strings.Index(pf, "You are"))
	structured := Render(doc, Strategies[1])
	assert.Contains(t, structured, "## Policy")
}

func TestCoverageAndLength(t *testing.T) {
	doc := testDocument()
	assert.InDelta(t, 1.0/3, Coverage("never promise guaranteed returns", doc), 1e-9)
	assert.Equal(t, 1.0, Coverage("anything", persona.Document{}))

	assert.Zero(t, LengthPenalty("short", 100))
	assert.InDelta(t, 0.5, LengthPenalty(strings.Repeat("x", 150), 100), 1e-9)
	assert.Equal(t, 1.0, LengthPenalty(strings.Repeat("x", 500), 100))
}

func TestOutcomeScore(t *testing.T) {
	obj := DefaultObjective()
	now := time.Now()

	score, n := obj.OutcomeScore(StrategyConcise, []Outcome{
		{Strategy: StrategyConcise, Score: 1, CreatedAt: now},
	}, now)
	assert.Equal(t, 0.5, score, "too few samples is neutral")
	assert.Equal(t, 1, n)

	outcomes := []Outcome{
		{Strategy: StrategyConcise, Score: 1, CreatedAt: now},
		{Strategy: StrategyConcise, Score: 1, CreatedAt: now},
		{Strategy: StrategyConcise, Score: -1, CreatedAt: now.Add(-60 * 24 * time.Hour)},
		{Strategy: StrategyNarrative, Score: -1, CreatedAt: now},
	}
	score, n = obj.OutcomeScore(StrategyConcise, outcomes, now)
	assert.Equal(t, 3, n)
	assert.Greater(t, score, 0.99, "old negative outcome has decayed")
}

func TestOptimizeTieGoesToEarliestCandidate(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	res, err := f.opt.Optimize(ctx, twin, ModeHeuristic, true)
	require.NoError(t, err)
	require.Len(t, res.Candidates, len(Strategies))
	for _, c := range res.Candidates {
		assert.Equal(t, res.Candidates[0].ObjectiveScore, c.ObjectiveScore)
	}
	assert.Equal(t, StrategyConcise, res.Best.Strategy)
	assert.True(t, res.Activated)
	assert.Equal(t, StatusActive, res.Best.Status)

	ref, err := f.store.ActiveVariant(ctx, twin)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, res.Best.ID, ref.ID)
}

func TestSingleActiveVariant(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	ref, err := f.store.ActiveVariant(ctx, twin)
	require.NoError(t, err)
	assert.Nil(t, ref)

	res, err := f.opt.Optimize(ctx, twin, ModeHeuristic, false)
	require.NoError(t, err)
	first, second := res.Candidates[0], res.Candidates[1]

	_, err = f.store.Activate(ctx, twin, first.ID)
	require.NoError(t, err)
	_, err = f.store.Activate(ctx, twin, second.ID)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)

	variants, err := f.store.List(ctx, twin, 0)
	require.NoError(t, err)
	active := 0
	for _, v := range variants {
		if v.Status == StatusActive {
			active++
			assert.Equal(t, second.ID, v.ID)
		}
	}
	assert.Equal(t, 1, active)

	_, err = f.store.db.ExecContext(ctx, `UPDATE prompt_variants SET status = 'active' WHERE id = ?`, first.ID)
	require.Error(t, err, "unique index rejects a second active variant")

	_, err = f.store.Activate(ctx, "other-twin", first.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, rendering, strategy string) (string, error) {
	switch Strategy(strategy) {
	case StrategyNarrative:
		return "", &model.Error{Op: model.OpRender, Kind: model.KindUnavailable, Err: errors.New("down")}
	case StrategyStructured:
		return "Be friendly.", nil
	default:
		return rendering, nil
	}
}

func TestModelModeFallsBackPerStrategy(t *testing.T) {
	f := setup(t, stubRenderer{})
	res, err := f.opt.Optimize(context.Background(), twin, ModeModel, false)
	require.NoError(t, err)

	by := map[Strategy]Variant{}
	for _, c := range res.Candidates {
		by[c.Strategy] = c
	}
	assert.Equal(t, "fallback", by[StrategyNarrative].Metrics.Source)
	assert.Equal(t, "model", by[StrategyStructured].Metrics.Source)
	assert.Zero(t, by[StrategyStructured].Metrics.Coverage)
	assert.Less(t, by[StrategyStructured].ObjectiveScore, by[StrategyConcise].ObjectiveScore)
	assert.NotEqual(t, StrategyStructured, res.Best.Strategy)
	assert.False(t, res.Activated)
}

func TestHistoricalOutcomesShiftTheWinner(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	first, err := f.opt.Optimize(ctx, twin, ModeHeuristic, false)
	require.NoError(t, err)
	var narrative Variant
	for _, c := range first.Candidates {
		if c.Strategy == StrategyNarrative {
			narrative = c
		}
	}
	_, err = f.store.Activate(ctx, twin, narrative.ID)
	require.NoError(t, err)

	for i := range 3 {
		msg := fmt.Sprintf("m%d", i)
		d, err := f.rec.RecordDecision(ctx, audit.Decision{
			TwinID: twin, ConversationID: "c1", MessageID: msg, Interaction: "owner_chat",
			Action: "answer", Intent: "pricing", Confidence: 0.9,
		})
		require.NoError(t, err)
		resp, err := f.rec.RecordResponse(ctx, audit.Response{
			TwinID: twin, ConversationID: "c1", MessageID: msg, DecisionID: d.ID, Interaction: "owner_chat",
			Action: "answer", VariantID: narrative.ID, GatePassed: true, FinalGatePassed: true, Text: "ok",
		})
		require.NoError(t, err)
		_, _, err = f.ing.Ingest(ctx, feedback.Signal{TwinID: twin, TraceID: msg, Type: feedback.ThumbUp, ResponseAuditID: resp.ID})
		require.NoError(t, err)
	}

	second, err := f.opt.Optimize(ctx, twin, ModeHeuristic, false)
	require.NoError(t, err)
	assert.Equal(t, StrategyNarrative, second.Best.Strategy)
	assert.Equal(t, 3, second.Best.Metrics.OutcomeN)
	assert.Equal(t, 1.0, second.Best.Metrics.Outcome)
}

func TestOptimizeWithoutActiveSpec(t *testing.T) {
	f := setup(t, nil)
	_, err := f.opt.Optimize(context.Background(), "ghost", ModeHeuristic, false)
	require.ErrorIs(t, err, persona.ErrNotFound)
}
