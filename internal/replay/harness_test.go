package replay

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/router"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// helper: fresh database per test.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func loadRouting(t *testing.T) *Fixture {
	t.Helper()
	f, err := LoadFixture("testdata/routing.json")
	require.NoError(t, err)
	return f
}

func TestReplay_RoutingFixtureMatches(t *testing.T) {
	db := openDB(t)
	f := loadRouting(t)

	results, err := Replay(context.Background(), db, f, nil)
	require.NoError(t, err)
	require.Len(t, results, len(f.Turns))

	if diff := cmp.Diff([]Mismatch(nil), Compare(results, f.Expected)); diff != "" {
		t.Errorf("replay mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "Happy to help with that.", results[0].Text)
	assert.NotEmpty(t, results[0].AuditID)
	assert.NotEmpty(t, results[1].ThreadID, "owner clarification opens a thread")
	assert.Empty(t, results[2].ThreadID, "public visitors never get a thread")
	assert.True(t, results[3].Failed)
}

func TestReplay_GenerationFailureIsRecorded(t *testing.T) {
	db := openDB(t)
	_, err := Replay(context.Background(), db, loadRouting(t), nil)
	require.NoError(t, err)

	rec, err := audit.NewRecorder(db)
	require.NoError(t, err)
	failures, err := rec.FailuresForConversation(context.Background(), "replay")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "down", failures[0].MessageID)
	assert.Equal(t, "timeout", failures[0].Kind)
	assert.Equal(t, "replay-down", failures[0].CorrelationID)
}

func TestReplay_ScriptedCandidatesOverrideHeuristic(t *testing.T) {
	db := openDB(t)
	f := loadRouting(t)
	f.Turns = []FixtureTurn{{
		TurnID:      "low",
		Interaction: router.OwnerChat,
		Text:        "hello there",
		Candidates:  []FixtureCandidate{{WorkflowID: "general", Score: 0.05}},
	}}
	f.Expected = nil

	results, err := Replay(context.Background(), db, f, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, router.ActionRefuse, results[0].Action)
	assert.Equal(t, router.ReasonBelowFloor, results[0].Reason)
}

func TestReplay_ThresholdOverrideForcesEscalation(t *testing.T) {
	db := openDB(t)
	f := loadRouting(t)
	f.Thresholds.MaxRepeatFailures = 1
	f.Turns = []FixtureTurn{
		{TurnID: "t1", Interaction: router.OwnerChat, Text: "hello", GenerationError: "unavailable"},
		{TurnID: "t2", Interaction: router.OwnerChat, Text: "hello", Draft: "Hi."},
	}

	results, err := Replay(context.Background(), db, f, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, router.ActionEscalate, results[1].Action)
	assert.Equal(t, router.ReasonRepeatedFailures, results[1].Reason)
}

func TestCompare(t *testing.T) {
	results := []ReplayResult{
		{TurnID: "a", Action: router.ActionAnswer, Reason: "confident"},
		{TurnID: "b", Action: router.ActionRefuse, Reason: "below_floor"},
	}
	expected := []FixtureExpected{
		{TurnID: "a", Action: router.ActionAnswer},
		{TurnID: "b", Action: router.ActionRefuse, Reason: "banned_topic"},
		{TurnID: "c", Action: router.ActionClarify},
	}
	want := []Mismatch{
		{TurnID: "b", ExpectedAction: router.ActionRefuse, GotAction: router.ActionRefuse, ExpectedReason: "banned_topic", GotReason: "below_floor"},
		{TurnID: "c", ExpectedAction: router.ActionClarify},
	}
	if diff := cmp.Diff(want, Compare(results, expected)); diff != "" {
		t.Errorf("Compare (-want +got):\n%s", diff)
	}
}

func TestSummarize(t *testing.T) {
	db := openDB(t)
	f := loadRouting(t)
	results, err := Replay(context.Background(), db, f, nil)
	require.NoError(t, err)

	s, err := Summarize(context.Background(), db, f.TwinID, results)
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalTurns)
	assert.Equal(t, 1, s.Answers)
	assert.Equal(t, 1, s.Clarifies)
	assert.Equal(t, 1, s.Refusals)
	assert.Equal(t, 2, s.Escalations)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 1, s.OpenThreads)
	assert.GreaterOrEqual(t, s.ReviewItems, 1, "the masked failure is queued for review")
}
