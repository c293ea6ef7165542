package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/persona-governor/internal/store"
)

func tempRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r, err := NewRecorder(db)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return r
}

func decision(conv, msg, action string) Decision {
	return Decision{
		TwinID: "twin-a", ConversationID: conv, MessageID: msg,
		Interaction: "owner_chat", Action: action, WorkflowID: "pricing",
		Intent: "pricing", Confidence: 0.8, Reasons: []string{"confident"},
	}
}

func TestRecordDecisionRoundTrip(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	in := decision("c1", "m1", "clarify")
	in.MissingInputs = []string{"budget"}
	in.Questions = []string{"What budget are you working with?"}
	d, err := r.RecordDecision(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)

	got, err := r.Decision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "clarify", got.Action)
	assert.Equal(t, []string{"budget"}, got.MissingInputs)
	assert.Equal(t, d.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	_, err = r.Decision(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuditTablesAreInsertOnly(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()

	d, err := r.RecordDecision(ctx, decision("c1", "m1", "answer"))
	require.NoError(t, err)
	a, err := r.RecordResponse(ctx, Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m1", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "answer", GatePassed: true, FinalGatePassed: true, Text: "hi",
	})
	require.NoError(t, err)

	for _, stmt := range []string{
		`UPDATE routing_decisions SET action = 'refuse'`,
		`DELETE FROM routing_decisions`,
		`UPDATE response_audits SET text = 'edited'`,
		`DELETE FROM response_audits`,
	} {
		_, err := r.db.ExecContext(ctx, stmt)
		require.Error(t, err, stmt)
	}

	got, err := r.Response(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
}

func TestOneResponseAuditPerMessage(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()
	d, _ := r.RecordDecision(ctx, decision("c1", "m1", "refuse"))

	resp := Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m1", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "refuse", Text: "no",
	}
	_, err := r.RecordResponse(ctx, resp)
	require.NoError(t, err)
	_, err = r.RecordResponse(ctx, resp)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))
}

func TestResponseRequiresValidDecision(t *testing.T) {
	r := tempRecorder(t)
	_, err := r.RecordResponse(context.Background(), Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m1", DecisionID: "nope",
		Interaction: "owner_chat", Action: "refuse",
	})
	require.Error(t, err)
}

func TestGateFailureCannotShipAsAnswer(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()
	d, _ := r.RecordDecision(ctx, decision("c1", "m1", "answer"))

	_, err := r.RecordResponse(ctx, Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m1", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "answer", GatePassed: false, RewriteApplied: false,
		FinalGatePassed: false, Text: "unvetted",
	})
	require.Error(t, err, "gate failure without rewrite must not be stored as an answer")

	_, err = r.RecordResponse(ctx, Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m1", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "answer", GatePassed: false, RewriteApplied: true,
		FinalGatePassed: true, Text: "rewritten",
	})
	require.NoError(t, err)
}

func TestJudgeResultRoundTrip(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()
	d, _ := r.RecordDecision(ctx, decision("c1", "m1", "answer"))

	j, err := r.RecordJudgeResult(ctx, JudgeResult{
		DecisionID: d.ID, TwinID: "twin-a",
		Violations:     []Violation{{ClauseID: "no-guarantee", Kind: "banned_phrase"}},
		DraftScore:     0.4,
		FinalScore:     0.8,
		RewriteApplied: true,
		RewriteReasons: []string{"gate_failure"},
	})
	require.NoError(t, err)

	got, err := r.JudgeResult(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"no-guarantee"}, got.ViolatedClauses())
	assert.True(t, got.RewriteApplied)
	assert.False(t, got.GatePassed)
}

func TestConversationOrderingAndFailures(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	respond := func(msg, action string) {
		d, err := r.RecordDecision(ctx, decision("c1", msg, action))
		require.NoError(t, err)
		_, err = r.RecordResponse(ctx, Response{
			TwinID: "twin-a", ConversationID: "c1", MessageID: msg, DecisionID: d.ID,
			Interaction: "owner_chat", Action: action, GatePassed: true, FinalGatePassed: true,
		})
		require.NoError(t, err)
	}

	respond("m1", "refuse")
	respond("m2", "answer")
	respond("m3", "escalate")
	respond("m4", "refuse")
	_, err := r.RecordFailure(ctx, Failure{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m5", Stage: "generate", Kind: "timeout",
	})
	require.NoError(t, err)

	n, err := r.ConsecutiveFailures(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	resps, err := r.ResponsesForConversation(ctx, "c1")
	require.NoError(t, err)
	var msgs []string
	for _, a := range resps {
		msgs = append(msgs, a.MessageID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, msgs)

	recent, err := r.RecentDecisions(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "m4", recent[0].MessageID)

	fails, err := r.FailuresForConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, "generate", fails[0].Stage)
}

func TestFailureCountRestartsAfterRepeatedFailureEscalation(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	fail := func(msg string) {
		_, err := r.RecordFailure(ctx, Failure{
			TwinID: "twin-a", ConversationID: "c1", MessageID: msg, Stage: "generate", Kind: "unavailable",
		})
		require.NoError(t, err)
	}
	fail("m1")
	fail("m2")
	fail("m3")
	n, err := r.ConsecutiveFailures(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	d, err := r.RecordDecision(ctx, decision("c1", "m4", "escalate"))
	require.NoError(t, err)
	_, err = r.RecordResponse(ctx, Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m4", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "escalate", EscalationReason: EscalationRepeatedFailures,
	})
	require.NoError(t, err)

	n, err = r.ConsecutiveFailures(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the escalation itself does not keep the conversation escalated")

	fail("m5")
	n, err = r.ConsecutiveFailures(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCorrectAddsRow(t *testing.T) {
	r := tempRecorder(t)
	ctx := context.Background()
	d, _ := r.RecordDecision(ctx, decision("c1", "m1", "refuse"))
	a, _ := r.RecordResponse(ctx, Response{
		TwinID: "twin-a", ConversationID: "c1", MessageID: "m1", DecisionID: d.ID,
		Interaction: "owner_chat", Action: "refuse",
	})

	_, err := r.Correct(ctx, a.ID, "owner", "should have answered")
	require.NoError(t, err)
	cs, err := r.Corrections(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "should have answered", cs[0].Note)

	_, err = r.Correct(ctx, "missing", "owner", "x")
	require.ErrorIs(t, err, ErrNotFound)
}
