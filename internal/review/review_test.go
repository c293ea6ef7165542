package review

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

func tempQueue(t *testing.T, rules []config.ReviewRule) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	table, err := NewRuleTable(rules)
	require.NoError(t, err)
	q, err := NewQueue(db, table, nil)
	require.NoError(t, err)
	return q
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want []Reason
	}{
		{"nothing", Signal{Action: "answer", Confidence: 0.9, ReviewThreshold: 0.5}, nil},
		{"escalation", Signal{Action: "escalate", Confidence: 0.9, ReviewThreshold: 0.5}, []Reason{ReasonEscalation}},
		{"low", Signal{Action: "answer", Confidence: 0.3, ReviewThreshold: 0.5}, []Reason{ReasonLowConfidence}},
		{"repeated-low", Signal{Action: "answer", Confidence: 0.3, ReviewThreshold: 0.5, RepeatedLowConfidence: true}, []Reason{ReasonRepeatedLowConfidence}},
		{"violation-and-escalation", Signal{Action: "escalate", Confidence: 0.9, ReviewThreshold: 0.5, Violations: []string{"c1"}}, []Reason{ReasonPolicyViolation, ReasonEscalation}},
		{"judge-down", Signal{Action: "escalate", Confidence: 0.9, ReviewThreshold: 0.5, JudgeUnavailable: true}, []Reason{ReasonJudgeUnavailable, ReasonEscalation}},
		{"flagged module", Signal{ModuleID: "mod-1", Confidence: 0.08}, []Reason{ReasonModuleReview}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.sig))
		})
	}
}

func TestRuleTableFromConfig(t *testing.T) {
	table, err := NewRuleTable(config.DefaultReviewRules())
	require.NoError(t, err)

	r, p := table.Primary([]Reason{ReasonEscalation, ReasonRepeatedLowConfidence, ReasonPolicyViolation})
	assert.Equal(t, ReasonPolicyViolation, r)
	assert.Equal(t, PriorityHigh, p)

	r, p = table.Primary([]Reason{ReasonEscalation, ReasonRepeatedLowConfidence})
	assert.Equal(t, ReasonRepeatedLowConfidence, r)
	assert.Equal(t, PriorityMedium, p)

	// a deployment can re-rank reasons without code changes
	custom, err := NewRuleTable([]config.ReviewRule{{Reason: "escalation", Priority: "high"}})
	require.NoError(t, err)
	r, _ = custom.Primary([]Reason{ReasonLowConfidence, ReasonEscalation})
	assert.Equal(t, ReasonEscalation, r)

	_, err = NewRuleTable([]config.ReviewRule{{Reason: "escalation", Priority: "urgent"}})
	require.Error(t, err)
}

func TestEnqueueAndList(t *testing.T) {
	q := tempQueue(t, config.DefaultReviewRules())
	ctx := context.Background()

	_, queued, err := q.Enqueue(ctx, Signal{TwinID: "t1", Action: "answer", Confidence: 0.9, ReviewThreshold: 0.5})
	require.NoError(t, err)
	assert.False(t, queued)

	esc, queued, err := q.Enqueue(ctx, Signal{TwinID: "t1", Action: "escalate", Confidence: 0.9, ReviewThreshold: 0.5})
	require.NoError(t, err)
	require.True(t, queued)
	viol, _, err := q.Enqueue(ctx, Signal{
		TwinID: "t1", Action: "escalate", Confidence: 0.9, ReviewThreshold: 0.5,
		Violations: []string{"no-guarantee"}, ConversationID: "c1",
	})
	require.NoError(t, err)

	assert.Equal(t, PriorityLow, esc.Priority)
	assert.Equal(t, ReasonPolicyViolation, viol.Reason)
	assert.Equal(t, PriorityHigh, viol.Priority)

	items, err := q.List(ctx, "t1", StatusPending)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, viol.ID, items[0].ID)
	assert.Equal(t, []Reason{ReasonPolicyViolation, ReasonEscalation}, items[0].Payload.Reasons)
	assert.Equal(t, "c1", items[0].Payload.ConversationID)
}

func TestResolveAndDismiss(t *testing.T) {
	q := tempQueue(t, config.DefaultReviewRules())
	ctx := context.Background()
	a, _, _ := q.Enqueue(ctx, Signal{TwinID: "t1", Action: "escalate", ReviewThreshold: 0.5, Confidence: 0.9})
	b, _, _ := q.Enqueue(ctx, Signal{TwinID: "t1", Action: "escalate", ReviewThreshold: 0.5, Confidence: 0.9})

	got, err := q.Resolve(ctx, a.ID, "owner-1", "answered manually")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "owner-1", got.ResolvedBy)
	assert.False(t, got.ResolvedAt.IsZero())

	_, err = q.Dismiss(ctx, a.ID, "owner-1", "")
	require.ErrorIs(t, err, ErrNotPending)

	got, err = q.Dismiss(ctx, b.ID, "owner-2", "noise")
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, got.Status)

	_, err = q.Resolve(ctx, "missing", "owner-1", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = q.Resolve(ctx, b.ID, "", "")
	require.Error(t, err)

	pending, _ := q.List(ctx, "t1", StatusPending)
	assert.Empty(t, pending)
	all, _ := q.List(ctx, "t1", "")
	assert.Len(t, all, 2)
}

func TestRepeatedLowConfidence(t *testing.T) {
	assert.False(t, RepeatedLowConfidence([]float64{0.3, 0.9}, 0.5))
	assert.True(t, RepeatedLowConfidence([]float64{0.3, 0.9, 0.4}, 0.5))
}
