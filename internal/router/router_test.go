package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/retrieval"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

// #region fakes
type fixedClassifier []model.Candidate

func (f fixedClassifier) Classify(context.Context, string, []string, []persona.Workflow) ([]model.Candidate, error) {
	return f, nil
}

type fakeRecorder struct {
	decisions []audit.Decision
	err       error
}

func (f *fakeRecorder) RecordDecision(_ context.Context, d audit.Decision) (audit.Decision, error) {
	if f.err != nil {
		return audit.Decision{}, f.err
	}
	d.ID = "dec-" + d.MessageID
	f.decisions = append(f.decisions, d)
	return d, nil
}

type fakeBeliefs []memory.Belief

func (f fakeBeliefs) ActiveBeliefs(context.Context, string) ([]memory.Belief, error) { return f, nil }

type fixedThresholds config.Thresholds

func (f fixedThresholds) ThresholdsFor(string) config.Thresholds { return config.Thresholds(f) }

func testContext() *persona.Context {
	return &persona.Context{Spec: persona.Spec{Version: "v3", Document: persona.Document{
		Workflows: []persona.Workflow{
			{ID: "pricing", Intent: "pricing", Keywords: []string{"price", "cost", "quote"}, Threshold: 0.6,
				RequiredInputs: []persona.RequiredInput{{Name: "budget", Patterns: []string{"budget", "$"}}}},
			{ID: "advice", Intent: "advice", Keywords: []string{"advice"}, Sensitive: true},
			{ID: "internal", Intent: "internal", Keywords: []string{"roadmap"}, DisallowedContexts: []string{"public_share", "public_widget"}},
			{ID: "alpha", Intent: "general", Keywords: []string{"hello"}},
			{ID: "beta", Intent: "general", Keywords: []string{"hello"},
				RequiredInputs: []persona.RequiredInput{{Name: "company"}}},
		},
		Policy:     persona.Policy{BannedTopics: []string{"crypto pump"}},
		Escalation: persona.Escalation{Keywords: []string{"lawsuit"}, SensitiveTopics: []string{"medical"}},
	}}}
}

func newRouter(c Classifier, rec *fakeRecorder, beliefs BeliefReader) *Router {
	return New(c, beliefs, rec, fixedThresholds(config.DefaultThresholds()), nil)
}

func req(text string, inter Interaction) Request {
	return Request{TwinID: "t1", ConversationID: "c1", MessageID: "m1", Text: text, Interaction: inter}
}

// #endregion fakes

// #region scenario-tests
func TestLowConfidenceMissingInputClarifies(t *testing.T) {
	rec := &fakeRecorder{}
	r := newRouter(fixedClassifier{{WorkflowID: "pricing", Score: 0.35}}, rec, nil)

	d, err := r.Route(context.Background(), testContext(), req("how much would this cost?", OwnerChat))
	require.NoError(t, err)
	assert.Equal(t, ActionClarify, d.Action)
	assert.Equal(t, ReasonMissingInputs, d.Reason)
	assert.Equal(t, []string{"budget"}, d.MissingInputs)
	require.Len(t, d.Questions, 1)
	assert.Contains(t, d.Questions[0].Text, "budget")
	assert.Equal(t, 0.35, d.Confidence)

	require.Len(t, rec.decisions, 1)
	assert.Equal(t, "clarify", rec.decisions[0].Action)
	assert.Equal(t, "v3", rec.decisions[0].SpecVersion)
	assert.Equal(t, "dec-m1", d.ID)
}

func TestPublicLowConfidenceEscalates(t *testing.T) {
	r := newRouter(fixedClassifier{{WorkflowID: "pricing", Score: 0.35}}, &fakeRecorder{}, nil)
	d, err := r.Route(context.Background(), testContext(), req("how much would this cost?", PublicWidget))
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Empty(t, d.Questions)
}

func TestInputSatisfiedByHistoryOrBelief(t *testing.T) {
	cls := fixedClassifier{{WorkflowID: "pricing", Score: 0.35}}

	r := newRouter(cls, &fakeRecorder{}, nil)
	rq := req("what would it cost?", OwnerChat)
	rq.History = []string{"my budget is 5k"}
	d, _ := r.Route(context.Background(), testContext(), rq)
	assert.Equal(t, ActionAnswer, d.Action)
	assert.Equal(t, ReasonBelowThreshold, d.Reason)

	r = newRouter(cls, &fakeRecorder{}, fakeBeliefs{{Topic: "budget", Status: memory.BeliefActive}})
	d, _ = r.Route(context.Background(), testContext(), req("what would it cost?", OwnerChat))
	assert.Equal(t, ActionAnswer, d.Action)
	assert.Empty(t, d.MissingInputs)
}

// #endregion scenario-tests

// #region policy-order-tests
func TestPolicyOrder(t *testing.T) {
	tests := []struct {
		name       string
		cands      fixedClassifier
		text       string
		inter      Interaction
		failures   int
		wantAction Action
		wantReason string
	}{
		{"disallowed-public", fixedClassifier{{WorkflowID: "internal", Score: 0.9}}, "share the roadmap", PublicShare, 0, ActionRefuse, ReasonWorkflowDisallowed},
		{"disallowed-owner-ok", fixedClassifier{{WorkflowID: "internal", Score: 0.9}}, "share the roadmap", OwnerChat, 0, ActionAnswer, ReasonConfident},
		{"banned-topic-beats-escalation", fixedClassifier{{WorkflowID: "pricing", Score: 0.9}}, "crypto pump lawsuit", OwnerChat, 0, ActionRefuse, ReasonBannedTopic},
		{"escalation-keyword", fixedClassifier{{WorkflowID: "pricing", Score: 0.9}}, "about the lawsuit and budget", OwnerChat, 0, ActionEscalate, ReasonEscalationKeyword},
		{"repeated-failures", fixedClassifier{{WorkflowID: "pricing", Score: 0.9}}, "price with budget", OwnerChat, 3, ActionEscalate, ReasonRepeatedFailures},
		{"public-sensitive-workflow", fixedClassifier{{WorkflowID: "advice", Score: 0.9}}, "advice please", PublicShare, 0, ActionEscalate, ReasonPublicSensitive},
		{"public-sensitive-topic", fixedClassifier{{WorkflowID: "alpha", Score: 0.9}}, "hello, medical question", PublicShare, 0, ActionEscalate, ReasonPublicSensitive},
		{"owner-sensitive-ok", fixedClassifier{{WorkflowID: "advice", Score: 0.9}}, "advice please", OwnerChat, 0, ActionAnswer, ReasonConfident},
		{"below-floor", fixedClassifier{{WorkflowID: "pricing", Score: 0.1}}, "budget", OwnerChat, 0, ActionRefuse, ReasonBelowFloor},
		{"no-candidate", fixedClassifier{}, "zzz", OwnerChat, 0, ActionRefuse, ReasonBelowFloor},
		{"unknown-workflow-ignored", fixedClassifier{{WorkflowID: "ghost", Score: 0.9}}, "zzz", OwnerChat, 0, ActionRefuse, ReasonBelowFloor},
		{"confident", fixedClassifier{{WorkflowID: "pricing", Score: 0.8}}, "price?", OwnerChat, 0, ActionAnswer, ReasonConfident},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(tt.cands, &fakeRecorder{}, nil)
			rq := req(tt.text, tt.inter)
			rq.RecentFailures = tt.failures
			d, err := r.Route(context.Background(), testContext(), rq)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestMissingSpecEscalates(t *testing.T) {
	rec := &fakeRecorder{}
	r := newRouter(HeuristicClassifier{}, rec, nil)
	d, err := r.Route(context.Background(), nil, req("hello", OwnerChat))
	require.NoError(t, err)
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Equal(t, ReasonSpecUnavailable, d.Reason)
	require.Len(t, rec.decisions, 1, "decision is recorded even without a spec")
}

func TestRetrievalUnavailable(t *testing.T) {
	cls := fixedClassifier{{WorkflowID: "pricing", Score: 0.9}}
	down := retrieval.Unavailable("search failed: timeout")

	rq := req("price with budget", OwnerChat)
	rq.Evidence = &down
	d, _ := newRouter(cls, &fakeRecorder{}, nil).Route(context.Background(), testContext(), rq)
	assert.Equal(t, ActionClarify, d.Action)
	assert.Equal(t, ReasonRetrievalUnavailable, d.Reason)

	rq.Interaction = PublicWidget
	d, _ = newRouter(cls, &fakeRecorder{}, nil).Route(context.Background(), testContext(), rq)
	assert.Equal(t, ActionEscalate, d.Action)
}

func TestRecordFailureIsReturned(t *testing.T) {
	r := newRouter(fixedClassifier{{WorkflowID: "pricing", Score: 0.9}}, &fakeRecorder{err: errors.New("disk full")}, nil)
	d, err := r.Route(context.Background(), testContext(), req("price budget", OwnerChat))
	require.Error(t, err)
	assert.Equal(t, ActionAnswer, d.Action)
	assert.Empty(t, d.ID)
}

// #endregion policy-order-tests

// #region tie-break-tests
func TestTieBreakPrefersFewerMissingInputs(t *testing.T) {
	// beta requires "company", alpha requires nothing
	cls := fixedClassifier{{WorkflowID: "beta", Score: 0.7}, {WorkflowID: "alpha", Score: 0.7}}
	d, _ := newRouter(cls, &fakeRecorder{}, nil).Route(context.Background(), testContext(), req("hello", OwnerChat))
	assert.Equal(t, "alpha", d.WorkflowID)
}

func TestTieBreakLexicographic(t *testing.T) {
	doc := testContext()
	doc.Spec.Document.Workflows[4].RequiredInputs = nil
	cls := fixedClassifier{{WorkflowID: "beta", Score: 0.7}, {WorkflowID: "alpha", Score: 0.7}}
	d, _ := newRouter(cls, &fakeRecorder{}, nil).Route(context.Background(), doc, req("hello", OwnerChat))
	assert.Equal(t, "alpha", d.WorkflowID)

	cls = fixedClassifier{{WorkflowID: "alpha", Score: 0.7}, {WorkflowID: "beta", Score: 0.71}}
	d, _ = newRouter(cls, &fakeRecorder{}, nil).Route(context.Background(), doc, req("hello", OwnerChat))
	assert.Equal(t, "beta", d.WorkflowID, "higher score wins before tie-breaks")
}

// #endregion tie-break-tests

// #region persistence-tests
func TestDecisionPersistedToAudit(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec, err := audit.NewRecorder(db)
	require.NoError(t, err)

	r := New(fixedClassifier{{WorkflowID: "pricing", Score: 0.35}}, nil, rec, fixedThresholds(config.DefaultThresholds()), nil)
	d, err := r.Route(context.Background(), testContext(), req("cost?", OwnerChat))
	require.NoError(t, err)

	stored, err := rec.Decision(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "clarify", stored.Action)
	assert.Equal(t, []string{"budget"}, stored.MissingInputs)
	assert.Equal(t, []string{ReasonMissingInputs}, stored.Reasons)
}

// #endregion persistence-tests

// #region dispatch-tests
type actionNames struct{}

func (actionNames) Answer() string   { return "A" }
func (actionNames) Clarify() string  { return "C" }
func (actionNames) Refuse() string   { return "R" }
func (actionNames) Escalate() string { return "E" }

func TestDispatch(t *testing.T) {
	for a, want := range map[Action]string{ActionAnswer: "A", ActionClarify: "C", ActionRefuse: "R", ActionEscalate: "E"} {
		got, err := Dispatch[string](a, actionNames{})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := Dispatch[string](Action("shrug"), actionNames{})
	require.Error(t, err)

	_, err = ParseAction("shrug")
	require.Error(t, err)
	_, err = ParseInteraction("public_share")
	require.NoError(t, err)
	assert.True(t, PublicShare.IsPublic())
	assert.False(t, OwnerTraining.IsPublic())
}

// #endregion dispatch-tests
