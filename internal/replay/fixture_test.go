package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

func TestLoadFixture_Routing(t *testing.T) {
	f, err := LoadFixture("testdata/routing.json")
	require.NoError(t, err)

	assert.Equal(t, "twin-replay", f.TwinID)
	assert.Len(t, f.Document.Workflows, 3)
	require.Len(t, f.Turns, 5)
	assert.Equal(t, router.PublicWidget, f.Turns[2].Interaction)
	assert.Equal(t, "widget-1", f.Turns[2].ConversationID)
	assert.Len(t, f.Expected, 5)
}

func TestLoadFixture_Missing(t *testing.T) {
	_, err := LoadFixture("testdata/nope.json")
	assert.Error(t, err)
}

func TestParseFixture_Rejects(t *testing.T) {
	doc := `"document": {"workflows": [{"id": "general", "keywords": ["hi"]}]}`
	cases := []struct {
		name string
		json string
	}{
		{"no-twin", `{` + doc + `, "turns": [{"turn_id": "a", "interaction": "owner_chat"}]}`},
		{"no-turns", `{"twin_id": "t", ` + doc + `}`},
		{"no-workflows", `{"twin_id": "t", "document": {}, "turns": [{"turn_id": "a", "interaction": "owner_chat"}]}`},
		{"bad-interaction", `{"twin_id": "t", ` + doc + `, "turns": [{"turn_id": "a", "interaction": "fax"}]}`},
		{"duplicate-turn", `{"twin_id": "t", ` + doc + `, "turns": [{"turn_id": "a", "interaction": "owner_chat"}, {"turn_id": "a", "interaction": "owner_chat"}]}`},
		{"unknown-expected", `{"twin_id": "t", ` + doc + `, "turns": [{"turn_id": "a", "interaction": "owner_chat"}], "expected_results": [{"turn_id": "b", "action": "answer"}]}`},
		{"malformed", `{"twin_id": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFixture([]byte(tc.json))
			assert.Error(t, err)
		})
	}
}

func TestFixtureThresholds_ApplyKeepsZeroFields(t *testing.T) {
	base := config.DefaultThresholds()
	got := FixtureThresholds{WorkflowDefault: 0.8, MaxRepeatFailures: 1}.Apply(base)

	assert.Equal(t, 0.8, got.WorkflowDefault)
	assert.Equal(t, 1, got.MaxRepeatFailures)
	assert.Equal(t, base.AbsoluteFloor, got.AbsoluteFloor)
	assert.Equal(t, base.JudgeScore, got.JudgeScore)
}

func TestToCandidates(t *testing.T) {
	turn := FixtureTurn{Candidates: []FixtureCandidate{{WorkflowID: "pricing", Intent: "pricing", Score: 0.4}}}
	c := turn.ToCandidates()
	require.Len(t, c, 1)
	assert.Equal(t, "pricing", c[0].WorkflowID)
	assert.Equal(t, 0.4, c[0].Score)
}
