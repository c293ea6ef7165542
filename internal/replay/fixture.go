package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string            `json:"description"`
	TwinID      string            `json:"twin_id"`
	Document    persona.Document  `json:"document"`
	Thresholds  FixtureThresholds `json:"thresholds"`
	Turns       []FixtureTurn     `json:"turns"`
	Expected    []FixtureExpected `json:"expected_results"`
}

// FixtureThresholds overrides the default gates; zero fields inherit.
type FixtureThresholds struct {
	AbsoluteFloor     float64 `json:"absolute_floor"`
	WorkflowDefault   float64 `json:"workflow_default"`
	ReviewConfidence  float64 `json:"review_confidence"`
	JudgeScore        float64 `json:"judge_score"`
	MaxRepeatFailures int     `json:"max_repeat_failures"`
}

// FixtureCandidate is a scripted classifier result.
type FixtureCandidate struct {
	WorkflowID string  `json:"workflow_id"`
	Intent     string  `json:"intent"`
	Score      float64 `json:"score"`
}

// FixtureTurn is one inbound message. Candidates script the classifier;
// when empty the keyword heuristic classifies the text. GenerationError
// names a model failure kind the generator reports instead of Draft.
type FixtureTurn struct {
	TurnID          string             `json:"turn_id"`
	ConversationID  string             `json:"conversation_id"`
	Interaction     router.Interaction `json:"interaction"`
	Text            string             `json:"text"`
	Draft           string             `json:"draft"`
	GenerationError model.Kind         `json:"generation_error"`
	Candidates      []FixtureCandidate `json:"candidates"`
}

// FixtureExpected captures the expected action per turn.
type FixtureExpected struct {
	TurnID string        `json:"turn_id"`
	Action router.Action `json:"action"`
	Reason string        `json:"reason"`
}

// #endregion fixture-types

// #region conversion

// Apply overlays the fixture's non-zero thresholds onto base.
func (t FixtureThresholds) Apply(base config.Thresholds) config.Thresholds {
	if t.AbsoluteFloor > 0 {
		base.AbsoluteFloor = t.AbsoluteFloor
	}
	if t.WorkflowDefault > 0 {
		base.WorkflowDefault = t.WorkflowDefault
	}
	if t.ReviewConfidence > 0 {
		base.ReviewConfidence = t.ReviewConfidence
	}
	if t.JudgeScore > 0 {
		base.JudgeScore = t.JudgeScore
	}
	if t.MaxRepeatFailures > 0 {
		base.MaxRepeatFailures = t.MaxRepeatFailures
	}
	return base
}

// ToCandidates converts the scripted classifier output.
func (t FixtureTurn) ToCandidates() []model.Candidate {
	out := make([]model.Candidate, len(t.Candidates))
	for i, c := range t.Candidates {
		out[i] = model.Candidate{WorkflowID: c.WorkflowID, Intent: c.Intent, Score: c.Score}
	}
	return out
}

// #endregion conversion

// #region load

// LoadFixture reads and validates a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates fixture JSON.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the fixture is replayable.
func (f *Fixture) Validate() error {
	if f.TwinID == "" {
		return errors.New("fixture: twin_id is required")
	}
	if len(f.Turns) == 0 {
		return errors.New("fixture: no turns")
	}
	if err := f.Document.Validate(); err != nil {
		return fmt.Errorf("fixture document: %w", err)
	}
	seen := make(map[string]bool, len(f.Turns))
	for i, t := range f.Turns {
		if t.TurnID == "" {
			return fmt.Errorf("fixture: turn %d has no turn_id", i)
		}
		if seen[t.TurnID] {
			return fmt.Errorf("fixture: duplicate turn_id %q", t.TurnID)
		}
		seen[t.TurnID] = true
		if _, err := router.ParseInteraction(string(t.Interaction)); err != nil {
			return fmt.Errorf("fixture: turn %s: %w", t.TurnID, err)
		}
	}
	for _, e := range f.Expected {
		if !seen[e.TurnID] {
			return fmt.Errorf("fixture: expected result for unknown turn %q", e.TurnID)
		}
	}
	return nil
}

// #endregion load
