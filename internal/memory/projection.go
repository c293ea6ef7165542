package memory

import (
	"fmt"
	"math"
	"strings"
)

// #region detect
// prefixPatterns signal an explicit owner preference, mapped to the belief
// type they produce.
var prefixPatterns = []struct {
	prefix string
	typ    BeliefType
}{
	{"i prefer ", TypePreference},
	{"i'd rather ", TypePreference},
	{"i would rather ", TypePreference},
	{"i like ", TypePreference},
	{"please always ", TypeToneRule},
	{"always ", TypeToneRule},
	{"never ", TypeToneRule},
	{"don't ", TypeToneRule},
	{"do not ", TypeToneRule},
	{"keep it ", TypeToneRule},
	{"be more ", TypeToneRule},
	{"be less ", TypeToneRule},
	{"i believe ", TypeBelief},
	{"i think ", TypeStance},
	{"my policy is ", TypeBelief},
	{"my stance on ", TypeStance},
}

// Detected is a preference statement found in an owner message.
type Detected struct {
	Topic string
	Value string
	Type  BeliefType
}

// DetectPreference checks whether an owner message states a preference.
// The topic is the normalized statement after the signal phrase.
func DetectPreference(text string) (Detected, bool) {
	cleaned := strings.TrimRight(strings.TrimSpace(text), ".!?")
	lower := strings.ToLower(cleaned)
	if lower == "" {
		return Detected{}, false
	}
	for _, p := range prefixPatterns {
		idx := strings.Index(lower, p.prefix)
		if idx < 0 || (idx > 0 && lower[idx-1] != ' ') {
			continue
		}
		rest := strings.TrimSpace(lower[idx+len(p.prefix):])
		topic := NormalizeTopic(rest)
		if topic == "" {
			continue
		}
		if words := strings.Fields(topic); len(words) > 6 {
			topic = strings.Join(words[:6], " ")
		}
		return Detected{Topic: topic, Value: cleaned, Type: p.typ}, true
	}
	return Detected{}, false
}

// #endregion detect

// #region project
// ProjectBeliefs renders active beliefs as an [OWNER MEMORY] prompt block.
// Returns "" when there is nothing to project.
func ProjectBeliefs(beliefs []Belief) string {
	var active []Belief
	var sum float64
	for _, b := range beliefs {
		if b.Status != BeliefActive {
			continue
		}
		active = append(active, b)
		sum += b.Confidence
	}
	if len(active) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("[OWNER MEMORY]\n")
	for _, b := range active {
		fmt.Fprintf(&sb, "- (%s) %s: %s\n", b.Type, b.Topic, b.Value)
	}
	fmt.Fprintf(&sb, "(confidence: %.0f%%)\n", math.Round(sum/float64(len(active))*100))
	return sb.String()
}

// WrapPrompt prepends a memory block to a system prompt.
func WrapPrompt(block, prompt string) string {
	if block == "" {
		return prompt
	}
	return block + "\n" + prompt
}

// #endregion project
