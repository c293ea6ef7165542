package judge

import (
	"strings"

	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region deflection-patterns
var deflectionPatterns = []string{
	"how can i help",
	"how can i assist",
	"i'd be happy to help",
	"let me know how i can",
	"is there anything else",
	"feel free to ask",
}

var rlhfPatterns = []string{
	"as an ai",
	"as a language model",
	"my programming",
	"my training",
	"i was designed to",
	"i was programmed to",
	"beyond my capabilities",
}

var contractions = []string{"n't", "'re", "'ll", "'ve", "'m", "'d"}

// #endregion deflection-patterns

// #region structure-score
// StructureScore rates adherence to the document's structure policy in [0,1].
func StructureScore(text string, s persona.Structure) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	score := 1.0

	paragraphs := 0
	for _, p := range strings.Split(trimmed, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	if s.MaxParagraphs > 0 && paragraphs > s.MaxParagraphs {
		score -= 0.1 * float64(paragraphs-s.MaxParagraphs)
	}

	if s.MaxSentenceWords > 0 {
		sentences := splitSentences(trimmed)
		long := 0
		for _, sent := range sentences {
			if len(strings.Fields(sent)) > s.MaxSentenceWords {
				long++
			}
		}
		if len(sentences) > 0 {
			score -= 0.4 * float64(long) / float64(len(sentences))
		}
	}

	bullets := 0
	for _, line := range strings.Split(trimmed, "\n") {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "- ") || strings.HasPrefix(l, "* ") || strings.HasPrefix(l, "• ") {
			bullets++
		}
	}
	if s.BulletLimit > 0 && bullets > s.BulletLimit {
		score -= 0.05 * float64(bullets-s.BulletLimit)
	}

	if hasRepetition(strings.ToLower(trimmed)) {
		score -= 0.3
	}
	return clamp01(score)
}

// hasRepetition flags three or more identical sentences.
func hasRepetition(lower string) bool {
	sentences := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	if len(sentences) < 3 {
		return false
	}
	counts := make(map[string]int)
	for _, s := range sentences {
		trimmed := strings.TrimSpace(s)
		if len(trimmed) > 10 {
			counts[trimmed]++
		}
	}
	for _, c := range counts {
		if c >= 3 {
			return true
		}
	}
	return false
}

// #endregion structure-score

// #region voice-score
// VoiceScore rates tone adherence in [0,1]. Preferred phrases raise it,
// avoided phrases, deflection and formality mismatches lower it.
func VoiceScore(text string, v persona.Voice) float64 {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return 0
	}
	score := 0.8

	for _, p := range v.Preferred {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			score += 0.05
		}
	}
	for _, p := range v.Avoided {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			score -= 0.2
		}
	}

	deflections := 0
	for _, p := range deflectionPatterns {
		if strings.Contains(lower, p) {
			deflections++
		}
	}
	if deflections > 0 && len(strings.Fields(lower)) < 30 {
		score -= 0.3
	}
	for _, p := range rlhfPatterns {
		if strings.Contains(lower, p) {
			score -= 0.15
		}
	}

	switch v.Formality {
	case "formal":
		for _, c := range contractions {
			if strings.Contains(lower, c) {
				score -= 0.1
				break
			}
		}
		if strings.Count(lower, "!") > 1 {
			score -= 0.1
		}
	case "casual":
		if !containsAny(lower, contractions) && len(strings.Fields(lower)) > 40 {
			score -= 0.05
		}
	}
	return clamp01(score)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// #endregion voice-score

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
