package router

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region classifier

// Classifier scores each workflow against a message.
type Classifier interface {
	Classify(ctx context.Context, text string, history []string, workflows []persona.Workflow) ([]model.Candidate, error)
}

// #endregion

// #region follow-up-words

// followUpWords are short prompts that typically continue the previous topic.
var followUpWords = []string{
	"why", "how", "what about", "and", "but", "so",
	"tell me more", "go on", "explain", "elaborate",
	"what do you mean", "like what", "can you", "could you",
}

func isFollowUp(lower string) bool {
	for _, fw := range followUpWords {
		if strings.HasPrefix(lower, fw) {
			return true
		}
	}
	return strings.HasSuffix(lower, "?") && len(strings.Fields(lower)) <= 3
}

// #endregion

// #region heuristic

// HeuristicClassifier scores workflows by keyword overlap. No model call.
// Short follow-ups also score against the previous message at half weight.
type HeuristicClassifier struct{}

// Classify implements Classifier.
func (HeuristicClassifier) Classify(_ context.Context, text string, history []string, workflows []persona.Workflow) ([]model.Candidate, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	var prev string
	if len(history) > 0 && len(strings.Fields(lower)) <= 8 && isFollowUp(lower) {
		prev = strings.ToLower(history[len(history)-1])
	}

	out := make([]model.Candidate, 0, len(workflows))
	for _, w := range workflows {
		score := keywordScore(lower, w)
		if prev != "" {
			score = math.Max(score, keywordScore(prev, w)*0.5)
		}
		if score == 0 {
			continue
		}
		out = append(out, model.Candidate{WorkflowID: w.ID, Intent: intentOf(w), Score: score})
	}
	return out, nil
}

func keywordScore(lower string, w persona.Workflow) float64 {
	keywords := w.Keywords
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if containsWord(lower, strings.ToLower(kw)) {
			hits++
		}
	}
	denom := len(keywords)
	if denom > 3 {
		denom = 3
	}
	return math.Min(1, float64(hits)/float64(denom))
}

// containsWord matches kw at word boundaries.
func containsWord(text, kw string) bool {
	if kw == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(text[start:], kw)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(kw)
		if (idx == 0 || !isWordByte(text[idx-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func intentOf(w persona.Workflow) string {
	if w.Intent != "" {
		return w.Intent
	}
	return w.ID
}

// #endregion

// #region model-classifier

// ModelAPI is the classification slice of the model client.
type ModelAPI interface {
	Classify(ctx context.Context, text string, workflows []string) ([]model.Candidate, error)
}

// ModelClassifier asks the model for scores and falls back to the
// heuristic on any model error.
type ModelClassifier struct {
	api      ModelAPI
	fallback Classifier
	logger   *zap.Logger
}

// NewModelClassifier wraps api with a heuristic fallback.
func NewModelClassifier(api ModelAPI, logger *zap.Logger) *ModelClassifier {
	return &ModelClassifier{api: api, fallback: HeuristicClassifier{}, logger: logging.OrNop(logger).Named("classifier")}
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, text string, history []string, workflows []persona.Workflow) ([]model.Candidate, error) {
	ids := make([]string, len(workflows))
	known := make(map[string]persona.Workflow, len(workflows))
	for i, w := range workflows {
		ids[i] = w.ID
		known[w.ID] = w
	}

	cands, err := c.api.Classify(ctx, text, ids)
	if err != nil {
		kind := model.KindOf(err)
		classifierFallbacks.WithLabelValues(string(kind)).Inc()
		c.logger.Warn("model classify failed, using heuristic",
			zap.String("kind", string(kind)), zap.Error(err))
		return c.fallback.Classify(ctx, text, history, workflows)
	}

	out := cands[:0]
	for _, cand := range cands {
		w, ok := known[cand.WorkflowID]
		if !ok {
			continue
		}
		if cand.Intent == "" {
			cand.Intent = intentOf(w)
		}
		out = append(out, cand)
	}
	return out, nil
}

// #endregion
