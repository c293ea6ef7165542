package retrieval

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/persona-governor/internal/model"
)

// #region searcher
// Searcher is the slice of the model client the retriever needs.
type Searcher interface {
	Search(ctx context.Context, twinID, query string, topK int) ([]model.SearchResult, error)
}

// #endregion searcher

// #region retriever
// Retriever fetches evidence and filters it into a Summary.
type Retriever struct {
	searcher Searcher
	config   Config
}

// NewRetriever creates a Retriever with the given searcher and config.
func NewRetriever(searcher Searcher, config Config) *Retriever {
	return &Retriever{searcher: searcher, config: config}
}

// #endregion retriever

// #region retrieve
// Retrieve runs search, then:
//  1. similarity: drop chunks under the threshold
//  2. consistency: drop empty, overlong and duplicate chunks
//
// A search failure is not returned as an error; it yields an unavailable
// summary so the router can degrade to clarify/escalate.
func (r *Retriever) Retrieve(ctx context.Context, twinID, query string) Summary {
	results, err := r.searcher.Search(ctx, twinID, query, r.config.TopK)
	if err != nil {
		return Unavailable(fmt.Sprintf("search failed: %s", model.KindOf(err)))
	}

	chunks := make([]Chunk, 0, len(results))
	for _, sr := range results {
		if sr.Score < r.config.SimilarityThreshold {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:         sr.ID,
			Text:       sr.Text,
			Score:      sr.Score,
			CitationID: sr.CitationID,
		})
	}
	return Summarize(r.consistencyCheck(chunks))
}

// #endregion retrieve

// #region summarize
// Summarize computes score statistics and the citation list.
func Summarize(chunks []Chunk) Summary {
	s := Summary{Available: true, Chunks: chunks}
	if len(chunks) == 0 {
		s.Reason = "no evidence above threshold"
		return s
	}
	var sum float64
	seen := make(map[string]bool)
	for _, c := range chunks {
		sum += c.Score
		if c.Score > s.TopScore {
			s.TopScore = c.Score
		}
		if c.CitationID != "" && !seen[c.CitationID] {
			seen[c.CitationID] = true
			s.Citations = append(s.Citations, c.CitationID)
		}
	}
	s.MeanScore = sum / float64(len(chunks))
	s.Reason = fmt.Sprintf("retrieved %d chunks", len(chunks))
	return s
}

// #endregion summarize

// #region consistency-check
func (r *Retriever) consistencyCheck(chunks []Chunk) []Chunk {
	seen := make(map[string]bool)
	var valid []Chunk
	for _, c := range chunks {
		if c.Text == "" {
			continue
		}
		if r.config.MaxChunkLen > 0 && len(c.Text) > r.config.MaxChunkLen {
			continue
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		valid = append(valid, c)
	}
	return valid
}

// #endregion consistency-check
