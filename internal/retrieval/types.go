package retrieval

// #region config
// Config holds limits for evidence retrieval.
type Config struct {
	TopK                int     // max results requested from search
	SimilarityThreshold float64 // drop chunks below this score
	MaxChunkLen         int     // drop chunks longer than this many bytes
}

// DefaultConfig returns sensible defaults for retrieval.
func DefaultConfig() Config {
	return Config{
		TopK:                5,
		SimilarityThreshold: 0.3,
		MaxChunkLen:         4000,
	}
}

// #endregion config

// #region chunk
// Chunk is one ranked piece of evidence with its citation id.
type Chunk struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	CitationID string  `json:"citation_id"`
}

// #endregion chunk

// #region summary
// Summary is the retrieval output contract consumed by the router and the
// audit recorder.
type Summary struct {
	Available bool     `json:"available"`
	Chunks    []Chunk  `json:"chunks,omitempty"`
	Citations []string `json:"citations,omitempty"`
	TopScore  float64  `json:"top_score"`
	MeanScore float64  `json:"mean_score"`
	Reason    string   `json:"reason,omitempty"`
}

// Unavailable returns a summary marking retrieval as down.
func Unavailable(reason string) Summary {
	return Summary{Available: false, Reason: reason}
}

// Texts returns the chunk texts in rank order.
func (s Summary) Texts() []string {
	out := make([]string, len(s.Chunks))
	for i, c := range s.Chunks {
		out[i] = c.Text
	}
	return out
}

// #endregion summary
