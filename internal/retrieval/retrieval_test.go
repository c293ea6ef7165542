package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/danielpatrickdp/persona-governor/internal/model"
)

type fakeSearcher struct {
	results []model.SearchResult
	err     error
}

func (f *fakeSearcher) Search(context.Context, string, string, int) ([]model.SearchResult, error) {
	return f.results, f.err
}

func TestRetrieve_FiltersAndSummarizes(t *testing.T) {
	s := &fakeSearcher{results: []model.SearchResult{
		{ID: "a", Text: "refunds within 30 days", Score: 0.9, CitationID: "doc1"},
		{ID: "b", Text: "low match", Score: 0.1, CitationID: "doc2"},
		{ID: "a", Text: "duplicate id", Score: 0.8, CitationID: "doc1"},
		{ID: "c", Text: "", Score: 0.7},
		{ID: "d", Text: "shipping is free", Score: 0.5, CitationID: "doc3"},
	}}
	r := NewRetriever(s, DefaultConfig())

	sum := r.Retrieve(context.Background(), "twin", "refund")
	if !sum.Available {
		t.Fatal("expected available")
	}
	if len(sum.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(sum.Chunks))
	}
	if sum.TopScore != 0.9 {
		t.Errorf("top score: got %v", sum.TopScore)
	}
	if sum.MeanScore != 0.7 {
		t.Errorf("mean score: got %v", sum.MeanScore)
	}
	if strings.Join(sum.Citations, ",") != "doc1,doc3" {
		t.Errorf("citations: got %v", sum.Citations)
	}
}

func TestRetrieve_OverlongDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunkLen = 5
	s := &fakeSearcher{results: []model.SearchResult{{ID: "a", Text: "too long text", Score: 0.9}}}

	sum := NewRetriever(s, cfg).Retrieve(context.Background(), "twin", "q")
	if len(sum.Chunks) != 0 {
		t.Fatalf("expected overlong chunk dropped, got %d", len(sum.Chunks))
	}
	if !sum.Available {
		t.Fatal("empty evidence is still an available retrieval")
	}
}

func TestRetrieve_SearchFailureIsUnavailable(t *testing.T) {
	s := &fakeSearcher{err: &model.Error{Op: model.OpSearch, Kind: model.KindTimeout}}

	sum := NewRetriever(s, DefaultConfig()).Retrieve(context.Background(), "twin", "q")
	if sum.Available {
		t.Fatal("expected unavailable")
	}
	if !strings.Contains(sum.Reason, "timeout") {
		t.Errorf("reason should carry the kind, got %q", sum.Reason)
	}
}

func TestSummaryTexts(t *testing.T) {
	s := Summarize([]Chunk{{ID: "1", Text: "a", Score: 1}, {ID: "2", Text: "b", Score: 1}})
	if got := strings.Join(s.Texts(), ""); got != "ab" {
		t.Fatalf("got %q", got)
	}
}
