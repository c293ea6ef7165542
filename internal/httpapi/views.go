package httpapi

import (
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/learning"
	"github.com/danielpatrickdp/persona-governor/internal/optimizer"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/review"
)

// SpecView is a spec version; the document is only included for the
// active spec.
type SpecView struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	ParentID    string            `json:"parent_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Document    *persona.Document `json:"document,omitempty"`
}

func specView(s persona.Spec, withDoc bool) SpecView {
	v := SpecView{
		ID:        s.ID,
		Version:   s.Version,
		Status:    string(s.Status),
		ParentID:  s.ParentID,
		CreatedAt: s.CreatedAt,
	}
	if !s.PublishedAt.IsZero() {
		at := s.PublishedAt
		v.PublishedAt = &at
	}
	if withDoc {
		doc := s.Document
		v.Document = &doc
	}
	return v
}

type ModuleView struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Confidence  float64   `json:"confidence"`
	NeedsReview bool      `json:"needs_review"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func moduleView(m learning.Module) ModuleView {
	return ModuleView{
		ID:          m.ID,
		Key:         m.Key,
		Kind:        string(m.Kind),
		Status:      string(m.Status),
		Confidence:  m.Confidence,
		NeedsReview: m.NeedsReview,
		Version:     m.Version,
		UpdatedAt:   m.UpdatedAt,
	}
}

type RunView struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	EventsScanned      int       `json:"events_scanned"`
	ModulesUpdated     int       `json:"modules_updated"`
	AvgConfidenceDelta float64   `json:"avg_confidence_delta"`
	PublishDecision    string    `json:"publish_decision,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	CandidateSpecID    string    `json:"candidate_spec_id,omitempty"`
	Error              string    `json:"error,omitempty"`
	StartedAt          time.Time `json:"started_at"`
}

func runView(r learning.Run) RunView {
	return RunView{
		ID:                 r.ID,
		Status:             string(r.Status),
		EventsScanned:      r.EventsScanned,
		ModulesUpdated:     r.ModulesUpdated,
		AvgConfidenceDelta: r.AvgConfidenceDelta,
		PublishDecision:    string(r.PublishDecision),
		Reason:             r.Reason,
		CandidateSpecID:    r.CandidateSpecID,
		Error:              r.Error,
		StartedAt:          r.StartedAt,
	}
}

type VariantView struct {
	ID             string            `json:"id"`
	SpecVersion    string            `json:"spec_version"`
	Strategy       string            `json:"strategy"`
	ObjectiveScore float64           `json:"objective_score"`
	Metrics        optimizer.Metrics `json:"metrics"`
	Status         string            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

func variantView(v optimizer.Variant) VariantView {
	return VariantView{
		ID:             v.ID,
		SpecVersion:    v.SpecVersion,
		Strategy:       string(v.Strategy),
		ObjectiveScore: v.ObjectiveScore,
		Metrics:        v.Metrics,
		Status:         string(v.Status),
		CreatedAt:      v.CreatedAt,
	}
}

type ReviewView struct {
	ID            string         `json:"id"`
	Reason        string         `json:"reason"`
	Priority      string         `json:"priority"`
	Status        string         `json:"status"`
	Payload       review.Payload `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Resolution    string         `json:"resolution,omitempty"`
}

func reviewView(it review.Item) ReviewView {
	return ReviewView{
		ID:            it.ID,
		Reason:        string(it.Reason),
		Priority:      string(it.Priority),
		Status:        string(it.Status),
		Payload:       it.Payload,
		CorrelationID: it.CorrelationID,
		CreatedAt:     it.CreatedAt,
		Resolution:    it.Resolution,
	}
}

type EventView struct {
	ID        string  `json:"id"`
	TraceID   string  `json:"trace_id"`
	Type      string  `json:"type"`
	Score     float64 `json:"score"`
	Intent    string  `json:"intent,omitempty"`
	Processed bool    `json:"processed"`
}

func eventView(e feedback.Event) EventView {
	return EventView{ID: e.ID, TraceID: e.TraceID, Type: string(e.Type), Score: e.Score, Intent: e.Intent, Processed: e.Processed}
}
