package learning

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/danielpatrickdp/persona-governor/internal/feedback"
)

// #region simulate
// Report is the dry-run outcome of a learning batch.
type Report struct {
	TwinID        string
	EventsScanned int
	AvgDelta      float64
	Gate          GateResult
	Modules       []Module // projected state of every touched module
}

// Simulate applies twinID's pending events in memory and reports what Run
// would decide. Nothing is written and no lease is taken.
func (r *Runner) Simulate(ctx context.Context, twinID string) (Report, error) {
	ctx, span := tracer.Start(ctx, "learning.Simulate")
	defer span.End()

	events, err := r.events.Unprocessed(ctx, twinID, r.cfg.BatchSize)
	if err != nil {
		return Report{}, err
	}
	ucfg := r.cfg.update()
	batch := newBatch(r.cfg.MinModuleConf)
	overlay := make(map[string]Module)
	now := time.Now().UTC()

	for _, ev := range events {
		moduleIDs, err := r.moduleIDsFor(ctx, ev)
		if err != nil {
			return Report{}, err
		}
		targets, err := targetsFor(ctx, r.db, ev, moduleIDs)
		if err != nil {
			return Report{}, err
		}
		for _, t := range targets {
			m, ok := overlay[t.key]
			if !ok {
				m, err = currentModule(ctx, r.db, twinID, t.key)
				if errors.Is(err, ErrNotFound) {
					m, err = newModule(twinID, t.kind, t.key, now), nil
				}
				if err != nil {
					return Report{}, err
				}
			}
			out := Update(m, ev, ucfg)
			if out.Material {
				out.Module.Version = m.Version + 1
				out.Module.ParentID = m.ID
				out.Module.BaseConfidence = out.Module.Confidence
			}
			overlay[t.key] = out.Module
			batch.observe(m, out)
		}
		batch.EventsScanned++
		if ev.Type == feedback.PolicyViolation && ev.Severity == feedback.SeverityHigh {
			batch.HighSeverity++
		}
	}

	changed := batch.Changed()
	sort.Slice(changed, func(i, j int) bool { return changed[i].Key < changed[j].Key })
	return Report{
		TwinID:        twinID,
		EventsScanned: batch.EventsScanned,
		AvgDelta:      batch.AvgDelta(),
		Gate:          Decide(batch, r.thresholds.ThresholdsFor(twinID).PublishDelta),
		Modules:       changed,
	}, nil
}

// #endregion simulate
