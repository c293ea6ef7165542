package optimizer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

// #region optimizer
// ModelRenderer rewrites a heuristic rendering for a strategy.
type ModelRenderer interface {
	Render(ctx context.Context, rendering, strategy string) (string, error)
}

// SpecSource returns a twin's active persona spec.
type SpecSource interface {
	Active(ctx context.Context, twinID string) (persona.Spec, error)
}

// Optimizer renders, scores and optionally activates prompt variants.
type Optimizer struct {
	store     *Store
	specs     SpecSource
	renderer  ModelRenderer
	objective Objective
	logger    *zap.Logger
}

// New returns an optimizer. renderer may be nil, in which case model mode
// falls back to heuristic renderings.
func New(s *Store, specs SpecSource, renderer ModelRenderer, objective Objective, logger *zap.Logger) *Optimizer {
	return &Optimizer{
		store:     s,
		specs:     specs,
		renderer:  renderer,
		objective: objective,
		logger:    logging.OrNop(logger).Named("optimizer"),
	}
}

// Optimize renders every strategy against twinID's active spec, stores the
// candidates and picks the best. Equal scores go to the earliest created
// candidate. When activate is set the best candidate becomes the single
// active variant.
func (o *Optimizer) Optimize(ctx context.Context, twinID string, mode Mode, activate bool) (Result, error) {
	spec, err := o.specs.Active(ctx, twinID)
	if err != nil {
		return Result{}, fmt.Errorf("optimize %s: %w", twinID, err)
	}
	outcomes, err := o.store.Outcomes(ctx, twinID)
	if err != nil {
		return Result{}, err
	}

	renderings := make([]Variant, len(Strategies))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range Strategies {
		g.Go(func() error {
			text, source := o.render(gctx, spec.Document, sc, mode)
			m := Metrics{
				Coverage:      Coverage(text, spec.Document),
				LengthPenalty: LengthPenalty(text, o.objective.TargetLength),
				Source:        source,
			}
			m.Outcome, m.OutcomeN = o.objective.OutcomeScore(sc.ID, outcomes, time.Now())
			renderings[i] = Variant{
				TwinID:         twinID,
				SpecID:         spec.ID,
				SpecVersion:    spec.Version,
				Strategy:       sc.ID,
				Rendering:      text,
				ObjectiveScore: o.objective.Score(m),
				Metrics:        m,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	// Insert in strategy order so creation order is deterministic.
	var res Result
	for _, v := range renderings {
		stored, err := o.store.insert(ctx, v)
		if err != nil {
			return Result{}, err
		}
		res.Candidates = append(res.Candidates, stored)
	}
	res.Best = pickBest(res.Candidates)

	o.logger.Info("variants scored",
		zap.String("twin_id", twinID),
		zap.String("spec_version", spec.Version),
		zap.String("mode", string(mode)),
		zap.String("best", string(res.Best.Strategy)),
		zap.Float64("score", res.Best.ObjectiveScore))

	if activate {
		active, err := o.store.Activate(ctx, twinID, res.Best.ID)
		if err != nil {
			return res, err
		}
		res.Best = active
		res.Activated = true
	}
	return res, nil
}

func (o *Optimizer) render(ctx context.Context, doc persona.Document, sc StrategyConfig, mode Mode) (string, string) {
	text := Render(doc, sc)
	if mode != ModeModel || o.renderer == nil {
		return text, "heuristic"
	}
	out, err := o.renderer.Render(ctx, text, string(sc.ID))
	if err != nil {
		renderFallbacks.WithLabelValues(string(model.KindOf(err))).Inc()
		o.logger.Warn("model rendering failed, using heuristic",
			zap.String("strategy", string(sc.ID)), zap.Error(err))
		return text, "fallback"
	}
	return out, "model"
}

// pickBest returns the highest-scoring candidate; candidates are in
// creation order, so a strict comparison keeps the earliest on ties.
func pickBest(cands []Variant) Variant {
	var best Variant
	for i, v := range cands {
		if i == 0 || v.ObjectiveScore > best.ObjectiveScore {
			best = v
		}
	}
	return best
}

// #endregion optimizer
