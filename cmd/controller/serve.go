package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/persona-governor/internal/httpapi"
	"github.com/danielpatrickdp/persona-governor/internal/learning"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
)

var serveNoLearning bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, clarification sweeper and learning scheduler",
	Long: `Run the long-lived controller processes until interrupted:

  - the HTTP API (health, /metrics, read-only views, feedback intake)
  - the clarification sweeper
  - the scheduled learning runner (disable with --no-learning)`,
	RunE: withApp(runServe),
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoLearning, "no-learning", false, "do not schedule learning runs")
}

func runServe(cmd *cobra.Command, a *app, _ []string) error {
	ctx := cmd.Context()
	srv := httpapi.NewServer(httpapi.Deps{
		Specs:    a.specs,
		Learning: a.modules,
		Variants: a.variants,
		Review:   a.review,
		Feedback: a.feedback,
		Logger:   a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(a.cfg.HTTP.Addr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		memory.NewSweeper(a.memory, a.cfg.Memory.SweepInterval).Run(gctx)
		return nil
	})
	if !serveNoLearning {
		g.Go(func() error {
			learning.NewScheduler(a.runner, a.cfg.Learning.Twins, a.specs, a.cfg.Learning.Interval).Run(gctx)
			return nil
		})
	}

	a.logger.Info("controller serving",
		zap.String("http_addr", a.cfg.HTTP.Addr),
		zap.Bool("model_disabled", a.cfg.Model.Disabled),
		zap.Bool("learning", !serveNoLearning))
	return g.Wait()
}
