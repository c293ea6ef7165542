// Command controller runs the persona governance pipeline and its
// maintenance operations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/persona-governor/internal/audit"
	"github.com/danielpatrickdp/persona-governor/internal/config"
	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/judge"
	"github.com/danielpatrickdp/persona-governor/internal/learning"
	"github.com/danielpatrickdp/persona-governor/internal/logging"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/model"
	"github.com/danielpatrickdp/persona-governor/internal/optimizer"
	"github.com/danielpatrickdp/persona-governor/internal/persona"
	"github.com/danielpatrickdp/persona-governor/internal/pipeline"
	"github.com/danielpatrickdp/persona-governor/internal/retrieval"
	"github.com/danielpatrickdp/persona-governor/internal/review"
	"github.com/danielpatrickdp/persona-governor/internal/router"
	"github.com/danielpatrickdp/persona-governor/internal/store"
)

var (
	configPath string
	version    = "dev"
)

// #region main
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "controller",
	Short:        "Persona governance and continuous-learning controller",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PGOV_CONFIG"), "path to YAML config")
	rootCmd.AddCommand(serveCmd, chatCmd, learnCmd, optimizeCmd, specCmd, moduleCmd, reviewCmd, clarifyCmd, feedbackCmd, sweepCmd, correctCmd)
}

// #endregion main

// #region wiring
// app holds every component built from one configuration.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sql.DB
	client   *model.Client
	specs    *persona.Store
	memory   *memory.Store
	audit    *audit.Recorder
	review   *review.Queue
	feedback *feedback.Ingestor
	modules  *learning.Store
	runner   *learning.Runner
	variants *optimizer.Store
	opt      *optimizer.Optimizer
	pipeline *pipeline.Pipeline
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	var err error
	cfg := a.cfg
	if a.specs, err = persona.NewStore(a.db, a.logger); err != nil {
		return err
	}
	if a.memory, err = memory.NewStore(a.db, cfg.Memory.ClarificationTTL, a.logger); err != nil {
		return err
	}
	if a.audit, err = audit.NewRecorder(a.db); err != nil {
		return err
	}
	rules, err := review.NewRuleTable(cfg.Review.Rules)
	if err != nil {
		return err
	}
	if a.review, err = review.NewQueue(a.db, rules, a.logger); err != nil {
		return err
	}
	if a.feedback, err = feedback.NewIngestor(a.db, a.audit, a.logger); err != nil {
		return err
	}
	if a.modules, err = learning.NewStore(a.db); err != nil {
		return err
	}
	if a.variants, err = optimizer.NewStore(a.db); err != nil {
		return err
	}
	a.runner = learning.NewRunner(learning.Deps{
		DB:         a.db,
		Store:      a.modules,
		Events:     a.feedback,
		Audits:     a.audit,
		Reviews:    a.review,
		Specs:      a.specs,
		Thresholds: cfg,
		Logger:     a.logger,
	}, learning.ConfigFrom(cfg.Learning))

	var (
		classifier router.Classifier
		scorer     judge.Scorer
		rewriter   judge.Rewriter
		renderer   optimizer.ModelRenderer
		generator  pipeline.Generator = offlineGenerator{}
		retriever  pipeline.Retriever
	)
	if !cfg.Model.Disabled {
		if a.client, err = model.NewClient(cfg.Model.Addr, cfg.Model.Timeout); err != nil {
			return err
		}
		classifier = router.NewModelClassifier(a.client, a.logger)
		scorer = judge.NewModelScorer(a.client)
		rewriter = a.client
		renderer = a.client
		generator = a.client
		retriever = retrieval.NewRetriever(a.client, retrieval.DefaultConfig())
	}

	a.opt = optimizer.New(a.variants, a.specs, renderer, optimizer.ObjectiveFrom(cfg.Optimizer), a.logger)
	a.pipeline = pipeline.New(pipeline.Deps{
		Personas:     &persona.Loader{Specs: a.specs, Modules: a.modules, Variants: a.variants},
		Retriever:    retriever,
		Router:       router.New(classifier, a.memory, a.audit, cfg, a.logger),
		Generator:    generator,
		Judge:        judge.New(judge.DefaultConfig(), scorer, rewriter, a.logger),
		Audit:        a.audit,
		Memory:       a.memory,
		Review:       a.review,
		Feedback:     a.feedback,
		Thresholds:   cfg,
		ReviewWindow: cfg.Review.LowConfidenceWindow,
		Logger:       a.logger,
	})
	return nil
}

// promote activates specID and brings the learned modules in line with it.
func (a *app) promote(ctx context.Context, twinID, specID string) (persona.Spec, error) {
	spec, err := a.specs.Promote(ctx, twinID, specID)
	if err != nil {
		return persona.Spec{}, err
	}
	n, err := a.modules.ApplySpec(ctx, spec)
	if err != nil {
		return spec, fmt.Errorf("spec %s promoted but modules not applied: %w", spec.Version, err)
	}
	a.logger.Info("modules applied", zap.String("spec_id", spec.ID), zap.Int("activated", n))
	return spec, nil
}

func (a *app) Close() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logger.Sync()
}

// withApp builds the app for one command invocation.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

// offlineGenerator stands in for the model when it is disabled; every
// answer attempt is recorded as an unavailable-model failure.
type offlineGenerator struct{}

func (offlineGenerator) Generate(context.Context, string, string, []string) (model.GenerateResult, error) {
	return model.GenerateResult{}, &model.Error{Op: model.OpGenerate, Kind: model.KindUnavailable, Err: errors.New("model disabled")}
}

// #endregion wiring

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
