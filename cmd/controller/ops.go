package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/persona-governor/internal/feedback"
	"github.com/danielpatrickdp/persona-governor/internal/learning"
	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/optimizer"
)

// #region learn
var learnDryRun bool

var learnCmd = &cobra.Command{
	Use:   "learn [twin...]",
	Short: "Run the feedback-learning runner once",
	Long: `Apply pending training events to learned modules and, when the publish
gate passes, stage a draft persona spec. The active spec is never changed;
promote the draft with 'controller spec promote'.

With no twins every twin with a spec is processed. --dry-run reports what
a run would do without writing anything.`,
	RunE: withApp(runLearn),
}

func init() {
	learnCmd.Flags().BoolVar(&learnDryRun, "dry-run", false, "simulate without writing")
}

func runLearn(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	twins := args
	if len(twins) == 0 {
		var err error
		if twins, err = a.specs.Twins(ctx); err != nil {
			return err
		}
	}
	for _, twin := range twins {
		if learnDryRun {
			rep, err := a.runner.Simulate(ctx, twin)
			if err != nil {
				return err
			}
			printf(cmd, "%s: %d events, avg delta %+.4f, would %s (%s)\n",
				twin, rep.EventsScanned, rep.AvgDelta, rep.Gate.Decision, rep.Gate.Reason)
			printModules(cmd, rep.Modules)
			continue
		}
		run, err := a.runner.Run(ctx, twin)
		if err != nil {
			return fmt.Errorf("learn %s: %w", twin, err)
		}
		printf(cmd, "%s: run %s %s, %d events, %d modules, avg delta %+.4f, %s (%s)",
			twin, run.ID, run.Status, run.EventsScanned, run.ModulesUpdated, run.AvgConfidenceDelta, run.PublishDecision, run.Reason)
		if run.CandidateSpecID != "" {
			printf(cmd, ", draft %s", run.CandidateSpecID)
		}
		printf(cmd, "\n")
	}
	return nil
}

func printModules(cmd *cobra.Command, mods []learning.Module) {
	for _, m := range mods {
		flag := ""
		if m.NeedsReview {
			flag = " needs-review"
		}
		printf(cmd, "  %-40s v%-3d %-8s %.3f%s\n", m.Key, m.Version, m.Status, m.Confidence, flag)
	}
}

// #endregion learn

// #region module
var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Inspect learned modules and rule on flagged ones",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list <twin>",
		Short: "List current module versions",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			mods, err := a.modules.Modules(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range mods {
				printf(cmd, "%s ", m.ID)
				printModules(cmd, []learning.Module{m})
			}
			return nil
		}),
	}

	rulingCmd := &cobra.Command{
		Use:   "review <module-id> <reinstate|archive>",
		Short: "Reinstate or archive a module flagged for review",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			decision, err := learning.ParseReviewDecision(args[1])
			if err != nil {
				return err
			}
			m, err := a.modules.ReviewModule(cmd.Context(), args[0], decision)
			if err != nil {
				return err
			}
			printf(cmd, "%s v%d is now %s\n", m.Key, m.Version, m.Status)
			return nil
		}),
	}

	moduleCmd.AddCommand(listCmd, rulingCmd)
}

// #endregion module

// #region optimize
var (
	optimizeMode     string
	optimizeActivate bool
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <twin>",
	Short: "Render and score prompt variants for a twin's active spec",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runOptimize),
}

func init() {
	optimizeCmd.Flags().StringVar(&optimizeMode, "mode", "", "heuristic | model (default from config)")
	optimizeCmd.Flags().BoolVar(&optimizeActivate, "activate", false, "activate the best variant")
}

func runOptimize(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	mode := optimizer.Mode(optimizeMode)
	if mode == "" {
		mode = optimizer.Mode(a.cfg.Optimizer.Mode)
	}
	res, err := a.opt.Optimize(ctx, args[0], mode, optimizeActivate)
	if err != nil {
		return err
	}
	for _, v := range res.Candidates {
		marker := " "
		if v.ID == res.Best.ID {
			marker = "*"
		}
		printf(cmd, "%s %-13s score=%.4f coverage=%.3f length=%.3f outcome=%.3f (n=%d) %s\n",
			marker, v.Strategy, v.ObjectiveScore, v.Metrics.Coverage, v.Metrics.LengthPenalty, v.Metrics.Outcome, v.Metrics.OutcomeN, v.ID)
	}
	if res.Activated {
		printf(cmd, "activated %s (%s)\n", res.Best.ID, res.Best.Strategy)
	}
	return nil
}

// #endregion optimize

// #region feedback
var (
	feedbackTrace    string
	feedbackAudit    string
	feedbackNote     string
	feedbackScore    string
	feedbackSeverity string
	feedbackSource   string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback <twin> <type>",
	Short: "Record a training event",
	Long: `Record a feedback signal as a training event. Types: thumb_up, thumb_down,
rewrite, policy_violation, manual_label. A repeated trace id is ignored.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runFeedback),
}

func init() {
	f := feedbackCmd.Flags()
	f.StringVar(&feedbackTrace, "trace", "", "trace id (required)")
	f.StringVar(&feedbackAudit, "audit", "", "response audit id the feedback is about")
	f.StringVar(&feedbackNote, "note", "", "free-text note")
	f.StringVar(&feedbackScore, "score", "", "explicit score in [-1,1]")
	f.StringVar(&feedbackSeverity, "severity", "", "low | high")
	f.StringVar(&feedbackSource, "source", string(feedback.SourceManual), "feedback | audit | manual")
	_ = feedbackCmd.MarkFlagRequired("trace")
}

func runFeedback(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	sig := feedback.Signal{
		TwinID:          args[0],
		TraceID:         feedbackTrace,
		Source:          feedback.Source(feedbackSource),
		Type:            feedback.EventType(args[1]),
		Severity:        feedback.Severity(feedbackSeverity),
		Note:            feedbackNote,
		ResponseAuditID: feedbackAudit,
	}
	if feedbackScore != "" {
		v, err := strconv.ParseFloat(feedbackScore, 64)
		if err != nil {
			return fmt.Errorf("parse score: %w", err)
		}
		sig.Score = &v
	}
	ev, created, err := a.feedback.Ingest(ctx, sig)
	if err != nil {
		return err
	}
	if !created {
		printf(cmd, "duplicate trace, existing event %s\n", ev.ID)
		return nil
	}
	printf(cmd, "event %s %s score=%+.2f intent=%s\n", ev.ID, ev.Type, ev.Score, ev.Intent)
	return nil
}

// #endregion feedback

// #region sweep
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale clarification threads once",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		ctx := cmd.Context()
		n := memory.NewSweeper(a.memory, a.cfg.Memory.SweepInterval).SweepOnce(ctx)
		printf(cmd, "expired %d threads\n", n)
		return nil
	}),
}

// #endregion sweep

// #region correct
var correctCmd = &cobra.Command{
	Use:   "correct <audit-id> <author> <note>",
	Short: "Attach a correction note to a response audit",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ctx := cmd.Context()
		c, err := a.audit.Correct(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		printf(cmd, "correction %s recorded\n", c.ID)
		return nil
	}),
}

// #endregion correct
