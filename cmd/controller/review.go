package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/persona-governor/internal/memory"
	"github.com/danielpatrickdp/persona-governor/internal/review"
)

// #region review
var (
	reviewStatus string
	reviewNote   string
)

type closeFunc func(q *review.Queue, ctx context.Context, id, resolver, note string) (review.Item, error)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the owner review queue",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list <twin>",
		Short: "List review items by priority",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			items, err := a.review.List(cmd.Context(), args[0], review.Status(reviewStatus))
			if err != nil {
				return err
			}
			for _, it := range items {
				printf(cmd, "%s  %-6s  %-24s  action=%-8s conf=%.2f  corr=%s  %s\n",
					it.ID, it.Priority, it.Reason, it.Payload.Action, it.Payload.Confidence,
					it.CorrelationID, it.CreatedAt.Format("2006-01-02T15:04:05Z"))
			}
			return nil
		}),
	}
	listCmd.Flags().StringVar(&reviewStatus, "status", string(review.StatusPending), "pending | resolved | dismissed")

	closeCmd := func(use, short string, fn closeFunc) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <item-id> <reviewer>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				it, err := fn(a.review, cmd.Context(), args[0], args[1], reviewNote)
				if err != nil {
					return err
				}
				printf(cmd, "%s %s by %s\n", it.ID, it.Status, it.ResolvedBy)
				return nil
			}),
		}
		c.Flags().StringVar(&reviewNote, "note", "", "resolution note")
		return c
	}
	resolveCmd := closeCmd("resolve", "Resolve a review item", (*review.Queue).Resolve)
	dismissCmd := closeCmd("dismiss", "Dismiss a review item", (*review.Queue).Dismiss)

	reviewCmd.AddCommand(listCmd, resolveCmd, dismissCmd)
}

// #endregion review

// #region clarify
var (
	clarifyActor   string
	clarifyTopic   string
	clarifyOptions []string
	clarifyConv    string
)

var clarifyCmd = &cobra.Command{
	Use:   "clarify",
	Short: "Open, list and answer owner clarification threads",
}

func init() {
	clarifyCmd.PersistentFlags().StringVar(&clarifyActor, "actor", "owner", "owner actor id")

	openCmd := &cobra.Command{
		Use:   "open <twin> <question>",
		Short: "Ask the owner a question",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			th, err := a.memory.OpenClarification(cmd.Context(), memory.Owner(clarifyActor), memory.ThreadInput{
				TwinID:         args[0],
				ConversationID: clarifyConv,
				Mode:           memory.ModeOwner,
				Question:       args[1],
				Options:        clarifyOptions,
				Topic:          clarifyTopic,
			})
			if err != nil {
				return err
			}
			printf(cmd, "thread %s opened on %q, expires %s\n", th.ID, th.Topic, th.ExpiresAt.Format("2006-01-02T15:04:05Z"))
			return nil
		}),
	}
	openCmd.Flags().StringVar(&clarifyTopic, "topic", "", "belief topic (default: the question)")
	openCmd.Flags().StringSliceVar(&clarifyOptions, "option", nil, "answer option, repeatable")
	openCmd.Flags().StringVar(&clarifyConv, "conversation", "", "conversation the question came from")

	listCmd := &cobra.Command{
		Use:   "list <twin>",
		Short: "List pending threads",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			threads, err := a.memory.Threads(cmd.Context(), args[0], memory.ThreadPending)
			if err != nil {
				return err
			}
			for _, th := range threads {
				printf(cmd, "%s  %-24s  %s", th.ID, th.Topic, th.Question)
				if len(th.Options) > 0 {
					printf(cmd, "  [%s]", strings.Join(th.Options, " | "))
				}
				printf(cmd, "\n")
			}
			return nil
		}),
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <thread-id> <answer>",
		Short: "Answer a thread; the answer becomes an owner belief",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			th, b, err := a.memory.ResolveClarification(cmd.Context(), memory.Owner(clarifyActor), args[0], args[1])
			if err != nil {
				return err
			}
			printf(cmd, "thread %s answered, belief %s on %q\n", th.ID, b.ID, b.Topic)
			return nil
		}),
	}

	clarifyCmd.AddCommand(openCmd, listCmd, resolveCmd)
}

// #endregion clarify
