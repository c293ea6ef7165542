package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/persona-governor/internal/pipeline"
	"github.com/danielpatrickdp/persona-governor/internal/router"
)

var (
	chatTwin        string
	chatInteraction string
	chatActor       string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive REPL through the full pipeline",
	Long: `Send messages through the pipeline one line at a time. Each line is
routed, judged and audited exactly as a live message would be.

Examples:
  controller chat --twin ada
  controller chat --twin ada --interaction owner_training
  controller chat --twin ada --interaction public_share`,
	RunE: withApp(runChat),
}

func init() {
	chatCmd.Flags().StringVar(&chatTwin, "twin", "", "twin id (required)")
	chatCmd.Flags().StringVar(&chatInteraction, "interaction", string(router.OwnerChat), "owner_training | owner_chat | public_share | public_widget")
	chatCmd.Flags().StringVar(&chatActor, "actor", "owner", "actor id recorded on clarification threads")
	_ = chatCmd.MarkFlagRequired("twin")
}

func runChat(cmd *cobra.Command, a *app, _ []string) error {
	ctx := cmd.Context()
	inter := router.Interaction(chatInteraction)
	switch inter {
	case router.OwnerTraining, router.OwnerChat, router.PublicShare, router.PublicWidget:
	default:
		return fmt.Errorf("unknown interaction %q", chatInteraction)
	}

	conv := uuid.New().String()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chatting with %s as %s (conversation %s). Type 'quit' to exit.\n", chatTwin, inter, conv)

	var history []string
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}

		res, err := a.pipeline.Handle(ctx, pipeline.Message{
			TwinID:         chatTwin,
			ConversationID: conv,
			MessageID:      uuid.New().String(),
			ActorID:        chatActor,
			Text:           text,
			History:        history,
			Interaction:    inter,
		})
		if err != nil {
			return err
		}
		history = append(history, text)

		fmt.Fprintf(out, "\n%s\n", res.Text)
		for i, o := range res.Options {
			fmt.Fprintf(out, "  %d. %s\n", i+1, o)
		}
		fmt.Fprintf(out, "\n[%s] intent=%s confidence=%.2f audit=%s corr=%s\n",
			res.Action, res.Intent, res.Confidence, res.AuditID, res.CorrelationID)
		if res.ThreadID != "" {
			fmt.Fprintf(out, "[clarify] thread=%s (answer with: controller clarify resolve %s <answer>)\n", res.ThreadID, res.ThreadID)
		}
	}
	return scanner.Err()
}
