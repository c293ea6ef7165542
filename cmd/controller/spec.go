package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/persona-governor/internal/persona"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Manage persona spec versions",
}

var (
	specPromote bool
	specVersion string
	specLimit   int
)

func init() {
	importCmd := &cobra.Command{
		Use:   "import <twin> <file.yaml>",
		Short: "Create a draft spec from a YAML document",
		Args:  cobra.ExactArgs(2),
		RunE:  withApp(runSpecImport),
	}
	importCmd.Flags().BoolVar(&specPromote, "promote", false, "promote the draft immediately")

	exportCmd := &cobra.Command{
		Use:   "export <twin>",
		Short: "Write a spec document as YAML to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runSpecExport),
	}
	exportCmd.Flags().StringVar(&specVersion, "version", "", "version to export (default: active)")

	promoteCmd := &cobra.Command{
		Use:   "promote <twin> <spec-id>",
		Short: "Make a draft the active spec and activate its learned modules",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			spec, err := a.promote(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printf(cmd, "%s is now active (%s)\n", spec.Version, spec.ID)
			return nil
		}),
	}

	historyCmd := &cobra.Command{
		Use:   "history <twin>",
		Short: "List spec versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runSpecHistory),
	}
	historyCmd.Flags().IntVar(&specLimit, "limit", 20, "versions to show")

	specCmd.AddCommand(importCmd, exportCmd, promoteCmd, historyCmd)
}

func runSpecImport(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := persona.ImportYAML(f)
	if err != nil {
		return err
	}

	parent := ""
	if active, err := a.specs.Active(ctx, args[0]); err == nil {
		parent = active.ID
	} else if !errors.Is(err, persona.ErrNotFound) {
		return err
	}
	draft, err := a.specs.CreateDraft(ctx, args[0], doc, parent)
	if err != nil {
		return err
	}
	printf(cmd, "draft %s created (%s)\n", draft.Version, draft.ID)
	if !specPromote {
		return nil
	}
	spec, err := a.promote(ctx, args[0], draft.ID)
	if err != nil {
		return err
	}
	printf(cmd, "%s is now active\n", spec.Version)
	return nil
}

func runSpecExport(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	var (
		spec persona.Spec
		err  error
	)
	if specVersion != "" {
		spec, err = a.specs.GetVersion(ctx, args[0], specVersion)
	} else {
		spec, err = a.specs.Active(ctx, args[0])
	}
	if err != nil {
		return err
	}
	out, err := persona.ExportYAML(spec.Document)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runSpecHistory(cmd *cobra.Command, a *app, args []string) error {
	specs, err := a.specs.History(cmd.Context(), args[0], specLimit)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no specs for %s", args[0])
	}
	printf(cmd, "%-6s  %-8s  %-36s  %-36s  %s\n", "Ver", "Status", "ID", "Parent", "Created")
	for _, s := range specs {
		printf(cmd, "%-6s  %-8s  %-36s  %-36s  %s\n",
			s.Version, s.Status, s.ID, s.ParentID, s.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}
