package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
)

func newBuildCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Run a full index build",
		Long: `Prepare a fresh build and run it in the foreground. With parallel builds
enabled and a completed main index the build goes to tmp and is promoted
to main when it completes. In async run mode the command returns once the
first batches are dispatched.`,
		Args: cobra.NoArgs,
		RunE: e.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			rec, err := a.Orchestrator.PrepareBuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %s prepared on %s\n", rec.BuildID, rec.Role)
			ctx := logger.WithBuildID(cmd.Context(), rec.BuildID)
			if err := a.Orchestrator.BuildProcess(ctx); err != nil {
				return fmt.Errorf("build %s: %w", rec.BuildID, err)
			}
			final, err := a.Orchestrator.Status(cmd.Context(), rec.Role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %s: %s\n", rec.BuildID, final.Status)
			return nil
		}),
	}
}

func newCancelCmd(e *env) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running build",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if err := a.Orchestrator.CancelBuildIndex(cmd.Context(), reset); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "build cancelled")
			return nil
		}),
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "also clear the phase start timestamps")
	return cmd
}

func newStatusCmd(e *env) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the build status of both roles",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			ctx := cmd.Context()
			active, err := a.Orchestrator.ActiveRole(ctx)
			if err != nil {
				return err
			}
			records := make(map[index.Role]*status.Record, 2)
			for _, role := range []index.Role{index.Main, index.Tmp} {
				if records[role], err = a.Orchestrator.Status(ctx, role); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]any{"active": active, "main": records[index.Main], "tmp": records[index.Tmp]})
			}
			fmt.Fprintf(out, "active: %s\n", active)
			for _, role := range []index.Role{index.Main, index.Tmp} {
				printRecord(cmd, records[role])
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printRecord(cmd *cobra.Command, rec *status.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n[%s] %s", rec.Role, rec.Status)
	if rec.BuildID != "" {
		fmt.Fprintf(out, " (build %s)", rec.BuildID)
	}
	fmt.Fprintln(out)
	if rec.Status == status.NotExist {
		return
	}
	for _, kind := range index.Kinds {
		phase, ok := rec.Phases[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-10s %d/%d\n", kind, phase.Processed, phase.Total)
	}
	if len(rec.NonCriticalErrors) > 0 {
		fmt.Fprintf(out, "  non-critical errors: %d\n", len(rec.NonCriticalErrors))
	}
	if len(rec.Logs) > 0 {
		fmt.Fprintf(out, "  last log: %s\n", strings.TrimSpace(rec.Logs[len(rec.Logs)-1]))
	}
}

func newSwapCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "swap",
		Short: "Promote a completed tmp build to main",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			if err := a.Orchestrator.Swap(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "tmp promoted to main")
			return nil
		}),
	}
}

func newDrainCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "drain <role> <kind>",
		Short: "Process every queued batch of one queue",
		Args:  cobra.ExactArgs(2),
		RunE: e.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			role, err := index.ParseRole(args[0])
			if err != nil {
				return err
			}
			kind, err := index.ParseKind(args[1])
			if err != nil {
				return err
			}
			if err := a.Orchestrator.Drain(cmd.Context(), role, kind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "drained %s/%s\n", role, kind)
			return nil
		}),
	}
}
