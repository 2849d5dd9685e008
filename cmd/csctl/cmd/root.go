// Package cmd provides the csctl commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
)

// env is shared by the subcommands of one invocation.
type env struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

// NewRootCmd creates the csctl command tree.
func NewRootCmd() *cobra.Command {
	e := &env{}

	cmd := &cobra.Command{
		Use:   "csctl",
		Short: "Administer a catalog-search index",
		Long: `csctl runs index builds, inspects build status, applies live document
updates and runs searches directly against the configured datastore.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(e.configPath)
			if err != nil {
				return err
			}
			logger.SetupWriter(cmd.ErrOrStderr(), e.logLevel, "text")
			e.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&e.configPath, "config", "configs/development.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&e.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(newBuildCmd(e))
	cmd.AddCommand(newCancelCmd(e))
	cmd.AddCommand(newStatusCmd(e))
	cmd.AddCommand(newSwapCmd(e))
	cmd.AddCommand(newDrainCmd(e))
	cmd.AddCommand(newSearchCmd(e))
	cmd.AddCommand(newDocumentsCmd(e, "update"))
	cmd.AddCommand(newDocumentsCmd(e, "delete"))
	cmd.AddCommand(newKeysCmd(e))

	return cmd
}

// withApp opens the index for the duration of fn.
func (e *env) withApp(fn func(cmd *cobra.Command, args []string, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := app.Open(cmd.Context(), e.cfg, nil)
		if err != nil {
			return fmt.Errorf("opening index: %w", err)
		}
		defer func() {
			if cerr := a.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args, a)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
