package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/auth/apikey"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
)

func newKeysCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the API keys of index administration",
	}
	cmd.AddCommand(newKeysCreateCmd(e), newKeysListCmd(e), newKeysRevokeCmd(e))
	return cmd
}

func keyStore(cmd *cobra.Command, e *env, a *app.App) (*apikey.Store, error) {
	store := apikey.NewStore(a.DB, e.cfg.Index.TablePrefix)
	return store, store.EnsureSchema(cmd.Context())
}

func newKeysCreateCmd(e *env) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: e.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			store, err := keyStore(cmd, e, a)
			if err != nil {
				return err
			}
			raw, err := store.Create(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime; 0 never expires")
	return cmd
}

func newKeysListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active keys",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			store, err := keyStore(cmd, e, a)
			if err != nil {
				return err
			}
			keys, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCREATED\tEXPIRES")
			for _, k := range keys {
				expires := "never"
				if k.ExpiresAt != nil {
					expires = k.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339), expires)
			}
			return tw.Flush()
		}),
	}
}

func newKeysRevokeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: e.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: key id %q", apperrors.ErrInvalidInput, args[0])
			}
			store, err := keyStore(cmd, e, a)
			if err != nil {
				return err
			}
			if err := store.Revoke(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %d revoked\n", id)
			return nil
		}),
	}
}
