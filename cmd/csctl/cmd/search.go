package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/app"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/search"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
)

func newSearchCmd(e *env) *cobra.Command {
	var (
		q          search.Query
		grouped    bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "search <phrase>...",
		Short: "Search the main index",
		Args:  cobra.MinimumNArgs(1),
		RunE: e.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			q.Phrase = strings.Join(args, " ")
			out := cmd.OutOrStdout()

			if grouped {
				res := engine.SearchGrouped(cmd.Context(), q)
				if jsonOutput {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "%d results in %.1fms\n", res.Total, res.TookMs)
				for _, g := range res.Groups {
					fmt.Fprintf(out, "\n%s\n", g.Name)
					for _, it := range g.Items {
						fmt.Fprintf(out, "  %-8d %s\n", it.ID, it.Title)
					}
				}
				return nil
			}

			res := engine.Search(cmd.Context(), q)
			if jsonOutput {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "%d of %d results for %q in %.1fms", len(res.IDs), res.Total, res.Query, res.TookMs)
			if res.Cached {
				fmt.Fprint(out, " (cached)")
			}
			fmt.Fprintln(out)
			for kw, term := range res.Fuzzy {
				fmt.Fprintf(out, "  %q matched as %q\n", kw, term)
			}
			for _, h := range res.Hits {
				fmt.Fprintf(out, "  %-8d %.3f\n", h.ID, h.Score)
			}
			return nil
		}),
	}
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum results (default from config)")
	cmd.Flags().StringVar(&q.Lang, "lang", "", "language (default from config)")
	cmd.Flags().StringVar(&q.Subtype, "subtype", "", "document subtype (default from config)")
	cmd.Flags().BoolVar(&grouped, "grouped", false, "return grouped results")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func newDocumentsCmd(e *env, op string) *cobra.Command {
	short := "Re-index documents in every live role"
	if op == "delete" {
		short = "Remove documents from every live role"
	}
	return &cobra.Command{
		Use:   op + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: e.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			apply := a.Orchestrator.UpdateDocuments
			if op == "delete" {
				apply = a.Orchestrator.DeleteDocuments
			}
			if err := apply(cmd.Context(), ids); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents\n", op, len(ids))
			return nil
		}),
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: invalid document id %q", apperrors.ErrInvalidInput, arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
