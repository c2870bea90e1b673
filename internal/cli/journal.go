package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kite-terminal/internal/store"
)

func addJournalCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newJournalCmd(app))
	rootCmd.AddCommand(newWatchlistCmd(app))
}

func listName(name string) string {
	if name == "" {
		return store.DefaultWatchlist
	}
	return name
}

func newJournalCmd(app *App) *cobra.Command {
	var (
		filter store.JournalFilter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recorded order mutations",
		Long: `Show every order mutation attempt and its outcome, newest first.
Outcomes are ok, rejected (by the backend), invalid (rejected locally),
unknown (no answer, state must be checked) and failed.`,
		Example: `  terminal journal --outcome unknown
  terminal journal --order PAPER_1709550000_1 --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := app.store()
			if err != nil {
				return err
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			entries, err := s.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(entries)
			}
			if len(entries) == 0 {
				output.Info("No journal entries")
				return nil
			}

			table := NewTable(output, "TIME", "ORDER", "ACTION", "OUTCOME", "DETAIL")
			for _, e := range entries {
				detail := e.Error
				if detail == "" {
					detail = e.Payload
				}
				table.AddRow(FormatDateTime(e.At), e.OrderID, e.Action, outcomeText(output, e.Outcome), TruncateString(detail, 60))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.OrderID, "order", "", "only entries for this order")
	cmd.Flags().StringVar(&filter.Action, "action", "", "only this action (place, adjust, exit, exit_all, reopen, hold, resume)")
	cmd.Flags().StringVar(&filter.Outcome, "outcome", "", "only this outcome")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum entries (0 for all)")
	return cmd
}

func outcomeText(output *Output, outcome string) string {
	switch outcome {
	case "ok":
		return output.Green(outcome)
	case "unknown":
		return output.Yellow(outcome)
	default:
		return output.Red(outcome)
	}
}

func newWatchlistCmd(app *App) *cobra.Command {
	var list string

	cmd := &cobra.Command{
		Use:     "watchlist",
		Aliases: []string{"wl"},
		Short:   "Manage watchlists of instrument keys",
	}
	cmd.PersistentFlags().StringVarP(&list, "list", "l", "", "watchlist name (default: default)")

	cmd.AddCommand(&cobra.Command{
		Use:   "add <instrument...>",
		Short: "Add instruments to a watchlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := app.store()
			if err != nil {
				return err
			}
			for _, key := range args {
				if _, _, ok := strings.Cut(key, ":"); !ok {
					return fmt.Errorf("instrument key %q is not EXCHANGE:ID", key)
				}
				if err := s.AddToWatchlist(cmd.Context(), strings.ToUpper(key), list); err != nil {
					return err
				}
			}
			output.Success("✓ Added %d to %s", len(args), listName(list))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "remove <instrument...>",
		Aliases: []string{"rm"},
		Short:   "Remove instruments from a watchlist",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := app.store()
			if err != nil {
				return err
			}
			for _, key := range args {
				if err := s.RemoveFromWatchlist(cmd.Context(), strings.ToUpper(key), list); err != nil {
					return err
				}
			}
			output.Success("✓ Removed %d from %s", len(args), listName(list))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show watchlists",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			s, err := app.store()
			if err != nil {
				return err
			}
			all, err := s.GetAllWatchlists(cmd.Context())
			if err != nil {
				return err
			}
			if list != "" {
				all = map[string][]string{list: all[list]}
			}
			if output.IsJSON() {
				return output.JSON(all)
			}
			if len(all) == 0 {
				output.Info("No watchlists")
				return nil
			}
			for name, keys := range all {
				output.Bold("%s (%d)", name, len(keys))
				for _, k := range keys {
					output.Printf("  %s\n", k)
				}
			}
			return nil
		},
	})

	return cmd
}
