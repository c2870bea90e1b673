package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kite-terminal/internal/display"
	"kite-terminal/internal/models"
)

func addMarketCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newQuoteCmd(app))
	rootCmd.AddCommand(newMarketCmd(app))
	rootCmd.AddCommand(newStreamCmd(app))
}

func newQuoteCmd(app *App) *cobra.Command {
	var list string

	cmd := &cobra.Command{
		Use:   "quote [instrument...]",
		Short: "Show a one-shot snapshot quote",
		Long: `Fetch the latest snapshot for instruments given as EXCHANGE:ID keys,
or for every instrument of a watchlist.`,
		Example: `  terminal quote NSE:2885 NSE:1594
  terminal quote --list default`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.start(cmd.Context()); err != nil {
				return err
			}

			keys, err := app.resolveKeys(cmd.Context(), args, list)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), app.commandTimeout())
			defer cancel()
			if app.prime(ctx, keys) == 0 {
				output.Warning("No snapshot data returned, showing placeholders")
			}

			states := app.states(keys)
			if output.IsJSON() {
				return output.JSON(states)
			}
			renderStates(output, states)
			return nil
		},
	}

	cmd.Flags().StringVarP(&list, "list", "l", "", "watchlist to quote")
	return cmd
}

// resolveKeys returns args, or the named watchlist when args are empty.
func (a *App) resolveKeys(ctx context.Context, args []string, list string) ([]string, error) {
	if len(args) > 0 {
		return dedupe(args), nil
	}
	s, err := a.store()
	if err != nil {
		return nil, err
	}
	keys, err := s.GetWatchlist(ctx, list)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no instruments given and watchlist %q is empty", listName(list))
	}
	return keys, nil
}

func (a *App) states(keys []string) []models.DisplayState {
	now := time.Now()
	states := make([]models.DisplayState, 0, len(keys))
	for _, k := range keys {
		e, ok := a.Cache.Get(k)
		states = append(states, display.Derive(k, e, ok, now, a.Config.Display.StaleAfter))
	}
	return states
}

func renderStates(output *Output, states []models.DisplayState) {
	table := NewTable(output, "INSTRUMENT", "LTP", "CHANGE", "OPEN", "HIGH", "LOW", "BID / ASK", "VOLUME", "OI")
	for _, st := range states {
		if st.Placeholder {
			table.AddRow(st.InstrumentKey, "-", "-", "-", "-", "-", "-", "-", "-")
			continue
		}
		exchange := exchangeOf(st.InstrumentKey)
		ltp := FormatPrice(exchange, st.LTP)
		if st.Stale {
			ltp = output.DimText(ltp + " (stale)")
		}
		table.AddRow(
			st.InstrumentKey,
			ltp,
			output.signed(st.NetChange, FormatChange(st.NetChange, st.PercentChange)),
			FormatPrice(exchange, st.Open),
			FormatPrice(exchange, st.High),
			FormatPrice(exchange, st.Low),
			FormatBidAsk(st.BestBid, st.BestAsk),
			FormatVolume(st.Volume),
			FormatVolume(st.OpenInterest),
		)
	}
	table.Render()
}

func exchangeOf(key string) models.Exchange {
	ex, _, _ := strings.Cut(key, ":")
	return models.Exchange(ex)
}

type segmentStatus struct {
	Exchange models.Exchange `json:"exchange"`
	Name     string          `json:"name"`
	Opens    string          `json:"opens"`
	Closes   string          `json:"closes"`
	Open     bool            `json:"open"`
}

func newMarketCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "market [exchange...]",
		Short: "Show segment trading sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cal, err := app.calendar()
			if err != nil {
				return err
			}

			exchanges := make([]models.Exchange, 0, len(args))
			for _, a := range args {
				exchanges = append(exchanges, models.Exchange(strings.ToUpper(a)))
			}
			if len(exchanges) == 0 {
				exchanges = []models.Exchange{models.NSE, models.BSE, models.NFO, models.CDS, models.MCX}
			}

			now := time.Now()
			statuses := make([]segmentStatus, 0, len(exchanges))
			for _, ex := range exchanges {
				info, ok := cal.Segment(ex)
				if !ok {
					return fmt.Errorf("unknown exchange %q", ex)
				}
				statuses = append(statuses, segmentStatus{
					Exchange: ex,
					Name:     info.Description,
					Opens:    clock(info.TradingHours.MarketOpen),
					Closes:   clock(info.TradingHours.MarketClose),
					Open:     cal.IsOpen(ex, now),
				})
			}
			sort.SliceStable(statuses, func(i, j int) bool { return statuses[i].Open && !statuses[j].Open })

			if output.IsJSON() {
				return output.JSON(statuses)
			}
			table := NewTable(output, "EXCHANGE", "SEGMENT", "SESSION (IST)", "STATUS")
			for _, s := range statuses {
				status := output.Red("CLOSED")
				if s.Open {
					status = output.Green("OPEN")
				}
				table.AddRow(string(s.Exchange), s.Name, s.Opens+" - "+s.Closes, status)
			}
			table.Render()
			return nil
		},
	}
}

func clock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
