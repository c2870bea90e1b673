package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	apperrors "kite-terminal/internal/errors"
	"kite-terminal/internal/models"
	"kite-terminal/internal/orders"
	"kite-terminal/internal/pricing"
	"kite-terminal/internal/risk"
)

func addOrderCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrdersCmd(app))
	rootCmd.AddCommand(newPlaceCmd(app))
	rootCmd.AddCommand(newAdjustCmd(app))
	rootCmd.AddCommand(newExitCmd(app))
	rootCmd.AddCommand(newExitAllCmd(app))
	rootCmd.AddCommand(newTransitionCmd(app, orders.ActionHold, "Park an open order"))
	rootCmd.AddCommand(newTransitionCmd(app, orders.ActionResume, "Return a held order to open"))
	rootCmd.AddCommand(newReopenCmd(app))
	rootCmd.AddCommand(newPnLCmd(app))
	rootCmd.AddCommand(newAvgCmd())
	rootCmd.AddCommand(newValidateCmd(app))
}

// position is an order valued at its live or closing price.
type position struct {
	models.Order
	Price float64        `json:"price"`
	PnL   pricing.Result `json:"pnl"`
	Live  bool           `json:"live"`
}

// markPrice returns the closing price of a closed order, otherwise the
// cached live price.
func (a *App) markPrice(o models.Order) (float64, bool) {
	if o.IsClosed() {
		return o.ClosedPrice, o.ClosedPrice > 0
	}
	return a.Cache.LTP(o.InstrumentKey)
}

func (a *App) valuate(o models.Order, price float64) (pricing.Result, error) {
	mode, err := pricing.ParseMode(a.Config.Pricing.Mode)
	if err != nil {
		return pricing.Result{}, err
	}
	r, err := pricing.Compute(pricing.Input{
		Side:        o.Side,
		Quantity:    o.Quantity,
		AvgPrice:    o.EntryPrice,
		Price:       price,
		RatePercent: a.Config.Pricing.BrokerageRatePercent,
		Mode:        mode,
	})
	if err != nil {
		return pricing.Result{}, err
	}
	return r.Rounded(), nil
}

func (a *App) positions(list []models.Order) []position {
	out := make([]position, 0, len(list))
	for _, o := range list {
		p := position{Order: o}
		if price, ok := a.markPrice(o); ok {
			p.Price = price
			p.Live = !o.IsClosed()
			if r, err := a.valuate(o, price); err == nil {
				p.PnL = r
			}
		}
		out = append(out, p)
	}
	return out
}

func renderPositions(output *Output, list []position) {
	table := NewTable(output, "ID", "INSTRUMENT", "SIDE", "QTY", "AVG", "PRICE", "NET P&L", "RETURN", "STATUS")
	var total float64
	for _, p := range list {
		price := "-"
		pnl := "-"
		ret := "-"
		if p.Price > 0 {
			price = FormatPrice(p.Exchange, p.Price)
			pnl = output.FormatPnL(p.PnL.NetPnL)
			ret = output.FormatPercent(p.PnL.PercentReturn)
			total += p.PnL.NetPnL
		}
		table.AddRow(p.ID, p.InstrumentKey, string(p.Side), strconv.Itoa(p.Quantity),
			FormatPrice(p.Exchange, p.EntryPrice), price, pnl, ret, string(p.Status))
	}
	table.Render()
	output.Println()
	output.Printf("Net P&L: %s\n", output.FormatPnL(total))
}

// withOrder starts the app, fetches orderID and primes its instrument.
func (a *App) withOrder(cmd *cobra.Command, orderID string) (context.Context, context.CancelFunc, models.Order, error) {
	if err := a.start(cmd.Context()); err != nil {
		return nil, nil, models.Order{}, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), a.commandTimeout())
	o, err := a.Backend.Order(ctx, orderID)
	if err != nil {
		cancel()
		return nil, nil, models.Order{}, err
	}
	if !o.IsClosed() {
		a.prime(ctx, []string{o.InstrumentKey})
	}
	return ctx, cancel, o, nil
}

// reportMutation prints the outcome of one order mutation.
func reportMutation(output *Output, action string, o models.Order, err error) error {
	if err != nil {
		printMutationError(output, err)
		return err
	}
	if output.IsJSON() {
		return output.JSON(o)
	}
	output.Success("✓ %s %s: %s", action, o.ID, o.Status)
	if o.IsClosed() {
		output.Printf("  Closed at %s (%s)\n", FormatPrice(o.Exchange, o.ClosedPrice), FormatDateTime(o.ClosedAt))
	}
	return nil
}

func printMutationError(output *Output, err error) {
	if rejections, ok := apperrors.AsRejections(err); ok {
		output.Error("✗ Rejected locally:")
		for _, r := range rejections {
			output.Printf("  - %s\n", r.Message)
		}
		return
	}
	var me *apperrors.MutationError
	if apperrors.As(err, &me) && me.Unknown {
		output.Warning("? Outcome unknown: %s. Check the order before retrying.", me.Message)
		return
	}
	output.Error("✗ %v", err)
}

func newOrdersCmd(app *App) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List positions with live P&L",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.start(cmd.Context()); err != nil {
				return err
			}
			st := models.Status(strings.ToUpper(status))
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), app.commandTimeout())
			defer cancel()
			list, err := app.Backend.Orders(ctx, st)
			if err != nil {
				return err
			}
			app.prime(ctx, orderKeys(list))

			positions := app.positions(list)
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Info("No orders")
				return nil
			}
			renderPositions(output, positions)
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status: OPEN, HOLD or CLOSED")
	return cmd
}

func newPlaceCmd(app *App) *cobra.Command {
	var (
		order         models.Order
		side, product string
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Open a new position",
		Example: `  terminal place --instrument NSE:2885 --symbol RELIANCE --side BUY --lots 2 --lot-size 1 --sl 2400 --target 2700
  terminal place --instrument NFO:43210 --side SELL --product OVERNIGHT --lots 1 --lot-size 50 --price 112.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var err error
			if order.Side, err = models.ParseSide(side); err != nil {
				return err
			}
			if order.Product, err = models.ParseProduct(product); err != nil {
				return err
			}
			if order.Exchange == "" {
				order.Exchange = exchangeOf(order.InstrumentKey)
			}
			order.Quantity = pricing.LotsToQuantity(order.Lots, order.EffectiveLotSize())

			if err := app.start(cmd.Context()); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), app.commandTimeout())
			defer cancel()
			if order.EntryPrice <= 0 {
				app.prime(ctx, []string{order.InstrumentKey})
			}

			placed, err := app.coordinator.Place(ctx, order)
			return reportMutation(output, orders.ActionPlace, placed, err)
		},
	}

	cmd.Flags().StringVar(&order.InstrumentKey, "instrument", "", "instrument key, EXCHANGE:ID")
	cmd.Flags().StringVar(&order.Symbol, "symbol", "", "trading symbol")
	cmd.Flags().StringVar(&side, "side", "BUY", "BUY or SELL")
	cmd.Flags().StringVar(&product, "product", "INTRADAY", "INTRADAY (MIS) or OVERNIGHT (NRML)")
	cmd.Flags().IntVar(&order.Lots, "lots", 1, "number of lots")
	cmd.Flags().IntVar(&order.LotSize, "lot-size", 1, "units per lot")
	cmd.Flags().Float64Var(&order.EntryPrice, "price", 0, "entry price (default: live price)")
	cmd.Flags().Float64Var(&order.StopLoss, "sl", 0, "stop loss")
	cmd.Flags().Float64Var(&order.Target, "target", 0, "target")
	_ = cmd.MarkFlagRequired("instrument")
	return cmd
}

func newAdjustCmd(app *App) *cobra.Command {
	var req orders.AdjustRequest

	cmd := &cobra.Command{
		Use:   "adjust <order-id>",
		Short: "Add lots or move the stop loss and target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel, o, err := app.withOrder(cmd, args[0])
			if err != nil {
				return err
			}
			defer cancel()

			updated, err := app.coordinator.Adjust(ctx, o, req)
			if err == nil && !output.IsJSON() && req.AddedLots > 0 {
				output.Info("New average: %s for %d units", FormatPrice(updated.Exchange, updated.EntryPrice), updated.Quantity)
			}
			return reportMutation(output, orders.ActionAdjust, updated, err)
		},
	}

	cmd.Flags().IntVar(&req.AddedLots, "add-lots", 0, "lots to add")
	cmd.Flags().Float64Var(&req.FillPrice, "fill", 0, "fill price of the added lots (default: live price)")
	cmd.Flags().Float64Var(&req.StopLoss, "sl", 0, "new stop loss (0 keeps the current level)")
	cmd.Flags().Float64Var(&req.Target, "target", 0, "new target (0 keeps the current level)")
	return cmd
}

func newExitCmd(app *App) *cobra.Command {
	var price float64

	cmd := &cobra.Command{
		Use:   "exit <order-id>",
		Short: "Close a position",
		Long: `Close a position at the given price, or at the live price marked down by
pricing.jobbing_percent when no price is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel, o, err := app.withOrder(cmd, args[0])
			if err != nil {
				return err
			}
			defer cancel()

			closed, err := app.coordinator.Exit(ctx, o, price)
			return reportMutation(output, orders.ActionExit, closed, err)
		},
	}

	cmd.Flags().Float64Var(&price, "price", 0, "close price (default: live price)")
	return cmd
}

// parsePriceOverrides parses id=price pairs.
func parsePriceOverrides(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		id, value, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("price override %q is not order-id=price", p)
		}
		price, err := strconv.ParseFloat(value, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("price override %q: price must be positive", p)
		}
		out[id] = price
	}
	return out, nil
}

type exitAllReport struct {
	Closed []models.Order    `json:"closed"`
	Failed map[string]string `json:"failed"`
}

func newExitAllCmd(app *App) *cobra.Command {
	var overrides []string

	cmd := &cobra.Command{
		Use:   "exit-all",
		Short: "Close every open and held position in one request",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			prices, err := parsePriceOverrides(overrides)
			if err != nil {
				return err
			}
			if err := app.start(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), app.commandTimeout())
			defer cancel()
			report, err := app.exitAll(ctx, prices)
			if report == nil {
				return err
			}
			return renderExitReport(output, report, err)
		},
	}

	cmd.Flags().StringSliceVar(&overrides, "price", nil, "close price override as order-id=price (repeatable)")
	return cmd
}

func (a *App) exitAll(ctx context.Context, prices map[string]float64) (*orders.ExitReport, error) {
	var active []models.Order
	for _, st := range []models.Status{models.StatusOpen, models.StatusHold} {
		list, err := a.Backend.Orders(ctx, st)
		if err != nil {
			return nil, err
		}
		active = append(active, list...)
	}
	a.prime(ctx, orderKeys(active))
	return a.coordinator.ExitAll(ctx, active, prices)
}

func renderExitReport(output *Output, report *orders.ExitReport, err error) error {
	if output.IsJSON() {
		out := exitAllReport{Closed: report.Closed, Failed: make(map[string]string, len(report.Failed))}
		for id, e := range report.Failed {
			out.Failed[id] = e.Error()
		}
		if jErr := output.JSON(out); jErr != nil {
			return jErr
		}
		return err
	}

	if len(report.Closed) == 0 && len(report.Failed) == 0 {
		output.Info("Nothing to close")
		return nil
	}
	for _, o := range report.Closed {
		output.Success("✓ %s closed at %s", o.ID, FormatPrice(o.Exchange, o.ClosedPrice))
	}
	ids := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		output.Printf("%s ", id)
		printMutationError(output, report.Failed[id])
	}
	if err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d orders not closed", len(report.Failed), len(report.Failed)+len(report.Closed))
	}
	return nil
}

func newTransitionCmd(app *App, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <order-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel, o, err := app.withOrder(cmd, args[0])
			if err != nil {
				return err
			}
			defer cancel()

			if action == orders.ActionHold {
				o, err = app.coordinator.Hold(ctx, o)
			} else {
				o, err = app.coordinator.Resume(ctx, o)
			}
			return reportMutation(output, action, o, err)
		},
	}
}

func newReopenCmd(app *App) *cobra.Command {
	var privileged bool

	cmd := &cobra.Command{
		Use:   "reopen <order-id>",
		Short: "Move a closed position back to open",
		Long:  "Reopen a closed position. Outside market hours this needs --privileged.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel, o, err := app.withOrder(cmd, args[0])
			if err != nil {
				return err
			}
			defer cancel()

			o, err = app.coordinator.Reopen(ctx, o, privileged)
			return reportMutation(output, orders.ActionReopen, o, err)
		},
	}

	cmd.Flags().BoolVar(&privileged, "privileged", false, "allow reopening outside market hours")
	return cmd
}

func newPnLCmd(app *App) *cobra.Command {
	var (
		in   pricing.Input
		side string
	)

	cmd := &cobra.Command{
		Use:   "pnl [order-id]",
		Short: "Value a position",
		Long: `Value a backend position at its live price, or value a hypothetical
position given by --side, --qty, --avg and --price.`,
		Example: `  terminal pnl PAPER_1709550000_1
  terminal pnl --side SELL --qty 50 --avg 110 --price 104.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			o := models.Order{Quantity: in.Quantity, EntryPrice: in.AvgPrice}
			price := in.Price
			if len(args) == 1 {
				_, cancel, fetched, err := app.withOrder(cmd, args[0])
				if err != nil {
					return err
				}
				defer cancel()
				o = fetched
				if price <= 0 {
					live, ok := app.markPrice(o)
					if !ok {
						return apperrors.NewValidationError(apperrors.PriceUnavailable, "price", 0, "no price for "+o.InstrumentKey)
					}
					price = live
				}
			} else {
				var err error
				if o.Side, err = models.ParseSide(side); err != nil {
					return err
				}
			}

			r, err := app.valuate(o, price)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(r)
			}

			output.Bold("%s %d @ %s, marked at %s", o.Side, o.Quantity, FormatPrice(o.Exchange, o.EntryPrice), FormatPrice(o.Exchange, price))
			output.Printf("  Entry value:     %s\n", FormatCompact(r.EntryValue))
			output.Printf("  Current value:   %s\n", FormatCompact(r.CurrentValue))
			output.Printf("  Brokerage:       %s (%s)\n", FormatCompact(r.TotalBrokerage), app.Config.Pricing.Mode)
			output.Printf("  Gross P&L:       %s\n", output.FormatPnL(r.GrossPnL))
			output.Printf("  Net P&L:         %s (%s)\n", output.FormatPnL(r.NetPnL), output.FormatPercent(r.PercentReturn))
			return nil
		},
	}

	cmd.Flags().StringVar(&side, "side", "BUY", "BUY or SELL")
	cmd.Flags().IntVar(&in.Quantity, "qty", 0, "quantity in units")
	cmd.Flags().Float64Var(&in.AvgPrice, "avg", 0, "average entry price")
	cmd.Flags().Float64Var(&in.Price, "price", 0, "mark price (default: live price)")
	return cmd
}

func newAvgCmd() *cobra.Command {
	var (
		qty, added int
		avg, fill  float64
	)

	cmd := &cobra.Command{
		Use:     "avg",
		Short:   "Compute the average price after adding to a position",
		Example: `  terminal avg --qty 50 --avg 100 --add 25 --fill 110`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			newAvg, err := pricing.WeightedAverage(qty, avg, added, fill)
			if err != nil {
				return err
			}
			newAvg = pricing.Round2(newAvg)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"quantity": qty + added, "average": newAvg})
			}
			output.Printf("%d units @ %s\n", qty+added, pricing.FormatAmount(newAvg))
			return nil
		},
	}

	cmd.Flags().IntVar(&qty, "qty", 0, "existing quantity")
	cmd.Flags().Float64Var(&avg, "avg", 0, "existing average price")
	cmd.Flags().IntVar(&added, "add", 0, "quantity added")
	cmd.Flags().Float64Var(&fill, "fill", 0, "fill price of the added quantity")
	return cmd
}

func newValidateCmd(app *App) *cobra.Command {
	var (
		check         risk.Check
		side, product string
		instrument    string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check stop loss, target and margin for a proposed change",
		Example: `  terminal validate --side BUY --current 2500 --sl 2450 --target 2600 --qty 10
  terminal validate --side SELL --instrument NSE:2885 --sl 2550`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			var err error
			if check.Side, err = models.ParseSide(side); err != nil {
				return err
			}
			if check.Product, err = models.ParseProduct(product); err != nil {
				return err
			}
			if err := app.start(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), app.commandTimeout())
			defer cancel()
			if check.Current <= 0 && instrument != "" {
				app.prime(ctx, []string{instrument})
				check.Current, _ = app.Cache.LTP(instrument)
			}

			rejections, err := risk.NewValidator(app.Funds, app.Logger).Validate(ctx, check)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"valid": len(rejections) == 0, "rejections": rejections})
			}
			if len(rejections) == 0 {
				output.Success("✓ Accepted")
				return nil
			}
			printMutationError(output, rejections)
			return rejections
		},
	}

	cmd.Flags().StringVar(&side, "side", "BUY", "BUY or SELL")
	cmd.Flags().StringVar(&product, "product", "INTRADAY", "INTRADAY or OVERNIGHT")
	cmd.Flags().StringVar(&instrument, "instrument", "", "instrument whose live price is the reference")
	cmd.Flags().Float64Var(&check.Current, "current", 0, "reference price")
	cmd.Flags().Float64Var(&check.StopLoss, "sl", 0, "stop loss")
	cmd.Flags().Float64Var(&check.Target, "target", 0, "target")
	cmd.Flags().IntVar(&check.AddedQty, "qty", 0, "added quantity in units for the margin check")
	return cmd
}
