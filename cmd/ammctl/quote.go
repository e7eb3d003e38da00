package main

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"miniamm/internal/model"
	"miniamm/internal/quote"
)

func newQuoteCmd() *cobra.Command {
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote an operation against the current pool state",
	}

	swapCmd := &cobra.Command{
		Use:   "swap",
		Short: "Quote a swap output net of fee",
		RunE:  runQuoteSwap,
	}
	swapCmd.Flags().String("direction", "x_to_y", "swap direction (x_to_y, y_to_x)")
	swapCmd.Flags().String("amount", "", "input amount")

	depositCmd := &cobra.Command{
		Use:   "deposit",
		Short: "Quote the counterpart required for a deposit",
		RunE:  runQuoteDeposit,
	}
	depositCmd.Flags().String("side", "x", "side of the supplied amount (x, y)")
	depositCmd.Flags().String("amount", "", "supplied amount")

	withdrawCmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Quote the reserves returned for burning LP tokens",
		RunE:  runQuoteWithdraw,
	}
	withdrawCmd.Flags().String("lp", "", "LP amount")
	withdrawCmd.Flags().Bool("all", false, "use the whole LP balance")

	quoteCmd.AddCommand(swapCmd, depositCmd, withdrawCmd)
	return quoteCmd
}

func (a *app) session() *quote.Session {
	opts := []quote.SessionOption{
		quote.WithMaxAge(a.cfg.MaxStaleness),
		quote.WithLogger(a.logger),
	}
	if a.cfg.CrossCheck {
		opts = append(opts, quote.WithRemote(a.reader))
	}
	return quote.NewSession(a.engine, a.cache, opts...)
}

func runQuoteSwap(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	direction, amount, err := a.swapArgs(cmd)
	if err != nil {
		return err
	}
	if err := a.sync.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state: %w", err)
	}
	res, err := a.session().QuoteSwap(ctx, direction, amount)
	if err != nil {
		return err
	}
	a.printSwapQuote(res)
	return nil
}

func (a *app) swapArgs(cmd *cobra.Command) (model.Direction, *big.Int, error) {
	dirText, _ := cmd.Flags().GetString("direction")
	direction, err := model.ParseDirection(dirText)
	if err != nil {
		return 0, nil, err
	}
	amountText, _ := cmd.Flags().GetString("amount")
	amount, err := a.conv.ToScaledPositive(amountText)
	if err != nil {
		return 0, nil, err
	}
	return direction, amount, nil
}

func (a *app) printSwapQuote(res quote.Result) {
	q := res.Swap
	in := q.Direction.InputSide()
	out := in.Other()
	fmt.Fprintf(a.out, "block        %d\n", res.Block)
	fmt.Fprintf(a.out, "pay          %s %s\n", a.conv.Format(q.AmountIn), a.label(in))
	fmt.Fprintf(a.out, "fee          %s %s\n", a.conv.Format(q.Fee), a.label(in))
	fmt.Fprintf(a.out, "receive      %s %s\n", a.conv.Format(q.AmountOut), a.label(out))
	if q.Unconstrained {
		fmt.Fprintln(a.out, "warning      pool has an empty reserve, output is not bounded by the invariant")
		return
	}
	snap := a.cache.PoolSnapshot()
	impact := priceImpact(snap.Reserve(in), snap.Reserve(out), q.AmountIn, q.AmountOut)
	fmt.Fprintf(a.out, "price impact %s\n", formatPercent(impact))
}

func runQuoteDeposit(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	sideText, _ := cmd.Flags().GetString("side")
	side, err := model.ParseSide(sideText)
	if err != nil {
		return err
	}
	amountText, _ := cmd.Flags().GetString("amount")
	amount, err := a.conv.ToScaledPositive(amountText)
	if err != nil {
		return err
	}
	if err := a.sync.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state: %w", err)
	}
	res, err := a.session().QuoteDeposit(ctx, side, amount)
	if err != nil {
		return err
	}
	a.printDepositQuote(res)
	return nil
}

func (a *app) printDepositQuote(res quote.Result) {
	q := res.Deposit
	fmt.Fprintf(a.out, "block        %d\n", res.Block)
	fmt.Fprintf(a.out, "supply       %s %s\n", a.conv.Format(q.Input), a.label(q.Side))
	if q.Unconstrained {
		fmt.Fprintf(a.out, "pool is empty, any %s amount sets the initial price\n", a.label(q.Side.Other()))
		return
	}
	fmt.Fprintf(a.out, "required     %s %s\n", a.conv.Format(q.Required), a.label(q.Side.Other()))
	if res.RemoteChecked && !res.RemoteAgreed {
		fmt.Fprintf(a.out, "warning      local quote %s disagrees with the pool\n", a.conv.Format(res.LocalRequired))
	}
}

func runQuoteWithdraw(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.sync.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state: %w", err)
	}
	lp, err := a.lpArg(cmd)
	if err != nil {
		return err
	}
	q, err := a.engine.Withdraw(a.cache.PoolSnapshot(), lp)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "burn         %s LP\n", a.conv.Format(q.LPAmount))
	fmt.Fprintf(a.out, "receive      %s %s / %s %s\n",
		a.conv.Format(q.AmountX), a.label(model.SideX),
		a.conv.Format(q.AmountY), a.label(model.SideY))
	return nil
}

// lpArg reads --lp or --all. --all needs a refreshed cache.
func (a *app) lpArg(cmd *cobra.Command) (*big.Int, error) {
	all, _ := cmd.Flags().GetBool("all")
	lpText, _ := cmd.Flags().GetString("lp")
	if all == (lpText != "") {
		return nil, fmt.Errorf("exactly one of --lp or --all is required")
	}
	if all {
		balance := a.cache.Position().LPBalance
		if balance == nil || balance.Sign() == 0 {
			return nil, fmt.Errorf("account holds no LP tokens")
		}
		return balance, nil
	}
	return a.conv.ToScaledPositive(lpText)
}
