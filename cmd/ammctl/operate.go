package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miniamm/internal/ammerr"
	"miniamm/internal/chain"
	"miniamm/internal/model"
	"miniamm/internal/orchestrator"
	"miniamm/internal/pool"
)

func addOperationFlags(cmd *cobra.Command) {
	cmd.Flags().Int("resume-attempts", 0, "resume a failed operation this many times before giving up")
}

func newSwapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swap",
		Short: "Swap one token for the other",
		RunE:  runSwap,
	}
	cmd.Flags().String("direction", "x_to_y", "swap direction (x_to_y, y_to_x)")
	cmd.Flags().String("amount", "", "input amount")
	addOperationFlags(cmd)
	return cmd
}

func runSwap(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, true)
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
	return a.runOperation(ctx, cmd, model.NewSwap(direction, amount))
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add liquidity; a missing side is filled from the pool ratio",
		RunE:  runAdd,
	}
	cmd.Flags().String("x", "", "token X amount")
	cmd.Flags().String("y", "", "token Y amount")
	addOperationFlags(cmd)
	return cmd
}

func runAdd(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	xText, _ := cmd.Flags().GetString("x")
	yText, _ := cmd.Flags().GetString("y")
	if xText == "" && yText == "" {
		return fmt.Errorf("at least one of --x or --y is required")
	}
	if err := a.sync.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state: %w", err)
	}

	amountX, amountY, err := a.depositAmounts(ctx, xText, yText)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deposit      %s %s / %s %s\n",
		a.conv.Format(amountX), a.label(model.SideX),
		a.conv.Format(amountY), a.label(model.SideY))
	return a.runOperation(ctx, cmd, model.NewAddLiquidity(amountX, amountY))
}

// depositAmounts parses both sides, filling the empty one with the required counterpart.
func (a *app) depositAmounts(ctx context.Context, xText, yText string) (*big.Int, *big.Int, error) {
	if xText != "" && yText != "" {
		x, err := a.conv.ToScaledPositive(xText)
		if err != nil {
			return nil, nil, err
		}
		y, err := a.conv.ToScaledPositive(yText)
		if err != nil {
			return nil, nil, err
		}
		return x, y, nil
	}

	side, text := model.SideX, xText
	if xText == "" {
		side, text = model.SideY, yText
	}
	amount, err := a.conv.ToScaledPositive(text)
	if err != nil {
		return nil, nil, err
	}
	res, err := a.session().QuoteDeposit(ctx, side, amount)
	if err != nil {
		return nil, nil, err
	}
	if res.Deposit.Unconstrained {
		return nil, nil, fmt.Errorf("pool is empty, both --x and --y are required")
	}
	if side == model.SideX {
		return amount, res.Deposit.Required, nil
	}
	return res.Deposit.Required, amount, nil
}

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Burn LP tokens for a pro-rata share of both reserves",
		RunE:  runRemove,
	}
	cmd.Flags().String("lp", "", "LP amount")
	cmd.Flags().Bool("all", false, "burn the whole LP balance")
	addOperationFlags(cmd)
	return cmd
}

func runRemove(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, true)
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
	fmt.Fprintf(a.out, "expect       %s %s / %s %s\n",
		a.conv.Format(q.AmountX), a.label(model.SideX),
		a.conv.Format(q.AmountY), a.label(model.SideY))
	return a.runOperation(ctx, cmd, model.NewRemoveLiquidity(lp))
}

// runOperation prepares, executes and archives one request.
func (a *app) runOperation(ctx context.Context, cmd *cobra.Command, req model.OperationRequest) error {
	attempts, _ := cmd.Flags().GetInt("resume-attempts")

	op, err := a.orch.Prepare(ctx, req)
	if err != nil {
		return a.explain(err)
	}
	a.printPlan(op)

	op, err = a.orch.Execute(ctx, op.ID)
	for i := 0; err != nil && i < attempts && op.Phase == orchestrator.PhaseFailed && ctx.Err() == nil; i++ {
		a.logger.Warn("resuming operation",
			zap.String("op_id", op.ID.String()),
			zap.Int("failed_step", op.FailedStep),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		op, err = a.orch.Resume(ctx, op.ID)
	}
	a.printResult(op)

	if op.Terminal() {
		if ackErr := a.orch.Acknowledge(ctx, op.ID); ackErr != nil {
			a.logger.Warn("archive operation failed", zap.String("op_id", op.ID.String()), zap.Error(ackErr))
		}
	}
	if err != nil {
		return a.explain(err)
	}
	a.printEntry(a.out, a.cache.Entry())
	return nil
}

// explain adds the corrective hint for errors the user can act on.
func (a *app) explain(err error) error {
	var typed *ammerr.Error
	if !errors.As(err, &typed) {
		return err
	}
	switch typed.Kind {
	case ammerr.KindRatioMismatch:
		return fmt.Errorf("%w; counterpart must be %s", err, a.conv.Format(typed.Required))
	case ammerr.KindInsufficientBalance:
		return fmt.Errorf("%w; need %s", err, a.conv.Format(typed.Required))
	case ammerr.KindConfirmationTimeout:
		return fmt.Errorf("%w; the transaction may still land, check status before retrying", err)
	default:
		return err
	}
}

func (a *app) printPlan(op orchestrator.Operation) {
	fmt.Fprintf(a.out, "operation    %s (%s)\n", op.ID, op.Request)
	for _, s := range op.Steps {
		fmt.Fprintf(a.out, "  step %d     %s %s [%s]\n", s.Index, s.Kind, s.Call.Method, s.Status)
	}
}

func (a *app) printResult(op orchestrator.Operation) {
	fmt.Fprintf(a.out, "result       %s (%d/%d steps)\n", op.Phase, op.Completed(), len(op.Steps))
	for _, s := range op.Steps {
		if s.Handle.IsZero() {
			continue
		}
		fmt.Fprintf(a.out, "  step %d     %s %s\n", s.Index, s.Status, s.Handle)
	}
}

func newMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint test tokens to the signer",
		RunE:  runMint,
	}
	cmd.Flags().String("token", "x", "token side to mint (x, y)")
	cmd.Flags().String("amount", "", "amount to mint")
	return cmd
}

func runMint(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sideText, _ := cmd.Flags().GetString("token")
	side, err := model.ParseSide(sideText)
	if err != nil {
		return err
	}
	amountText, _ := cmd.Flags().GetString("amount")
	amount, err := a.conv.ToScaledPositive(amountText)
	if err != nil {
		return err
	}

	token := a.addrs.TokenX
	if side == model.SideY {
		token = a.addrs.TokenY
	}
	outcome, h, err := a.submitAndWait(ctx, token, amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "mint         %s %s %s (%s)\n", a.conv.Format(amount), a.label(side), outcome, h)
	if outcome != chain.OutcomeConfirmed {
		return fmt.Errorf("mint %s", outcome)
	}
	if err := a.sync.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh state: %w", err)
	}
	a.printEntry(a.out, a.cache.Entry())
	return nil
}

func (a *app) submitAndWait(ctx context.Context, token common.Address, amount *big.Int) (chain.Outcome, chain.Handle, error) {
	call, err := pool.NewCalls(a.addrs.Pool).Mint(token, amount)
	if err != nil {
		return chain.OutcomeTimedOut, chain.Handle{}, err
	}
	h, err := a.submitter.Submit(ctx, call)
	if err != nil {
		return chain.OutcomeTimedOut, chain.Handle{}, fmt.Errorf("submit mint: %w", err)
	}
	outcome, err := a.submitter.AwaitConfirmation(ctx, h, a.cfg.ConfirmTimeout)
	return outcome, h, err
}
