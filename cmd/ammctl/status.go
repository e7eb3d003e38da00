package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miniamm/internal/model"
	"miniamm/internal/state"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool reserves and the account position",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
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
	entry := a.cache.Entry()
	a.printEntry(a.out, entry)

	k, err := a.reader.K(ctx, entry.Snapshot.BlockNumber)
	if err != nil {
		a.logger.Warn("read pool k failed", zap.Error(err))
		return nil
	}
	if k.Cmp(entry.View.K) != 0 {
		fmt.Fprintf(a.out, "pool k       %s (differs from reserves product)\n", k.String())
	}
	return nil
}

func (a *app) printEntry(w io.Writer, e state.Entry) {
	snap, pos, view := e.Snapshot, e.Position, e.View
	x, y := a.label(model.SideX), a.label(model.SideY)

	fmt.Fprintf(w, "block        %d\n", snap.BlockNumber)
	if e.Stale {
		fmt.Fprintf(w, "stale        %s\n", e.LastError)
	}
	fmt.Fprintf(w, "reserve %-4s %s\n", x, a.conv.Format(snap.ReserveX))
	fmt.Fprintf(w, "reserve %-4s %s\n", y, a.conv.Format(snap.ReserveY))
	fmt.Fprintf(w, "price        1 %s = %s %s\n", x, formatRatio(view.Ratio), y)
	fmt.Fprintf(w, "k            %s\n", view.K.String())
	fmt.Fprintf(w, "lp supply    %s\n", a.conv.Format(snap.LPTotalSupply))

	fmt.Fprintf(w, "account      %s\n", pos.Account.Hex())
	fmt.Fprintf(w, "balance %-4s %s\n", x, a.conv.Format(pos.TokenXBalance))
	fmt.Fprintf(w, "balance %-4s %s\n", y, a.conv.Format(pos.TokenYBalance))
	fmt.Fprintf(w, "lp balance   %s\n", a.conv.Format(pos.LPBalance))
	fmt.Fprintf(w, "pool share   %s\n", formatPercent(view.PoolShare))
	fmt.Fprintf(w, "claim        %s %s / %s %s\n", a.conv.Format(view.ClaimX), x, a.conv.Format(view.ClaimY), y)
	if view.AccruedX != nil {
		fmt.Fprintf(w, "accrued      %s %s / %s %s\n", a.conv.Format(view.AccruedX), x, a.conv.Format(view.AccruedY), y)
	}
}
