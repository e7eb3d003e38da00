package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the pool state in sync and log every update",
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	updates, cancel := a.cache.Subscribe(4)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sync.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-updates:
				if !ok {
					return nil
				}
				if e.Stale {
					a.logger.Warn("pool state stale", zap.Uint64("block", e.Snapshot.BlockNumber), zap.String("error", e.LastError))
					continue
				}
				a.logger.Info("pool state",
					zap.Uint64("block", e.Snapshot.BlockNumber),
					zap.String("reserve_x", a.conv.Format(e.Snapshot.ReserveX)),
					zap.String("reserve_y", a.conv.Format(e.Snapshot.ReserveY)),
					zap.String("price", formatRatio(e.View.Ratio)),
					zap.String("pool_share", formatPercent(e.View.PoolShare)),
				)
			}
		}
	})
	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("metrics listening", zap.String("addr", a.cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived operations, newest first",
		RunE:  runHistory,
	}
	cmd.Flags().Int("limit", 20, "maximum records to show")
	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	records, err := a.journal.Recent(ctx, limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		line := fmt.Sprintf("%s  %-9s  %s  %s", rec.FinishedAt.Format(time.RFC3339), rec.Phase, rec.ID, rec.Request)
		if rec.ErrorKind != "" {
			line += fmt.Sprintf("  step %d %s", rec.FailedStep, rec.ErrorKind)
		}
		fmt.Fprintln(a.out, line)
	}
	return nil
}
