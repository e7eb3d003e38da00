package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ammctl",
		Short:        "Constant-product pool client",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("rpc", "", "RPC URL")
	flags.String("pool", "", "pool contract address")
	flags.String("token-x", "", "token X address")
	flags.String("token-y", "", "token Y address")
	flags.String("lp-token", "", "LP token address (read from the pool when empty)")
	flags.String("account", "", "account to track (derived from the private key when empty)")
	flags.String("private-key", "", "hex private key used for signing")
	flags.Int("scale", 18, "fixed-point scale in decimal places")
	flags.Int64("fee-numerator", 30, "swap fee numerator")
	flags.Int64("fee-denominator", 10000, "swap fee denominator")
	flags.Int64("tolerance", 1, "ratio tolerance in smallest units")
	flags.Duration("refresh-interval", 5*time.Second, "state refresh interval")
	flags.Duration("confirm-timeout", 60*time.Second, "per-step confirmation timeout")
	flags.Duration("max-staleness", 30*time.Second, "reject operations on snapshots older than this (0 disables)")
	flags.Int("max-retries", 3, "maximum retry attempts for state reads")
	flags.Duration("retry-backoff", 250*time.Millisecond, "initial retry backoff")
	flags.Bool("approve-lp-on-remove", false, "authorize LP spending before remove")
	flags.Bool("cross-check", true, "cross-check deposit quotes against the pool")
	flags.String("journal", "./data/operations.jsonl", "operation journal JSONL path")
	flags.String("baseline-file", "./data/baselines.json", "baseline file path")
	flags.String("pg-dsn", "", "Postgres DSN (replaces journal and baseline files)")
	flags.String("metrics-addr", "", "metrics listen address for watch")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "rotate logs into this file instead of stderr")

	root.AddCommand(
		newStatusCmd(),
		newQuoteCmd(),
		newSwapCmd(),
		newAddCmd(),
		newRemoveCmd(),
		newMintCmd(),
		newWatchCmd(),
		newHistoryCmd(),
	)
	return root
}

func newLogger(level, file string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if file == "" {
		return cfg.Build()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   file,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), sink, cfg.Level)
	return zap.New(core, zap.AddCaller()), nil
}
