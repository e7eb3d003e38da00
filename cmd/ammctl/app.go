package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miniamm/internal/chain"
	"miniamm/internal/config"
	"miniamm/internal/fixedpoint"
	"miniamm/internal/metrics"
	"miniamm/internal/model"
	"miniamm/internal/orchestrator"
	"miniamm/internal/pool"
	"miniamm/internal/quote"
	"miniamm/internal/state"
	"miniamm/internal/storage"
	"miniamm/internal/storage/postgres"
)

// app is the wired component graph shared by every command.
type app struct {
	cfg    config.Config
	addrs  config.Addresses
	logger *zap.Logger
	out    io.Writer

	client    *chain.Client
	reader    *pool.Reader
	conv      *fixedpoint.Converter
	engine    *quote.Engine
	cache     *state.Cache
	sync      *state.Synchronizer
	journal   storage.Journal
	baselines storage.BaselineStore
	registry  *prometheus.Registry
	metrics   *metrics.Metrics

	// submitter and orch are nil for read-only commands.
	submitter *chain.TxSubmitter
	orch      *orchestrator.Orchestrator

	tokens  map[model.Side]model.TokenMeta
	closers []func()
}

func newApp(ctx context.Context, cmd *cobra.Command, signer bool) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, out: cmd.OutOrStdout()}
	a.closers = append(a.closers, func() { _ = logger.Sync() })
	if err := a.wire(ctx, signer); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, signer bool) error {
	cfg := a.cfg
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	addrs, err := cfg.ParseAddresses()
	if err != nil {
		return err
	}

	a.conv, err = fixedpoint.New(cfg.Scale)
	if err != nil {
		return err
	}
	a.engine, err = quote.NewEngine(quote.Config{
		FeeNumerator:   cfg.FeeNumerator,
		FeeDenominator: cfg.FeeDenominator,
		Tolerance:      cfg.Tolerance,
	})
	if err != nil {
		return err
	}

	a.client, err = chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	a.closers = append(a.closers, a.client.Close)
	a.reader = pool.NewReader(a.client, addrs.Pool, a.logger)

	if addrs.LPToken == (common.Address{}) {
		addrs.LPToken, err = a.reader.LPTokenAddress(ctx)
		if err != nil {
			return fmt.Errorf("resolve lp token: %w", err)
		}
	}

	if signer || cfg.PrivateKey != "" {
		if err := a.wireSigner(ctx, &addrs); err != nil {
			return err
		}
	}
	if addrs.Account == (common.Address{}) {
		a.logger.Warn("no account configured, position values will be zero")
	}
	a.addrs = addrs

	if err := a.wireStorage(ctx); err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.NewMetrics(a.registry)

	a.cache = state.NewCache(addrs.Account)
	a.sync = state.NewSynchronizer(state.Config{
		Interval:     cfg.RefreshInterval,
		TokenX:       addrs.TokenX,
		TokenY:       addrs.TokenY,
		LPToken:      addrs.LPToken,
		Account:      addrs.Account,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, a.client, a.reader, a.cache, a.logger,
		state.WithBaselineStore(a.baselines),
		state.WithMetrics(a.metrics),
	)

	if a.submitter != nil {
		a.orch = orchestrator.New(orchestrator.Config{
			TokenX:            addrs.TokenX,
			TokenY:            addrs.TokenY,
			LPToken:           addrs.LPToken,
			Owner:             addrs.Account,
			ConfirmTimeout:    cfg.ConfirmTimeout,
			ApproveLPOnRemove: cfg.ApproveLPOnRemove,
			MaxStaleness:      cfg.MaxStaleness,
		}, a.engine, pool.NewCalls(addrs.Pool), a.submitter, a.cache, a.logger,
			orchestrator.WithAllowanceReader(a.reader),
			orchestrator.WithListener(a.sync),
			orchestrator.WithJournal(a.journal),
			orchestrator.WithMetrics(a.metrics),
			orchestrator.WithObserver(a.observe),
		)
	}

	a.loadTokens(ctx)
	return nil
}

func (a *app) wireSigner(ctx context.Context, addrs *config.Addresses) error {
	if a.cfg.PrivateKey == "" {
		return fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(a.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	chainID, err := a.client.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return fmt.Errorf("build signer: %w", err)
	}
	if addrs.Account != (common.Address{}) && addrs.Account != opts.From {
		return fmt.Errorf("account %s does not match private key %s", addrs.Account.Hex(), opts.From.Hex())
	}
	addrs.Account = opts.From
	a.submitter = chain.NewTxSubmitter(a.client, opts.From, opts.Signer, chain.WithSubmitterLogger(a.logger))
	return nil
}

func (a *app) wireStorage(ctx context.Context) error {
	if a.cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.PGDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.journal = store
		a.baselines = store
		return nil
	}
	a.journal = storage.NewJsonlJournal(a.cfg.Journal)
	a.baselines = storage.NewFileBaselineStore(a.cfg.BaselineFile)
	return nil
}

// loadTokens reads token metadata for labels. Failures only degrade display.
func (a *app) loadTokens(ctx context.Context) {
	a.tokens = map[model.Side]model.TokenMeta{
		model.SideX: {Address: a.addrs.TokenX.Hex(), Symbol: "X"},
		model.SideY: {Address: a.addrs.TokenY.Hex(), Symbol: "Y"},
	}
	for side, addr := range map[model.Side]common.Address{model.SideX: a.addrs.TokenX, model.SideY: a.addrs.TokenY} {
		meta, err := a.reader.TokenMeta(ctx, addr)
		if err != nil {
			a.logger.Warn("token metadata unavailable", zap.String("token", addr.Hex()), zap.Error(err))
			continue
		}
		if !meta.MatchesScale(a.conv.Scale()) {
			a.logger.Warn("token decimals differ from scale",
				zap.String("token", meta.Label()),
				zap.Uint8("decimals", meta.Decimals),
				zap.Int("scale", a.conv.Scale()),
			)
		}
		a.tokens[side] = meta
	}
}

func (a *app) label(side model.Side) string {
	return a.tokens[side].Label()
}

func (a *app) observe(op orchestrator.Operation) {
	fields := []zap.Field{
		zap.String("op_id", op.ID.String()),
		zap.String("phase", op.Phase.String()),
		zap.Int("completed", op.Completed()),
		zap.Int("steps", len(op.Steps)),
	}
	if op.Current > 0 && op.Current <= len(op.Steps) {
		step := op.Steps[op.Current-1]
		fields = append(fields, zap.String("method", step.Call.Method), zap.String("step_status", step.Status.String()))
	}
	a.logger.Debug("operation progress", fields...)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
