package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Call is one encoded contract write.
type Call struct {
	To     common.Address
	Method string
	Data   []byte
}

// Handle identifies a submitted write.
type Handle struct {
	Hash        common.Hash
	Nonce       uint64
	SubmittedAt time.Time
}

func (h Handle) String() string {
	return h.Hash.Hex()
}

// IsZero reports a handle that was never submitted.
func (h Handle) IsZero() bool {
	return h.Hash == (common.Hash{})
}

// Outcome is the observed result of awaiting a handle.
type Outcome int

const (
	OutcomeTimedOut Outcome = iota
	OutcomeConfirmed
	OutcomeReverted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeReverted:
		return "reverted"
	default:
		return "timed_out"
	}
}

// Backend is the subset of the RPC client the submitter needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// SubmitterOption configures a TxSubmitter.
type SubmitterOption func(*TxSubmitter)

// WithPollInterval sets the first receipt poll delay.
func WithPollInterval(d time.Duration) SubmitterOption {
	return func(s *TxSubmitter) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithGasMargin sets the percentage added on top of the gas estimate.
func WithGasMargin(percent uint64) SubmitterOption {
	return func(s *TxSubmitter) { s.gasMarginPct = percent }
}

func WithSubmitterLogger(logger *zap.Logger) SubmitterOption {
	return func(s *TxSubmitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// TxSubmitter signs and broadcasts calls and polls for their receipts.
// Signing is delegated to an opaque bind.SignerFn.
type TxSubmitter struct {
	backend      Backend
	from         common.Address
	sign         bind.SignerFn
	pollInterval time.Duration
	gasMarginPct uint64
	logger       *zap.Logger

	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

func NewTxSubmitter(backend Backend, from common.Address, sign bind.SignerFn, opts ...SubmitterOption) *TxSubmitter {
	s := &TxSubmitter{
		backend:      backend,
		from:         from,
		sign:         sign,
		pollInterval: 500 * time.Millisecond,
		gasMarginPct: 20,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// From returns the sending account.
func (s *TxSubmitter) From() common.Address {
	return s.from
}

// Submit signs and broadcasts call. An error means nothing was broadcast.
func (s *TxSubmitter) Submit(ctx context.Context, call Call) (Handle, error) {
	if s.sign == nil {
		return Handle{}, fmt.Errorf("no signer configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return Handle{}, fmt.Errorf("pending nonce: %w", err)
	}
	nonce := pending
	if s.haveNonce && s.nextNonce > nonce {
		nonce = s.nextNonce
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("gas price: %w", err)
	}
	to := call.To
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: call.Data})
	if err != nil {
		return Handle{}, fmt.Errorf("estimate gas for %s: %w", call.Method, err)
	}
	gas += gas * s.gasMarginPct / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     call.Data,
	})
	signed, err := s.sign(s.from, tx)
	if err != nil {
		return Handle{}, fmt.Errorf("sign %s: %w", call.Method, err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return Handle{}, fmt.Errorf("send %s: %w", call.Method, err)
	}

	s.nextNonce = nonce + 1
	s.haveNonce = true

	h := Handle{Hash: signed.Hash(), Nonce: nonce, SubmittedAt: time.Now()}
	s.logger.Info("transaction submitted",
		zap.String("method", call.Method),
		zap.String("to", call.To.Hex()),
		zap.String("tx", h.String()),
		zap.Uint64("nonce", nonce),
	)
	return h, nil
}

var errNotMined = errors.New("receipt not available")

// AwaitConfirmation polls for the receipt with exponential backoff until timeout.
// A timeout is reported as OutcomeTimedOut with a nil error; the transaction may still land.
func (s *TxSubmitter) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.pollInterval
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	var receipt *types.Receipt
	op := func() error {
		r, err := s.backend.TransactionReceipt(waitCtx, h.Hash)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				s.logger.Debug("receipt poll failed", zap.String("tx", h.String()), zap.Error(err))
			}
			return errNotMined
		}
		receipt = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, waitCtx)); err != nil {
		if ctx.Err() != nil {
			return OutcomeTimedOut, ctx.Err()
		}
		s.logger.Warn("confirmation timed out", zap.String("tx", h.String()), zap.Duration("timeout", timeout))
		return OutcomeTimedOut, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		s.logger.Warn("transaction reverted",
			zap.String("tx", h.String()),
			zap.Stringer("block", receipt.BlockNumber),
		)
		return OutcomeReverted, nil
	}
	s.logger.Info("transaction confirmed",
		zap.String("tx", h.String()),
		zap.Stringer("block", receipt.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed),
	)
	return OutcomeConfirmed, nil
}
