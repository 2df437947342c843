// Package eth signs, prices, submits and confirms transactions from a single
// wallet.
package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidSenderConfig = errors.New("eth: invalid sender config")
	// ErrReverted is returned when a transaction was mined with a failed status.
	ErrReverted = errors.New("eth: execution reverted")
)

// Backend is the node API the sender needs. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SenderConfig configures fee selection and replacement.
type SenderConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int
	// MaxFeeCap refuses to send when the computed fee cap is higher. Nil disables it.
	MaxFeeCap *big.Int

	ReceiptPollInterval time.Duration

	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSenderConfig returns settings suited to an L1/L2 RPC endpoint.
func DefaultSenderConfig(chainID uint64) SenderConfig {
	return SenderConfig{
		ChainID:                new(big.Int).SetUint64(chainID),
		GasLimitMultiplier:     1.2,
		MinTipCap:              big.NewInt(1),
		ReceiptPollInterval:    2 * time.Second,
		ReplaceAfter:           45 * time.Second,
		MaxReplacements:        3,
		ReplacementBumpPercent: 12,
		MinReplacementTipBump:  big.NewInt(1),
		MinReplacementFeeBump:  big.NewInt(1),
	}
}

// Sender submits one transaction at a time from a single signer.
type Sender struct {
	backend Backend
	signer  Signer
	cfg     SenderConfig
	log     *slog.Logger

	mu sync.Mutex
}

// TxRequest is a call to send.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 => estimate
}

// SendResult describes the mined version of a request.
type SendResult struct {
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

// NewSender validates cfg and builds a Sender.
func NewSender(backend Backend, signer Signer, cfg SenderConfig, log *slog.Logger) (*Sender, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSenderConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: signer has zero address", ErrInvalidSenderConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ChainID must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, fmt.Errorf("%w: GasLimitMultiplier must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: MinTipCap must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, fmt.Errorf("%w: ReceiptPollInterval must be > 0", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements < 0 {
		return nil, fmt.Errorf("%w: MaxReplacements must be >= 0", ErrInvalidSenderConfig)
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, fmt.Errorf("%w: replacement needs ReplaceAfter and ReplacementBumpPercent", ErrInvalidSenderConfig)
		}
		if cfg.MinReplacementTipBump == nil || cfg.MinReplacementFeeBump == nil ||
			cfg.MinReplacementTipBump.Sign() < 0 || cfg.MinReplacementFeeBump.Sign() < 0 {
			return nil, fmt.Errorf("%w: replacement bumps must be >= 0", ErrInvalidSenderConfig)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Sender{backend: backend, signer: signer, cfg: cfg, log: log}, nil
}

// Address is the sending account.
func (s *Sender) Address() common.Address { return s.signer.Address() }

// SendAndWaitMined signs and broadcasts req, re-pricing it if it sits in the
// mempool too long, and returns once one of its versions is mined. A mined
// but failed transaction is reported as ErrReverted along with the result.
func (s *Sender) SendAndWaitMined(ctx context.Context, req TxRequest) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.signer.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return SendResult{}, fmt.Errorf("eth: estimate gas: %w", err)
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	fees, err := s.currentFees(ctx)
	if err != nil {
		return SendResult{}, err
	}

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return SendResult{}, fmt.Errorf("eth: pending nonce: %w", err)
	}

	sign := func(f Fees) (*types.Transaction, error) {
		to := req.To
		return s.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: f.TipCap,
			GasFeeCap: f.FeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		}), s.cfg.ChainID)
	}

	tx, err := sign(fees)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return SendResult{}, err
	}
	s.log.Info("tx sent", "hash", tx.Hash(), "nonce", nonce, "to", req.To, "gas", gasLimit, "feeCap", fees.FeeCap)

	sent := []common.Hash{tx.Hash()}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, h := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, h)
			if err == nil {
				res := SendResult{Nonce: nonce, TxHash: h, Receipt: receipt, Replacements: replacements}
				if receipt.Status != types.ReceiptStatusSuccessful {
					return res, fmt.Errorf("%w: tx %s", ErrReverted, h)
				}
				s.log.Info("tx mined", "hash", h, "block", receipt.BlockNumber, "replacements", replacements)
				return res, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SendResult{}, err
			}
		}

		if s.cfg.MaxReplacements > 0 && replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			bumped, err := fees.Bump(s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementTipBump, s.cfg.MinReplacementFeeBump)
			if err != nil {
				return SendResult{}, err
			}
			if err := bumped.Within(s.cfg.MaxFeeCap); err != nil {
				// Stay with what is already in the mempool.
				s.log.Warn("replacement skipped", "err", err)
				lastSentAt = s.cfg.Now()
			} else {
				tx, err := sign(bumped)
				if err != nil {
					return SendResult{}, err
				}
				if err := s.backend.SendTransaction(ctx, tx); err != nil {
					return SendResult{}, err
				}
				fees = bumped
				sent = append(sent, tx.Hash())
				lastSentAt = s.cfg.Now()
				replacements++
				s.log.Info("tx replaced", "hash", tx.Hash(), "nonce", nonce, "feeCap", fees.FeeCap, "replacements", replacements)
				continue
			}
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{}, err
		}
	}
}

func (s *Sender) currentFees(ctx context.Context) (Fees, error) {
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Fees{}, fmt.Errorf("eth: suggest tip: %w", err)
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("eth: latest header: %w", err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return Fees{}, fmt.Errorf("eth: missing baseFee in latest header")
	}
	fees, err := Calc1559Fees(header.BaseFee, tip, s.cfg.MinTipCap)
	if err != nil {
		return Fees{}, err
	}
	if err := fees.Within(s.cfg.MaxFeeCap); err != nil {
		return Fees{}, err
	}
	return fees, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := math.Ceil(float64(est) * mult)
	if out >= math.MaxUint64 || uint64(out) < est {
		return est
	}
	return uint64(out)
}
