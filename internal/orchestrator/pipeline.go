package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tsender/airdrop/internal/batchprep"
	"github.com/tsender/airdrop/internal/chain"
	"github.com/tsender/airdrop/internal/retry"
	"github.com/tsender/airdrop/internal/txerrors"
)

var errInvalidToken = errors.New("orchestrator: invalid token address")

// run executes the pipeline from p.Op onward: check, approve (when the
// allowance is short), transfer.
func (o *Orchestrator) run(ctx context.Context, gen uint64, req Request, p PendingRetry) error {
	if p.Op == OpCheck {
		next, err := o.check(ctx, gen, req)
		if err != nil {
			return err
		}
		p = next
	}
	if p.Op == OpApprove {
		if err := o.approve(ctx, gen, req, p); err != nil {
			return err
		}
		p.Phase, p.Op = PhaseTransferring, OpTransfer
	}
	return o.transfer(ctx, gen, req, p)
}

func (o *Orchestrator) check(ctx context.Context, gen uint64, req Request) (PendingRetry, error) {
	retryFrom := PendingRetry{Phase: PhaseChecking, Op: OpCheck}

	if (req.Token == common.Address{}) {
		return PendingRetry{}, o.fail(gen, retryFrom, txerrors.New(txerrors.CategoryValidation, errInvalidToken))
	}
	decimals := uint8(batchprep.DefaultDecimals)
	if req.Decimals != nil {
		decimals = *req.Decimals
	}
	batch, err := batchprep.Prepare(req.Recipients, req.Amounts, decimals)
	if err != nil {
		return PendingRetry{}, o.fail(gen, retryFrom, txerrors.New(txerrors.CategoryValidation, err))
	}
	dispatcher, err := o.cfg.Dispatchers.Lookup(o.cfg.ChainID)
	if err != nil {
		return PendingRetry{}, o.fail(gen, retryFrom, txerrors.New(txerrors.CategoryValidation, err))
	}
	if !o.setBatch(gen, batch) {
		return PendingRetry{}, ErrSuperseded
	}

	allowance, err := retry.Do(ctx, o.cfg.AllowanceRetry, func(ctx context.Context) (*uint256.Int, error) {
		if o.stale(gen) {
			return nil, ErrSuperseded
		}
		return o.gw.ReadAllowance(ctx, req.Token, o.cfg.Owner, dispatcher)
	}, o.retryOptions(gen, OpCheck)...)
	if o.stale(gen) {
		return PendingRetry{}, ErrSuperseded
	}
	if err != nil {
		return PendingRetry{}, o.fail(gen, retryFrom, asCategorized(err))
	}
	if allowance == nil {
		allowance = new(uint256.Int)
	}

	next := PendingRetry{
		Phase:      PhaseTransferring,
		Op:         OpTransfer,
		Batch:      batch,
		Dispatcher: dispatcher,
	}
	if allowance.Lt(batch.Total()) {
		next.Phase, next.Op = PhaseApproving, OpApprove
	}
	o.log.Info("allowance read",
		"generation", gen,
		"allowance", allowance.Dec(),
		"total", batch.Total().Dec(),
		"recipients", batch.Len(),
		"needsApproval", next.Op == OpApprove,
	)
	if !o.update(gen, func(s *State) { s.Phase = next.Phase }) {
		return PendingRetry{}, ErrSuperseded
	}
	return next, nil
}

func (o *Orchestrator) approve(ctx context.Context, gen uint64, req Request, p PendingRetry) error {
	h, err := retry.Do(ctx, o.cfg.ApproveRetry, func(ctx context.Context) (chain.TxHandle, error) {
		if o.stale(gen) {
			return chain.TxHandle{}, ErrSuperseded
		}
		return o.gw.SubmitApprove(ctx, req.Token, p.Dispatcher, p.Batch.Total())
	}, o.retryOptions(gen, OpApprove)...)
	if o.stale(gen) {
		return ErrSuperseded
	}
	if err != nil {
		return o.fail(gen, PendingRetry{Phase: PhaseApproving, Op: OpApprove, Batch: p.Batch, Dispatcher: p.Dispatcher}, asCategorized(err))
	}
	if !o.update(gen, func(s *State) {
		s.ApprovalTx = &h
		s.Phase = PhaseTransferring
	}) {
		return ErrSuperseded
	}
	return nil
}

func (o *Orchestrator) transfer(ctx context.Context, gen uint64, req Request, p PendingRetry) error {
	h, err := retry.Do(ctx, o.cfg.TransferRetry, func(ctx context.Context) (chain.TxHandle, error) {
		if o.stale(gen) {
			return chain.TxHandle{}, ErrSuperseded
		}
		return o.gw.SubmitTransfer(ctx, p.Dispatcher, req.Token, p.Batch.Recipients(), p.Batch.Amounts(), p.Batch.Total())
	}, o.retryOptions(gen, OpTransfer)...)
	if o.stale(gen) {
		return ErrSuperseded
	}
	if err != nil {
		return o.fail(gen, PendingRetry{Phase: PhaseTransferring, Op: OpTransfer, Batch: p.Batch, Dispatcher: p.Dispatcher}, asCategorized(err))
	}
	if !o.update(gen, func(s *State) {
		s.TransferTx = &h
		s.Phase = PhaseSuccess
		s.LastError = nil
		s.RetryCount = 0
	}) {
		return ErrSuperseded
	}
	return nil
}

func (o *Orchestrator) setBatch(gen uint64, b batchprep.Batch) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return false
	}
	o.batch = b
	return true
}

func (o *Orchestrator) retryOptions(gen uint64, op Operation) []retry.Option {
	return []retry.Option{
		retry.WithSleep(o.cfg.Sleep),
		retry.WithObserver(func(attempt int, ce *txerrors.CategorizedError, wait time.Duration) {
			o.log.Warn("automatic retry",
				"generation", gen,
				"operation", op,
				"attempt", attempt,
				"category", ce.Category,
				"wait", wait,
				"err", ce.TechnicalDetail,
			)
		}),
	}
}

func asCategorized(err error) *txerrors.CategorizedError {
	var ce *txerrors.CategorizedError
	if errors.As(err, &ce) {
		return ce
	}
	return txerrors.Categorize(err)
}
