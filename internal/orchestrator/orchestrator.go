// Package orchestrator sequences an airdrop: allowance check, optional
// approve, then the batch transfer. It classifies failures, retries remote
// calls per call site, and lets the user retry, reset, or start over.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tsender/airdrop/internal/batchprep"
	"github.com/tsender/airdrop/internal/chain"
	"github.com/tsender/airdrop/internal/retry"
	"github.com/tsender/airdrop/internal/txerrors"
)

var (
	ErrInvalidConfig     = errors.New("orchestrator: invalid config")
	ErrAlreadyInProgress = errors.New("orchestrator: operation already in progress")
	ErrNotRetryable      = errors.New("orchestrator: cannot retry this operation")
	// ErrSuperseded is returned to the caller of a run that was reset (or
	// restarted) before it finished; its late results were discarded.
	ErrSuperseded = errors.New("orchestrator: run superseded")
)

// Config configures an Orchestrator.
type Config struct {
	ChainID     uint64
	Owner       common.Address
	Dispatchers chain.Dispatchers

	// Zero values fall back to retry.AllowanceConfig, ApproveConfig and TransferConfig.
	AllowanceRetry retry.Config
	ApproveRetry   retry.Config
	TransferRetry  retry.Config

	// Sleep replaces the backoff wait between automatic retries.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnTransition is called after every state change, in order. It must not
	// call Start, Retry or Reset.
	OnTransition func(Snapshot)
}

// Request is the user's form input for one airdrop.
type Request struct {
	Token      common.Address
	Recipients string
	Amounts    string
	// Decimals of Token; nil means batchprep.DefaultDecimals.
	Decimals *uint8
}

// State is owned by one Orchestrator and changes only through phase transitions.
type State struct {
	Phase      Phase
	ApprovalTx *chain.TxHandle
	TransferTx *chain.TxHandle
	LastError  *txerrors.CategorizedError
	RetryCount uint
}

// PendingRetry records which step to re-run when the user retries a failure.
type PendingRetry struct {
	Phase      Phase
	Op         Operation
	Batch      batchprep.Batch
	Dispatcher common.Address
}

// Snapshot is a copy of the state plus what a UI needs to render it.
type Snapshot struct {
	State
	Label      string
	Progress   Progress
	CanRetry   bool
	BatchID    common.Hash
	Recipients int
	Total      *uint256.Int
	Generation uint64
}

// Orchestrator runs one airdrop at a time for a single owner.
type Orchestrator struct {
	cfg Config
	gw  chain.Gateway
	log *slog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	req     Request
	batch   batchprep.Batch
	pending *PendingRetry

	// notifyMu keeps OnTransition calls in the order the state changed.
	notifyMu sync.Mutex
}

// New validates cfg and fills in defaults.
func New(cfg Config, gw chain.Gateway, log *slog.Logger) (*Orchestrator, error) {
	if gw == nil {
		return nil, fmt.Errorf("%w: nil gateway", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: ChainID must be non-zero", ErrInvalidConfig)
	}
	if (cfg.Owner == common.Address{}) {
		return nil, fmt.Errorf("%w: Owner must be non-zero", ErrInvalidConfig)
	}
	if cfg.Dispatchers == nil {
		cfg.Dispatchers = chain.DefaultDispatchers()
	}
	if cfg.AllowanceRetry == (retry.Config{}) {
		cfg.AllowanceRetry = retry.AllowanceConfig
	}
	if cfg.ApproveRetry == (retry.Config{}) {
		cfg.ApproveRetry = retry.ApproveConfig
	}
	if cfg.TransferRetry == (retry.Config{}) {
		cfg.TransferRetry = retry.TransferConfig
	}
	for _, rc := range []retry.Config{cfg.AllowanceRetry, cfg.ApproveRetry, cfg.TransferRetry} {
		if err := rc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{
		cfg: cfg,
		gw:  gw,
		log: log,
	}, nil
}

// Start runs a fresh airdrop for req and blocks until it succeeds, fails, or
// is superseded. It is rejected while another run is in flight; starting
// from Success or Error discards the previous outcome.
func (o *Orchestrator) Start(ctx context.Context, req Request) error {
	gen, err := o.begin(req)
	if err != nil {
		return err
	}
	return o.run(ctx, gen, req, PendingRetry{Phase: PhaseChecking, Op: OpCheck})
}

// StartAsync is Start with the pipeline running on its own goroutine. The
// returned error reports synchronous rejection; the channel yields the run's result.
func (o *Orchestrator) StartAsync(ctx context.Context, req Request) (<-chan error, error) {
	gen, err := o.begin(req)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- o.run(ctx, gen, req, PendingRetry{Phase: PhaseChecking, Op: OpCheck})
	}()
	return done, nil
}

// Retry re-runs the step that last failed, then continues the pipeline from there.
func (o *Orchestrator) Retry(ctx context.Context) error {
	gen, req, p, err := o.beginRetry()
	if err != nil {
		return err
	}
	return o.run(ctx, gen, req, p)
}

// RetryAsync is Retry with the pipeline running on its own goroutine.
func (o *Orchestrator) RetryAsync(ctx context.Context) (<-chan error, error) {
	gen, req, p, err := o.beginRetry()
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- o.run(ctx, gen, req, p)
	}()
	return done, nil
}

// Reset returns to Idle. A run still in flight keeps going until its current
// remote call returns, but nothing it produces is applied.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.gen++
	o.state = State{}
	o.req = Request{}
	o.batch = batchprep.Batch{}
	o.pending = nil
	o.publishLocked()
	o.log.Info("reset", "generation", o.gen)
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) begin(req Request) (uint64, error) {
	o.mu.Lock()
	if o.state.Phase.InFlight() {
		o.mu.Unlock()
		return 0, ErrAlreadyInProgress
	}
	o.gen++
	gen := o.gen
	o.state = State{Phase: PhaseChecking}
	o.req = req
	o.batch = batchprep.Batch{}
	o.pending = nil
	o.publishLocked()
	o.log.Info("airdrop started", "generation", gen, "token", req.Token)
	return gen, nil
}

func (o *Orchestrator) beginRetry() (uint64, Request, PendingRetry, error) {
	o.mu.Lock()
	if o.state.Phase != PhaseError || o.state.LastError == nil || !o.state.LastError.Retryable || o.pending == nil {
		o.mu.Unlock()
		return 0, Request{}, PendingRetry{}, ErrNotRetryable
	}
	o.gen++
	gen := o.gen
	p := *o.pending
	req := o.req
	o.pending = nil
	o.state.RetryCount++
	o.state.Phase = p.Phase
	o.state.LastError = nil
	o.publishLocked()
	o.log.Info("retrying failed step", "generation", gen, "operation", p.Op, "retryCount", o.state.RetryCount)
	return gen, req, p, nil
}

// update applies fn if gen is still current. It reports false for a stale run.
func (o *Orchestrator) update(gen uint64, fn func(*State)) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return false
	}
	from := o.state.Phase
	fn(&o.state)
	o.log.Info("phase transition", "generation", gen, "from", from, "to", o.state.Phase)
	o.publishLocked()
	return true
}

// fail moves a current run to Error and remembers how to retry it.
func (o *Orchestrator) fail(gen uint64, p PendingRetry, ce *txerrors.CategorizedError) error {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return ErrSuperseded
	}
	o.state.Phase = PhaseError
	o.state.LastError = ce
	o.pending = nil
	if ce.Retryable {
		cp := p
		o.pending = &cp
	}
	o.log.Warn("airdrop failed",
		"generation", gen,
		"operation", p.Op,
		"category", ce.Category,
		"retryable", ce.Retryable,
		"detail", ce.TechnicalDetail,
	)
	o.publishLocked()
	return ce
}

func (o *Orchestrator) stale(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen != o.gen
}

// publishLocked releases o.mu and delivers the snapshot taken under it.
func (o *Orchestrator) publishLocked() {
	snap := o.snapshotLocked()
	o.notifyMu.Lock()
	o.mu.Unlock()
	defer o.notifyMu.Unlock()
	if o.cfg.OnTransition != nil {
		o.cfg.OnTransition(snap)
	}
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		State:      o.state,
		Label:      o.state.Phase.Label(),
		Progress:   o.state.Phase.Progress(),
		CanRetry:   o.state.Phase == PhaseError && o.state.LastError != nil && o.state.LastError.Retryable && o.pending != nil,
		Generation: o.gen,
	}
	if o.state.ApprovalTx != nil {
		h := *o.state.ApprovalTx
		s.ApprovalTx = &h
	}
	if o.state.TransferTx != nil {
		h := *o.state.TransferTx
		s.TransferTx = &h
	}
	if !o.batch.IsZero() {
		s.BatchID = o.batch.ID()
		s.Recipients = o.batch.Len()
		s.Total = o.batch.Total()
	}
	return s
}
