// Package worker runs airdrop requests taken from a queue, one at a time,
// on a single orchestrator.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tsender/airdrop/internal/events"
	"github.com/tsender/airdrop/internal/orchestrator"
	"github.com/tsender/airdrop/internal/retry"
)

var ErrInvalidConfig = errors.New("worker: invalid config")

// Runner is the orchestrator surface a worker drives.
type Runner interface {
	Start(ctx context.Context, req orchestrator.Request) error
	Retry(ctx context.Context) error
	Snapshot() orchestrator.Snapshot
}

// DecimalsReader reads a token's decimals when a request omits them.
type DecimalsReader interface {
	ReadDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// RequestTagger labels published transitions with the request being served.
type RequestTagger interface {
	SetRequestID(id string)
}

// Config configures a Worker.
type Config struct {
	// Retries bounds user-level retries of a retryable failure per request.
	Retries   int
	RetryWait time.Duration
	// RunTimeout bounds one request, retries included. Defaults to 30m.
	RunTimeout time.Duration
	// Remember is how many finished request ids are kept to drop redeliveries. Defaults to 1024.
	Remember int

	Sleep func(ctx context.Context, d time.Duration) error
}

// Outcome describes what happened to one message.
type Outcome struct {
	RequestID string
	Phase     orchestrator.Phase
	Skipped   bool
	Err       error
	// Ack is false only when shutdown interrupted the run; the message should
	// be redelivered.
	Ack bool
}

// Worker turns queued requests into orchestrator runs.
type Worker struct {
	cfg      Config
	runner   Runner
	decimals DecimalsReader
	tagger   RequestTagger
	log      *slog.Logger

	done  map[string]struct{}
	order []string
}

// New validates cfg and fills in defaults.
func New(cfg Config, runner Runner, decimals DecimalsReader, tagger RequestTagger, log *slog.Logger) (*Worker, error) {
	if runner == nil || decimals == nil {
		return nil, fmt.Errorf("%w: nil runner or decimals reader", ErrInvalidConfig)
	}
	if cfg.Retries < 0 || cfg.RetryWait < 0 || cfg.RunTimeout < 0 || cfg.Remember < 0 {
		return nil, fmt.Errorf("%w: negative setting", ErrInvalidConfig)
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if cfg.Remember == 0 {
		cfg.Remember = 1024
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Worker{
		cfg:      cfg,
		runner:   runner,
		decimals: decimals,
		tagger:   tagger,
		log:      log,
		done:     make(map[string]struct{}),
	}, nil
}

// Handle runs one queued request to completion. Malformed and duplicate
// messages are acknowledged without running.
func (w *Worker) Handle(ctx context.Context, payload []byte) Outcome {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Outcome{Skipped: true, Ack: true}
	}
	req, err := events.DecodeRequest(payload)
	if err != nil {
		w.log.Error("parse airdrop request", "err", err)
		return Outcome{Skipped: true, Err: err, Ack: true}
	}
	if _, ok := w.done[req.ID]; ok {
		w.log.Info("duplicate airdrop request", "id", req.ID)
		return Outcome{RequestID: req.ID, Skipped: true, Ack: true}
	}

	if w.tagger != nil {
		w.tagger.SetRequestID(req.ID)
	}
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancel()

	oreq := req.OrchestratorRequest()
	if oreq.Decimals == nil {
		d, err := w.decimals.ReadDecimals(runCtx, oreq.Token)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{RequestID: req.ID, Err: ctx.Err()}
			}
			w.log.Error("read token decimals", "id", req.ID, "token", oreq.Token, "err", err)
			return Outcome{RequestID: req.ID, Err: err, Ack: true}
		}
		oreq.Decimals = &d
	}

	w.log.Info("airdrop request", "id", req.ID, "token", oreq.Token, "decimals", *oreq.Decimals)
	err = w.runner.Start(runCtx, oreq)
	for attempt := 1; err != nil && attempt <= w.cfg.Retries && w.runner.Snapshot().CanRetry; attempt++ {
		w.log.Warn("retrying airdrop request", "id", req.ID, "attempt", attempt, "err", err)
		if serr := w.cfg.Sleep(runCtx, w.cfg.RetryWait); serr != nil {
			break
		}
		err = w.runner.Retry(runCtx)
	}

	if ctx.Err() != nil {
		w.log.Warn("airdrop request interrupted", "id", req.ID)
		return Outcome{RequestID: req.ID, Phase: w.runner.Snapshot().Phase, Err: ctx.Err()}
	}

	s := w.runner.Snapshot()
	w.remember(req.ID)
	if err != nil {
		w.log.Error("airdrop request failed", "id", req.ID, "phase", s.Phase, "err", err)
	} else {
		w.log.Info("airdrop request done", "id", req.ID, "recipients", s.Recipients, "transferTx", s.TransferTx)
	}
	return Outcome{RequestID: req.ID, Phase: s.Phase, Err: err, Ack: true}
}

func (w *Worker) remember(id string) {
	if _, ok := w.done[id]; ok {
		return
	}
	w.done[id] = struct{}{}
	w.order = append(w.order, id)
	if len(w.order) > w.cfg.Remember {
		delete(w.done, w.order[0])
		w.order = w.order[1:]
	}
}
