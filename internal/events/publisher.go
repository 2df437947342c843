package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tsender/airdrop/internal/orchestrator"
	"github.com/tsender/airdrop/internal/queue"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Topic string
	// Source names the emitting process, e.g. the owner address.
	Source string
	// Timeout bounds each publish made from Observe. Defaults to 10s.
	Timeout time.Duration

	Now func() time.Time
}

// Publisher writes transitions to a queue producer. Records are keyed by
// batch id so one batch's transitions stay ordered on a partition.
type Publisher struct {
	producer queue.Producer
	cfg      PublisherConfig
	log      *slog.Logger

	mu        sync.Mutex
	requestID string
}

// NewPublisher builds a Publisher on p.
func NewPublisher(p queue.Producer, cfg PublisherConfig, log *slog.Logger) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	cfg.Topic = strings.TrimSpace(cfg.Topic)
	if cfg.Topic == "" {
		cfg.Topic = queue.TopicTransitions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Publisher{producer: p, cfg: cfg, log: log}, nil
}

// SetRequestID tags subsequent transitions with the request being served.
func (p *Publisher) SetRequestID(id string) {
	p.mu.Lock()
	p.requestID = id
	p.mu.Unlock()
}

// Publish writes one transition for s.
func (p *Publisher) Publish(ctx context.Context, s orchestrator.Snapshot) error {
	t := FromSnapshot(s, p.cfg.Now())
	t.Source = p.cfg.Source
	p.mu.Lock()
	t.RequestID = p.requestID
	p.mu.Unlock()

	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("events: marshal transition: %w", err)
	}
	key := t.BatchID
	if key == "" {
		key = t.Source
	}
	return p.producer.Publish(ctx, p.cfg.Topic, []byte(key), b)
}

// Observe returns a function suitable for orchestrator.Config.OnTransition.
// Publish failures are logged; they never affect the airdrop.
func (p *Publisher) Observe(ctx context.Context) func(orchestrator.Snapshot) {
	return func(s orchestrator.Snapshot) {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		if err := p.Publish(pctx, s); err != nil {
			p.log.Error("publish transition", "phase", s.Phase, "generation", s.Generation, "err", err)
		}
	}
}
