package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tsender/airdrop/internal/events"
	"github.com/tsender/airdrop/internal/orchestrator"
	"github.com/tsender/airdrop/internal/queue"
)

// EventFlags configures optional transition publishing.
type EventFlags struct {
	Driver  string
	Brokers string
	Topic   string
	Timeout time.Duration

	// Writer receives stdio records; nil means stdout.
	Writer io.Writer
}

// RegisterEventFlags registers the event flags on fs.
func RegisterEventFlags(fs *flag.FlagSet) *EventFlags {
	f := &EventFlags{}
	fs.StringVar(&f.Driver, "events-driver", "", "publish state transitions: kafka|stdio (empty disables)")
	fs.StringVar(&f.Brokers, "events-brokers", "", "comma-separated kafka brokers for --events-driver=kafka")
	fs.StringVar(&f.Topic, "events-topic", queue.TopicTransitions, "topic for transition events")
	fs.DurationVar(&f.Timeout, "events-timeout", 10*time.Second, "per-event publish timeout")
	return f
}

// Enabled reports whether an events driver was chosen.
func (f *EventFlags) Enabled() bool { return strings.TrimSpace(f.Driver) != "" }

// Validate checks the parsed flag values.
func (f *EventFlags) Validate() error {
	if !f.Enabled() {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(f.Driver)) {
	case queue.DriverKafka:
		if len(queue.SplitCommaList(f.Brokers)) == 0 {
			return fmt.Errorf("%w: --events-brokers is required for kafka", ErrUsage)
		}
	case queue.DriverStdio:
	default:
		return fmt.Errorf("%w: --events-driver must be kafka or stdio", ErrUsage)
	}
	if strings.TrimSpace(f.Topic) == "" || f.Timeout <= 0 {
		return fmt.Errorf("%w: --events-topic and --events-timeout must be set", ErrUsage)
	}
	return nil
}

// Events publishes transitions for one process. The zero value (disabled)
// is usable: Observe returns nil and Close is a no-op.
type Events struct {
	Publisher *events.Publisher
	producer  queue.Producer
}

// NewEvents builds the publisher when --events-driver is set. source tags
// every record, usually with the owner address.
func NewEvents(f *EventFlags, source string, log *slog.Logger) (*Events, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if !f.Enabled() {
		return &Events{}, nil
	}
	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:   f.Driver,
		Brokers:  queue.SplitCommaList(f.Brokers),
		ClientID: "airdrop-" + strings.ToLower(source),
		Writer:   f.Writer,
	})
	if err != nil {
		return nil, err
	}
	pub, err := events.NewPublisher(producer, events.PublisherConfig{
		Topic:   f.Topic,
		Source:  source,
		Timeout: f.Timeout,
	}, log)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return &Events{Publisher: pub, producer: producer}, nil
}

// Observe is suitable for orchestrator.Config.OnTransition.
func (e *Events) Observe(ctx context.Context) func(orchestrator.Snapshot) {
	if e == nil || e.Publisher == nil {
		return nil
	}
	return e.Publisher.Observe(ctx)
}

// SetRequestID tags subsequent transitions with id.
func (e *Events) SetRequestID(id string) {
	if e != nil && e.Publisher != nil {
		e.Publisher.SetRequestID(id)
	}
}

// Close flushes and closes the producer.
func (e *Events) Close() error {
	if e == nil || e.producer == nil {
		return nil
	}
	return e.producer.Close()
}
