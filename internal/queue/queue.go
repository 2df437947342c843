// Package queue carries airdrop requests and transition events over Kafka,
// or over newline-delimited stdin/stdout for local runs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// Topics used by the airdrop binaries.
const (
	TopicRequests    = "airdrop.requests.v1"
	TopicTransitions = "airdrop.transitions.v1"
)

const envKafkaTLS = "AIRDROP_QUEUE_KAFKA_TLS"

var (
	ErrInvalidConfig     = errors.New("queue: invalid config")
	ErrUnsupportedDriver = errors.New("queue: unsupported driver")
)

// Message is one record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Timestamp is the broker time (Kafka) or the local read time (stdio).
	Timestamp time.Time

	ack func(context.Context) error
}

// Ack marks the message processed. Drivers without offsets treat it as a no-op.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Consumer consumes queue messages asynchronously.
type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes records. Records sharing a key keep their relative order.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// ConsumerConfig configures queue consumers.
type ConsumerConfig struct {
	Driver string

	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int

	Reader       io.Reader
	MaxLineBytes int
}

// ProducerConfig configures queue producers.
type ProducerConfig struct {
	Driver string

	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration

	Writer io.Writer
}

// NewConsumer creates a queue consumer for the configured driver.
func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		c, err := newKafkaConsumer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// NewProducer creates a queue producer for the configured driver.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driver(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

func driver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return DriverKafka
	}
	return v
}

// SplitCommaList splits a flag value such as "b1:9092, b2:9092".
func SplitCommaList(s string) []string {
	return compact(strings.Split(s, ","))
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
