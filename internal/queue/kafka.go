package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
)

type kafkaConsumer struct {
	reader *kafka.Reader
	msgs   chan Message
	errs   chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	brokers := compact(cfg.Brokers)
	topics := compact(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs a broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer needs a group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs a topic", ErrInvalidConfig)
	}
	minBytes, maxBytes := cfg.KafkaMinBytes, cfg.KafkaMaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes below min bytes", ErrInvalidConfig)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if kafkaTLSEnabled() {
		rc.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS:     &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(rc),
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)
	defer close(c.errs)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			select {
			case c.errs <- err:
			case <-ctx.Done():
				return
			}
			continue
		}
		msg := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ack: func(ctx context.Context) error {
				return c.reader.CommitMessages(ctx, km)
			},
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgs }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer needs a broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	transport := &kafka.Transport{ClientID: strings.TrimSpace(cfg.ClientID)}
	if kafkaTLSEnabled() {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &kafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
		Transport:    transport,
	}}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }
