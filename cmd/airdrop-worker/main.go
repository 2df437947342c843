package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tsender/airdrop/internal/bootstrap"
	"github.com/tsender/airdrop/internal/queue"
	"github.com/tsender/airdrop/internal/secrets"
	"github.com/tsender/airdrop/internal/worker"
)

func main() {
	chainFlags := bootstrap.RegisterChainFlags(flag.CommandLine)
	eventFlags := bootstrap.RegisterEventFlags(flag.CommandLine)

	var (
		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "airdrop-worker", "queue consumer group (required for kafka)")
		queueTopics   = flag.String("queue-topics", queue.TopicRequests, "comma-separated queue topics")
		maxLineBytes  = flag.Int("max-line-bytes", 8<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		retries    = flag.Int("retry", 0, "retry a retryable failure up to N times per request")
		retryWait  = flag.Duration("retry-wait", 5*time.Second, "pause before each retry")
		runTimeout = flag.Duration("run-timeout", 30*time.Minute, "timeout for one request, retries included")
		remember   = flag.Int("remember", 1024, "finished request ids kept to drop redeliveries")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := chainFlags.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := eventFlags.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *maxLineBytes <= 0 || *queueMaxBytes <= 0 || *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes, --queue-max-bytes and --queue-ack-timeout must be > 0")
		os.Exit(2)
	}
	if *retries < 0 || *retryWait < 0 || *runTimeout <= 0 || *remember <= 0 {
		fmt.Fprintln(os.Stderr, "error: --retry and --retry-wait must be >= 0; --run-timeout and --remember must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := bootstrap.DialChain(ctx, chainFlags, &secrets.Resolver{}, log)
	if err != nil {
		log.Error("connect", "err", err)
		os.Exit(1)
	}
	defer c.Close()
	owner := c.Gateway.Owner()

	ev, err := bootstrap.NewEvents(eventFlags, owner.Hex(), log)
	if err != nil {
		log.Error("init events", "err", err)
		os.Exit(2)
	}
	defer func() { _ = ev.Close() }()

	orch, err := c.Orchestrator(ev.Observe(ctx), log)
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	w, err := worker.New(worker.Config{
		Retries:    *retries,
		RetryWait:  *retryWait,
		RunTimeout: *runTimeout,
		Remember:   *remember,
	}, orch, c.Gateway, ev, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        queue.SplitCommaList(*queueTopics),
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("airdrop worker started",
		"owner", owner,
		"chainID", c.ChainID,
		"queueDriver", *queueDriver,
		"topics", *queueTopics,
		"retry", *retries,
	)

	msgCh := consumer.Messages()
	errCh := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case qmsg, ok := <-msgCh:
			if !ok {
				log.Info("queue closed")
				return
			}
			out := w.Handle(ctx, qmsg.Value)
			if !out.Ack {
				log.Info("leaving message unacknowledged", "id", out.RequestID, "topic", qmsg.Topic)
				continue
			}
			ackMessage(qmsg, *ackTimeout, log)
		}
	}
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
