package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// stdioConsumer yields one message per input line. Keys are not carried.
type stdioConsumer struct {
	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) *stdioConsumer {
	var r io.Reader = os.Stdin
	if cfg.Reader != nil {
		r = cfg.Reader
	}
	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
	}
	go func() {
		defer close(c.msgs)
		defer close(c.errs)

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 1024), maxLine)
		for sc.Scan() {
			if len(sc.Bytes()) == 0 {
				continue
			}
			msg := Message{
				Value:     append([]byte(nil), sc.Bytes()...),
				Timestamp: time.Now().UTC(),
			}
			select {
			case c.msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			select {
			case c.errs <- err:
			case <-ctx.Done():
			}
		}
	}()
	return c
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgs }
func (c *stdioConsumer) Errors() <-chan error     { return c.errs }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	if cfg.Writer != nil {
		return &stdioProducer{w: cfg.Writer}
	}
	return &stdioProducer{w: os.Stdout}
}

// Publish writes payload followed by a newline. Topic and key are dropped.
func (p *stdioProducer) Publish(_ context.Context, _ string, _, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, 0, len(payload)+1)
	buf = append(append(buf, payload...), '\n')
	_, err := p.w.Write(buf)
	return err
}

func (p *stdioProducer) Close() error { return nil }
