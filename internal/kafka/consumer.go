package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       Reader
	workers int
	log     *zap.Logger
	// retryDelay and maxRetryDelay bound the pause between attempts at a failed message.
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r Reader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, log: log, retryDelay: 200 * time.Millisecond, maxRetryDelay: 5 * time.Second}
}

// Start fetches until ctx ends. Each partition is pinned to one worker, so
// a partition's messages are handled and committed in offset order. A failed
// message is retried in place; nothing behind it on the same partition is
// committed until it succeeds.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 1)
		wg.Add(1)
		go func(lane <-chan kafka.Message) {
			defer wg.Done()
			for m := range lane {
				if !c.handle(ctx, h, m) {
					return
				}
			}
		}(lanes[i])
	}
	defer wg.Wait()
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			// kecilkan noise saat shutdown
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle runs h until it succeeds, then commits. It reports false when ctx
// ended first; the message is then left uncommitted for redelivery.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	mctx := ExtractTrace(ctx, m.Headers)
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.retryDelay,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         c.maxRetryDelay,
	}
	bo.Reset()
	for attempt := 1; ; attempt++ {
		err := h(mctx, m)
		if err == nil {
			break
		}
		delay := bo.NextBackOff()
		c.log.Warn("handler failed, retrying",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Warn("commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return ctx.Err() == nil
}
