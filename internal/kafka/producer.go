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

var (
	ErrClosed = errors.New("publisher closed")
	// ErrChannelLost marks a send that failed because the connection went away.
	// The message was not accepted and may be retried on a new channel.
	ErrChannelLost = errors.New("broker channel lost")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	}
	return "disconnected"
}

// Channel is one open, flow-controlled path to the broker.
type Channel interface {
	Send(ctx context.Context, m kafka.Message) error
	Close() error
}

// Dialer opens channels; it is called again after every loss.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

type PublisherConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Prefetch bounds how many sends may be unacknowledged at once.
	Prefetch int
}

// Publisher keeps one channel open through a supervisor loop and publishes
// over it. Construct with NewPublisher and start Run in its own goroutine.
type Publisher struct {
	dialer Dialer
	cfg    PublisherConfig
	log    *zap.Logger
	after  func(time.Duration) <-chan time.Time

	mu    sync.Mutex
	state State
	ch    Channel
	lost  chan struct{} // closed when ch is lost
	ready chan struct{} // closed when state becomes Ready

	window    chan struct{}
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewPublisher(d Dialer, cfg PublisherConfig, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Publisher{
		dialer:  d,
		cfg:     cfg,
		log:     log,
		after:   time.After,
		state:   StateDisconnected,
		ready:   make(chan struct{}),
		window:  make(chan struct{}, cfg.Prefetch),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run dials, waits for loss, and redials with capped exponential backoff
// until ctx ends or Close is called.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	defer p.teardown()

	bo := p.backoff()
	for {
		p.setState(StateConnecting)
		ch, err := p.dialer.Dial(ctx)
		if err != nil {
			p.setState(StateDisconnected)
			delay := bo.NextBackOff()
			p.log.Warn("broker connect failed", zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-p.after(delay):
			case <-ctx.Done():
				return
			case <-p.closeCh:
				return
			}
			continue
		}

		bo.Reset()
		lost := p.online(ch)
		p.log.Info("broker channel ready")

		select {
		case <-lost:
			p.log.Warn("broker channel lost, reconnecting")
			_ = ch.Close()
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		}
	}
}

// backoff never gives up; Run only stops on ctx or Close.
func (p *Publisher) backoff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.InitialBackoff,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         p.cfg.MaxBackoff,
	}
	bo.Reset()
	return bo
}

// Publish sends one message, waiting for a ready channel and a free slot in
// the unacknowledged window. A send that fails with ErrChannelLost is retried
// on the next channel; ctx bounds the whole attempt.
func (p *Publisher) Publish(ctx context.Context, routingKey, key string, body []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderRoutingKey, Value: []byte(routingKey)},
		},
	}
	msg.Headers = InjectTrace(ctx, msg.Headers)

	for {
		ch, lost, err := p.waitReady(ctx)
		if err != nil {
			return err
		}

		select {
		case p.window <- struct{}{}:
		case <-lost:
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closeCh:
			return ErrClosed
		}
		err = ch.Send(ctx, msg)
		<-p.window

		if errors.Is(err, ErrChannelLost) {
			p.markLost(ch)
			p.log.Warn("publish interrupted by channel loss, retrying", zap.String("routing_key", routingKey), zap.Error(err))
			continue
		}
		return err
	}
}

// Close stops the supervisor; pending and future publishes get ErrClosed.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.closeCh)
	})
}

// WaitClosed blocks until Run has returned.
func (p *Publisher) WaitClosed() { <-p.done }

func (p *Publisher) waitReady(ctx context.Context) (Channel, <-chan struct{}, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, ErrClosed
		}
		if p.state == StateReady {
			ch, lost := p.ch, p.lost
			p.mu.Unlock()
			return ch, lost, nil
		}
		ready := p.ready
		p.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-p.closeCh:
			return nil, nil, ErrClosed
		}
	}
}

func (p *Publisher) online(ch Channel) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = ch
	p.lost = make(chan struct{})
	p.state = StateReady
	close(p.ready)
	return p.lost
}

// markLost is a no-op unless ch is still the current channel.
func (p *Publisher) markLost(ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != ch || p.state != StateReady {
		return
	}
	p.state = StateDisconnected
	p.ch = nil
	p.ready = make(chan struct{})
	close(p.lost)
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateReady && s != StateReady {
		p.ready = make(chan struct{})
	}
	p.state = s
}

func (p *Publisher) teardown() {
	p.mu.Lock()
	ch := p.ch
	p.ch = nil
	if p.state == StateReady {
		p.ready = make(chan struct{})
	}
	p.state = StateDisconnected
	p.mu.Unlock()
	if ch != nil {
		if err := ch.Close(); err != nil {
			p.log.Warn("close broker channel", zap.Error(err))
		}
	}
}
