package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kada-mandiya/analytics/common/messaging"
)

// ErrBreakerOpen is returned while the publisher fails fast.
var ErrBreakerOpen = errors.New("rabbitmq publisher circuit open")

// BreakerSettings tunes the publish circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Publisher publishes persistent JSON messages to the topology exchange.
// It lazily (re)connects, declares the same topology as the consumer so
// nothing is dropped before a consumer has started, and retries a failed
// publish once on a fresh connection.
type Publisher struct {
	url      string
	topology Topology
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker[struct{}]

	mu      sync.Mutex
	session *Session

	dial func(url string) (*Session, error)
}

// NewPublisher creates a Publisher. No connection is made until the first
// Publish or Connect.
func NewPublisher(url string, top Topology, bs BreakerSettings, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = 5
	}
	if bs.OpenTimeout <= 0 {
		bs.OpenTimeout = 30 * time.Second
	}

	p := &Publisher{url: url, topology: top, logger: logger, dial: Dial}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "rabbitmq-publisher",
		MaxRequests: 1,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("publisher circuit state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return p
}

// Connect establishes the session eagerly.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.ensureSession()
	return err
}

// BreakerState reports the circuit state for metrics and health output.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

// Publish sends msg to the exchange with msg.Subject as the routing key.
func (p *Publisher) Publish(ctx context.Context, msg *messaging.Message) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.publishWithReconnect(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return err
}

func (p *Publisher) publishWithReconnect(ctx context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishLocked(ctx, msg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	p.logger.Warn("publish failed, reconnecting", slog.String("error", err.Error()))
	p.resetLocked()
	return p.publishLocked(ctx, msg)
}

func (p *Publisher) publishLocked(ctx context.Context, msg *messaging.Message) error {
	s, err := p.ensureSession()
	if err != nil {
		return err
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	err = s.Channel().PublishWithContext(ctx, p.topology.Exchange, msg.Subject, false, false, amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     ts,
		Body:          msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (p *Publisher) ensureSession() (*Session, error) {
	if p.session != nil && !p.session.IsClosed() {
		return p.session, nil
	}
	s, err := p.dial(p.url)
	if err != nil {
		return nil, err
	}
	if err := p.topology.Declare(s.Channel()); err != nil {
		_ = s.Close()
		return nil, err
	}
	p.session = s
	return s, nil
}

func (p *Publisher) resetLocked() {
	if p.session != nil {
		_ = p.session.Close()
		p.session = nil
	}
}

// CheckHealth reports whether a broker connection can be held.
func (p *Publisher) CheckHealth(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.ensureSession()
	return err
}

// Close closes the underlying session.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

var (
	_ messaging.Publisher     = (*Publisher)(nil)
	_ messaging.HealthChecker = (*Publisher)(nil)
)
