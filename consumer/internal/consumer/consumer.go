// Package consumer drains the business-events queue into the warehouse.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kada-mandiya/analytics/common/fingerprint"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
	"github.com/kada-mandiya/analytics/common/messaging/rabbitmq"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/common/timeutil"
	"github.com/kada-mandiya/analytics/consumer/internal/mapper"
	"github.com/kada-mandiya/analytics/consumer/internal/metrics"
	"github.com/kada-mandiya/analytics/consumer/internal/persist"
	"github.com/kada-mandiya/analytics/warehouse/deadletter"
)

// DeadLetterSource is recorded on every dead letter the consumer writes.
const DeadLetterSource = "rabbitmq"

// Action is how a delivery is settled.
type Action int

const (
	ActionAck Action = iota
	// ActionReject dead-letters the message at the broker without requeue.
	ActionReject
	// ActionRequeue hands the message back, used when shutting down mid-flight.
	ActionRequeue
)

func (a Action) String() string {
	switch a {
	case ActionReject:
		return "reject"
	case ActionRequeue:
		return "requeue"
	default:
		return "ack"
	}
}

// Store persists canonical events.
type Store interface {
	EnsureTables(ctx context.Context) error
	Persist(ctx context.Context, fp string, ev *mapper.CanonicalEvent) (persist.Result, error)
}

// DeadLetters records messages that could not be ingested.
type DeadLetters interface {
	Write(ctx context.Context, source, reason string, payload any) error
}

// Source is a broker connection delivering messages. The delivery channel
// closes when the connection is lost.
type Source interface {
	Consume(ctx context.Context, top rabbitmq.Topology, prefetch int, tag string) (<-chan messaging.Delivery, error)
	Close() error
}

// Dialer opens a Source.
type Dialer func(url string) (Source, error)

// Config holds the consumer's runtime settings.
type Config struct {
	URL              string
	Topology         rabbitmq.Topology
	Prefetch         int
	Tag              string
	DeadLetterRetry  retry.Policy
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// HealthyAfter is how long a connection must stay up, idle or not,
	// before its loss resets the reconnect backoff.
	HealthyAfter time.Duration
}

// Consumer is the per-message state machine plus the reconnecting run loop.
type Consumer struct {
	cfg    Config
	store  Store
	dead   DeadLetters
	dial   Dialer
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithDialer replaces the RabbitMQ dialer.
func WithDialer(d Dialer) Option {
	return func(c *Consumer) { c.dial = d }
}

// WithClock overrides the clock used for timestamp validation.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// New creates a Consumer.
func New(cfg Config, store Store, dead DeadLetters, opts ...Option) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = 10 * time.Second
	}
	if cfg.DeadLetterRetry.MaxAttempts == 0 {
		cfg.DeadLetterRetry = retry.Policy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second}
	}

	c := &Consumer{
		cfg:   cfg,
		store: store,
		dead:  dead,
		dial: func(url string) (Source, error) {
			return rabbitmq.Dial(url)
		},
		logger: slog.Default(),
		now:    timeutil.NowUTC,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff after failures. It only returns once ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	bo := retry.Reconnect(c.cfg.ReconnectInitial, c.cfg.ReconnectMax)
	for {
		healthy, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		c.logger.Error("rabbitmq consumer stopped, reconnecting",
			logging.Error(err),
			slog.Duration("backoff", wait))
		metrics.Reconnects.Inc()
		if !retry.Sleep(ctx, wait) {
			return nil
		}
	}
}

var errConnectionLost = errors.New("delivery channel closed")

// runOnce runs one connection lifetime. healthy reports whether a message
// was consumed or the connection stayed up for at least HealthyAfter.
func (c *Consumer) runOnce(ctx context.Context) (healthy bool, err error) {
	if err := c.store.EnsureTables(ctx); err != nil {
		return false, err
	}

	top := c.cfg.Topology
	c.logger.Info("connecting rabbitmq",
		slog.String("exchange", top.Exchange),
		slog.String("queue", top.Queue),
		slog.String("routing_keys", strings.Join(top.RoutingKeys, ",")))

	src, err := c.dial(c.cfg.URL)
	if err != nil {
		return false, err
	}
	defer func() { _ = src.Close() }()

	deliveries, err := src.Consume(ctx, top, c.cfg.Prefetch, c.cfg.Tag)
	if err != nil {
		return false, err
	}
	connectedAt := time.Now()
	c.logger.Info("consumer ready", slog.Int("prefetch", c.cfg.Prefetch))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		consumed bool
	)
	for i := 0; i < c.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				mu.Lock()
				consumed = true
				mu.Unlock()
				c.Handle(ctx, d)
			}
		}()
	}
	wg.Wait()

	return consumed || time.Since(connectedAt) >= c.cfg.HealthyAfter, errConnectionLost
}

// Handle processes d and settles it. Settlement failures are swallowed:
// an unsettled message is redelivered by the broker.
func (c *Consumer) Handle(ctx context.Context, d messaging.Delivery) {
	start := time.Now()
	metrics.InFlight.Inc()
	defer func() {
		metrics.InFlight.Dec()
		metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	action := ActionAck
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("unexpected processing failure",
					logging.RoutingKey(d.Msg().Subject),
					slog.Any("panic", r))
			}
		}()
		action = c.Process(ctx, d)
	}()

	var err error
	switch action {
	case ActionReject:
		err = d.Reject(false)
	case ActionRequeue:
		metrics.MessagesTotal.WithLabelValues("requeued").Inc()
		err = d.Reject(true)
	default:
		err = d.Ack()
	}
	if err != nil {
		c.logger.Debug("failed to settle message",
			slog.String("action", action.String()),
			logging.Error(err))
	}
}

// Process runs the decode, fingerprint, normalize and persist steps and
// decides how the message is settled. Failures are dead-lettered and then
// rejected when the queue has a DLQ, acknowledged otherwise.
func (c *Consumer) Process(ctx context.Context, d messaging.Delivery) Action {
	msg := d.Msg()
	rk := strings.TrimSpace(msg.Subject)
	log := c.logger.With(logging.RoutingKey(rk))

	raw, payload, err := fingerprint.DecodeBody(msg.Data)
	if err != nil {
		log.Warn("invalid json", logging.Error(err))
		return c.fail(ctx, deadletter.ReasonInvalidJSON, rk, msg)
	}

	fp, err := fingerprint.Compute(rk, msg.MessageID, payload)
	if err != nil {
		log.Warn("normalize failed", logging.Error(err))
		return c.fail(ctx, deadletter.ReasonNormalizeFailed, rk, msg)
	}

	ev, err := mapper.Normalize(mapper.Input{
		RoutingKey:      rk,
		MessageID:       msg.MessageID,
		CorrelationID:   msg.CorrelationID,
		Timestamp:       msg.Timestamp,
		Payload:         payload,
		RawJSON:         raw,
		SessionFallback: sessionFallback(fp),
	}, c.now())
	if err != nil {
		log.Warn("normalize failed", logging.Error(err))
		return c.fail(ctx, deadletter.ReasonNormalizeFailed, rk, msg)
	}

	res, err := c.store.Persist(ctx, fp, ev)
	if err != nil {
		if ctx.Err() != nil {
			return ActionRequeue
		}
		log.Error("db insert failed", logging.Error(err))
		return c.fail(ctx, deadletter.ReasonDBInsertFailed, rk, msg)
	}

	if res.Inserted {
		metrics.MessagesTotal.WithLabelValues("inserted").Inc()
		metrics.BronzeRowsTotal.WithLabelValues(string(res.Target)).Add(float64(res.Rows))
		log.Info("ingested",
			logging.EventType(ev.EventType),
			slog.String("table", string(res.Target)),
			slog.Int("rowcount", res.Rows))
	} else {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate skipped", logging.Fingerprint(fp))
	}
	return ActionAck
}

func (c *Consumer) fail(ctx context.Context, reason, rk string, msg *messaging.Message) Action {
	metrics.MessagesTotal.WithLabelValues("dead_lettered").Inc()
	metrics.DeadLettersTotal.WithLabelValues(reason).Inc()

	payload := map[string]any{
		"routing_key": rk,
		"message_id":  nil,
		"body":        fingerprint.ToValidUTF8(msg.Data),
	}
	if msg.MessageID != "" {
		payload["message_id"] = msg.MessageID
	}

	// The write outlives shutdown; each attempt is still bounded by the
	// sink's write timeout.
	err := retry.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return c.dead.Write(ctx, DeadLetterSource, reason, payload)
	}, c.cfg.DeadLetterRetry)
	if err != nil {
		c.logger.Error("failed to write dead letter",
			logging.RoutingKey(rk),
			logging.Reason(reason),
			logging.Error(err))
		if ctx.Err() != nil {
			return ActionRequeue
		}
	}

	if c.cfg.Topology.HasDLQ() {
		return ActionReject
	}
	return ActionAck
}

func sessionFallback(fp string) string {
	if len(fp) > mapper.MaxSessionID {
		return fp[:mapper.MaxSessionID]
	}
	return fp
}

// String describes the consumer for startup logs.
func (c *Consumer) String() string {
	return fmt.Sprintf("consumer(queue=%s, prefetch=%d, dlq=%t)",
		c.cfg.Topology.Queue, c.cfg.Prefetch, c.cfg.Topology.HasDLQ())
}
