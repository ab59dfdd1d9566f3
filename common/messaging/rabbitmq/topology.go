// Package rabbitmq implements the RabbitMQ side of messaging: topology
// declaration, consumer sessions and a publisher.
package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kada-mandiya/analytics/common/config"
)

// DefaultDLX is the dead-letter exchange used when none is configured.
const DefaultDLX = "analytics.dlx"

// DefaultRoutingKeys are bound when routing_keys is empty.
var DefaultRoutingKeys = []string{"order.*", "payment.*", "review.*"}

// Topology describes the exchange, queue and bindings the consumer and the
// publisher both declare.
type Topology struct {
	Exchange     string
	ExchangeType string
	Queue        string
	RoutingKeys  []string
	// DLQ enables dead-lettering when non-empty.
	DLQ string
	DLX string
}

// TopologyFromConfig normalizes the broker configuration block.
func TopologyFromConfig(cfg config.RabbitMQConfig) Topology {
	keys := make([]string, 0, len(cfg.RoutingKeys))
	for _, k := range cfg.RoutingKeys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				keys = append(keys, part)
			}
		}
	}
	if len(keys) == 0 {
		keys = append(keys, DefaultRoutingKeys...)
	}

	dlx := strings.TrimSpace(cfg.DLX)
	if dlx == "" {
		dlx = DefaultDLX
	}

	return Topology{
		Exchange:     cfg.Exchange,
		ExchangeType: ExchangeKind(cfg.ExchangeType),
		Queue:        cfg.Queue,
		RoutingKeys:  keys,
		DLQ:          strings.TrimSpace(cfg.DLQ),
		DLX:          dlx,
	}
}

// HasDLQ reports whether rejected messages are routed to a dead-letter queue.
func (t Topology) HasDLQ() bool {
	return t.DLQ != ""
}

// ExchangeKind maps a configured exchange type to an AMQP kind.
// Unknown values fall back to topic.
func ExchangeKind(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case amqp.ExchangeDirect:
		return amqp.ExchangeDirect
	case amqp.ExchangeFanout:
		return amqp.ExchangeFanout
	case amqp.ExchangeHeaders:
		return amqp.ExchangeHeaders
	default:
		return amqp.ExchangeTopic
	}
}

// Declarer is the part of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the exchange, the optional dead-letter pairing, the
// durable main queue and its bindings. Every step is idempotent.
func (t Topology) Declare(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, t.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.Exchange, err)
	}

	var queueArgs amqp.Table
	if t.HasDLQ() {
		if err := ch.ExchangeDeclare(t.DLX, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange %s: %w", t.DLX, err)
		}
		if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DLQ, err)
		}
		if err := ch.QueueBind(t.DLQ, t.DLQ, t.DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead-letter queue %s: %w", t.DLQ, err)
		}
		queueArgs = amqp.Table{
			"x-dead-letter-exchange":    t.DLX,
			"x-dead-letter-routing-key": t.DLQ,
		}
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queue, err)
	}

	for _, key := range t.RoutingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", t.Queue, key, err)
		}
	}
	return nil
}
