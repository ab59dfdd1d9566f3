package rabbitmq

import (
	"context"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kada-mandiya/analytics/common/messaging"
)

// Session is one AMQP connection with a single channel.
type Session struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan *amqp.Error
	done   atomic.Bool
}

// Dial opens a connection and a channel.
func Dial(url string) (*Session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	s := &Session{conn: conn, ch: ch, closed: make(chan *amqp.Error, 1)}
	conn.NotifyClose(s.closed)
	return s, nil
}

// Channel exposes the underlying channel.
func (s *Session) Channel() *amqp.Channel {
	return s.ch
}

// NotifyClose yields once when the connection closes. A nil value means a
// graceful close.
func (s *Session) NotifyClose() <-chan *amqp.Error {
	return s.closed
}

// IsClosed reports whether the connection is gone.
func (s *Session) IsClosed() bool {
	return s.done.Load() || s.conn.IsClosed()
}

// Consume applies prefetch, declares topology and starts consuming the main
// queue with manual acknowledgements. The returned channel closes when the
// connection or channel goes away or ctx is cancelled.
func (s *Session) Consume(ctx context.Context, top Topology, prefetch int, tag string) (<-chan messaging.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := s.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	if err := top.Declare(s.ch); err != nil {
		return nil, err
	}

	src, err := s.ch.ConsumeWithContext(ctx, top.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", top.Queue, err)
	}

	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- &delivery{d: d}:
				case <-ctx.Done():
					// Unsettled; the broker redelivers it after the channel closes.
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the channel and the connection.
func (s *Session) Close() error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	_ = s.ch.Close()
	if err := s.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

// Probe dials url and closes the connection straight away.
func Probe(ctx context.Context, url string) error {
	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(url)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return r.conn.Close()
	}
}

type delivery struct {
	d   amqp.Delivery
	msg *messaging.Message
}

func (d *delivery) Msg() *messaging.Message {
	if d.msg == nil {
		d.msg = &messaging.Message{
			Subject:       d.d.RoutingKey,
			Data:          d.d.Body,
			MessageID:     d.d.MessageId,
			CorrelationID: d.d.CorrelationId,
			ContentType:   d.d.ContentType,
			Timestamp:     d.d.Timestamp,
		}
	}
	return d.msg
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	return d.d.Reject(requeue)
}
