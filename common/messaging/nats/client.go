// Package nats provides the NATS side of messaging: connection handling and
// JetStream streams used for dead-letter mirroring and pipeline run events.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/messaging"
)

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS client configuration.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int // -1 reconnects forever
	ReconnectWait time.Duration
	Timeout       time.Duration
	Logger        *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "analytics",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// FromConfig derives a client Config from the shared configuration block.
func FromConfig(cfg config.NATSConfig, name string, logger *slog.Logger) Config {
	c := DefaultConfig()
	if cfg.URL != "" {
		c.URL = cfg.URL
	}
	c.Name = name
	c.MaxReconnects = cfg.MaxReconnects
	if cfg.ReconnectWait > 0 {
		c.ReconnectWait = cfg.ReconnectWait
	}
	c.Logger = logger
	return c
}

// NewClient connects to NATS.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Publish sends a core NATS message.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Publish(ctx, subject, data)
}

// CheckHealth verifies the connection with a server round trip.
func (c *Client) CheckHealth(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.conn.FlushTimeout(timeout)
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Drain gracefully closes, letting in-flight messages complete.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

var _ messaging.HealthChecker = (*Client)(nil)
