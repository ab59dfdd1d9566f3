package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kada-mandiya/analytics/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name      string
	Subjects  []string
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// Streams owned by the analytics services.
var (
	// DeadLetterStream mirrors every dead letter written to the warehouse.
	DeadLetterStream = StreamConfig{
		Name:      "ANALYTICS_DLQ",
		Subjects:  []string{messaging.SubjectDeadLetterPrefix + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024,
		MaxMsgs:   1000000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}

	// PipelineRunsStream records pipeline run transitions.
	PipelineRunsStream = StreamConfig{
		Name:      "ANALYTICS_RUNS",
		Subjects:  []string{messaging.SubjectPipelineRunPrefix + ".>"},
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  64 * 1024 * 1024,
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

// NewJetStreamClient connects and opens a JetStream context.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// Publish publishes msg to JetStream and waits for the server ack.
// Headers carry the message and correlation ids.
func (c *JetStreamClient) Publish(ctx context.Context, msg *messaging.Message) error {
	natsMsg := &nats.Msg{Subject: msg.Subject, Data: msg.Data, Header: nats.Header{}}
	if msg.MessageID != "" {
		natsMsg.Header.Set(jetstream.MsgIDHeader, msg.MessageID)
	}
	if msg.CorrelationID != "" {
		natsMsg.Header.Set("Correlation-Id", msg.CorrelationID)
	}
	for k, v := range msg.Metadata {
		natsMsg.Header.Set(k, v)
	}

	if _, err := c.js.PublishMsg(ctx, natsMsg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Tail streams messages from streamName starting at the last n messages,
// calling handler for each until ctx is done. It uses an ephemeral ordered
// consumer so nothing is acknowledged on the server.
func (c *JetStreamClient) Tail(ctx context.Context, streamName string, n uint64, handler messaging.MessageHandler) error {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info %s: %w", streamName, err)
	}

	cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: jetstream.DeliverNewPolicy}
	if n > 0 && info.State.LastSeq > 0 {
		start := uint64(1)
		if info.State.LastSeq > n {
			start = info.State.LastSeq - n + 1
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start
	}

	consumer, err := stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer on %s: %w", streamName, err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := &messaging.Message{Subject: msg.Subject(), Data: msg.Data()}
		if meta, err := msg.Metadata(); err == nil {
			m.Timestamp = meta.Timestamp
		}
		if headers := msg.Headers(); headers != nil {
			m.MessageID = headers.Get(jetstream.MsgIDHeader)
			m.CorrelationID = headers.Get("Correlation-Id")
		}
		_ = handler(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer cons.Stop()

	<-ctx.Done()
	return nil
}

// ConnectStreams connects to JetStream and makes sure every stream exists.
func ConnectStreams(ctx context.Context, cfg Config, streams ...StreamConfig) (*JetStreamClient, error) {
	js, err := NewJetStreamClient(cfg)
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, s); err != nil {
			js.Close()
			return nil, err
		}
	}
	return js, nil
}
