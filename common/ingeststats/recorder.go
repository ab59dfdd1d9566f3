package ingeststats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder is the write side used by request handlers.
type Recorder interface {
	Record(source string, accepted, deadLettered int64, clientIP string)
}

// Nop discards every record. Used when Redis is disabled.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(string, int64, int64, string) {}

// Collector accumulates ingestion outcomes and flushes them to Redis periodically.
// Safe for concurrent use from multiple goroutines.
type Collector struct {
	client        *Client
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	batches map[string]*Batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector and starts its background flush loop.
func NewCollector(client *Client, flushInterval time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger,
		batches:       make(map[string]*Batch),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

// Record accumulates one request's outcome for later flushing.
func (c *Collector) Record(source string, accepted, deadLettered int64, clientIP string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.batches[source]
	if !ok {
		batch = NewBatch(source)
		c.batches[source] = batch
	}
	batch.Add(accepted, deadLettered, clientIP)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, batch := range batches {
		if err := c.client.FlushBatch(ctx, batch); err != nil {
			c.logger.Error("failed to flush ingest stats",
				slog.String("source", batch.Source),
				slog.Int64("accepted", batch.Accepted),
				slog.String("error", err.Error()),
			)
			// Merge back so the next tick retries.
			c.mu.Lock()
			if existing, ok := c.batches[batch.Source]; ok {
				existing.merge(batch)
			} else {
				c.batches[batch.Source] = batch
			}
			c.mu.Unlock()
		}
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Pending returns accepted counts not yet flushed, keyed by source.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.batches))
	for source, batch := range c.batches {
		out[source] = batch.Accepted
	}
	return out
}

// Stop stops the flush loop after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}
