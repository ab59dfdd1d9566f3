// Package ingest validates collector batches and writes them to the bronze
// schema, dead-lettering every item that cannot be stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kada-mandiya/analytics/collector/internal/events"
	"github.com/kada-mandiya/analytics/collector/internal/metrics"
	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/validation"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
	"github.com/kada-mandiya/analytics/warehouse/deadletter"
)

// SourceCollector is the dead-letter source for failures that precede
// knowing the event's own source.
const SourceCollector = "collector"

// Result counts the outcome of one batch. Accepted + DeadLettered always
// equals the number of items.
type Result struct {
	Accepted     int `json:"accepted"`
	DeadLettered int `json:"dead_lettered"`
}

// DeadLetters stores items that could not be ingested.
type DeadLetters interface {
	Write(ctx context.Context, source, reason string, payload any) error
}

// Service ingests batches.
type Service struct {
	db     *database.Postgres
	writer *bronze.Writer
	dead   DeadLetters
	logger *slog.Logger
}

// NewService creates a Service writing through db.
func NewService(db *database.Postgres, dead DeadLetters, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, writer: bronze.NewWriter(db), dead: dead, logger: logger}
}

// Ingest processes items in order inside one transaction. Item failures are
// dead-lettered and counted; the error is reserved for failing to open or
// commit the transaction itself.
func (s *Service) Ingest(ctx context.Context, items []any, receivedAt time.Time) (Result, error) {
	var res Result
	start := time.Now()
	metrics.BatchSize.Observe(float64(len(items)))

	bctx, cancel := database.BulkContext(ctx)
	defer cancel()

	err := s.db.WithinTransaction(bctx, func(tx context.Context) error {
		res = Result{}
		for idx, item := range items {
			if s.ingestOne(tx, idx, item, receivedAt) {
				res.Accepted++
			} else {
				res.DeadLettered++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ingest batch: %w", err)
	}

	metrics.IngestDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// ingestOne reports whether item was accepted.
func (s *Service) ingestOne(ctx context.Context, idx int, item any, receivedAt time.Time) bool {
	raw, ok := item.(map[string]any)
	if !ok {
		s.deadLetter(ctx, SourceCollector, deadletter.ReasonInvalidEventShape, "", map[string]any{
			"index": idx,
			"event": item,
		})
		return false
	}

	source := sourceOf(raw)
	eventType, _ := raw["event_type"].(string)
	if strings.TrimSpace(eventType) == "" {
		s.deadLetter(ctx, source, deadletter.ReasonMissingEventType, "", raw)
		return false
	}

	parsed, err := events.Parse(raw, receivedAt)
	if err != nil {
		s.logger.WarnContext(ctx, "event failed validation",
			logging.EventType(eventType),
			logging.Error(err),
		)
		s.deadLetter(ctx, source, deadletter.ValidationError(eventType), eventType, map[string]any{
			"event": raw,
			"error": issues(err),
		})
		return false
	}

	target, err := write(ctx, s.writer, parsed, raw, receivedAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "event insert failed",
			logging.EventType(eventType),
			logging.EventID(parsed.Event.Common().EventID.String()),
			logging.Error(err),
		)
		s.deadLetter(ctx, source, deadletter.DBInsertError(eventType), eventType, map[string]any{
			"event": raw,
			"error": err.Error(),
		})
		return false
	}

	s.logger.DebugContext(ctx, "ingested event",
		logging.EventType(eventType),
		logging.EventID(parsed.Event.Common().EventID.String()),
		slog.String("table", target),
	)
	metrics.EventsTotal.WithLabelValues("accepted", eventLabel(eventType)).Inc()
	return true
}

// deadLetter writes in a savepoint so a failed write cannot abort the batch.
func (s *Service) deadLetter(ctx context.Context, source, reason, eventType string, payload any) {
	metrics.DeadLettersTotal.WithLabelValues(metricReason(reason)).Inc()
	metrics.EventsTotal.WithLabelValues("dead_lettered", eventLabel(eventType)).Inc()

	err := s.db.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.dead.Write(ctx, source, reason, payload)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to write dead letter",
			logging.Source(source),
			logging.Reason(reason),
			logging.Error(err),
		)
	}
}

func sourceOf(raw map[string]any) string {
	switch v := raw["source"].(type) {
	case nil:
		return "unknown"
	case string:
		if v == "" {
			return "unknown"
		}
		return v
	default:
		return fmt.Sprint(v)
	}
}

func issues(err error) any {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return verr.Issues
	}
	return []validation.Issue{{Loc: []string{"__root__"}, Msg: err.Error(), Type: "value_error"}}
}

func eventLabel(eventType string) string {
	switch {
	case eventType == "":
		return "none"
	case events.HasSchema(eventType):
		return eventType
	default:
		return "business"
	}
}

// metricReason drops the event type suffix to keep label cardinality fixed.
func metricReason(reason string) string {
	prefix, _, _ := strings.Cut(reason, ":")
	return prefix
}
