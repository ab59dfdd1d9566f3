// Package deadletter captures events that could not be processed.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/fingerprint"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/messaging"
)

// Reasons shared by the collector and the consumer.
const (
	ReasonInvalidJSON       = "invalid_json"
	ReasonInvalidEventShape = "invalid_event_shape"
	ReasonMissingEventType  = "missing_event_type"
	ReasonNormalizeFailed   = "normalize_failed"
	ReasonDBInsertFailed    = "db_insert_failed"
)

// ValidationError returns the reason for a schema failure of eventType.
func ValidationError(eventType string) string {
	return "validation_error:" + eventType
}

// DBInsertError returns the reason for a writer failure of eventType.
func DBInsertError(eventType string) string {
	return "db_insert_error:" + eventType
}

// Record is a stored dead letter.
type Record struct {
	ID       string    `json:"dead_letter_id" yaml:"dead_letter_id"`
	FailedAt time.Time `json:"failed_at" yaml:"failed_at"`
	Source   string    `json:"source" yaml:"source"`
	Reason   string    `json:"reason" yaml:"reason"`
	Payload  string    `json:"payload" yaml:"payload"`
}

// Mirror receives a copy of every stored dead letter.
type Mirror interface {
	Publish(ctx context.Context, msg *messaging.Message) error
}

// Sink appends to ops.dead_letter_events.
type Sink struct {
	db     *database.Postgres
	mirror Mirror
	logger *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithMirror publishes each stored dead letter to m after the insert.
func WithMirror(m Mirror) Option {
	return func(s *Sink) { s.mirror = m }
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// NewSink creates a sink over db.
func NewSink(db *database.Postgres, opts ...Option) *Sink {
	s := &Sink{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write stores one dead letter. It joins the transaction carried by ctx, if any.
func (s *Sink) Write(ctx context.Context, source, reason string, payload any) error {
	src, rsn := clip(source, 50), clip(reason, 500)
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter payload: %w", err)
	}

	sql, args, err := s.db.Builder.
		Insert("ops.dead_letter_events").
		Columns("source", "reason", "payload").
		Values(src, rsn, body).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build dead letter insert: %w", err)
	}

	wctx, cancel := database.WriteContext(ctx)
	defer cancel()
	if _, err := s.db.GetExecutor(ctx).Exec(wctx, sql, args...); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}

	s.publishMirror(ctx, src, rsn, body)
	return nil
}

// WriteBestEffort is Write for failure branches: a secondary failure is
// logged and swallowed so it never masks the original error.
func (s *Sink) WriteBestEffort(ctx context.Context, source, reason string, payload any) {
	if err := s.Write(ctx, source, reason, payload); err != nil {
		s.logger.ErrorContext(ctx, "failed to write dead letter",
			logging.Source(source),
			logging.Reason(reason),
			logging.Error(err),
		)
	}
}

// Recent returns the newest dead letters first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	sql, args, err := s.db.Builder.
		Select("dead_letter_id::text", "failed_at", "source", "reason", "payload").
		From("ops.dead_letter_events").
		OrderBy("failed_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build dead letter query: %w", err)
	}

	qctx, cancel := database.QueryContext(ctx)
	defer cancel()
	rows, err := s.db.GetExecutor(ctx).Query(qctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.FailedAt, &r.Source, &r.Reason, &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		r.FailedAt = r.FailedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

type mirrorBody struct {
	Source  string `json:"source"`
	Reason  string `json:"reason"`
	Payload string `json:"payload"`
}

func (s *Sink) publishMirror(ctx context.Context, source, reason, body string) {
	if s.mirror == nil {
		return
	}
	data, err := json.Marshal(mirrorBody{Source: source, Reason: reason, Payload: body})
	if err == nil {
		err = s.mirror.Publish(ctx, &messaging.Message{
			Subject:     messaging.DeadLetterSubject(reason),
			Data:        data,
			ContentType: "application/json",
			Timestamp:   time.Now().UTC(),
		})
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to mirror dead letter",
			logging.Reason(reason),
			logging.Error(err),
		)
	}
}

// encodePayload keeps strings verbatim and renders everything else as
// compact JSON with non-ASCII characters and HTML left unescaped.
func encodePayload(payload any) (string, error) {
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	case []byte:
		body = fingerprint.ToValidUTF8(v)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return "", err
		}
		body = strings.TrimSuffix(buf.String(), "\n")
	}
	// PostgreSQL text cannot hold NUL.
	return strings.ReplaceAll(body, "\x00", "�"), nil
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "unknown"
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
