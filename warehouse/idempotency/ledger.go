// Package idempotency implements first-writer-wins claims over content
// fingerprints and natural event ids.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kada-mandiya/analytics/common/database"
)

// DefaultSource is recorded when a claim names no source.
const DefaultSource = "rabbitmq"

const ensureTablesSQL = `
CREATE SCHEMA IF NOT EXISTS ops;
CREATE TABLE IF NOT EXISTS ops.event_fingerprints (
    fingerprint    varchar(64) PRIMARY KEY,
    first_seen_at  timestamptz NOT NULL,
    source         varchar(50) NOT NULL
);
CREATE TABLE IF NOT EXISTS ops.processed_events (
    event_id       uuid PRIMARY KEY,
    first_seen_at  timestamptz NOT NULL,
    routing_key    varchar(200) NULL,
    message_id     varchar(128) NULL,
    source         varchar(50) NOT NULL
);`

// Ledger records claims in ops.event_fingerprints and ops.processed_events.
// Claims join the transaction carried by ctx, if any.
type Ledger struct {
	db *database.Postgres
}

// NewLedger creates a ledger over db.
func NewLedger(db *database.Postgres) *Ledger {
	return &Ledger{db: db}
}

// EnsureTables creates both claim tables if they are missing.
func (l *Ledger) EnsureTables(ctx context.Context) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if _, err := l.db.Pool.Exec(ctx, ensureTablesSQL); err != nil {
		return fmt.Errorf("failed to ensure idempotency tables: %w", err)
	}
	return nil
}

// ClaimFingerprint reports true when this call inserted the fingerprint and
// false when it was already claimed. Any other failure is returned.
func (l *Ledger) ClaimFingerprint(ctx context.Context, fingerprint string, firstSeenAt time.Time, source string) (bool, error) {
	ins := l.db.Builder.
		Insert("ops.event_fingerprints").
		Columns("fingerprint", "first_seen_at", "source").
		Values(fingerprint, firstSeenAt.UTC(), sourceOrDefault(source))

	claimed, err := l.db.InsertIgnoreDuplicate(ctx, ins)
	if err != nil {
		return false, fmt.Errorf("failed to claim fingerprint: %w", err)
	}
	return claimed, nil
}

// ClaimEventID is ClaimFingerprint keyed by business event id.
func (l *Ledger) ClaimEventID(ctx context.Context, eventID uuid.UUID, firstSeenAt time.Time, routingKey, messageID, source string) (bool, error) {
	ins := l.db.Builder.
		Insert("ops.processed_events").
		Columns("event_id", "first_seen_at", "routing_key", "message_id", "source").
		Values(eventID.String(), firstSeenAt.UTC(), nullable(routingKey, 200), nullable(messageID, 128), sourceOrDefault(source))

	claimed, err := l.db.InsertIgnoreDuplicate(ctx, ins)
	if err != nil {
		return false, fmt.Errorf("failed to claim event id: %w", err)
	}
	return claimed, nil
}

func sourceOrDefault(source string) string {
	if source == "" {
		source = DefaultSource
	}
	return truncate(source, 50)
}

// nullable truncates s to n runes and maps the empty string to NULL.
func nullable(s string, n int) any {
	s = truncate(s, n)
	if s == "" {
		return nil
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
