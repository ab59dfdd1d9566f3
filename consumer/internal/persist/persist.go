// Package persist stores canonical events in the bronze schema exactly once.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/common/logging"
	"github.com/kada-mandiya/analytics/common/retry"
	"github.com/kada-mandiya/analytics/common/timeutil"
	"github.com/kada-mandiya/analytics/consumer/internal/mapper"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
	"github.com/kada-mandiya/analytics/warehouse/idempotency"
)

// Result describes what one Persist call wrote.
type Result struct {
	// Inserted is false when the message was a duplicate.
	Inserted bool
	Target   Target
	// Rows counts bronze rows written, including the order/payment projection.
	Rows int
}

// Persister claims, routes and writes events in one transaction.
type Persister struct {
	db     *database.Postgres
	ledger *idempotency.Ledger
	writer *bronze.Writer
	source string
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Persister.
type Option func(*Persister)

// WithRetry sets the retry policy wrapped around each transaction.
func WithRetry(p retry.Policy) Option {
	return func(ps *Persister) { ps.policy = p }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(ps *Persister) { ps.logger = l }
}

// WithClock overrides the clock used for first_seen_at.
func WithClock(now func() time.Time) Option {
	return func(ps *Persister) { ps.now = now }
}

// New creates a Persister recording claims under source.
func New(db *database.Postgres, source string, opts ...Option) *Persister {
	p := &Persister{
		db:     db,
		ledger: idempotency.NewLedger(db),
		writer: bronze.NewWriter(db),
		source: source,
		policy: retry.Policy{MaxAttempts: 5, Initial: 500 * time.Millisecond, Max: 10 * time.Second},
		logger: slog.Default(),
		now:    timeutil.NowUTC,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// EnsureTables creates the idempotency tables when they are missing.
func (p *Persister) EnsureTables(ctx context.Context) error {
	return p.ledger.EnsureTables(ctx)
}

// Persist claims fp (and the natural event id, when the event carries one)
// and writes ev to its bronze table. A duplicate returns Inserted=false and
// no error. The whole transaction is retried under the configured policy
// while the failure is transient.
func (p *Persister) Persist(ctx context.Context, fp string, ev *mapper.CanonicalEvent) (Result, error) {
	var res Result

	policy := p.policy
	policy.Retryable = database.IsTransient
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		p.logger.Warn("retrying event insert",
			logging.RoutingKey(ev.RoutingKey),
			logging.Attempt(attempt),
			logging.Error(err),
			slog.Duration("wait", wait))
	}

	err := retry.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = p.persistOnce(ctx, fp, ev)
		return err
	}, policy)
	return res, err
}

func (p *Persister) persistOnce(ctx context.Context, fp string, ev *mapper.CanonicalEvent) (Result, error) {
	res := Result{Target: Route(ev)}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	err := p.db.WithinTransaction(ctx, func(ctx context.Context) error {
		firstSeen := p.now()

		claimed, err := p.ledger.ClaimFingerprint(ctx, fp, firstSeen, p.source)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		if ev.NaturalID {
			claimed, err = p.ledger.ClaimEventID(ctx, ev.EventID, firstSeen, ev.RoutingKey, ev.MessageID, p.source)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
		}

		inserted, err := p.write(ctx, res.Target, ev)
		if err != nil {
			return fmt.Errorf("failed to insert into %s: %w", res.Target, err)
		}
		if !inserted {
			return nil
		}
		res.Inserted, res.Rows = true, 1

		if res.Target == TargetBusiness && mapper.IsPaidRoutingKey(ev.RoutingKey) {
			ok, err := p.writer.InsertOrderPayment(ctx, orderPaymentRow(ev))
			if err != nil {
				return fmt.Errorf("failed to insert order payment event: %w", err)
			}
			if ok {
				res.Rows++
			}
		}
		return nil
	})
	if err != nil {
		return Result{Target: res.Target}, err
	}
	return res, nil
}

func (p *Persister) write(ctx context.Context, target Target, ev *mapper.CanonicalEvent) (bool, error) {
	switch target {
	case TargetPageView:
		return p.writer.InsertPageView(ctx, pageViewRow(ev))
	case TargetClick:
		return p.writer.InsertClick(ctx, clickRow(ev))
	case TargetCart:
		return p.writer.InsertCart(ctx, cartRow(ev))
	case TargetCheckout:
		return p.writer.InsertCheckout(ctx, checkoutRow(ev))
	default:
		return p.writer.InsertBusiness(ctx, businessRow(ev))
	}
}
