package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/kada-mandiya/analytics/common/database"
	"github.com/kada-mandiya/analytics/warehouse/bronze"
)

// SeedOptions sizes the demo data.
type SeedOptions struct {
	Orders   int
	Users    int
	Products int
	// Lookback bounds both the spread of generated timestamps and the
	// already-seeded check.
	Lookback time.Duration
	Now      func() time.Time
}

func (o SeedOptions) withDefaults() SeedOptions {
	if o.Orders < 1 {
		o.Orders = 120
	}
	if o.Users < 1 {
		o.Users = 50
	}
	if o.Products < 1 {
		o.Products = 20
	}
	if o.Lookback <= 0 {
		o.Lookback = 7 * 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// SeedRunID tags every seeded row of one day, making seeding idempotent
// per day.
func SeedRunID(now time.Time) string {
	return now.UTC().Format("2006-01-02") + "-seed-business"
}

func seedPattern(seedRunID string) string {
	return `%"seed_run_id":"` + seedRunID + `"%`
}

func faker(seedRunID, salt string) *gofakeit.Faker {
	h := fnv.New64a()
	h.Write([]byte(seedRunID))
	h.Write([]byte(salt))
	return gofakeit.New(int64(h.Sum64() >> 1))
}

type orderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type orderPayload struct {
	Meta        map[string]string `json:"meta"`
	OrderID     string            `json:"order_id"`
	UserID      string            `json:"user_id"`
	Currency    string            `json:"currency"`
	TotalAmount string            `json:"total_amount"`
	Items       []orderItem       `json:"items"`
}

// SeedBusiness generates orders with a paid, cancelled or failed
// follow-up into bronze.business_events.
func SeedBusiness(w *bronze.Writer, opts SeedOptions) Stage {
	opts = opts.withDefaults()
	return Stage{
		Name: SeedBusinessEvents,
		Run: func(ctx context.Context, exec database.Executor) (int64, error) {
			now := opts.Now().UTC()
			runID := SeedRunID(now)

			seeded, err := alreadySeeded(ctx, exec, now.Add(-opts.Lookback), runID, "bronze.business_events", "payload")
			if err != nil || seeded {
				return 0, err
			}

			rows, err := generateOrders(now, runID, opts)
			if err != nil {
				return 0, err
			}
			var n int64
			for _, r := range rows {
				ok, err := w.InsertBusiness(ctx, r)
				if err != nil {
					return n, err
				}
				if ok {
					n++
				}
			}
			return n, nil
		},
	}
}

func generateOrders(now time.Time, runID string, opts SeedOptions) ([]bronze.BusinessRow, error) {
	f := faker(runID, "orders")
	days := int(opts.Lookback/(24*time.Hour)) - 1
	if days < 0 {
		days = 0
	}

	rows := make([]bronze.BusinessRow, 0, opts.Orders*2)
	for i := 0; i < opts.Orders; i++ {
		orderID := fmt.Sprintf("ORD-%s-%04d", now.Format("20060102"), i+1)
		userID := fmt.Sprintf("U%03d", f.Number(1, opts.Users))
		correlationID := f.UUID()

		createdAt := now.
			Add(-time.Duration(f.Number(0, days)) * 24 * time.Hour).
			Add(-time.Duration(f.Number(0, 24*60-1)) * time.Minute).
			Add(-time.Duration(f.Number(0, 59)) * time.Second)

		var (
			items []orderItem
			total int64
		)
		for _, pid := range pickProducts(f, f.Number(1, 4), opts.Products) {
			qty := f.Number(1, 4)
			unit := int64(f.Float64Range(120, 3200) * 100)
			line := unit * int64(qty)
			total += line
			items = append(items, orderItem{
				ProductID: pid,
				Quantity:  qty,
				UnitPrice: cents(unit),
				LineTotal: cents(line),
			})
		}

		payload := orderPayload{
			Meta:        map[string]string{"seed_run_id": runID},
			OrderID:     orderID,
			UserID:      userID,
			Currency:    "LKR",
			TotalAmount: cents(total),
			Items:       items,
		}
		created, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		outcome := "order_paid"
		switch p := f.Float64Range(0, 1); {
		case p >= 0.95:
			outcome = "payment.failed"
		case p >= 0.80:
			outcome = "order.cancelled"
		}
		payload.Meta = map[string]string{"seed_run_id": runID, "outcome": outcome}
		followup, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		base := bronze.BusinessRow{
			CorrelationID: bronze.Str(correlationID, 64),
			Service:       "order-service",
			UserID:        bronze.Str(userID, 64),
			EntityID:      bronze.Str(orderID, 64),
		}
		first := base
		first.EventID = uuid.New()
		first.EventTimestamp = createdAt
		first.EventType = "order.created"
		first.Payload = string(created)

		second := base
		second.EventID = uuid.New()
		second.EventTimestamp = createdAt.
			Add(time.Duration(f.Number(1, 30)) * time.Minute).
			Add(time.Duration(f.Number(0, 59)) * time.Second)
		second.EventType = outcome
		second.Payload = string(followup)

		rows = append(rows, first, second)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].EventTimestamp.Before(rows[j].EventTimestamp) })
	return rows, nil
}

func pickProducts(f *gofakeit.Faker, n, products int) []string {
	ids := make([]string, products)
	for i := range ids {
		ids[i] = fmt.Sprintf("P%03d", i+1)
	}
	f.ShuffleStrings(ids)
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

func cents(v int64) string {
	return fmt.Sprintf("%d.%02d", v/100, v%100)
}

// SeedBehavior generates one browsing session per seeded order: home,
// listing, product page, add to cart, checkout click and checkout page,
// all ending at the order's creation time.
func SeedBehavior(w *bronze.Writer, opts SeedOptions) Stage {
	opts = opts.withDefaults()
	return Stage{
		Name: SeedBehaviorEvents,
		Run: func(ctx context.Context, exec database.Executor) (int64, error) {
			now := opts.Now().UTC()
			runID := SeedRunID(now)

			seeded, err := alreadySeeded(ctx, exec, now.Add(-opts.Lookback), runID, "bronze.page_view_events", "properties")
			if err != nil || seeded {
				return 0, err
			}
			sessions, err := loadSeedSessions(ctx, exec, now.Add(-opts.Lookback), runID)
			if err != nil {
				return 0, err
			}

			var n int64
			for _, s := range sessions {
				pvs, clicks := sessionEvents(s, runID, opts.Products)
				for _, r := range pvs {
					ok, err := w.InsertPageView(ctx, r)
					if err != nil {
						return n, err
					}
					if ok {
						n++
					}
				}
				for _, r := range clicks {
					ok, err := w.InsertClick(ctx, r)
					if err != nil {
						return n, err
					}
					if ok {
						n++
					}
				}
			}
			return n, nil
		},
	}
}

type seedSession struct {
	sessionID string
	userID    *string
	productID string
	orderedAt time.Time
}

func alreadySeeded(ctx context.Context, exec database.Executor, since time.Time, runID, table, column string) (bool, error) {
	sql := fmt.Sprintf(`SELECT EXISTS (
		SELECT 1 FROM %s
		WHERE event_timestamp >= $1 AND COALESCE(%s, '') LIKE $2
	)`, table, column)

	var exists bool
	if err := exec.QueryRow(ctx, sql, since, seedPattern(runID)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seed %s: %w", table, err)
	}
	return exists, nil
}

func loadSeedSessions(ctx context.Context, exec database.Executor, since time.Time, runID string) ([]seedSession, error) {
	rows, err := exec.Query(ctx, `
		SELECT event_timestamp, correlation_id, user_id, payload
		FROM bronze.business_events
		WHERE event_timestamp >= $1
		  AND payload LIKE $2
		  AND lower(btrim(event_type)) IN ('order.created', 'order_created')
		  AND correlation_id IS NOT NULL
		ORDER BY event_timestamp`,
		since, seedPattern(runID))
	if err != nil {
		return nil, fmt.Errorf("load seed sessions: %w", err)
	}
	defer rows.Close()

	var out []seedSession
	for rows.Next() {
		var (
			ts            time.Time
			correlationID string
			userID        *string
			payload       string
		)
		if err := rows.Scan(&ts, &correlationID, &userID, &payload); err != nil {
			return nil, fmt.Errorf("scan seed session: %w", err)
		}
		out = append(out, seedSession{
			sessionID: bronze.Truncate(correlationID, 64),
			userID:    userID,
			productID: firstProduct(payload),
			orderedAt: ts.UTC(),
		})
	}
	return out, rows.Err()
}

func firstProduct(payload string) string {
	var p struct {
		ProductID string      `json:"product_id"`
		Items     []orderItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ""
	}
	if len(p.Items) > 0 && p.Items[0].ProductID != "" {
		return bronze.Truncate(p.Items[0].ProductID, 64)
	}
	return bronze.Truncate(p.ProductID, 64)
}

func seedProps(runID, productID, interaction string) *string {
	props := map[string]any{"seed_run_id": runID, "source_type": "seed"}
	if productID != "" {
		props["product_id"] = productID
	}
	if interaction != "" {
		props["interaction_type"] = interaction
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func sessionEvents(s seedSession, runID string, products int) ([]bronze.PageViewRow, []bronze.ClickRow) {
	f := faker(runID, s.sessionID)
	productID := s.productID
	if productID == "" {
		productID = fmt.Sprintf("P%03d", f.Number(1, products))
	}
	productURL := "/products/" + productID
	seconds := func(lo, hi int) time.Duration { return time.Duration(f.Number(lo, hi)) * time.Second }

	t1 := s.orderedAt.Add(-time.Duration(f.Number(2, 20))*time.Minute - seconds(0, 59))
	t2 := t1.Add(seconds(10, 40))
	t3 := t2.Add(seconds(10, 40))
	t4 := t3.Add(seconds(5, 25))
	t5 := t4.Add(seconds(10, 45))
	t6 := t5.Add(seconds(5, 30))

	pv := func(ts time.Time, url, referrer string, prev time.Time, productID string) bronze.PageViewRow {
		r := bronze.PageViewRow{
			EventID:        uuid.New(),
			EventTimestamp: ts,
			SessionID:      s.sessionID,
			UserID:         s.userID,
			PageURL:        url,
			ReferrerURL:    bronze.Str(referrer, 2000),
			UTMSource:      bronze.Str("seed", 100),
			UTMMedium:      bronze.Str("demo", 100),
			UTMCampaign:    bronze.Str(runID, 100),
			Properties:     seedProps(runID, productID, ""),
		}
		if !prev.IsZero() {
			r.TimeOnPrevPageSeconds = bronze.Int(int(ts.Sub(prev).Seconds()))
		}
		return r
	}
	click := func(ts time.Time, url, element, interaction string) bronze.ClickRow {
		return bronze.ClickRow{
			EventID:        uuid.New(),
			EventTimestamp: ts,
			SessionID:      s.sessionID,
			UserID:         s.userID,
			PageURL:        url,
			ElementID:      bronze.Str(element, 255),
			Properties:     seedProps(runID, productID, interaction),
		}
	}

	pageViews := []bronze.PageViewRow{
		pv(t1, "/", "", time.Time{}, ""),
		pv(t2, "/products", "/", t1, ""),
		pv(t3, productURL, "/products", t2, productID),
		pv(t6, "/checkout", productURL, t5, ""),
	}
	clicks := []bronze.ClickRow{
		click(t4, productURL, "btn_add_to_cart", "add_to_cart"),
		click(t5, "/products", "btn_checkout", "begin_checkout"),
	}
	return pageViews, clicks
}
