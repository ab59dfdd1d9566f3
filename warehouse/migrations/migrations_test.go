package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedBaseline(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"000001_baseline.up.sql", "000001_baseline.down.sql"}, names)
}

func TestBaselineCreatesCoreTables(t *testing.T) {
	raw, err := fs.ReadFile(files, "sql/000001_baseline.up.sql")
	require.NoError(t, err)
	up := string(raw)

	for _, table := range []string{
		"ops.etl_runs",
		"ops.dead_letter_events",
		"ops.event_fingerprints",
		"ops.processed_events",
		"bronze.click_events",
		"bronze.page_view_events",
		"bronze.cart_events",
		"bronze.checkout_events",
		"bronze.business_events",
		"bronze.order_payment_events",
		"silver.user_sessions",
		"gold.orders_payments_daily",
	} {
		assert.Contains(t, up, "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
	assert.False(t, strings.Contains(up, "DROP "), "baseline up must not drop objects")
}
