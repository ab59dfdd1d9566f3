package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/collector/internal/ingest"
	"github.com/kada-mandiya/analytics/common/messaging"
)

type fakeIngester struct {
	items []any
	res   ingest.Result
	err   error
}

func (f *fakeIngester) Ingest(_ context.Context, items []any, _ time.Time) (ingest.Result, error) {
	f.items = items
	if f.err != nil {
		return ingest.Result{}, f.err
	}
	if f.res == (ingest.Result{}) {
		return ingest.Result{Accepted: len(items)}, nil
	}
	return f.res, nil
}

type deadLetter struct {
	source, reason string
	payload        any
}

type fakeDeadLetters struct {
	written []deadLetter
	err     error
}

func (f *fakeDeadLetters) Write(_ context.Context, source, reason string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, deadLetter{source, reason, payload})
	return nil
}

type statsCall struct {
	source                 string
	accepted, deadLettered int64
}

type fakeStats struct {
	calls []statsCall
}

func (f *fakeStats) Record(source string, accepted, deadLettered int64, _ string) {
	f.calls = append(f.calls, statsCall{source, accepted, deadLettered})
}

func newTestHandler(key string) (*Handler, *fakeIngester, *fakeDeadLetters, *fakeStats) {
	ing := &fakeIngester{}
	dead := &fakeDeadLetters{}
	stats := &fakeStats{}
	store := messaging.HealthFunc(func(context.Context) error { return nil })
	h := NewHandler(Config{APIKey: key, MaxBodyBytes: 1024}, ing, dead, store, stats, nil)
	return h, ing, dead, stats
}

func post(h *Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rr := httptest.NewRecorder()
	h.PostEvents(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestPostEvents_Auth(t *testing.T) {
	h, _, _, _ := newTestHandler("")
	rr := post(h, "anything", `[]`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Server misconfigured: ANALYTICS_API_KEY missing", decode(t, rr)["detail"])

	h, _, _, _ = newTestHandler("secret")
	rr = post(h, "wrong", `[]`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Unauthorized", decode(t, rr)["detail"])

	rr = post(h, "", `[]`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPostEvents_EmptyBody(t *testing.T) {
	h, ing, _, _ := newTestHandler("secret")
	rr := post(h, "secret", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"accepted":0,"dead_lettered":0}`, rr.Body.String())
	assert.Nil(t, ing.items)
}

func TestPostEvents_InvalidJSON(t *testing.T) {
	h, ing, dead, stats := newTestHandler("secret")
	rr := post(h, "secret", `{"event_type":`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"accepted":0,"dead_lettered":1}`, rr.Body.String())
	assert.Nil(t, ing.items)

	require.Len(t, dead.written, 1)
	assert.Equal(t, "collector", dead.written[0].source)
	assert.Equal(t, "invalid_json", dead.written[0].reason)
	assert.Equal(t, `{"event_type":`, dead.written[0].payload)
	assert.Equal(t, []statsCall{{"collector", 0, 1}}, stats.calls)
}

func TestPostEvents_InvalidJSONStoreDown(t *testing.T) {
	h, _, dead, _ := newTestHandler("secret")
	dead.err = errors.New("connection refused")
	rr := post(h, "secret", `not json`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, rr.Body.String())
}

func TestPostEvents_Batch(t *testing.T) {
	h, ing, _, stats := newTestHandler("secret")
	rr := post(h, "secret", `{"events":[{"event_type":"click","source":"web"},{"event_type":"page_view"}]}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"accepted":2,"dead_lettered":0}`, rr.Body.String())
	assert.Len(t, ing.items, 2)
	assert.Equal(t, []statsCall{{"web", 2, 0}}, stats.calls)
}

func TestPostEvents_IngestFailure(t *testing.T) {
	h, ing, _, _ := newTestHandler("secret")
	ing.err = errors.New("begin: connection reset")
	rr := post(h, "secret", `[{"event_type":"click"}]`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, rr.Body.String())
}

func TestPostEvents_BodyTooLarge(t *testing.T) {
	h, _, _, _ := newTestHandler("secret")
	rr := post(h, "secret", `["`+strings.Repeat("x", 2048)+`"]`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestNormalizeEvents(t *testing.T) {
	single := map[string]any{"event_type": "click"}
	assert.Equal(t, []any{single}, NormalizeEvents(single))
	assert.Equal(t, []any{"a", "b"}, NormalizeEvents([]any{"a", "b"}))
	assert.Equal(t, []any{"x"}, NormalizeEvents(map[string]any{"events": []any{"x"}}))

	notList := map[string]any{"events": "nope"}
	assert.Equal(t, []any{notList}, NormalizeEvents(notList))
	assert.Equal(t, []any{"scalar"}, NormalizeEvents("scalar"))
}

func TestHealth(t *testing.T) {
	h, _, _, _ := newTestHandler("secret")
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	h.store = messaging.HealthFunc(func(context.Context) error { return errors.New("db down") })
	rr = httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"degraded","error":"db down"}`, rr.Body.String())
}

func TestIndexAndFavicon(t *testing.T) {
	h, _, _, _ := newTestHandler("secret")
	rr := httptest.NewRecorder()
	h.Index(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["status"])

	rr = httptest.NewRecorder()
	h.Favicon(rr, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
