package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kada-mandiya/analytics/common/messaging"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*messaging.Message
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, msg *messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func do(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(body))
	req.Header.Set("User-Agent", "test-agent")
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func envelopeOf(t *testing.T, msg *messaging.Message) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &out))
	return out
}

func TestTrack_Discriminated(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub, nil)

	rr := do(h.Track, `{"event_type":"add_to_cart","session_id":"s-1","page_url":"/p","product_id":"P-1","entity_id":"E-7"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "true", resp.OK)
	assert.Equal(t, "ui.add_to_cart", resp.RoutingKey)

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "ui.add_to_cart", msg.Subject)
	assert.Equal(t, resp.EventID, msg.MessageID)
	assert.Equal(t, "s-1", msg.CorrelationID)

	env := envelopeOf(t, msg)
	assert.Equal(t, "E-7", env["entity_id"])
	assert.Equal(t, float64(1), env["quantity"])
	meta := env["meta"].(map[string]any)
	assert.Equal(t, "test-agent", meta["user_agent"])
	assert.Equal(t, "192.0.2.1", meta["ip_address"])
}

func TestTrack_BadDiscriminator(t *testing.T) {
	h := NewHandler(&fakePublisher{}, nil)

	rr := do(h.Track, `{"session_id":"s","page_url":"/"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"loc":["body","event_type"]`)

	rr = do(h.Track, `{"event_type":"scroll","session_id":"s","page_url":"/"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(h.Track, `[1,2]`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestTrackType_Validation(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub, nil)

	rr := do(h.TrackType("click"), `{"session_id":"","page_url":"/"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var body struct {
		Detail []struct {
			Loc  []string `json:"loc"`
			Type string   `json:"type"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	locs := map[string]string{}
	for _, d := range body.Detail {
		locs[strings.Join(d.Loc, ".")] = d.Type
	}
	assert.Equal(t, map[string]string{"body.session_id": "required", "body.element_id": "required"}, locs)
	assert.Empty(t, pub.msgs)

	rr = do(h.TrackType("add_to_cart"), `{"session_id":"s","page_url":"/","product_id":"p","quantity":"two"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"loc":["body","quantity"]`)

	rr = do(h.TrackType("page_view"), ``)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestTrackType_IgnoresEntityID(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHandler(pub, nil)

	rr := do(h.TrackType("begin_checkout"), `{"session_id":"s","page_url":"/c","order_id":"O-1","entity_id":"E-1"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	env := envelopeOf(t, pub.msgs[0])
	assert.Equal(t, "O-1", env["entity_id"])
	assert.Equal(t, "btn_checkout", env["element_id"])
	assert.Equal(t, "ui.begin_checkout", pub.msgs[0].Subject)
}

func TestTrack_BrokerDown(t *testing.T) {
	h := NewHandler(&fakePublisher{err: errors.New("connection refused")}, nil)

	rr := do(h.TrackType("click"), `{"session_id":"s","page_url":"/","element_id":"b"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "detail")
}
