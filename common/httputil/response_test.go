package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		data           any
		expectedStatus int
	}{
		{
			name:           "accepted batch counters",
			status:         http.StatusAccepted,
			data:           map[string]int{"accepted": 1, "dead_lettered": 0},
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "response with struct",
			status:         http.StatusOK,
			data:           struct{ Status string }{"ok"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "response with slice",
			status:         http.StatusOK,
			data:           []string{"one", "two"},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.status, tt.data)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected content type application/json, got %q", ct)
			}

			var result any
			if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

func TestWriteJSON_InvalidData(t *testing.T) {
	w := httptest.NewRecorder()

	// Channels cannot be encoded; the call must not panic.
	WriteJSON(w, http.StatusOK, make(chan int))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusUnauthorized, "invalid api key")

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", w.Code)
	}
	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["error"] != "invalid api key" {
		t.Errorf("unexpected error message %q", response["error"])
	}
}

func TestWriteDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteDetail(w, http.StatusServiceUnavailable, "analytics key not configured")

	var response map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["detail"] != "analytics key not configured" {
		t.Errorf("unexpected detail %q", response["detail"])
	}
}

func TestReadBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{name: "unlimited", body: `{"a":1}`, limit: 0},
		{name: "within limit", body: `{"a":1}`, limit: 7},
		{name: "over limit", body: `{"a":12}`, limit: 7, wantErr: ErrBodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(tt.body))
			got, err := ReadBody(req, tt.limit)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.body {
				t.Errorf("expected %q, got %q", tt.body, got)
			}
		})
	}
}
