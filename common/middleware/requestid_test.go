package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name        string
		existing    string
		expectNewID bool
	}{
		{"generates new request ID when not present", "", true},
		{"propagates existing request ID", "existing-req-123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.existing != "" {
				req.Header.Set(RequestIDHeader, tt.existing)
			}
			rec := httptest.NewRecorder()
			RequestID(handler).ServeHTTP(rec, req)

			if captured == "" {
				t.Fatal("expected request ID in context")
			}
			if rec.Header().Get(RequestIDHeader) != captured {
				t.Errorf("response header %q does not match context %q", rec.Header().Get(RequestIDHeader), captured)
			}
			if tt.expectNewID {
				if _, err := uuid.Parse(captured); err != nil {
					t.Errorf("expected generated UUID, got %q", captured)
				}
			} else if captured != tt.existing {
				t.Errorf("expected %q, got %q", tt.existing, captured)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"forwarded first hop", "10.0.0.1, 10.0.0.2", "127.0.0.1:4000", "10.0.0.1"},
		{"remote addr", "", "192.168.1.5:5555", "192.168.1.5"},
		{"remote addr without port", "", "192.168.1.5", "192.168.1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
