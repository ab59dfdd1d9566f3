package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kada-mandiya/analytics/common/config"
	"github.com/kada-mandiya/analytics/common/logging"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client, "test", limit, window), mr
}

func TestNoOpRateLimiter(t *testing.T) {
	var limiter RateLimiter = NoOpRateLimiter{}
	for i := 0; i < 10; i++ {
		allowed, err := limiter.Allow(context.Background(), "k")
		if err != nil || !allowed {
			t.Fatalf("Allow() = %v, %v; want true, nil", allowed, err)
		}
	}
	if err := limiter.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRedisRateLimiter_EnforcesLimit(t *testing.T) {
	limiter, _ := newLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "1.2.3.4")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("fourth request allowed, want denied")
	}

	allowed, _ = limiter.Allow(ctx, "5.6.7.8")
	if !allowed {
		t.Error("other key denied, want allowed")
	}
}

func TestRedisRateLimiter_WindowSlides(t *testing.T) {
	limiter, _ := newLimiter(t, 1, time.Minute)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "ip"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := limiter.Allow(ctx, "ip"); ok {
		t.Fatal("second request in window allowed")
	}

	limiter.now = func() time.Time { return base.Add(61 * time.Second) }
	if ok, _ := limiter.Allow(ctx, "ip"); !ok {
		t.Fatal("request after window denied")
	}
}

func TestRedisRateLimiter_RedisDown(t *testing.T) {
	limiter, mr := newLimiter(t, 1, time.Minute)
	mr.Close()

	if _, err := limiter.Allow(context.Background(), "ip"); err == nil {
		t.Error("Allow() with Redis down should return an error")
	}
}

func TestNewRedisRateLimiter_InvalidURL(t *testing.T) {
	_, err := NewRedisRateLimiter(context.Background(),
		config.RedisConfig{URL: "not-a-valid-url"}, "test",
		config.RateLimitConfig{Requests: 1, Window: time.Minute})
	if err == nil {
		t.Error("NewRedisRateLimiter() with invalid URL should return error")
	}
}

func TestFromConfig_DisabledIsNoOp(t *testing.T) {
	limiter := FromConfig(context.Background(),
		config.RedisConfig{Enabled: false}, "test",
		config.RateLimitConfig{Enabled: true}, logging.Nop().Logger)
	if _, ok := limiter.(NoOpRateLimiter); !ok {
		t.Errorf("FromConfig() = %T, want NoOpRateLimiter", limiter)
	}
}

type stubLimiter struct {
	allowed bool
	err     error
}

func (s stubLimiter) Allow(context.Context, string) (bool, error) { return s.allowed, s.err }
func (s stubLimiter) Close() error                                 { return nil }

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name    string
		limiter RateLimiter
		method  string
		want    int
	}{
		{"allowed", stubLimiter{allowed: true}, http.MethodPost, http.StatusNoContent},
		{"denied", stubLimiter{allowed: false}, http.MethodPost, http.StatusTooManyRequests},
		{"limiter error fails open", stubLimiter{err: errors.New("down")}, http.MethodPost, http.StatusNoContent},
		{"preflight bypasses", stubLimiter{allowed: false}, http.MethodOptions, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Middleware(tt.limiter, 30*time.Second, logging.Nop().Logger)(ok)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/events", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "30" {
				t.Errorf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
			}
		})
	}
}
