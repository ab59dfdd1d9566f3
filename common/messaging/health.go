package messaging

import (
	"context"
	"time"
)

// HealthChecker can check the health of a broker connection.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthStatus is the outcome of a single health probe.
type HealthStatus struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

// Check runs checker with a two second budget and times it.
func Check(ctx context.Context, checker HealthChecker) HealthStatus {
	if checker == nil {
		return HealthStatus{Error: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := checker.CheckHealth(ctx)
	status := HealthStatus{OK: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}
