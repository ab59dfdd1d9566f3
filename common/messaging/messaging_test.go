package messaging

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMessage_HasTimestamp(t *testing.T) {
	var msg Message
	if msg.HasTimestamp() {
		t.Error("zero message should not report a timestamp")
	}
	msg.Timestamp = time.Now()
	if !msg.HasTimestamp() {
		t.Error("expected timestamp")
	}
}

func TestDeadLetterSubject(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{"invalid_json", "analytics.dlq.invalid_json"},
		{"validation_error:click", "analytics.dlq.validation_error.click"},
		{"db_insert_error:page view", "analytics.dlq.db_insert_error.page_view"},
		{"", "analytics.dlq.unknown"},
		{"Normalize_Failed", "analytics.dlq.normalize_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			if got := DeadLetterSubject(tt.reason); got != tt.want {
				t.Errorf("DeadLetterSubject(%q) = %q, want %q", tt.reason, got, tt.want)
			}
		})
	}
}

func TestPipelineRunSubject(t *testing.T) {
	if got := PipelineRunSubject("success"); got != "analytics.pipeline.run.success" {
		t.Errorf("unexpected subject %q", got)
	}
}

func TestCheck(t *testing.T) {
	ok := Check(context.Background(), HealthFunc(func(ctx context.Context) error { return nil }))
	if !ok.OK || ok.Error != "" {
		t.Errorf("expected healthy status, got %+v", ok)
	}

	bad := Check(context.Background(), HealthFunc(func(ctx context.Context) error { return errors.New("refused") }))
	if bad.OK || bad.Error != "refused" {
		t.Errorf("expected unhealthy status, got %+v", bad)
	}

	missing := Check(context.Background(), nil)
	if missing.OK || missing.Error == "" {
		t.Errorf("expected not configured, got %+v", missing)
	}
}
