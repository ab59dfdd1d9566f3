package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/kada-mandiya/analytics/common/middleware"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{"json format with info level", slog.LevelInfo, "json"},
		{"text format with debug level", slog.LevelDebug, "text"},
		{"default format with error level", slog.LevelError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestWithContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	logger.InfoContext(ctx, "handled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if entry[FieldRequestID] != "req-123" {
		t.Errorf("expected request_id in entry, got %v", entry)
	}
}

func TestWithContextWithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	logger.InfoContext(context.Background(), "handled")

	if strings.Contains(buf.String(), FieldRequestID) {
		t.Errorf("did not expect request_id, got %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelWarn, "text")

	logger.DebugContext(context.Background(), "hidden debug")
	logger.InfoContext(context.Background(), "hidden info")
	logger.WarnContext(context.Background(), "visible warn")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected lower levels filtered, got %s", out)
	}
	if !strings.Contains(out, "visible warn") {
		t.Errorf("expected warn line, got %s", out)
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json").With(Service("collector"))

	logger.Info("started")

	if !strings.Contains(buf.String(), `"service":"collector"`) {
		t.Errorf("expected service attribute, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
