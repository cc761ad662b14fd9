package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		enable slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"warn level", "warn", slog.LevelWarn},
		{"warning alias", "warning", slog.LevelWarn},
		{"default info", "", slog.LevelInfo},
		{"garbage falls back to info", "verbose", slog.LevelInfo},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level)
			if !logger.Enabled(ctx, tt.enable) {
				t.Fatalf("expected level %s to be enabled", tt.enable)
			}
		})
	}
}

func TestDefaultLogger(t *testing.T) {
	logger := Default()

	logger.Info("test message", "key", "value")

	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("Default() should enable info level")
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("Default() should not enable debug level (info is higher)")
	}
	if logger.Logger == nil {
		t.Fatal("Default() returned Logger with nil slog.Logger")
	}
}

func TestWithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info").With("client_id", "acme")
	logger.Info("dial requested", "call_uuid", "abc-123")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log record: %v", err)
	}
	if record["client_id"] != "acme" {
		t.Fatalf("expected client_id attr, got %v", record["client_id"])
	}
	if record["call_uuid"] != "abc-123" {
		t.Fatalf("expected call_uuid attr, got %v", record["call_uuid"])
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info").Component("sweeper").Info("sweep complete")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log record: %v", err)
	}
	if record["component"] != "sweeper" {
		t.Fatalf("expected component attr, got %v", record["component"])
	}
}

func TestWithOnNilLogger(t *testing.T) {
	var logger *Logger
	child := logger.With("k", "v")
	if child == nil || child.Logger == nil {
		t.Fatal("With on nil logger should return a usable default")
	}
}
