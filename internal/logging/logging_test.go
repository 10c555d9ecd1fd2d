package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestNew_ErrorLevelFiltersInfo(t *testing.T) {
	logger := New("error", "text")
	require.NotNil(t, logger)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestNewWithWriter_JSONComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "info", "json"), "alerts")
	logger.Info("alert triggered", "rule_id", "usage_exceeded")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "alerts", rec["component"])
	assert.Equal(t, "usage_exceeded", rec["rule_id"])
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-42")

	L(ctx).Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "req-42", rec["request_id"])
}

func TestFromContext_DefaultsWhenMissing(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
	assert.Empty(t, RequestID(context.Background()))
}
