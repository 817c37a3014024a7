package logger

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
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFromContext_CarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), newLogger(&buf))
	ctx = WithRequestID(ctx, "req-1")

	Info(ctx, "handled", "status", 202)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "handled", rec["msg"])
	assert.Equal(t, "req-1", rec["request_id"])
	assert.EqualValues(t, 202, rec["status"])
}

func TestFromContext_Default(t *testing.T) {
	assert.Same(t, defaultLogger, FromContext(context.Background()))
}
