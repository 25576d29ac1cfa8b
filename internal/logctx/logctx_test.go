package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerFromContext_Default(t *testing.T) {
	ctx := context.Background()

	if LoggerFromContext(ctx) != slog.Default() {
		t.Errorf("expected slog.Default() for a bare context")
	}
}

func TestWithLogger_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	ctx := WithLogger(context.Background(), logger)

	if LoggerFromContext(ctx) != logger {
		t.Errorf("expected the stored logger back")
	}
}

func TestWith_ScopesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = With(ctx, "account", "u1", "remote_path", "/docs/a.txt")

	LoggerFromContext(ctx).InfoContext(ctx, "test message")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	if logEntry["account"] != "u1" {
		t.Errorf("expected account='u1', got: %v", logEntry["account"])
	}
	if logEntry["remote_path"] != "/docs/a.txt" {
		t.Errorf("expected remote_path='/docs/a.txt', got: %v", logEntry["remote_path"])
	}
}
