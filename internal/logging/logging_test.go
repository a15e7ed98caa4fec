package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNew_LevelParsing(t *testing.T) {
	cases := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"verbose", slog.LevelInfo, slog.LevelDebug}, // unknown -> info
	}
	for _, tc := range cases {
		logger := New(tc.level, "json")
		if !logger.Enabled(context.Background(), tc.enabled) {
			t.Errorf("level %q: %v should be enabled", tc.level, tc.enabled)
		}
		if logger.Enabled(context.Background(), tc.muted) {
			t.Errorf("level %q: %v should be muted", tc.level, tc.muted)
		}
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("request id on fresh context = %q, want empty", id)
	}

	ctx = WithRequestID(ctx, "req_shield_1")
	if id := RequestID(ctx); id != "req_shield_1" {
		t.Errorf("request id = %q, want req_shield_1", id)
	}

	ctx = WithRequestID(ctx, "req_shield_2")
	if id := RequestID(ctx); id != "req_shield_2" {
		t.Errorf("latest request id wins, got %q", id)
	}
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected the default logger on a bare context")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the context logger back")
	}
}

func TestL_StampsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req_ingest_7")

	L(ctx).Info("enforcement decided", "action", "auto_block")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["request_id"] != "req_ingest_7" {
		t.Errorf("request_id = %v, want req_ingest_7", entry["request_id"])
	}
	if entry["action"] != "auto_block" {
		t.Errorf("action = %v, want auto_block", entry["action"])
	}
}

func TestL_NoRequestIDNoField(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	L(WithLogger(context.Background(), base)).Info("sweep finished")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, present := entry["request_id"]; present {
		t.Error("request_id should be absent without one in context")
	}
}
