package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_Levels(t *testing.T) {
	if !New("debug", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
	if New("error", "text").Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("hello", "requestId", 7)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "upiramp" {
		t.Errorf("expected service attribute, got %v", rec["service"])
	}
	if rec["requestId"] != float64(7) {
		t.Errorf("expected requestId 7, got %v", rec["requestId"])
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "text").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestRequestIDAndCaller(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || Caller(ctx) != "" {
		t.Fatal("empty context should carry nothing")
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithCaller(ctx, "0xabc")
	if RequestID(ctx) != "req-1" {
		t.Errorf("request id = %q", RequestID(ctx))
	}
	if Caller(ctx) != "0xabc" {
		t.Errorf("caller = %q", Caller(ctx))
	}
}

func TestL_AnnotatesContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-9")
	ctx = WithCaller(ctx, "0xdef")

	L(ctx).Info("commit")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["request_id"] != "req-9" || rec["caller"] != "0xdef" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default without a context logger")
	}
}
