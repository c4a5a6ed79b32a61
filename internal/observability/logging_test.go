package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("calling provider with api_key=abcdefghijklmnopqrstuvwxyz",
		"authorization", "Bearer something",
		"error", errors.New("token: abcdefghijklmnopqrstuvwxyz0123"),
	)

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in %s", out)
	}
}

func TestNewLoggerAddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithOrganizationID(ctx, "org-9")
	logger.InfoContext(ctx, "turn started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if record["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", record["session_id"])
	}
	if record["organization_id"] != "org-9" {
		t.Errorf("organization_id = %v", record["organization_id"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTool("terminate", "success", 0)
	m.RecordTool("terminate", "success", 0)
	m.RecordTrigger("initialization", "failed")
	m.RecordDebitFailure()

	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("terminate", "success")); got != 2 {
		t.Errorf("tool executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TriggerDispatches.WithLabelValues("initialization", "failed")); got != 1 {
		t.Errorf("trigger failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.GenerationDebitFailures); got != 1 {
		t.Errorf("debit failures = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordTool("x", "success", 0)
	m.RecordTurn("p", "m", nil, 0, 1, 1)
	m.RecordStep("executed")
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	ctx, span := tracer.TraceTool(context.Background(), "terminate", "call-1")
	RecordError(span, errors.New("boom"))
	span.End()
	if ctx == nil {
		t.Fatal("expected context")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
