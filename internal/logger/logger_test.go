package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Strob0t/CrawlFleet/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := NewWithWriter(cfg, &buf)
	l.Info("queued")
	closer.Close()

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"queued"`)) {
		t.Fatalf("expected flushed record, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestCorrelationIDContext(t *testing.T) {
	ctx := context.Background()

	if got := CorrelationID(ctx); got != "" {
		t.Errorf("expected empty correlation ID, got %q", got)
	}

	ctx = WithCorrelationID(ctx, "req-123")
	if got := CorrelationID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
	if got := AgentID(ctx); got != "" {
		t.Errorf("expected empty agent ID, got %q", got)
	}
}

func TestContextAttributesAreLogged(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "center"}, &buf)
	defer closer.Close()

	ctx := WithAgentID(WithCorrelationID(context.Background(), "corr-1"), "agent-7")
	l.InfoContext(ctx, "heartbeat")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "center" {
		t.Errorf("service = %v, want center", line["service"])
	}
	if line["correlation_id"] != "corr-1" {
		t.Errorf("correlation_id = %v, want corr-1", line["correlation_id"])
	}
	if line["agent_id"] != "agent-7" {
		t.Errorf("agent_id = %v, want agent-7", line["agent_id"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "warn", Service: "agent"}, &buf)
	defer closer.Close()

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record should be filtered at warn level, got %q", buf.String())
	}
}
