package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/domain/download"
	"github.com/Strob0t/CrawlFleet/internal/port/statistics"
)

func TestRecord(t *testing.T) {
	tests := []struct {
		name      string
		outcome   download.Outcome
		wantLevel string
	}{
		{"success", download.Success(200, 42, time.Second), "INFO"},
		{"failure", download.Failure("status 500"), "WARN"},
		{"abandoned", download.Abandoned("draining"), "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := New(slog.New(slog.NewJSONHandler(&buf, nil)))

			err := s.Record(context.Background(), statistics.Event{
				AgentID:   "a1",
				RequestID: "r1",
				Attempt:   2,
				Outcome:   tt.outcome,
			})
			if err != nil {
				t.Fatalf("Record: %v", err)
			}

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("decode log line: %v", err)
			}
			if line["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", line["level"], tt.wantLevel)
			}
			if line["outcome"] != string(tt.outcome.Kind) {
				t.Errorf("outcome = %v, want %s", line["outcome"], tt.outcome.Kind)
			}
			if line["request_id"] != "r1" || line["component"] != "statistics" {
				t.Errorf("unexpected attrs: %v", line)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	s, err := statistics.New("log", statistics.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*Sink); !ok {
		t.Fatalf("expected *Sink, got %T", s)
	}
}
