package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmitPopulatesBaseFields(t *testing.T) {
	dir := t.TempDir()
	recorder, err := New(Config{
		Dir:         dir,
		MaxMB:       1,
		MaxFiles:    1,
		ToolName:    "linkdiag",
		ToolVersion: "test",
		HostID:      "host-1",
	})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	defer recorder.Close()

	events := []Emittable{
		&PortalAttempt{
			BaseEvent: BaseEvent{Type: "portal_attempt", Interface: "eth0"},
			URL:       "http://example.com/generate_204",
			Phase:     "DNS",
			Status:    "Timeout",
			Attempts:  3,
			Final:     true,
		},
		&Diagnosis{
			BaseEvent: BaseEvent{Type: "diagnosis", Interface: "eth0", OutageID: "eth0-1-000001"},
			URL:       "http://example.com/generate_204",
			Issue:     "dns_server_no_response",
			IssueText: "At least one DNS server is pingable",
			Events: []DiagnosisEvent{
				{Type: "Portal detection", Phase: "End (DNS)", Result: "Timeout"},
			},
			DurationMs: 1200,
		},
		&OutageSummary{
			BaseEvent:  BaseEvent{Type: "outage_summary", Interface: "eth0", OutageID: "eth0-1-000001"},
			StartTS:    time.Unix(1, 0).UTC(),
			EndTS:      time.Unix(2, 0).UTC(),
			DurationMs: 1000,
			Checks:     4,
			Failures:   3,
			Issues:     map[string]int{"routing": 1},
		},
		&PathTrace{
			BaseEvent: BaseEvent{Type: "path_trace", Interface: "eth0"},
			Target:    "93.184.216.34",
			Hops:      []TraceHop{{TTL: 1, IP: "192.168.1.1"}},
			PathHash:  "hash",
		},
	}

	for _, evt := range events {
		if err := recorder.Emit(evt); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "linkdiag.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(events) {
		t.Fatalf("expected %d log lines, got %d", len(events), len(lines))
	}

	var prevSeq float64
	for _, line := range lines {
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			t.Fatalf("unmarshal log line: %v", err)
		}

		tsUTC, ok := payload["ts_utc"].(string)
		if !ok || tsUTC == "" {
			t.Fatalf("invalid ts_utc: %v", payload["ts_utc"])
		}
		if _, err := time.Parse(time.RFC3339Nano, tsUTC); err != nil {
			t.Fatalf("ts_utc not RFC3339Nano: %v", err)
		}
		if tsUnix, ok := payload["ts_unix_ms"].(float64); !ok || tsUnix == 0 {
			t.Fatalf("invalid ts_unix_ms: %v", payload["ts_unix_ms"])
		}

		seq, ok := payload["seq"].(float64)
		if !ok || seq <= prevSeq {
			t.Fatalf("seq not increasing: %v after %v", payload["seq"], prevSeq)
		}
		prevSeq = seq

		if payload["type"] == "" || payload["iface"] != "eth0" {
			t.Fatalf("missing required identifiers: %#v", payload)
		}
		if payload["schema_version"] != float64(1) {
			t.Fatalf("expected schema_version 1, got %v", payload["schema_version"])
		}
		if payload["tool_name"] != "linkdiag" || payload["tool_version"] != "test" {
			t.Fatalf("unexpected tool identity: %v %v", payload["tool_name"], payload["tool_version"])
		}
		if payload["host_id"] != "host-1" {
			t.Fatalf("expected host_id host-1, got %v", payload["host_id"])
		}
		if payload["clock_source"] != "system" {
			t.Fatalf("expected clock_source system, got %v", payload["clock_source"])
		}
	}
}

func TestEmitOnNilRecorder(t *testing.T) {
	var r *Recorder
	if err := r.Emit(&PortalAttempt{}); err == nil {
		t.Fatalf("expected error from nil recorder")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close nil recorder: %v", err)
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("iface", "eth0"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "iface=eth0") {
		t.Fatalf("warn message missing: %q", out)
	}
}
