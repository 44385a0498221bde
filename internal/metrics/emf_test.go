package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestFlushWritesSingleEMFLine(t *testing.T) {
	var buf bytes.Buffer
	r := New("MjRelay", &buf)
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }

	err := r.Dimension("Policy", "window").
		Count("JobsSucceeded", 7).
		Count("JobsFailed", 1).
		Duration("BatchDuration", 1500*time.Millisecond).
		Property("runId", "run-1").
		Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected one line, got %q", out)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if doc["JobsSucceeded"] != 7.0 || doc["BatchDuration"] != 1500.0 || doc["Policy"] != "window" || doc["runId"] != "run-1" {
		t.Errorf("unexpected document: %v", doc)
	}

	aws := doc["_aws"].(map[string]any)
	if aws["Timestamp"] != 1700000000000.0 {
		t.Errorf("unexpected timestamp: %v", aws["Timestamp"])
	}
	cw := aws["CloudWatchMetrics"].([]any)[0].(map[string]any)
	if cw["Namespace"] != "MjRelay" {
		t.Errorf("unexpected namespace: %v", cw["Namespace"])
	}
	if len(cw["Metrics"].([]any)) != 3 {
		t.Errorf("expected 3 metric definitions, got %v", cw["Metrics"])
	}
}

func TestFlushWithoutMetricsWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	if err := New("MjRelay", &buf).Property("runId", "x").Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
