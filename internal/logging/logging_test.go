package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStartupLoggerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	s := NewStartupLogger("mj-relay").
		RunID("run-1").
		Resource("bucket", "pipencil-content").
		Resource("failureTable", "").
		Feature("metrics", true).
		Config("concurrency", "12")
	s.event(logger.Info()).Msg("configured")

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid JSON: %v (%s)", err, buf.String())
	}
	run := doc["run"].(map[string]any)
	if run["runId"] != "run-1" || run["name"] != "mj-relay" {
		t.Errorf("unexpected run dict: %v", run)
	}
	resources := doc["resources"].(map[string]any)
	if _, ok := resources["failureTable"]; ok {
		t.Error("empty resources should be omitted")
	}
	if doc["features"].(map[string]any)["metrics"] != true {
		t.Errorf("unexpected features: %v", doc["features"])
	}
}
