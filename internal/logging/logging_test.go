package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/rpattn/datacheck/internal/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Format: "json", Level: "debug"}, &buf)
	Component(logger, "orchestrator").Debug("dispatching level", slog.Int("level", 1))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["component"] != "orchestrator" {
		t.Fatalf("expected component attribute, got %v", record["component"])
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("warning"); err != nil || lvl != slog.LevelWarn {
		t.Fatalf("expected warn level, got %v (%v)", lvl, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected unknown level to error")
	}
}
