package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"catalog-pipeline/internal/config"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.Config{Env: "test", LogLevel: "warn", LogFormat: "json"}, "api", &buf)

	logger.Info("dropped")
	logger.Warn("kept", "tenant_id", "t1")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "kept" || line["service"] != "api" || line["tenant_id"] != "t1" {
		t.Fatalf("unexpected record %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}
