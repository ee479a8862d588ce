package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerAddsServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{ServiceName: "chatd", Environment: "test", Level: "debug", Output: &buf})

	logger.Debug("hello", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if line["service"] != "chatd" || line["env"] != "test" {
		t.Fatalf("missing service attributes: %v", line)
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Fatalf("expected warn level")
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
