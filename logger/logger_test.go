package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesJSONAtConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "production", "warn")

	log.Info().Msg("dropped")
	log.Warn().Str("event", "encryption_fallback").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line at warn level, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["event"] != "encryption_fallback" || entry["message"] != "kept" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestNewFallsBackToInfoForUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "production", "chatty")

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	if !bytes.Contains(buf.Bytes(), []byte("shown")) || bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("expected info level filtering, got %q", buf.String())
	}
}

func TestComponentTagsGlobalLogger(t *testing.T) {
	previous := Log
	t.Cleanup(func() { Log = previous })

	var buf bytes.Buffer
	Log = New(&buf, "production", "info")
	componentLog := Component("cli")
	componentLog.Info().Msg("opened")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if entry["component"] != "cli" || entry["message"] != "opened" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}
