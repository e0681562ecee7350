package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Info("document saved", "path", "/tmp/todo.json", "api_key", "super-secret")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(raw))

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if entry["msg"] != "document saved" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "taskwarden" {
		t.Errorf("component = %v", entry["component"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("time key not renamed to timestamp")
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want redacted", entry["api_key"])
	}
	if strings.Contains(line, "super-secret") {
		t.Error("secret value leaked into log file")
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "error", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("should be filtered")
	logger.Error("should appear")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(raw)
	if strings.Contains(content, "should be filtered") {
		t.Error("info line written at error level")
	}
	if !strings.Contains(content, "should appear") {
		t.Error("error line missing")
	}
}

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"api_key", true},
		{"Authorization", true},
		{"refresh_token", true},
		{"password", true},
		{"path", false},
		{"agent_id", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Errorf("shouldRedactKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
