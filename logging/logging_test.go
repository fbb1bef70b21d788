package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestTee(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, closeFn, err := New(Config{Name: "tunnel-server", Dir: dir, Level: "warn", Console: &console})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("listening", zap.String("addr", "127.0.0.1:8000"))
	logger.Warn("rpc fault", zap.String("method", "add"))
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	out := console.String()
	if strings.Contains(out, "listening") || !strings.Contains(out, "rpc fault") {
		t.Fatalf("console output filtered wrong:\n%s", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tunnel-server.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("file has %d lines, want info and warn:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["msg"] != "listening" || entry["addr"] != "127.0.0.1:8000" || entry["logger"] != "tunnel-server" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, closeFn, err := New(Config{Name: "cli", Level: "debug", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello")
	closeFn()
	if !strings.Contains(console.String(), "hello") {
		t.Fatalf("console = %q", console.String())
	}
}

func TestBadLevel(t *testing.T) {
	if _, _, err := New(Config{Name: "x", Level: "loud"}); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
