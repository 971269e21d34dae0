package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callpilot/internal/infra/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("call archived", "call_control_id", "cc-1")
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"call_control_id":"cc-1"`) {
		t.Fatalf("log output = %s", data)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	log, closer, err := New(config.LoggerConfig{Level: "warn", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("media stream started")
	log.Warn("call capacity high")
	if err := closer(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "media stream started") {
		t.Fatal("info line must be filtered at warn level")
	}
	if !strings.Contains(out, "call capacity high") {
		t.Fatalf("warn line missing: %s", out)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(config.LoggerConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(config.LoggerConfig{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
