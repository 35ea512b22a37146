package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tinoosan/modeld/internal/config"
)

func TestNewDefaultsToStdout(t *testing.T) {
	_, out, err := New(config.LogConfig{Level: "info"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if out != os.Stdout {
		t.Fatalf("expected stdout when no file is configured")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(config.LogConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "modeld.log")
	logger, out, err := New(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lj, ok := out.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("expected a rotating writer, got %T", out)
	}
	defer lj.Close()

	logger.Info("model ready", "model_id", "ner")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"model_id":"ner"`) {
		t.Fatalf("expected JSON record, got %s", b)
	}
}

func TestNewFallsBackOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, out, err := New(config.LogConfig{Level: "info", File: filepath.Join(blocker, "sub", "modeld.log")})
	if err != nil {
		t.Fatalf("New should not fail: %v", err)
	}
	if out != os.Stdout {
		t.Fatalf("expected stdout fallback")
	}
}
