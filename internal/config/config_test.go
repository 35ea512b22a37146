package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "modeld.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	homedir.DisableCache = true
	t.Setenv("HOME", "/home/tester")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Root != "/home/tester/.cache/modeld" {
		t.Fatalf("cache root not expanded: %q", cfg.Cache.Root)
	}
	if cfg.Download.ChunkBytes != 64*1024 || cfg.Download.MaxConcurrent != 2 {
		t.Fatalf("unexpected download defaults: %+v", cfg.Download)
	}
	if cfg.Lifecycle.ModerateIdle != 30*time.Second || cfg.Lifecycle.BackgroundIdle != 5*time.Minute {
		t.Fatalf("unexpected lifecycle defaults: %+v", cfg.Lifecycle)
	}
	if cfg.Cache.MinArtifactBytes != 512 {
		t.Fatalf("min artifact bytes = %d", cfg.Cache.MinArtifactBytes)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeConfig(t, `
cache:
  root: /var/lib/modeld
remote:
  base_url: https://models.example.com
  timeout: 5s
download:
  chunk_bytes: 1MiB
lifecycle:
  moderate_idle: 10s
  background_idle: 1m
modules:
  - name: entities
    model: ner
  - name: search
    model: emb
`)
	t.Setenv("MODELD_DOWNLOAD_MAX_CONCURRENT", "4")
	t.Setenv("MODELD_HTTP_TOKEN", "s3cret")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cache.Root != "/var/lib/modeld" || cfg.Remote.Timeout != 5*time.Second {
		t.Fatalf("file values not applied: %+v %+v", cfg.Cache, cfg.Remote)
	}
	if cfg.Download.ChunkBytes != 1<<20 {
		t.Fatalf("chunk bytes = %d", cfg.Download.ChunkBytes)
	}
	if cfg.Download.MaxConcurrent != 4 || cfg.HTTP.Token != "s3cret" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Download, cfg.HTTP)
	}
	if len(cfg.Modules) != 2 || cfg.Modules[1].Model != "emb" {
		t.Fatalf("unexpected modules: %+v", cfg.Modules)
	}
	if pol := cfg.Policy(); pol.ModerateIdle != 10*time.Second || pol.BackgroundIdle != time.Minute {
		t.Fatalf("unexpected policy: %+v", pol)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"background shorter than moderate": "lifecycle:\n  moderate_idle: 1m\n  background_idle: 10s\n",
		"zero concurrency":                 "download:\n  max_concurrent: 0\n",
		"bad ratios":                       "pressure:\n  moderate_available_ratio: 0.01\n  critical_available_ratio: 0.2\n",
		"bad log level":                    "log:\n  level: chatty\n",
		"duplicate module":                 "modules:\n  - {name: a, model: x}\n  - {name: a, model: y}\n",
		"unknown db driver":                "db:\n  driver: sqlite\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"512":   512,
		"64KiB": 64 * 1024,
		"1mb":   1000 * 1000,
		"2G":    2 << 30,
		"10 B":  10,
	}
	for in, want := range tests {
		got, err := ParseBytes(in)
		if err != nil || got != want {
			t.Fatalf("ParseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseBytes("lots"); err == nil {
		t.Fatalf("expected error")
	}
}
