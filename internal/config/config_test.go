package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"  debug  ", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9000 {
		t.Errorf("Listen.Port = %d, want 9000", cfg.Listen.Port)
	}
	if cfg.Model.MaxPasses != 10 {
		t.Errorf("Model.MaxPasses = %d, want default 10", cfg.Model.MaxPasses)
	}
	if cfg.Model.Extraction != cfg.Model.Chat {
		t.Errorf("Model.Extraction = %q, want to default to Chat %q", cfg.Model.Extraction, cfg.Model.Chat)
	}
	if cfg.Memory.MaxMemories != 100 {
		t.Errorf("Memory.MaxMemories = %d, want default 100", cfg.Memory.MaxMemories)
	}
	if cfg.Stream.FlushIntervalMS != 50 {
		t.Errorf("Stream.FlushIntervalMS = %d, want 50", cfg.Stream.FlushIntervalMS)
	}
	if cfg.Lifecycle.ContextTurns != 20 {
		t.Errorf("Lifecycle.ContextTurns = %d, want 20", cfg.Lifecycle.ContextTurns)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	if err := os.WriteFile(path, []byte("log_level: shout\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
