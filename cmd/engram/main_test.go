package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plannerly/engram/internal/config"
)

func TestRunInit_FreshDirectory(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if !strings.Contains(buf.String(), "engram.yaml") {
		t.Errorf("output does not mention the config path: %q", buf.String())
	}

	// The written defaults must load and validate.
	path := filepath.Join(dir, "engram.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Listen.Port != 8750 {
		t.Errorf("default port = %d, want 8750", cfg.Listen.Port)
	}
	if cfg.Model.Extraction != cfg.Model.Chat {
		t.Errorf("extraction model = %q, want chat default %q", cfg.Model.Extraction, cfg.Model.Chat)
	}
}

func TestRunInit_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err == nil {
		t.Fatal("runInit overwrote an existing config")
	}
}

func TestRunVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "text"); err != nil {
		t.Fatalf("runVersion text: %v", err)
	}
	if !strings.Contains(buf.String(), "Engram") {
		t.Errorf("text output missing banner: %q", buf.String())
	}

	buf.Reset()
	if err := runVersion(&buf, "json"); err != nil {
		t.Fatalf("runVersion json: %v", err)
	}
	if !strings.Contains(buf.String(), `"go_version"`) {
		t.Errorf("json output missing go_version: %q", buf.String())
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"frobnicate"}},
		{"unknown flag", []string{"-frobnicate"}},
		{"bad output format", []string{"-o", "xml", "version"}},
		{"user without args", []string{"user"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if err := run(context.Background(), &out, &errOut, tt.args); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, nil); err != nil {
		t.Fatalf("bare invocation: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: engram") {
		t.Errorf("usage text missing: %q", out.String())
	}
}
