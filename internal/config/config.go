// Package config handles Engram configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./engram.yaml, ~/.config/engram/config.yaml, /etc/engram/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"engram.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "engram", "config.yaml"))
	}

	paths = append(paths, "/etc/engram/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Engram configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Model     ModelConfig     `yaml:"model"`
	Memory    MemoryConfig    `yaml:"memory"`
	Stream    StreamConfig    `yaml:"stream"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig defines the chat-completion provider settings.
type ModelConfig struct {
	// BaseURL is the root of an OpenAI-compatible API
	// (e.g., https://api.openai.com or a local proxy).
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Chat is the model used by the completion loop.
	Chat string `yaml:"chat"`
	// Extraction is the model used by the memory lifecycle worker.
	// Defaults to Chat when empty.
	Extraction string `yaml:"extraction"`
	// MaxPasses bounds the tool-calling loop. Default 10.
	MaxPasses int `yaml:"max_passes"`
}

// MemoryConfig defines the deterministic expiration thresholds.
type MemoryConfig struct {
	// MaxMemories is the per-user active memory ceiling. Default 100.
	MaxMemories int `yaml:"max_memories"`
	// MinAgeDays is the minimum age before a memory is a stale candidate.
	MinAgeDays int `yaml:"min_age_days"`
	// MinAccessCount is the citation count below which an old memory is
	// considered unused.
	MinAccessCount int `yaml:"min_access_count"`
	// StaleAfterDays marks memories not cited within this window as stale.
	StaleAfterDays int `yaml:"stale_after_days"`
}

// StreamConfig tunes the per-turn delta publisher.
type StreamConfig struct {
	// FlushIntervalMS is how often buffered text deltas are flushed to
	// subscribers, in milliseconds. Default 50.
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	// MaxPending flushes early once this many buffered bytes accumulate.
	// Default 512.
	MaxPending int `yaml:"max_pending"`
}

// LifecycleConfig tunes the memory extraction worker.
type LifecycleConfig struct {
	// ContextTurns is how many recent turns the extraction call sees.
	// Default 20.
	ContextTurns int `yaml:"context_turns"`
}

// Load reads and parses the config file at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8750
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://api.openai.com"
	}
	if c.Model.Chat == "" {
		c.Model.Chat = "gpt-4o"
	}
	if c.Model.Extraction == "" {
		c.Model.Extraction = c.Model.Chat
	}
	if c.Model.MaxPasses == 0 {
		c.Model.MaxPasses = 10
	}
	if c.Memory.MaxMemories == 0 {
		c.Memory.MaxMemories = 100
	}
	if c.Memory.MinAgeDays == 0 {
		c.Memory.MinAgeDays = 7
	}
	if c.Memory.MinAccessCount == 0 {
		c.Memory.MinAccessCount = 2
	}
	if c.Memory.StaleAfterDays == 0 {
		c.Memory.StaleAfterDays = 30
	}
	if c.Stream.FlushIntervalMS == 0 {
		c.Stream.FlushIntervalMS = 50
	}
	if c.Stream.MaxPending == 0 {
		c.Stream.MaxPending = 512
	}
	if c.Lifecycle.ContextTurns == 0 {
		c.Lifecycle.ContextTurns = 20
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if c.Model.MaxPasses < 1 {
		return fmt.Errorf("model.max_passes must be at least 1, got %d", c.Model.MaxPasses)
	}
	if c.Memory.MaxMemories < 1 {
		return fmt.Errorf("memory.max_memories must be at least 1, got %d", c.Memory.MaxMemories)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
