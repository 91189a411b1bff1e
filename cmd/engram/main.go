// Engram is a memory-augmented conversational assistant for educators.
//
// It exposes an HTTP and WebSocket API for conversations, live response
// streams, and memory inspection. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	engram serve                       Start the API server
//	engram init [dir]                  Write a default config file
//	engram user <id> <name> [email]    Create or update a directory entry
//	engram version                     Print version and build information
//	engram -o json version             Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql

	"github.com/plannerly/engram/internal/agent"
	"github.com/plannerly/engram/internal/api"
	"github.com/plannerly/engram/internal/buildinfo"
	"github.com/plannerly/engram/internal/capability"
	"github.com/plannerly/engram/internal/config"
	"github.com/plannerly/engram/internal/conversation"
	"github.com/plannerly/engram/internal/identity"
	"github.com/plannerly/engram/internal/lifecycle"
	"github.com/plannerly/engram/internal/llm"
	"github.com/plannerly/engram/internal/memory"
	"github.com/plannerly/engram/internal/notify"
	"github.com/plannerly/engram/internal/planner"
	"github.com/plannerly/engram/internal/stream"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals that interfere with calling
// run concurrently from tests, and the argument surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "user":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: engram user <id> <display name> [email]")
		}
		return runUser(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Engram - Memory-Augmented Assistant for Educators")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: engram [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                     Start the API server")
	fmt.Fprintln(w, "  init [dir]                Write a default config file (default: .)")
	fmt.Fprintln(w, "  user <id> <name> [email]  Create or update a directory entry")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./engram.yaml, ~/.config/engram/config.yaml, /etc/engram/config.yaml")
	return nil
}

// defaultConfig is written by "engram init". Every value shown is the
// built-in default; the file works as-is once api_key is filled in.
const defaultConfig = `# Engram configuration.
listen:
  address: ""
  port: 8750

model:
  base_url: https://api.openai.com
  api_key: ""
  chat: gpt-4o
  # extraction defaults to the chat model when empty
  extraction: ""
  max_passes: 10

memory:
  max_memories: 100
  min_age_days: 7
  min_access_count: 2
  stale_after_days: 30

stream:
  flush_interval_ms: 50
  max_pending: 512

lifecycle:
  context_turns: 20

data_dir: .
log_level: info
`

// runInit writes a default config file into dir, refusing to overwrite
// an existing one.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "engram.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}

// runUser creates or updates a user directory entry so the assistant
// can address the user by name.
func runUser(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	directory, err := identity.NewDirectory(db)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}

	ident := &identity.Identity{UserID: args[0], DisplayName: args[1]}
	if len(args) > 2 {
		ident.Email = args[2]
	}
	if err := directory.Upsert(ctx, ident); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "User %s (%s) saved\n", ident.UserID, ident.DisplayName)
	return nil
}

// runServe is the primary operating mode: load config, open the
// database, wire the stores, loop, worker, and servers, then block
// until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The lifecycle worker finishes queued extraction jobs
//  4. The database connection closes via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Engram", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model.Chat,
	)

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Stores ---
	// Conversations, memories, capability invocations, lesson plans,
	// and the user directory share one SQLite database.
	conversations, err := conversation.NewStore(db)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	memories, err := memory.NewStore(db)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	invocations, err := capability.NewInvocationStore(db)
	if err != nil {
		return fmt.Errorf("invocation store: %w", err)
	}
	plans, err := planner.NewStore(db)
	if err != nil {
		return fmt.Errorf("planner store: %w", err)
	}
	directory, err := identity.NewDirectory(db)
	if err != nil {
		return fmt.Errorf("identity directory: %w", err)
	}

	// --- Capabilities ---
	registry := capability.NewRegistry(invocations, logger)
	planner.RegisterCapabilities(registry, plans)

	// --- LLM client ---
	client := llm.NewOpenAIClient(cfg.Model.BaseURL, cfg.Model.APIKey, logger)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("model provider unreachable at startup", "error", err)
	}

	// --- Completion loop and lifecycle worker ---
	loop := agent.New(client, cfg.Model.Chat, cfg.Model.MaxPasses,
		directory, conversations, memories, registry, logger)

	notifier := notify.New()
	expireCfg := memory.ExpireConfig{
		MaxMemories:    cfg.Memory.MaxMemories,
		MinAgeDays:     cfg.Memory.MinAgeDays,
		MinAccessCount: cfg.Memory.MinAccessCount,
		StaleAfterDays: cfg.Memory.StaleAfterDays,
	}
	worker := lifecycle.NewWorker(client, cfg.Model.Extraction, conversations, memories,
		invocations, plans, notifier, expireCfg, cfg.Lifecycle.ContextTurns, logger)

	broker := stream.NewBroker(time.Duration(cfg.Stream.FlushIntervalMS)*time.Millisecond,
		cfg.Stream.MaxPending, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		loop, worker, broker, notifier, conversations, memories, logger)

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Queued extraction jobs finish before the database closes.
	worker.Wait()

	logger.Info("Engram stopped")
	return nil
}

// openDatabase opens (creating if needed) the shared SQLite database
// under dataDir.
func openDatabase(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "engram.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// SQLite tolerates one writer; the stores share this connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
