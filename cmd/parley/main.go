// Parley is a conversational agent server with human-in-the-loop tool
// approval.
//
// It exposes an HTTP chat API with SSE streaming, a WebSocket event
// feed, and a CLI for one-shot questions. Tool calls the model is not
// trusted to run on its own are parked in the transcript until the
// operator approves or denies them; the decision is reconciled on the
// next request. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve             Start the API server
//	parley init [dir]        Initialize a working directory with defaults
//	parley ask <question>    Ask a single question (for testing)
//	parley version           Print version and build information
//	parley -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/buildinfo"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/internal/transcript"
	"github.com/parleyhq/parley/internal/weather"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], parsed manually rather than with the flag
//     package to avoid global state that interferes with parallel
//     tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// parley is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Conversational agent with human-in-the-loop tool approval")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// runAsk handles the "parley ask <question>" subcommand. It boots a
// minimal agent (in-memory conversation store, no MQTT, no scheduler)
// and processes a single question, printing the response to stdout.
// Useful for quick smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	deps := tools.CatalogDeps{Logger: logger}
	if cfg.Weather.Enabled {
		deps.Weather = weather.NewClient(logger)
	}
	reg, resolvers, err := tools.BuildCatalog(deps)
	if err != nil {
		return fmt.Errorf("build tool catalog: %w", err)
	}

	loop := agent.NewLoop(agent.Deps{
		Logger:        logger,
		Store:         memory.NewMemStore(cfg.Memory.MaxMessages),
		Client:        createLLMClient(cfg, logger),
		Registry:      reg,
		Pipeline:      reconcile.New(resolvers, nil, logger),
		Model:         cfg.Models.Default,
		MaxIterations: cfg.Models.MaxIterations,
	})

	resp, err := loop.Run(ctx, &agent.Request{
		ConversationID: "cli",
		Messages:       []transcript.Message{transcript.NewMessage(transcript.RoleUser, question)},
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if resp.FinishReason == agent.FinishConfirmationRequired {
		fmt.Fprintln(stdout, "(a tool call is waiting for approval; use the API to decide)")
	}
	fmt.Fprintln(stdout, resp.Message.Content)
	return nil
}

// runServe handles the "parley serve" subcommand. It is the primary
// operating mode: loads config, opens databases, connects to the MQTT
// broker, builds the tool catalog and agent loop, starts the API
// server, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The scheduler and database connections are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	// All persistent state (conversation and scheduler databases) lives
	// under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Event bus ---
	// Everything observable (decisions, tool calls, scheduler firings)
	// flows through here to the WebSocket feed.
	bus := events.New()

	// --- Conversation memory ---
	var mem memory.Store
	switch cfg.Memory.Backend {
	case "", "sqlite":
		dbPath := cfg.MemoryDBPath()
		sqliteMem, err := memory.NewSQLiteStore(dbPath)
		if err != nil {
			return fmt.Errorf("open conversation database %s: %w", dbPath, err)
		}
		mem = sqliteMem
		logger.Info("conversation database opened", "path", dbPath)
	case "memory":
		mem = memory.NewMemStore(cfg.Memory.MaxMessages)
		logger.Info("using in-memory conversation store", "max_messages", cfg.Memory.MaxMessages)
	default:
		return fmt.Errorf("unknown memory backend: %q", cfg.Memory.Backend)
	}
	defer mem.Close()

	// --- LLM client ---
	llmClient := createLLMClient(cfg, logger)

	// --- MQTT notifications ---
	// Optional. When enabled it serves three roles: the
	// sendNotification tool backend, the reconciled-outcome outlet, and
	// the inbound remote-decision channel.
	var pub *notify.Publisher
	if cfg.MQTT.Enabled {
		pub = notify.New(notify.Config{
			Broker:     cfg.MQTT.Broker,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			DeviceName: cfg.MQTT.DeviceName,
		}, bus, logger)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt disabled")
	}

	// --- Task scheduler ---
	// The wake function closes over loop, which is constructed below
	// (the catalog needs the scheduler first). The scheduler does not
	// fire until Start, by which point loop is assigned.
	var loop *agent.Loop
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		schedStore, err := scheduler.NewStore(cfg.SchedulerDBPath())
		if err != nil {
			return fmt.Errorf("open scheduler database %s: %w", cfg.SchedulerDBPath(), err)
		}
		defer schedStore.Close()

		wake := func(wctx context.Context, task *scheduler.Task) (string, error) {
			return loop.Wake(wctx, task.Description)
		}
		sched = scheduler.New(logger, schedStore, wake, bus)
		logger.Info("scheduler enabled", "db", cfg.SchedulerDBPath())
	} else {
		logger.Info("scheduler disabled")
	}

	// --- Tool catalog ---
	// Assign collaborators only when present; the catalog skips tools
	// whose collaborator is nil.
	catalogDeps := tools.CatalogDeps{Logger: logger}
	if cfg.Weather.Enabled {
		catalogDeps.Weather = weather.NewClient(logger)
	}
	if pub != nil {
		catalogDeps.Notifier = pub
	}
	if sched != nil {
		catalogDeps.Scheduler = sched
	}
	reg, resolvers, err := tools.BuildCatalog(catalogDeps)
	if err != nil {
		return fmt.Errorf("build tool catalog: %w", err)
	}
	logger.Info("tool catalog built", "tools", len(reg.Descriptors()), "resolvers", len(resolvers.Names()))

	// --- Agent loop ---
	agentDeps := agent.Deps{
		Logger:        logger,
		Store:         mem,
		Client:        llmClient,
		Registry:      reg,
		Pipeline:      reconcile.New(resolvers, bus, logger),
		Bus:           bus,
		Model:         cfg.Models.Default,
		MaxIterations: cfg.Models.MaxIterations,
	}
	if pub != nil {
		agentDeps.Outlet = pub
	}
	loop = agent.NewLoop(agentDeps)

	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, reg, mem, bus, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if pub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := pub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Parley stopped")
	return nil
}

// createLLMClient builds the multi-provider client. Ollama is always
// registered and serves as the fallback; the Anthropic provider is
// added when an API key is configured, and claude-* models route to it.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		multi.AddPrefix("claude", "anthropic")
		logger.Info("Anthropic provider configured")
	}

	return multi
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

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
