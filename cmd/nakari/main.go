// Nakari is an event-driven personal agent. Producers (console, HTTP,
// WebSocket, MQTT, timers) drop events into a priority mailbox and a
// single decision loop lets the model work through them with tools.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	nakari [serve]           Start the agent
//	nakari init [dir]        Initialize a working directory with defaults
//	nakari version           Print version and build information
//	nakari -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/nakari/internal/agent"
	"github.com/nugget/nakari/internal/api"
	"github.com/nugget/nakari/internal/buildinfo"
	"github.com/nugget/nakari/internal/cli"
	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/connwatch"
	"github.com/nugget/nakari/internal/embeddings"
	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/fetch"
	"github.com/nugget/nakari/internal/journal"
	"github.com/nugget/nakari/internal/llm"
	"github.com/nugget/nakari/internal/mailbox"
	"github.com/nugget/nakari/internal/mcp"
	"github.com/nugget/nakari/internal/memory"
	"github.com/nugget/nakari/internal/metrics"
	"github.com/nugget/nakari/internal/mqtt"
	"github.com/nugget/nakari/internal/output"
	"github.com/nugget/nakari/internal/prompts"
	"github.com/nugget/nakari/internal/search"
	"github.com/nugget/nakari/internal/timer"
	"github.com/nugget/nakari/internal/tools"
	"github.com/nugget/nakari/internal/transcript"
	"github.com/nugget/nakari/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownTimeout bounds the drain of servers and the MQTT goodbye.
const shutdownTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package's globals get in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
	case "", "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Nakari - event-driven personal agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: nakari [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent (default)")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe wires every component together and blocks until the process
// is asked to stop.
//
// The shutdown sequence is:
//  1. A signal, the console exit command or a component failure cancels
//     the run context with a cause
//  2. The loop, producers and servers return
//  3. MQTT publishes offline, the API server drains
//  4. The journal session is closed and databases are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting nakari", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"listen", fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			cancel(agent.Shutdown("signal " + sig.String()))
		case <-ctx.Done():
		}
	}()

	bus := events.New()
	mb := mailbox.New(logger, bus)
	state := &mailbox.LoopState{}

	// --- Persistence ---
	journalPath := filepath.Join(cfg.DataDir, "journal.db")
	journalDB, err := sql.Open("sqlite3", journalPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open journal database %s: %w", journalPath, err)
	}
	defer journalDB.Close()
	journalStore, err := journal.NewStore(journalDB, logger)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", journalPath, err)
	}
	sessionID, err := journalStore.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("start journal session: %w", err)
	}
	defer func() {
		endCtx, endCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer endCancel()
		if err := journalStore.EndSession(endCtx); err != nil {
			logger.Error("end journal session failed", "error", err)
		}
	}()
	logger.Info("journal session started", "session_id", sessionID, "path", journalPath)

	timerStore, err := timer.NewStore(filepath.Join(cfg.DataDir, "timers.db"))
	if err != nil {
		return fmt.Errorf("open timer store: %w", err)
	}
	defer timerStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	// --- LLM ---
	llmClient := createLLMClient(cfg, logger)

	health := connwatch.NewManager(logger, bus)
	defer health.Stop()
	health.Watch(ctx, connwatch.WatcherConfig{
		Name:    "llm",
		Probe:   llmClient.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Transcript ---
	persona, err := readPersona(cfg.Agent.PersonaFile)
	if err != nil {
		logger.Warn("persona file unreadable, using base prompt", "path", cfg.Agent.PersonaFile, "error", err)
	}
	counter := transcript.NewCounter(cfg.LLM.Model)
	if !counter.Exact() {
		logger.Warn("no tokenizer for model, estimating token counts", "model", cfg.LLM.Model)
	}
	ctxMgr := transcript.NewManager(counter, cfg.Context.MaxTokens, cfg.Context.TargetTokens, logger)
	ctxMgr.SetSystemPrompt(prompts.SystemPrompt(persona))

	// --- Outputs ---
	outputs := output.NewMulti(logger)
	hub := api.NewHub(mb, bus, cfg.Agent.DefaultMaxToolCalls, logger)
	outputs.Add(hub)

	var console *cli.Reader
	if cfg.CLIEnabled() && cli.IsTerminal() {
		console, err = cli.New(cli.Config{
			HistoryFile:         cfg.CLI.HistoryFile,
			DefaultMaxToolCalls: cfg.Agent.DefaultMaxToolCalls,
		}, mb, cancel, logger)
		if err != nil {
			return err
		}
		outputs.Add(output.NewConsole(console.Stdout(), "nakari"))
	} else {
		logger.Info("console input disabled", "configured", cfg.CLIEnabled())
		outputs.Add(output.NewConsole(stdout, "nakari"))
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		bridge = mqtt.New(cfg.MQTT, mqtt.Deps{
			Mailbox:             mb,
			State:               state,
			Bus:                 bus,
			Usage:               usageStore,
			InstanceID:          instanceID,
			DefaultMaxToolCalls: cfg.Agent.DefaultMaxToolCalls,
			Logger:              logger,
		})
		outputs.Add(bridge)
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mqtt",
			Probe:   bridge.AwaitConnection,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("mqtt bridge configured", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}
	logger.Info("output endpoints", "endpoints", outputs.Names())

	// --- Tools ---
	registry := tools.NewRegistry(logger)
	tools.RegisterMailboxTools(registry, tools.MailboxDeps{
		Mailbox:             mb,
		State:               state,
		DefaultMaxToolCalls: cfg.Agent.DefaultMaxToolCalls,
		Bus:                 bus,
		Logger:              logger,
	})
	tools.RegisterReplyTool(registry, outputs, state, bus)
	tools.RegisterContextTools(registry, ctxMgr, llmClient, cfg.LLM.Model)
	tools.RegisterTimerTools(registry, timerStore)
	tools.RegisterJournalTools(registry, journalStore)
	tools.RegisterCostSummary(registry, usageStore)
	tools.RegisterWebTools(registry, newSearchManager(cfg), fetch.New())

	if cfg.MemoryEnabled() {
		embedClient := embeddings.New(embeddings.Config{
			Provider: cfg.Embeddings.Provider,
			BaseURL:  cfg.Embeddings.BaseURL,
			APIKey:   cfg.Embeddings.APIKey,
			Model:    cfg.Embeddings.Model,
		})
		memStore, err := memory.NewStore(memory.Config{
			PersistDir: filepath.Join(cfg.DataDir, "memory"),
			Collection: cfg.Memory.Collection,
			CacheSize:  cfg.Memory.CacheSize,
		}, embedClient, logger)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		tools.RegisterMemoryTools(registry, memStore)

		embedBackoff := connwatch.DefaultBackoffConfig()
		embedBackoff.PollInterval = 5 * time.Minute
		health.Watch(ctx, connwatch.WatcherConfig{
			Name: "embeddings",
			Probe: func(pCtx context.Context) error {
				_, err := embedClient.Generate(pCtx, "ping")
				return err
			},
			Backoff: embedBackoff,
			Logger:  logger,
		})
		logger.Info("memory store opened", "collection", cfg.Memory.Collection, "memories", memStore.Count())
	} else {
		logger.Info("memory tools disabled (embeddings not enabled)")
	}

	mcpClients := mcp.ConnectAll(ctx, cfg.MCP.Servers, registry, logger)
	defer func() {
		for _, c := range mcpClients {
			if err := c.Close(); err != nil {
				logger.Warn("mcp close failed", "server", c.Name(), "error", err)
			}
		}
	}()

	logger.Info("tools registered", "count", len(registry.AllToolNames()), "tools", registry.AllToolNames())

	// --- Metrics and API ---
	collector := metrics.New(mb)
	server := api.NewServer(api.Config{
		Address:             cfg.Listen.Address,
		Port:                cfg.Listen.Port,
		Mailbox:             mb,
		State:               state,
		Health:              health,
		Hub:                 hub,
		Metrics:             collector.Handler(),
		DefaultMaxToolCalls: cfg.Agent.DefaultMaxToolCalls,
		Logger:              logger,
	})

	loop := agent.New(agent.Config{
		Model:        cfg.LLM.Model,
		Provider:     providerFor(cfg, cfg.LLM.Model),
		ExemptTools:  cfg.Agent.BudgetExemptTools,
		ErrorBackoff: cfg.Agent.ErrorBackoff,
		Pricing:      cfg.Pricing,
		SessionID:    sessionID,
	}, agent.Deps{
		LLM:        llmClient,
		Transcript: ctxMgr,
		Registry:   registry,
		State:      state,
		Journal:    journalStore,
		Usage:      usageStore,
		Bus:        bus,
		Logger:     logger,
	})

	runner := timer.NewRunner(timerStore, mb, timer.RunnerConfig{
		CheckInterval:        cfg.Timer.CheckInterval,
		MaxConsecutiveErrors: cfg.Timer.MaxConsecutiveErrors,
		ErrorBackoff:         cfg.Timer.ErrorBackoff,
	}, logger, bus)

	mb.Put(seedEvent())

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, agent.ErrShutdown) {
			return err
		}
		return nil
	})
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return collector.Run(gctx, bus) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if console != nil {
		g.Go(func() error { return console.Run(gctx) })
	}

	if bridge != nil {
		// The broker connection outlives gctx so the bridge can say
		// goodbye before it is torn down.
		mqttCtx, mqttCancel := context.WithCancel(context.WithoutCancel(ctx))
		defer mqttCancel()
		g.Go(func() error { return bridge.Start(mqttCtx) })
		g.Go(func() error {
			<-gctx.Done()
			defer mqttCancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := bridge.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown failed", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	cause := context.Cause(gctx)
	logger.Info("nakari stopping", "cause", cause)

	if err != nil && !errors.Is(err, agent.ErrShutdown) && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("nakari stopped")
	return nil
}

// seedEvent is queued at startup so the model's first turn has
// something to pick.
func seedEvent() mailbox.Event {
	ev := mailbox.NewEvent(mailbox.TypeSystem, prompts.SeedEventContent, prompts.SeedEventMaxToolCalls)
	ev.Metadata["source"] = "startup"
	return ev
}

func readPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
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

// createLLMClient builds a multi-provider client. The configured
// provider serves the main model and any model not listed in
// llm.models; listed models go to their named provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	openai := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout, logger)
	ollama := llm.NewOllamaClient(cfg.LLM.OllamaURL, cfg.LLM.Timeout, logger)

	var fallback llm.Client = openai
	if cfg.LLM.Provider == "ollama" {
		fallback = ollama
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("openai", openai)
	multi.AddProvider("ollama", ollama)
	for model, provider := range cfg.LLM.Models {
		multi.AddModel(model, provider)
	}

	logger.Info("LLM client initialized", "model", cfg.LLM.Model, "provider", cfg.LLM.Provider, "extra_models", len(cfg.LLM.Models))
	return multi
}

// providerFor names the provider that serves model.
func providerFor(cfg *config.Config, model string) string {
	if p, ok := cfg.LLM.Models[model]; ok {
		return p
	}
	return cfg.LLM.Provider
}

// newSearchManager registers every configured search provider.
func newSearchManager(cfg *config.Config) *search.Manager {
	mgr := search.NewManager(cfg.Search.Default)
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.Tavily.APIKey != "" {
		mgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey))
	}
	return mgr
}
