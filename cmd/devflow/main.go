// Devflow pipeline engine - executes AI-assisted development workflow
// commands and serves the HTTP/WebSocket observer API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/devflow-ai/devflow/pkg/agent"
	"github.com/devflow-ai/devflow/pkg/api"
	"github.com/devflow-ai/devflow/pkg/cleanup"
	"github.com/devflow-ai/devflow/pkg/command"
	"github.com/devflow-ai/devflow/pkg/config"
	"github.com/devflow-ai/devflow/pkg/events"
	"github.com/devflow-ai/devflow/pkg/llm"
	"github.com/devflow-ai/devflow/pkg/mcp"
	"github.com/devflow-ai/devflow/pkg/orchestrator"
	"github.com/devflow-ai/devflow/pkg/pipeline"
	"github.com/devflow-ai/devflow/pkg/prompt"
	"github.com/devflow-ai/devflow/pkg/session"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	runCommand := flag.String("run",
		"",
		"Run a single command synchronously and exit (name[,key=value,...])")
	resumeSession := flag.String("resume",
		"",
		"Session id to resume (with -run)")
	flag.Parse()

	// Load .env from the config directory before anything reads the environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)
	mcpMode := getEnv("MCP_MODE", "") == "true"

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	// Registries: prompts, agents, commands.
	prompts := prompt.NewRegistry()
	if err := prompts.Load(filepath.Join(*configDir, cfg.System.PromptsDir)); err != nil {
		log.Fatalf("Failed to load prompt registry: %v", err)
	}
	if err := prompts.ValidateGraph(); err != nil {
		log.Fatalf("Prompt dependency graph invalid: %v", err)
	}

	agents := agent.NewRegistry()
	if err := agents.Load(filepath.Join(*configDir, cfg.System.AgentsFile)); err != nil {
		log.Fatalf("Failed to load agent registry: %v", err)
	}

	commands, err := command.LoadRegistry(filepath.Join(*configDir, cfg.System.CommandsFile), prompts)
	if err != nil {
		log.Fatalf("Failed to load command registry: %v", err)
	}

	// Session store: file-backed reference implementation or Redis.
	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing session store: %v", err)
		}
	}()

	// LLM providers and dispatcher.
	providers, err := buildProviders(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize LLM providers: %v", err)
	}
	dispatcher := llm.NewDispatcher(cfg.ModelRegistry, providers, llm.Options{
		WarnPercent: cfg.Runtime.ContextWarnPercent,
		StopPercent: cfg.Runtime.ContextStopPercent,
	})

	// MCP client manager with the two-tier approval cache.
	approvals := mcp.NewApprovalCache(cfg.System.ApprovalsFile)
	var mcpManager *mcp.Manager
	var gate pipeline.ToolGate
	if cfg.MCPServerRegistry.Len() > 0 {
		mcpManager = mcp.NewManager(cfg.MCPServerRegistry, approvals, nil, mcpMode)
		gate = mcpManager
		defer func() { _ = mcpManager.Close() }()
	}

	bus := events.NewBus()
	scheduler := pipeline.NewScheduler(prompts, agents, cfg.ModelRegistry, dispatcher, gate, bus, pipeline.Options{
		MaxConcurrency: cfg.Runtime.MaxConcurrency,
	})
	orch := orchestrator.New(commands, cfg.Defaults, store, bus, dispatcher, scheduler)
	defer orch.Close()

	// Single-command mode: run synchronously, exit with the contracted code.
	if *runCommand != "" {
		os.Exit(runOnce(ctx, orch, *runCommand, *resumeSession))
	}

	// Server mode.
	runner := orchestrator.NewRunner(orch, cfg.Runtime.Queue)
	runner.Start(ctx)
	defer runner.Stop()

	cleaner := cleanup.NewScheduler(cfg.System.Retention)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	stream := api.NewStreamManager(bus, store)
	defer stream.Close()

	server := api.NewServer(cfg, store, runner, commands, mcpManager, stream)

	// Shut the queue down cleanly on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutdown signal received")
		runner.Stop()
		os.Exit(0)
	}()

	slog.Info("HTTP server listening", "port", httpPort, "mcp_mode", mcpMode)
	if err := server.Router().Run(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// runOnce executes one command synchronously and returns the exit code:
// 0 success, 1 partial, 2 failure, 130 cancelled.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, runSpec, resumeSession string) int {
	name, args := parseRunSpec(runSpec)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := orch.Run(runCtx, name, args, orchestrator.RunOptions{
		Resume:    resumeSession != "",
		SessionID: resumeSession,
	})
	if err != nil {
		slog.Error("Run failed", "command", name, "error", err)
		return 2
	}

	slog.Info("Run finished",
		"command", name,
		"session_id", result.SessionID,
		"outcome", result.Outcome)
	return orchestrator.ExitCode(result.Outcome)
}

// parseRunSpec splits "name,key=value,key=value" into command and args.
func parseRunSpec(runSpec string) (string, map[string]string) {
	parts := strings.Split(runSpec, ",")
	name := parts[0]
	args := make(map[string]string)
	for _, part := range parts[1:] {
		if key, value, ok := strings.Cut(part, "="); ok {
			args[key] = value
		}
	}
	return name, args
}

// buildStore selects the configured session store backend.
func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore.Backend {
	case config.SessionStoreRedis:
		return session.NewRedisStore(ctx, cfg.SessionStore.RedisAddr, cfg.SessionStore.RedisDB)
	default:
		return session.NewFileStore(cfg.System.SessionsDir)
	}
}

// buildProviders instantiates one provider implementation per configured
// provider entry.
func buildProviders(cfg *config.Config) (map[string]llm.Provider, error) {
	providers := make(map[string]llm.Provider)
	for _, name := range cfg.ProviderRegistry.Names() {
		pc, _ := cfg.ProviderRegistry.Get(name)
		switch pc.Type {
		case config.ProviderTypeAnthropic:
			p, err := llm.NewAnthropicProvider(name, pc)
			if err != nil {
				return nil, err
			}
			providers[name] = p
		case config.ProviderTypeMock:
			providers[name] = llm.NewMockProvider(llm.MockStep{Text: `{"text": "ok"}`})
		}
	}
	return providers, nil
}
