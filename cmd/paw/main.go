// PAW is a personal AI agent workspace.
//
// It exposes an OpenAI-compatible chat API extended with conversations
// and agent tooling, listens on messaging channels (Telegram, email),
// accepts inbound webhooks, and runs scheduled prompts (heartbeat and
// cron). Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	paw serve              Start the agent and API server
//	paw ask <question>     Ask a single question (for testing)
//	paw version            Print version and build information
//	paw -o json version    Output version information as JSON
package main

import (
	"context"
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

	"github.com/pawhq/paw/internal/agent"
	"github.com/pawhq/paw/internal/api"
	"github.com/pawhq/paw/internal/buildinfo"
	"github.com/pawhq/paw/internal/channels"
	"github.com/pawhq/paw/internal/config"
	"github.com/pawhq/paw/internal/conversation"
	"github.com/pawhq/paw/internal/db"
	"github.com/pawhq/paw/internal/events"
	"github.com/pawhq/paw/internal/gateway"
	"github.com/pawhq/paw/internal/llm"
	"github.com/pawhq/paw/internal/memory"
	"github.com/pawhq/paw/internal/mqttout"
	"github.com/pawhq/paw/internal/scheduler"
	"github.com/pawhq/paw/internal/soul"
	"github.com/pawhq/paw/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the paw command. All OS-level
// dependencies are injected as parameters; run returns nil on clean
// shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call
	// run() concurrently from tests. The argument surface is small
	// enough that manual parsing is clearer than a CLI framework.
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
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: paw ask <question>")
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "PAW - Personal AI Agent Workspace")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: paw [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the agent and API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runAsk handles the "paw ask <question>" subcommand. It boots a
// minimal agent (in-memory conversations, no channels, no scheduler)
// and processes a single question, printing the response to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := llm.NewOpenAIClient(cfg.LLM.APIBase, cfg.LLM.APIKey, cfg.LLM.FallbackModels, logger)
	registry := tools.NewRegistry(logger)
	tools.NewFetcher().RegisterAll(registry)

	loop := agent.New(client, registry, agentConfig(cfg), nil, logger)
	conversations := conversation.NewManager(nil, logger)
	souls := soul.New(cfg.SoulPath, cfg.MemoryDir)

	gw := gateway.New(cfg, conversations, loop, client, nil, nil, souls.SystemPrompt, nil, logger)

	result, err := gw.HandleChatMessages(ctx, "cli",
		[]gateway.ChatInput{{Role: "user", Content: question}},
		gateway.ChatOptions{Model: gw.ResolveModel(gateway.InboundEvent{}), AgentMode: true})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, result.Response)
	return nil
}

// runServe handles the "paw serve" subcommand: loads config, opens the
// database, wires the agent, channels, scheduler, and MQTT publisher
// into the gateway, starts the API server, and blocks until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting PAW",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, lvlErr := config.ParseLogLevel(cfg.LogLevel)
		if lvlErr != nil {
			return lvlErr
		}
		logger = newLogger(stdout, level, "text")
	}

	regularModel, smartModel := cfg.Models()
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", regularModel,
		"smart_model", smartModel,
	)

	// --- Data directory and database ---
	// All persistent state (conversations, memories, channel offsets,
	// cron jobs, pairing codes) lives in one SQLite database.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "paw.db")
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer database.Close()
	logger.Info("database opened", "path", dbPath)

	// --- Event bus ---
	// Operational events for the WebSocket feed and MQTT mirror.
	bus := events.New()

	// --- LLM client ---
	client := llm.NewOpenAIClient(cfg.LLM.APIBase, cfg.LLM.APIKey, cfg.LLM.FallbackModels, logger)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("LLM endpoint unreachable at startup", "api_base", cfg.LLM.APIBase, "error", err)
	}

	// --- Tools ---
	registry := tools.NewRegistry(logger)
	tools.NewFetcher().RegisterAll(registry)

	if cfg.Workspace != "" {
		fileTools, err := tools.NewFileTools(cfg.Workspace)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", cfg.Workspace, err)
		}
		fileTools.RegisterAll(registry)
		logger.Info("file tools enabled", "workspace", cfg.Workspace)
	} else {
		logger.Info("file tools disabled (no workspace configured)")
	}

	if cfg.Shell.Enabled {
		shellCfg := tools.ShellExecConfig{
			Enabled:        true,
			WorkingDir:     cfg.Shell.WorkingDir,
			AllowedCmds:    cfg.Shell.AllowedPrefixes,
			DeniedCmds:     cfg.Shell.DeniedPatterns,
			DefaultTimeout: time.Duration(cfg.Shell.DefaultTimeoutSec) * time.Second,
		}
		if len(shellCfg.DeniedCmds) == 0 {
			shellCfg.DeniedCmds = tools.DefaultShellExecConfig().DeniedCmds
		}
		tools.NewShellExec(shellCfg).RegisterAll(registry)
		logger.Info("shell exec enabled", "working_dir", cfg.Shell.WorkingDir)
	} else {
		logger.Info("shell exec disabled")
	}

	// --- Memory and soul ---
	// Memories persist in the database and surface to the model both as
	// tools and through the system prompt snapshot.
	memories := memory.NewStore(database)
	memories.RegisterAll(registry)

	souls := soul.New(cfg.SoulPath, cfg.MemoryDir)

	// --- Conversations and agent loop ---
	conversations := conversation.NewManager(database, logger)
	loop := agent.New(client, registry, agentConfig(cfg), bus, logger)

	// --- Channel manager and output routing ---
	// The manager is constructed before the gateway so the output
	// router can target channels; providers register below once the
	// inbound handler exists.
	channelMgr := channels.NewManager(logger)

	var mqttPub *mqttout.Publisher
	var topicPub gateway.TopicPublisher
	if cfg.MQTT.Enabled {
		mqttPub = mqttout.New(cfg.MQTT, logger)
		topicPub = mqttPub
	}

	webhookTimeout := time.Duration(cfg.Webhooks.TimeoutSec) * time.Second
	output := gateway.NewOutputRouter(channelMgr, topicPub, webhookTimeout, bus, logger)
	router := gateway.NewChannelRouter(database, logger)

	gw := gateway.New(cfg, conversations, loop, client, router, output, souls.SystemPrompt, bus, logger)

	// --- Channel providers ---
	// Providers hand every inbound message to the gateway and reply
	// with whatever the agent produced.
	inbound := func(ctx context.Context, event channels.InboundEvent) (string, error) {
		result, err := gw.HandleEvent(ctx, gateway.InboundEvent{
			Kind:       gateway.KindUserMessage,
			Channel:    event.Channel,
			SessionKey: event.SessionKey,
			SenderID:   event.SenderID,
			PeerID:     event.PeerID,
			Text:       event.Text,
			Model:      event.Model,
			SmartMode:  event.SmartMode,
			AgentMode:  event.AgentMode,
		})
		if err != nil {
			return "", err
		}
		return result.Response, nil
	}

	channelMgr.Register(channels.NewTelegram(cfg.Channels.Telegram, database, inbound, bus, logger))
	channelMgr.Register(channels.NewEmail(cfg.Channels.Email, database, inbound, bus, logger))

	// --- Scheduler ---
	// Heartbeat and cron prompts run through the same gateway pipeline
	// as user messages, with output routed to the configured target.
	sched := scheduler.New(cfg.Heartbeat, database, func(ctx context.Context, kind, prompt, outputTarget string) error {
		_, err := gw.HandleEvent(ctx, gateway.InboundEvent{
			Kind:         kind,
			Text:         prompt,
			AgentMode:    true,
			OutputTarget: outputTarget,
		})
		return err
	}, bus, logger)
	sched.RegisterTools(registry)

	// --- API server ---
	server := api.NewServer(cfg, gw, conversations, memories, channelMgr, database, bus, logger)

	// --- Start background components ---
	channelMgr.StartAll(ctx)
	defer channelMgr.StopAll()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if mqttPub != nil && mqttPub.Enabled() {
		if err := mqttPub.Start(ctx); err != nil {
			logger.Error("mqtt publisher failed to start", "error", err)
		}
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
			offlineCancel()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start the API server. This blocks until shutdown.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("PAW stopped")
	return nil
}

// agentConfig maps configured loop budgets onto the defaults.
func agentConfig(cfg *config.Config) agent.Config {
	out := agent.DefaultConfig()
	if cfg.Agent.MaxIterations > 0 {
		out.MaxIterations = cfg.Agent.MaxIterations
	}
	if cfg.Agent.MaxToolCalls > 0 {
		out.MaxToolCalls = cfg.Agent.MaxToolCalls
	}
	return out
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
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

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used; otherwise
// [config.FindConfig] searches the default locations. A missing config
// file is not fatal: PAW starts with defaults so "paw serve" works out
// of the box.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
