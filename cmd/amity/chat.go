package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/amity/internal/checkpoint"
	"github.com/haasonsaas/amity/internal/config"
	"github.com/haasonsaas/amity/internal/maintenance"
	"github.com/haasonsaas/amity/internal/memory"
	"github.com/haasonsaas/amity/internal/memory/backend/sqlitevec"
	"github.com/haasonsaas/amity/internal/memory/embeddings"
	"github.com/haasonsaas/amity/internal/memory/embeddings/ollama"
	embopenai "github.com/haasonsaas/amity/internal/memory/embeddings/openai"
	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/internal/pipeline"
	"github.com/haasonsaas/amity/internal/providers"
	"github.com/haasonsaas/amity/internal/session"
	"github.com/haasonsaas/amity/internal/summarizer"
	"github.com/haasonsaas/amity/internal/tools"
	"github.com/haasonsaas/amity/internal/tools/discordtool"
	"github.com/haasonsaas/amity/internal/tools/policy"
	"github.com/haasonsaas/amity/internal/tools/slacktool"
	"github.com/haasonsaas/amity/internal/tools/timetool"
	"github.com/haasonsaas/amity/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Commands inside the session:
  /status  show session, profile, affinity, and emotion
  /boost   raise affinity by 10
  /reset   start a fresh session
  /tools   list available tools and which require approval
  /quit    exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, userID, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "default", "User ID for memory scoping")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runChat(ctx context.Context, configPath, userID string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Warn(ctx, "metrics server stopped", "error", err)
			}
		}()
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	for _, path := range []string{cfg.Memory.Path, cfg.Storage.CheckpointPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	vecstore, err := sqlitevec.New(cfg.Memory.Path)
	if err != nil {
		return err
	}
	defer vecstore.Close()
	mem := memory.NewManager(vecstore, buildEmbedder(cfg), logger)

	store, err := checkpoint.NewSQLiteStore(cfg.Storage.CheckpointPath)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := tools.NewRegistry()
	registry.Register(&timetool.Tool{})
	if cfg.Tools.Slack.Enabled {
		for _, t := range slacktool.Tools(slacktool.NewClient(cfg.Tools.Slack.BotToken)) {
			registry.Register(t)
		}
	}
	if cfg.Tools.Discord.Enabled {
		dg, err := discordtool.NewSession(cfg.Tools.Discord.BotToken)
		if err != nil {
			return err
		}
		for _, t := range discordtool.Tools(dg) {
			registry.Register(t)
		}
	}

	pol := policy.New(cfg.Tools.Sensitive)
	if cfg.Tools.PolicyFile != "" {
		if sensitive, err := policy.LoadFile(cfg.Tools.PolicyFile); err == nil {
			pol.Replace(sensitive)
		}
		go func() {
			if err := pol.Watch(ctx, cfg.Tools.PolicyFile, logger); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "policy watcher exited", "error", err)
			}
		}()
	}

	analyzerModel := cfg.Analyzer.Model
	if analyzerModel == "" {
		analyzerModel = cfg.Provider.Model
	}
	agentCfg := cfg.Agent
	if agentCfg.Model == "" {
		agentCfg.Model = cfg.Provider.Model
	}
	sum := summarizer.New(provider, cfg.Provider.Model, 0)

	engine, err := pipeline.NewEngine(store, pol, logger, metrics,
		pipeline.NewAnalyzerNode(provider, analyzerModel, logger),
		pipeline.NewContextBuilderNode(mem, registry.Names(), cfg.Context, logger, metrics),
		pipeline.NewAgentNode(provider, registry, agentCfg, logger, metrics),
		pipeline.NewSafeToolNode(registry, logger, metrics),
		pipeline.NewSensitiveToolNode(registry, logger, metrics),
		pipeline.NewMemoryManagerNode(sum, mem, cfg.Window, logger, metrics),
	)
	if err != nil {
		return err
	}

	if cfg.Cron.Enabled {
		sched, err := maintenance.NewScheduler(mem, store, cfg.Cron.CompactSchedule, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	sessionID := session.LastSessionID(cfg.Storage.SessionFile)
	runner := session.NewRunner(engine, terminalApprover{}, logger, sessionID, userID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Finish any turn interrupted mid-pipeline by a previous crash so the
	// first input does not restart it from scratch.
	if _, err := engine.Resume(ctx, sessionID, nil); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		logger.Warn(ctx, "resume interrupted turn failed", "error", err)
	}

	return repl(ctx, runner, registry, pol, cfg.Storage.SessionFile)
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	switch cfg.Provider.Name {
	case "openai":
		return providers.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.BaseURL), nil
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.Provider.APIKey, cfg.Provider.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func buildEmbedder(cfg *config.Config) embeddings.Provider {
	emb := cfg.Memory.Embeddings
	if emb.Provider == "ollama" {
		return ollama.New(emb.BaseURL, emb.Model)
	}
	return embopenai.New(emb.APIKey, emb.Model, emb.BaseURL)
}

// terminalApprover prompts on stdin for sensitive tool batches.
type terminalApprover struct{}

func (terminalApprover) Approve(calls []models.ToolCall) (bool, string) {
	fmt.Println("\n" + strings.Repeat("!", 30))
	fmt.Println("Approval required for sensitive tools:")
	for _, call := range calls {
		fmt.Printf("  tool: %s\n  args: %s\n", call.Name, string(call.Input))
	}
	fmt.Print("\nApprove? (y/n): ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	if strings.ToLower(strings.TrimSpace(line)) == "y" {
		return true, ""
	}
	return false, "declined at the terminal"
}

func repl(ctx context.Context, runner *session.Runner, registry *tools.Registry, pol *policy.Policy, sessionFile string) error {
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("  amity chat")
	fmt.Println("  commands: /status /boost /reset /tools /quit")
	fmt.Println(strings.Repeat("=", 50))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, line, runner, registry, pol, sessionFile); quit {
				return nil
			}
			continue
		}

		result, err := runner.RunTurn(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Println("error:", err)
			continue
		}
		fmt.Println("\n" + result.Answer)
		if result.AffinityAfter != result.AffinityBefore {
			fmt.Printf("   affinity: %d -> %d\n", result.AffinityBefore, result.AffinityAfter)
		}
		if result.Nickname != "" {
			fmt.Printf("   nickname: %q\n", result.Nickname)
		}
		if result.Relation != "" {
			fmt.Printf("   relation: %q\n", result.Relation)
		}
		if result.MemoriesUsed > 0 {
			fmt.Printf("   (%d relevant memories used)\n", result.MemoriesUsed)
		}
	}
}

func handleCommand(ctx context.Context, command string, runner *session.Runner, registry *tools.Registry, pol *policy.Policy, sessionFile string) bool {
	switch command {
	case "/quit":
		fmt.Println("bye!")
		return true

	case "/status":
		cp, err := runner.Status(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Println("  session:", runner.SessionID())
		if cp == nil {
			fmt.Println("  (no history yet)")
			return false
		}
		fmt.Printf("  status: %s\n", cp.Status)
		fmt.Printf("  profile: nickname=%q relation=%q\n",
			cp.State.UserProfile.Nickname, cp.State.UserProfile.RelationType)
		fmt.Printf("  affinity: %d\n", cp.State.IntimacyLevel)
		fmt.Printf("  emotion: %s\n", cp.State.CurrentEmotion)

	case "/boost":
		before, after, err := runner.Boost(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Printf("  affinity: %d -> %d\n", before, after)

	case "/reset":
		id := session.NewSessionID()
		if err := session.SaveSessionID(sessionFile, id); err != nil {
			fmt.Println("error:", err)
			return false
		}
		runner.SwitchSession(id)
		fmt.Println("  new session:", id)

	case "/tools":
		var safe, sensitive []string
		for _, name := range registry.Names() {
			if pol.IsSensitive(name) {
				sensitive = append(sensitive, name)
			} else {
				safe = append(safe, name)
			}
		}
		fmt.Println("  safe:", safe)
		fmt.Println("  sensitive:", sensitive)

	default:
		fmt.Println("unknown command:", command)
	}
	return false
}
