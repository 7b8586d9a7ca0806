// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/amity/internal/pipeline"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig                 `yaml:"logging"`
	Provider ProviderConfig                `yaml:"provider"`
	Analyzer AnalyzerConfig                `yaml:"analyzer"`
	Agent    pipeline.AgentConfig          `yaml:"agent"`
	Context  pipeline.ContextBuilderConfig `yaml:"context"`
	Memory   MemoryConfig                  `yaml:"memory"`
	Window   pipeline.MemoryManagerConfig  `yaml:"window"`
	Tools    ToolsConfig                   `yaml:"tools"`
	Storage  StorageConfig                 `yaml:"storage"`
	Metrics  MetricsConfig                 `yaml:"metrics"`
	Cron     CronConfig                    `yaml:"cron"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	// Name is "openai" or "anthropic".
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AnalyzerConfig configures the pre-generation analysis call.
type AnalyzerConfig struct {
	// Model used for analysis; empty falls back to the provider model.
	Model string `yaml:"model"`
}

// MemoryConfig configures long-term memory.
type MemoryConfig struct {
	// Path is the SQLite file for the vector store.
	Path string `yaml:"path"`

	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "openai" or "ollama".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// ToolsConfig configures tool integrations and the approval policy.
type ToolsConfig struct {
	// Sensitive lists tool names that require human approval.
	Sensitive []string `yaml:"sensitive"`

	// PolicyFile optionally overrides Sensitive from a watched YAML file.
	PolicyFile string `yaml:"policy_file"`

	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig enables the Slack tools.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig enables the Discord tools.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// StorageConfig locates local state files.
type StorageConfig struct {
	// CheckpointPath is the SQLite file for turn checkpoints.
	CheckpointPath string `yaml:"checkpoint_path"`

	// SessionFile records the active session ID between runs.
	SessionFile string `yaml:"session_file"`
}

// MetricsConfig exposes Prometheus metrics over HTTP.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// CronConfig schedules background maintenance.
type CronConfig struct {
	Enabled bool `yaml:"enabled"`

	// CompactSchedule is a cron expression for vector store compaction.
	CompactSchedule string `yaml:"compact_schedule"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".amity")
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Provider: ProviderConfig{
			Name:   "openai",
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  "gpt-4o-mini",
		},
		Agent: pipeline.AgentConfig{
			Temperature:       0.7,
			MaxTokens:         1024,
			HistoryTokenLimit: 4096,
		},
		Context: pipeline.DefaultContextBuilderConfig(),
		Memory: MemoryConfig{
			Path: filepath.Join(dataDir, "memory.db"),
			Embeddings: EmbeddingsConfig{
				Provider: "openai",
				APIKey:   os.Getenv("OPENAI_API_KEY"),
			},
		},
		Window: pipeline.DefaultMemoryManagerConfig(),
		Tools: ToolsConfig{
			Sensitive: []string{"slack_post_message", "discord_send_message"},
			Slack:     SlackConfig{BotToken: os.Getenv("SLACK_BOT_TOKEN")},
			Discord:   DiscordConfig{BotToken: os.Getenv("DISCORD_BOT_TOKEN")},
		},
		Storage: StorageConfig{
			CheckpointPath: filepath.Join(dataDir, "checkpoints.db"),
			SessionFile:    filepath.Join(dataDir, "session_id"),
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Cron:    CronConfig{CompactSchedule: "0 4 * * *"},
	}
}

// Load reads a YAML config file over the defaults. Environment variables
// in the file expand before parsing. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider %s requires an api key", c.Provider.Name)
	}
	switch c.Memory.Embeddings.Provider {
	case "openai", "ollama", "":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Memory.Embeddings.Provider)
	}
	if c.Context.SimilarityThreshold < 0 || c.Context.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in [0, 1]")
	}
	if c.Window.MaxTokensAfterTrim > c.Window.TokenThreshold {
		return fmt.Errorf("max_tokens_after_trim must not exceed token_threshold")
	}
	return nil
}
