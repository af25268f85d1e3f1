// Package config handles PAW configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./paw.yaml, ~/.config/paw/paw.yaml, /etc/paw/paw.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"paw.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "paw", "paw.yaml"))
	}

	paths = append(paths, "/etc/paw/paw.yaml")
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

// Config holds all PAW configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Shell     ShellConfig     `yaml:"shell"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Hooks     HooksConfig     `yaml:"hooks"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	Workspace string          `yaml:"workspace_dir"`
	SoulPath  string          `yaml:"soul_path"`
	MemoryDir string          `yaml:"memory_dir"`
	APIKey    string          `yaml:"api_key"` // Empty = no auth
	LogLevel  string          `yaml:"log_level"`

	mu sync.RWMutex
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines LLM provider settings.
type LLMConfig struct {
	Model          string   `yaml:"model"`
	SmartModel     string   `yaml:"smart_model"`
	APIBase        string   `yaml:"api_base"`
	APIKey         string   `yaml:"api_key"`
	Temperature    float64  `yaml:"temperature"`
	MaxTokens      int      `yaml:"max_tokens"`
	FallbackModels []string `yaml:"fallback_models"`
}

// AgentConfig defines agent loop behavior.
type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	MaxToolCalls  int `yaml:"max_tool_calls"`
}

// ShellConfig defines shell tool settings.
type ShellConfig struct {
	Enabled           bool     `yaml:"enabled"`
	WorkingDir        string   `yaml:"working_dir"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	AllowedPrefixes   []string `yaml:"allowed_prefixes"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
}

// ChannelsConfig groups all channel provider settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Email    EmailConfig    `yaml:"email"`
}

// TelegramConfig defines the Telegram polling channel.
type TelegramConfig struct {
	Enabled         bool     `yaml:"enabled"`
	BotToken        string   `yaml:"bot_token"`
	APIBase         string   `yaml:"api_base"` // Override for tests
	Model           string   `yaml:"model"`
	SmartModel      string   `yaml:"smart_model"`
	AgentMode       bool     `yaml:"agent_mode"`
	DMPolicy        string   `yaml:"dm_policy"` // allowlist, open, disabled
	AllowFrom       []string `yaml:"allow_from"`
	PairingEnabled  bool     `yaml:"pairing_enabled"`
	PairingTTLMin   int      `yaml:"pairing_code_ttl_minutes"`
	GroupsEnabled   bool     `yaml:"groups_enabled"`
	RequireMention  bool     `yaml:"require_mention"`
	PollTimeoutSec  int      `yaml:"poll_timeout_s"`
	RetryDelaySec   int      `yaml:"retry_delay_s"`
	MaxMessageChars int      `yaml:"max_message_chars"`
	RenderHTML      bool     `yaml:"render_html"` // Render replies via Telegram HTML parse mode
}

// EmailConfig defines the email channel (IMAP inbound, SMTP outbound).
type EmailConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Address      string   `yaml:"address"` // Agent's own address, e.g. "PAW <paw@host>"
	IMAPHost     string   `yaml:"imap_host"`
	IMAPPort     int      `yaml:"imap_port"`
	SMTPHost     string   `yaml:"smtp_host"`
	SMTPPort     int      `yaml:"smtp_port"`
	SMTPStartTLS bool     `yaml:"smtp_starttls"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	AllowFrom    []string `yaml:"allow_from"`
	PollInterval int      `yaml:"poll_interval_s"`
	AgentMode    bool     `yaml:"agent_mode"`
}

// WebhooksConfig defines inbound webhook handling.
type WebhooksConfig struct {
	Enabled        bool   `yaml:"enabled"`
	InboundEnabled bool   `yaml:"inbound_enabled"`
	InboundSecret  string `yaml:"inbound_secret"`
	TimeoutSec     int    `yaml:"timeout_s"` // Outbound POST timeout
}

// HeartbeatConfig defines heartbeat and cron automation.
type HeartbeatConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	ChecklistPath   string `yaml:"checklist_path"`
	OutputTarget    string `yaml:"default_output_target"`
}

// HooksConfig defines internal hook notification fan-out.
type HooksConfig struct {
	ModelChangedTargets  []string `yaml:"model_changed_targets"`
	ModelChangedWebhooks []string `yaml:"model_changed_webhooks"`
}

// MQTTConfig defines the optional MQTT publisher.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicBase  string `yaml:"topic_base"`
	DeviceName string `yaml:"device_name"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file body (${VAR} or $VAR) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8000},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			SmartModel:  "gpt-4o",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxToolCalls:  20,
		},
		Shell: ShellConfig{
			DeniedPatterns:    []string{"rm -rf /", "mkfs", "dd if=", "> /dev/sd"},
			DefaultTimeoutSec: 30,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				AgentMode:       true,
				DMPolicy:        "allowlist",
				PairingTTLMin:   10,
				RequireMention:  true,
				PollTimeoutSec:  25,
				RetryDelaySec:   3,
				MaxMessageChars: 3500,
			},
			Email: EmailConfig{
				IMAPPort:     993,
				SMTPPort:     465,
				PollInterval: 120,
				AgentMode:    true,
			},
		},
		Webhooks:  WebhooksConfig{TimeoutSec: 10},
		Heartbeat: HeartbeatConfig{IntervalMinutes: 5},
		DataDir:   "data",
		MemoryDir: "memory",
		SoulPath:  "soul.md",
	}
}

// Models returns the current regular and smart model, safe under
// concurrent runtime model switches.
func (c *Config) Models() (regular, smart string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LLM.Model, c.LLM.SmartModel
}

// SetModels updates the regular and smart model at runtime. Empty
// arguments leave the corresponding model unchanged.
func (c *Config) SetModels(regular, smart string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if regular != "" {
		c.LLM.Model = regular
	}
	if smart != "" {
		c.LLM.SmartModel = smart
	}
}
