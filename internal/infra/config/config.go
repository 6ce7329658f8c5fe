package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Swarm    SwarmConfig     `yaml:"swarm"`
	Session  SessionConfig   `yaml:"session"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Channels []ChannelConfig `yaml:"channels"`
	Cron     CronConfig      `yaml:"cron"`
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`
	Includes []string        `yaml:"includes,omitempty"`
}

// SwarmConfig holds the agent swarm settings.
type SwarmConfig struct {
	ManagerID        string            `yaml:"manager_id"`
	ManagerName      string            `yaml:"manager_name"`
	DataDir          string            `yaml:"data_dir"`
	AllowedCwds      []string          `yaml:"allowed_cwds,omitempty"`
	DefaultModel     ModelConfig       `yaml:"default_model"`
	ManagerPrompt    string            `yaml:"manager_prompt,omitempty"`
	WorkerPrompt     string            `yaml:"worker_prompt,omitempty"`
	Archetypes       []ArchetypeConfig `yaml:"archetypes,omitempty"`
	CompactThreshold int               `yaml:"compact_threshold"`
}

// ModelConfig identifies the model new agents run on.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Thinking string `yaml:"thinking,omitempty"` // "low", "medium", "high"
}

// ArchetypeConfig defines a named worker archetype with its system prompt.
type ArchetypeConfig struct {
	ID           string `yaml:"id"`
	SystemPrompt string `yaml:"system_prompt"`
}

// SessionConfig selects how agent sessions are provisioned. The stdio
// provider launches command once per agent; loopback echoes turns without
// running anything.
type SessionConfig struct {
	Provider string   `yaml:"provider"` // "stdio" or "loopback"
	Command  string   `yaml:"command,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	Env      []string `yaml:"env,omitempty"` // extra KEY=VALUE pairs for agent processes
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig bounds inbound RPC rate per connection.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CronConfig holds scheduler settings.
type CronConfig struct {
	Enabled bool   `yaml:"enabled"`
	DataDir string `yaml:"data_dir,omitempty"` // defaults to <swarm.data_dir>/cron
}

// ChannelConfig holds settings for a single external chat surface.
type ChannelConfig struct {
	Type        string   `yaml:"type"`
	MentionOnly bool     `yaml:"mention_only,omitempty"`
	ChannelIDs  []string `yaml:"channel_ids,omitempty"`

	// Per-channel nested config (only one should be set, matching Type).
	Telegram *TelegramChannelConfig `yaml:"telegram,omitempty"`
	Discord  *DiscordChannelConfig  `yaml:"discord,omitempty"`
	Slack    *SlackChannelConfig    `yaml:"slack,omitempty"`
}

// TelegramChannelConfig holds Telegram channel settings.
type TelegramChannelConfig struct {
	Token string `yaml:"token"`
}

// DiscordChannelConfig holds Discord channel settings.
type DiscordChannelConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id,omitempty"`
}

// SlackChannelConfig holds Slack channel settings.
type SlackChannelConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.swarmd.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".swarmd", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Swarm: SwarmConfig{
			ManagerID:        "manager",
			ManagerName:      "Manager",
			DataDir:          defaultDataDir(),
			CompactThreshold: 60000,
		},
		Session: SessionConfig{
			Provider: "loopback",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8090",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, processes includes, and applies env var
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// Second pass: re-unmarshal main config so it takes precedence
		// over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SWARMD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARMD_MANAGER_ID"); v != "" {
		cfg.Swarm.ManagerID = v
	}
	if v := os.Getenv("SWARMD_DATA_DIR"); v != "" {
		cfg.Swarm.DataDir = v
	}
	if v := os.Getenv("SWARMD_ALLOWED_CWDS"); v != "" {
		cfg.Swarm.AllowedCwds = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SWARMD_DEFAULT_PROVIDER"); v != "" {
		cfg.Swarm.DefaultModel.Provider = v
	}
	if v := os.Getenv("SWARMD_DEFAULT_MODEL"); v != "" {
		cfg.Swarm.DefaultModel.Model = v
	}
	if v := os.Getenv("SWARMD_COMPACT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Swarm.CompactThreshold = n
		}
	}

	if v := os.Getenv("SWARMD_SESSION_PROVIDER"); v != "" {
		cfg.Session.Provider = v
	}
	if v := os.Getenv("SWARMD_SESSION_COMMAND"); v != "" {
		cfg.Session.Command = v
		if cfg.Session.Provider == "" || cfg.Session.Provider == "loopback" {
			cfg.Session.Provider = "stdio"
		}
	}

	if v := os.Getenv("SWARMD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SWARMD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SWARMD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SWARMD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("SWARMD_GATEWAY_ENABLED"); v == "false" {
		cfg.Gateway.Enabled = false
	}
	if v := os.Getenv("SWARMD_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("SWARMD_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("SWARMD_GATEWAY_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Gateway.RateLimit.RequestsPerSecond = f
		}
	}

	if v := os.Getenv("SWARMD_CRON_ENABLED"); v == "false" {
		cfg.Cron.Enabled = false
	}
	if v := os.Getenv("SWARMD_CRON_DATA_DIR"); v != "" {
		cfg.Cron.DataDir = v
	}

	// Channel token overrides (env vars populate nested config structs).
	if v := os.Getenv("SWARMD_TELEGRAM_TOKEN"); v != "" {
		for i := range cfg.Channels {
			if cfg.Channels[i].Type == "telegram" {
				if cfg.Channels[i].Telegram == nil {
					cfg.Channels[i].Telegram = &TelegramChannelConfig{}
				}
				if cfg.Channels[i].Telegram.Token == "" {
					cfg.Channels[i].Telegram.Token = v
				}
			}
		}
	}
	if v := os.Getenv("SWARMD_DISCORD_TOKEN"); v != "" {
		for i := range cfg.Channels {
			if cfg.Channels[i].Type == "discord" {
				if cfg.Channels[i].Discord == nil {
					cfg.Channels[i].Discord = &DiscordChannelConfig{}
				}
				if cfg.Channels[i].Discord.Token == "" {
					cfg.Channels[i].Discord.Token = v
				}
			}
		}
	}
	if v := os.Getenv("SWARMD_SLACK_BOT_TOKEN"); v != "" {
		for i := range cfg.Channels {
			if cfg.Channels[i].Type == "slack" {
				if cfg.Channels[i].Slack == nil {
					cfg.Channels[i].Slack = &SlackChannelConfig{}
				}
				if cfg.Channels[i].Slack.BotToken == "" {
					cfg.Channels[i].Slack.BotToken = v
				}
			}
		}
	}
	if v := os.Getenv("SWARMD_SLACK_APP_TOKEN"); v != "" {
		for i := range cfg.Channels {
			if cfg.Channels[i].Type == "slack" {
				if cfg.Channels[i].Slack == nil {
					cfg.Channels[i].Slack = &SlackChannelConfig{}
				}
				if cfg.Channels[i].Slack.AppToken == "" {
					cfg.Channels[i].Slack.AppToken = v
				}
			}
		}
	}
}

// CronDataDir resolves the cron store directory, defaulting under the swarm
// data directory.
func (c *Config) CronDataDir() string {
	if c.Cron.DataDir != "" {
		return c.Cron.DataDir
	}
	return filepath.Join(c.Swarm.DataDir, "cron")
}

// ArchetypeMap converts the archetype list into the ID-keyed map the swarm
// manager consumes.
func (c *Config) ArchetypeMap() map[string]string {
	if len(c.Swarm.Archetypes) == 0 {
		return nil
	}
	m := make(map[string]string, len(c.Swarm.Archetypes))
	for _, a := range c.Swarm.Archetypes {
		m[a.ID] = a.SystemPrompt
	}
	return m
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions rejects config files writable or readable beyond
// 0644, since they may carry channel and gateway tokens.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
