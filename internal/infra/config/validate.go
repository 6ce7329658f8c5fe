package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSwarm(cfg, ve)
	validateSession(cfg, ve)
	validateGateway(cfg, ve)
	validateChannels(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSwarm(cfg *Config, ve *ValidationError) {
	if cfg.Swarm.ManagerID == "" {
		ve.Add("swarm.manager_id must not be empty")
	}
	if cfg.Swarm.DataDir == "" {
		ve.Add("swarm.data_dir must not be empty")
	}
	if cfg.Swarm.CompactThreshold < 0 {
		ve.Add("swarm.compact_threshold must be >= 0")
	}
	for i, cwd := range cfg.Swarm.AllowedCwds {
		if cwd == "" {
			ve.Add("swarm.allowed_cwds[%d] must not be empty", i)
		}
	}

	validThinking := map[string]bool{"": true, "low": true, "medium": true, "high": true}
	if !validThinking[cfg.Swarm.DefaultModel.Thinking] {
		ve.Add("swarm.default_model.thinking %q is invalid (want: low, medium, high)", cfg.Swarm.DefaultModel.Thinking)
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Swarm.Archetypes {
		if a.ID == "" {
			ve.Add("swarm.archetypes[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("swarm.archetypes[%d]: duplicate archetype ID %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.SystemPrompt == "" {
			ve.Add("swarm.archetypes[%d] (%s): system_prompt must not be empty", i, a.ID)
		}
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	switch cfg.Session.Provider {
	case "", "loopback":
	case "stdio":
		if cfg.Session.Command == "" {
			ve.Add("session.command is required when session.provider is stdio")
		}
	default:
		ve.Add("session.provider %q is invalid (want: stdio, loopback)", cfg.Session.Provider)
	}
	for i, kv := range cfg.Session.Env {
		if !strings.Contains(kv, "=") {
			ve.Add("session.env[%d] %q is not KEY=VALUE", i, kv)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Auth.Type != "" && cfg.Gateway.Auth.Type != "static" {
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty when auth type is static")
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
	if cfg.Gateway.RateLimit.RequestsPerSecond < 0 {
		ve.Add("gateway.rate_limit.requests_per_second must be >= 0")
	}
	if cfg.Gateway.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit.burst must be >= 0")
	}
}

var validChannelTypes = map[string]bool{
	"telegram": true,
	"discord":  true,
	"slack":    true,
}

func validateChannels(cfg *Config, ve *ValidationError) {
	for i, ch := range cfg.Channels {
		if !validChannelTypes[ch.Type] {
			ve.Add("channels[%d].type %q is invalid (want: telegram, discord, slack)", i, ch.Type)
			continue
		}
		switch ch.Type {
		case "telegram":
			if ch.Telegram == nil || ch.Telegram.Token == "" {
				ve.Add("channels[%d] (telegram): telegram.token is required (set via SWARMD_TELEGRAM_TOKEN)", i)
			}
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" {
				ve.Add("channels[%d] (discord): discord.token is required (set via SWARMD_DISCORD_TOKEN)", i)
			}
		case "slack":
			if ch.Slack == nil {
				ve.Add("channels[%d] (slack): slack config section is required", i)
			} else {
				if ch.Slack.BotToken == "" {
					ve.Add("channels[%d] (slack): slack.bot_token is required (set via SWARMD_SLACK_BOT_TOKEN)", i)
				}
				if ch.Slack.AppToken == "" {
					ve.Add("channels[%d] (slack): slack.app_token is required (set via SWARMD_SLACK_APP_TOKEN)", i)
				}
			}
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	validLevels := map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	validFormats := map[string]bool{"": true, "text": true, "json": true}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	switch out := strings.ToLower(cfg.Logger.Output); out {
	case "", "stdout", "stderr":
	default:
		if !filepath.IsAbs(cfg.Logger.Output) && !strings.HasPrefix(cfg.Logger.Output, ".") {
			ve.Add("logger.output %q must be stdout, stderr, or a file path", cfg.Logger.Output)
		}
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	validExporters := map[string]bool{"": true, "noop": true, "stdout": true}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}
