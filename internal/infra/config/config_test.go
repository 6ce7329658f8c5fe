package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Swarm.ManagerID != "manager" {
		t.Errorf("got manager_id %q", cfg.Swarm.ManagerID)
	}
	if !cfg.Gateway.Enabled || cfg.Gateway.Addr != ":8090" {
		t.Errorf("unexpected gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Swarm.CompactThreshold != 60000 {
		t.Errorf("got compact_threshold %d", cfg.Swarm.CompactThreshold)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "swarmd.yaml", `
swarm:
  manager_id: boss
  data_dir: /tmp/swarm-test
  allowed_cwds: [projects, scratch]
  default_model:
    provider: anthropic
    model: claude-sonnet-4
    thinking: medium
  archetypes:
    - id: researcher
      system_prompt: "You research things."
gateway:
  enabled: true
  addr: "127.0.0.1:9000"
logger:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Swarm.ManagerID != "boss" {
		t.Errorf("got manager_id %q", cfg.Swarm.ManagerID)
	}
	if len(cfg.Swarm.AllowedCwds) != 2 {
		t.Errorf("got allowed_cwds %v", cfg.Swarm.AllowedCwds)
	}
	if cfg.Swarm.DefaultModel.Model != "claude-sonnet-4" {
		t.Errorf("got model %q", cfg.Swarm.DefaultModel.Model)
	}
	if cfg.Gateway.Addr != "127.0.0.1:9000" {
		t.Errorf("got gateway addr %q", cfg.Gateway.Addr)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Errorf("unexpected logger config: %+v", cfg.Logger)
	}
	if got := cfg.ArchetypeMap()["researcher"]; got != "You research things." {
		t.Errorf("got archetype prompt %q", got)
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "swarmd.yaml", "swarm:\n  manager_id: boss\n")
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for world-writable config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMD_MANAGER_ID", "env-boss")
	t.Setenv("SWARMD_GATEWAY_TOKEN", "sekrit")
	t.Setenv("SWARMD_ALLOWED_CWDS", "a, b ,c")
	t.Setenv("SWARMD_SLACK_BOT_TOKEN", "xoxb-test")

	cfg := Defaults()
	cfg.Channels = []ChannelConfig{{Type: "slack", Slack: &SlackChannelConfig{AppToken: "xapp-test"}}}
	ApplyEnvOverrides(cfg)

	if cfg.Swarm.ManagerID != "env-boss" {
		t.Errorf("got manager_id %q", cfg.Swarm.ManagerID)
	}
	if cfg.Gateway.Auth.Type != "static" || len(cfg.Gateway.Auth.Tokens) != 1 {
		t.Errorf("unexpected auth config: %+v", cfg.Gateway.Auth)
	}
	if len(cfg.Swarm.AllowedCwds) != 3 || cfg.Swarm.AllowedCwds[1] != "b" {
		t.Errorf("got allowed_cwds %v", cfg.Swarm.AllowedCwds)
	}
	if cfg.Channels[0].Slack.BotToken != "xoxb-test" {
		t.Errorf("slack bot token not populated from env")
	}
}

func TestCronDataDirDefault(t *testing.T) {
	cfg := Defaults()
	cfg.Swarm.DataDir = "/data"
	if got := cfg.CronDataDir(); got != filepath.Join("/data", "cron") {
		t.Errorf("got %q", got)
	}
	cfg.Cron.DataDir = "/elsewhere"
	if got := cfg.CronDataDir(); got != "/elsewhere" {
		t.Errorf("got %q", got)
	}
}

func TestValidateCatchesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Swarm.ManagerID = ""
	cfg.Gateway.Addr = "not-a-hostport"
	cfg.Channels = []ChannelConfig{{Type: "telegram"}}
	cfg.Swarm.Archetypes = []ArchetypeConfig{{ID: "a"}, {ID: "a", SystemPrompt: "x"}}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("got %T, want *ValidationError", err)
	}
	for _, want := range []string{"manager_id", "gateway.addr", "telegram.token", "duplicate archetype"} {
		found := false
		for _, e := range ve.Errors {
			if strings.Contains(e, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing validation error about %q in %v", want, ve.Errors)
		}
	}
}

func TestValidateStaticAuthNeedsTokens(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Type = "static"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for static auth with no tokens")
	}
	cfg.Gateway.Auth.Tokens = []TokenConfig{{Token: "t", Name: "dev"}}
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateSessionProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Session.Provider = "stdio"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for stdio provider without command")
	}
	cfg.Session.Command = "/usr/local/bin/agent"
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	cfg.Session.Env = []string{"NOT_A_PAIR"}
	if err := Validate(cfg); err == nil {
		t.Error("expected error for malformed session env entry")
	}
	cfg.Session.Env = nil
	cfg.Session.Provider = "grpc"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unknown session provider")
	}
}

func TestSessionCommandEnvOverride(t *testing.T) {
	t.Setenv("SWARMD_SESSION_COMMAND", "/opt/agent/bin/run")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Session.Provider != "stdio" {
		t.Errorf("provider = %q, want stdio", cfg.Session.Provider)
	}
	if cfg.Session.Command != "/opt/agent/bin/run" {
		t.Errorf("command = %q", cfg.Session.Command)
	}
}

func TestIncludesMergeAndPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
swarm:
  manager_name: FromInclude
logger:
  level: debug
`)
	main := writeConfig(t, dir, "swarmd.yaml", `
includes:
  - base.yaml
swarm:
  manager_id: boss
logger:
  level: warn
`)
	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Swarm.ManagerName != "FromInclude" {
		t.Errorf("include not merged, got %q", cfg.Swarm.ManagerName)
	}
	// The main file wins on conflict.
	if cfg.Logger.Level != "warn" {
		t.Errorf("got level %q, want warn", cfg.Logger.Level)
	}
	if cfg.Swarm.ManagerID != "boss" {
		t.Errorf("got manager_id %q", cfg.Swarm.ManagerID)
	}
}

func TestIncludesRejectEscape(t *testing.T) {
	dir := t.TempDir()
	main := writeConfig(t, dir, "swarmd.yaml", `
includes:
  - ../outside.yaml
`)
	if _, err := Load(main); err == nil {
		t.Fatal("expected error for include escaping config dir")
	}
}

func TestIncludesDetectCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "includes:\n  - b.yaml\n")
	writeConfig(t, dir, "b.yaml", "includes:\n  - a.yaml\n")
	main := writeConfig(t, dir, "swarmd.yaml", "includes:\n  - a.yaml\n")
	if _, err := Load(main); err == nil {
		t.Fatal("expected error for circular includes")
	}
}
