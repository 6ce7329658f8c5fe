package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swarmd/cmd/swarmd/daemon"
	"swarmd/internal/adapter/channel"
	"swarmd/internal/adapter/gateway"
	"swarmd/internal/adapter/session"
	"swarmd/internal/domain"
	"swarmd/internal/infra/config"
	"swarmd/internal/infra/logger"
	"swarmd/internal/infra/tracer"
	"swarmd/internal/store"
	"swarmd/internal/usecase/cronjob"
	"swarmd/internal/usecase/eventbus"
	"swarmd/internal/usecase/swarm"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "daemon" {
		if err := runDaemonCmd(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var (
		configPath = flag.String("config", defaultConfigPath(), "path to the YAML config file")
		logLevel   = flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	)
	flag.Parse()

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// runDaemonCmd manages the system service: swarmd daemon <install|uninstall|status>.
func runDaemonCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: swarmd daemon <install|uninstall|status>")
	}
	switch args[0] {
	case "install":
		cfg := daemon.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := daemon.Install(cfg); err != nil {
			return err
		}
		fmt.Println("swarmd installed as a system service")
		return nil
	case "uninstall":
		return daemon.Uninstall("swarmd")
	case "status":
		status, err := daemon.Query("swarmd")
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("swarmd is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("swarmd is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", args[0])
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("SWARMD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	st, err := store.NewAgentStore(cfg.Swarm.DataDir, log)
	if err != nil {
		return fmt.Errorf("agent store: %w", err)
	}

	bus := eventbus.New(log)
	defer bus.Close()

	provider, err := buildSessionProvider(cfg, log)
	if err != nil {
		return fmt.Errorf("session provider: %w", err)
	}

	mgr, err := swarm.NewManager(ctx, swarm.Config{
		ManagerID:     cfg.Swarm.ManagerID,
		ManagerName:   cfg.Swarm.ManagerName,
		DataDir:       cfg.Swarm.DataDir,
		AllowedCwds:   cfg.Swarm.AllowedCwds,
		DefaultModel:  modelRef(cfg.Swarm.DefaultModel),
		ManagerPrompt: cfg.Swarm.ManagerPrompt,
		WorkerPrompt:  cfg.Swarm.WorkerPrompt,
		Archetypes:    cfg.ArchetypeMap(),
	}, st, provider, bus, log)
	if err != nil {
		return fmt.Errorf("swarm manager: %w", err)
	}

	// Cron
	var cronMgr *cronjob.Manager
	var scheduler *cronjob.Scheduler
	if cfg.Cron.Enabled {
		cronStore, err := cronjob.NewFileStore(cfg.CronDataDir())
		if err != nil {
			return fmt.Errorf("cron store: %w", err)
		}
		scheduler = cronjob.NewScheduler(logger.Component(log, "cron"))
		cronMgr = cronjob.NewManager(cronStore, scheduler, bus, logger.Component(log, "cron"))
		cronMgr.SetDispatcher(mgr)
		if err := cronMgr.LoadAndSchedule(ctx); err != nil {
			return fmt.Errorf("cron load: %w", err)
		}
		go scheduler.Start(ctx)
	}

	// Gateway
	var gw *gateway.Server
	channelNames := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channelNames = append(channelNames, ch.Type)
	}
	if cfg.Gateway.Enabled {
		gw = gateway.NewServer(bus, buildAuth(cfg.Gateway.Auth), cfg.Gateway.Addr, logger.Component(log, "gateway"))
		if rl := cfg.Gateway.RateLimit; rl.RequestsPerSecond > 0 {
			gw.SetRateLimit(rl.RequestsPerSecond, rl.Burst)
		}
		deps := gateway.HandlerDeps{
			Swarm:    mgr,
			Cron:     cronMgr,
			Bus:      bus,
			Logger:   log,
			Channels: channelNames,
		}
		gateway.RegisterDefaultHandlers(gw, deps)
		gateway.RegisterRESTHandlers(gw, deps)
		go func() {
			if err := gw.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}

	// Channel bridges
	bridges := buildBridges(cfg, mgr, bus, logger.Component(log, "channel"))
	started := make([]channel.Bridge, 0, len(bridges))
	for _, b := range bridges {
		if err := b.Start(ctx); err != nil {
			log.Error("channel start failed", "channel", b.Name(), "error", err)
			continue
		}
		log.Info("channel started", "channel", b.Name())
		started = append(started, b)
	}

	log.Info("swarmd started",
		"manager_id", cfg.Swarm.ManagerID,
		"data_dir", cfg.Swarm.DataDir,
		"session_provider", sessionProviderName(cfg),
		"gateway", cfg.Gateway.Enabled,
		"cron", cfg.Cron.Enabled,
		"channels", len(started),
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, b := range started {
		if err := b.Stop(shutdownCtx); err != nil {
			log.Warn("channel stop", "channel", b.Name(), "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			log.Warn("gateway stop", "error", err)
		}
	}
	if err := mgr.StopAllAgents(shutdownCtx); err != nil {
		log.Warn("stop agents", "error", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Warn("manager close", "error", err)
	}
	return nil
}

func buildSessionProvider(cfg *config.Config, log *slog.Logger) (domain.SessionProvider, error) {
	switch cfg.Session.Provider {
	case "stdio":
		return session.NewStdioProvider(cfg.Session.Command, cfg.Session.Args, log,
			session.WithStdioEnv(cfg.Session.Env))
	default:
		log.Warn("no agent command configured, sessions run in loopback mode")
		return session.NewLoopbackProvider(log), nil
	}
}

func sessionProviderName(cfg *config.Config) string {
	if cfg.Session.Provider == "stdio" {
		return "stdio:" + cfg.Session.Command
	}
	return "loopback"
}

func buildAuth(cfg config.AuthConfig) gateway.Authenticator {
	if cfg.Type != "static" {
		return gateway.AllowAllAuth{}
	}
	entries := make([]struct {
		Token string
		Name  string
	}, len(cfg.Tokens))
	for i, t := range cfg.Tokens {
		entries[i].Token = t.Token
		entries[i].Name = t.Name
	}
	return gateway.NewStaticTokenAuth(entries)
}

func buildBridges(cfg *config.Config, mgr *swarm.Manager, bus domain.EventBus, log *slog.Logger) []channel.Bridge {
	var bridges []channel.Bridge
	for i, ch := range cfg.Channels {
		switch ch.Type {
		case "telegram":
			bridges = append(bridges, channel.NewTelegramBridge(
				ch.Telegram.Token, mgr, bus, log,
				channel.WithTelegramMentionOnly(ch.MentionOnly),
			))
		case "slack":
			bridges = append(bridges, channel.NewSlackBridge(
				ch.Slack.BotToken, ch.Slack.AppToken, mgr, bus, log,
				channel.WithSlackChannels(ch.ChannelIDs),
				channel.WithSlackMentionOnly(ch.MentionOnly),
			))
		case "discord":
			opts := []channel.DiscordOption{
				channel.WithDiscordChannels(ch.ChannelIDs),
				channel.WithDiscordMentionOnly(ch.MentionOnly),
			}
			if ch.Discord.GuildID != "" {
				opts = append(opts, channel.WithDiscordGuild(ch.Discord.GuildID))
			}
			bridges = append(bridges, channel.NewDiscordBridge(
				ch.Discord.Token, mgr, bus, log, opts...))
		default:
			log.Warn("unknown channel type skipped", "index", i, "type", ch.Type)
		}
	}
	return bridges
}

func modelRef(mc config.ModelConfig) domain.ModelRef {
	return domain.ModelRef{
		Provider:      mc.Provider,
		ModelID:       mc.Model,
		ThinkingLevel: domain.ThinkingLevel(mc.Thinking),
	}
}
