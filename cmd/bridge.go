package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tribridge/tribridge/internal/bridge"
	"github.com/tribridge/tribridge/internal/bus"
	"github.com/tribridge/tribridge/internal/channels"
	"github.com/tribridge/tribridge/internal/channels/discord"
	"github.com/tribridge/tribridge/internal/channels/irc"
	"github.com/tribridge/tribridge/internal/channels/telegram"
	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/filter"
	"github.com/tribridge/tribridge/internal/media"
	"github.com/tribridge/tribridge/internal/message"
	"github.com/tribridge/tribridge/internal/store"
	"github.com/tribridge/tribridge/internal/worker"
)

const startTimeout = 2 * time.Minute

func runBridge() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)
	logger := slog.Default()

	topo := bridge.New(cfg.Bridge)
	if len(topo) == 0 {
		logger.Error("no bridge groups configured", "config", cfgPath)
		os.Exit(1)
	}

	rules, err := filter.Load(filepath.Join(filepath.Dir(cfgPath), "filter.yaml"))
	if err != nil {
		logger.Error("failed to load filter rules", "error", err)
		os.Exit(1)
	}

	host, err := media.NewHost(cfg.Files)
	if err != nil {
		logger.Error("failed to prepare media directory", "error", err)
		os.Exit(1)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := store.Dial(dialCtx, cfg.Mongo, topo, logger)
	dialCancel()
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("mongodb close failed", "error", err)
		}
	}()

	queue := bus.New()

	manager := channels.NewManager()
	connected := manager.Connected

	var spam *filter.SpamChecker
	if cfg.SpamCheck.Enabled() {
		spam = filter.NewSpamChecker(cfg.SpamCheck, logger)
	}

	var ircPlatform *irc.Platform
	if cfg.IRC.Host != "" && len(topo.GroupsOn(message.PlatformIRC)) > 0 {
		ircPlatform = irc.New(cfg.IRC, topo, queue, host, st, logger)
		manager.Register(ircPlatform)
	}

	var tgPlatform *telegram.Platform
	if cfg.Telegram.APIID != 0 && len(topo.GroupsOn(message.PlatformTelegram)) > 0 {
		tgPlatform, err = telegram.New(cfg.Telegram, topo, queue, host, st, spam, connected, logger)
		if err != nil {
			logger.Error("failed to build telegram client", "error", err)
			os.Exit(1)
		}
		manager.Register(tgPlatform)
	}

	if cfg.Discord.Token != "" && len(topo.GroupsOn(message.PlatformDiscord)) > 0 {
		dcPlatform, err := discord.New(cfg.Discord, topo, queue, host, st, connected, logger)
		if err != nil {
			logger.Error("failed to build discord client", "error", err)
			os.Exit(1)
		}
		manager.Register(dcPlatform)
	}

	if manager.Len() == 0 {
		logger.Error("no platform is configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	err = manager.StartAll(startCtx)
	startCancel()
	if err != nil {
		logger.Error("platform start failed", "error", err)
		os.Exit(1)
	}

	var ircCommander worker.IRCCommander
	if ircPlatform != nil {
		ircCommander = ircPlatform
	}
	w := worker.New(queue, topo, manager.Platforms(), st, rules, ircCommander, logger)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(runCtx) })
	if tgPlatform != nil {
		g.Go(func() error { return tgPlatform.RunPoller(runCtx) })
	}

	logger.Info("bridge running", "groups", len(topo))
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("bridge stopped", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	manager.StopAll(shutdownCtx)
	logger.Info("bridge shut down")
}

// setupLogging routes logs to a rotating file when configured, stdout
// otherwise.
func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	if cfg.Path != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   config.ExpandHome(cfg.Path),
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
