package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnibridge/internal/bus"
	"omnibridge/internal/channel"
	"omnibridge/internal/config"
	"omnibridge/internal/credential"
	"omnibridge/internal/domain"
	"omnibridge/internal/gateway"
	"omnibridge/internal/ledger"
	"omnibridge/internal/metrics"
	"omnibridge/internal/router"
	"omnibridge/internal/session"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "omnibridge",
		Short: "omnibridge: one gateway for many chat networks",
		Long:  "omnibridge bridges Telegram, Slack, Discord, Signal, Matrix, Teams, WhatsApp, iMessage, and a local web chat behind one message model and control socket.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.omnibridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configureCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.CredentialsDir, 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("omnibridge v%s\n", version)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.General.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := credential.NewFileStore(cfg.General.CredentialsDir)

	var traffic *ledger.Ledger
	if cfg.Ledger.Enabled {
		traffic, err = ledger.Open(cfg.Ledger.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open traffic ledger: %w", err)
		}
		defer traffic.Close()
	}

	rules, err := router.LoadRules(cfg.Router.RulesPath)
	if err != nil {
		return fmt.Errorf("load router rules: %w", err)
	}
	if rules == nil {
		rules = router.DefaultRules()
	}

	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	sessions := session.NewManager(logger)
	sessions.SetEvents(events)
	collector := metrics.NewCollector()

	gw := gateway.New(gateway.Config{
		Bus:      messageBus,
		Events:   events,
		Router:   router.New(rules, logger),
		Sessions: sessions,
		Ledger:   traffic,
		Metrics:  collector,
		Logger:   logger,
	})

	var imsg *channel.IMessage
	for _, name := range channelOrder {
		cc, ok := cfg.Channels[name]
		if !ok || !cc.Enabled {
			continue
		}
		adapter := buildChannel(name, cc, store)
		if adapter == nil {
			continue
		}
		if err := gw.Register(adapter); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		if im, ok := adapter.(*channel.IMessage); ok {
			imsg = im
		}
		logger.Info("channel registered", "channel", name, "default_domain", cc.DefaultDomain)
	}

	control := gateway.NewControlServer(gw, events, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", control.Handler())
	mux.Handle("/metrics", collector.Handler())
	if imsg != nil {
		mux.Handle("/webhook/imessage", imsg.Handler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("control server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control server failed", "err", err)
			stop()
		}
	}()

	gw.Start(ctx)
	go housekeeping(ctx, cfg, sessions, traffic)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control server shutdown", "err", err)
	}
	gw.Shutdown()
	return nil
}

// housekeeping prunes idle group sessions and old ledger rows on a timer.
func housekeeping(ctx context.Context, cfg *config.Config, sessions *session.Manager, traffic *ledger.Ledger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.Session.PruneAfterMinutes > 0 {
				sessions.PruneInactive(time.Duration(cfg.Session.PruneAfterMinutes) * time.Minute)
			}
			if traffic != nil && cfg.Ledger.RetentionDays > 0 {
				traffic.Prune(ctx, time.Duration(cfg.Ledger.RetentionDays)*24*time.Hour)
			}
		}
	}
}

// channelOrder fixes registration (and status) order.
var channelOrder = []string{
	"telegram", "slack", "discord", "signal", "matrix",
	"teams", "whatsapp", "imessage", "webchat",
}

func buildChannel(name string, cc config.ChannelConfig, store credential.Store) gateway.Channel {
	def := domain.ChannelDomain(cc.DefaultDomain)
	switch name {
	case "telegram":
		return channel.NewTelegram(channel.TelegramConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "slack":
		return channel.NewSlack(channel.SlackConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "discord":
		return channel.NewDiscord(channel.DiscordConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "signal":
		return channel.NewSignal(channel.SignalConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "matrix":
		return channel.NewMatrix(channel.MatrixConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "teams":
		return channel.NewTeams(channel.TeamsConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "whatsapp":
		return channel.NewWhatsApp(channel.WhatsAppConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "imessage":
		return channel.NewIMessage(channel.IMessageConfig{Store: store, DefaultDomain: def, Logger: logger})
	case "webchat":
		return channel.NewWebChat(channel.WebChatConfig{DefaultDomain: def, Logger: logger})
	default:
		logger.Warn("unknown channel in config", "channel", name)
		return nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
