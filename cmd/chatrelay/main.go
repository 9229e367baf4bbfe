package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/domain"
	"chatrelay/internal/routing"

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
		Use:   "chatrelay",
		Short: "chatrelay: multi-channel messaging gateway",
		Long: "chatrelay relays conversations between WhatsApp, Instagram, Telegram, email and a web widget\n" +
			"and a single backend connection, routing replies to the platform each conversation came from.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.chatrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(registerCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
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
			fmt.Println("chatrelay", version)
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one honouring general.logLevel
// and general.logFile. The returned func closes the log file, if any.
func setupLogger(cfg config.GeneralConfig) (func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	return closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newRoutes builds the routing table, backed by SQLite when routing.persistPath is set.
func newRoutes(ctx context.Context, cfg config.RoutingConfig) (*routing.Table, error) {
	var store routing.Store
	if cfg.PersistPath != "" {
		s, err := routing.NewSQLiteStore(cfg.PersistPath, logger)
		if err != nil {
			return nil, fmt.Errorf("routing store: %w", err)
		}
		store = s
	}

	routes := routing.NewTable(routing.TableConfig{
		MaxEntries: cfg.MaxEntries,
		TTL:        cfg.TTL(),
		Store:      store,
		Logger:     logger,
	})
	n, err := routes.Warm(ctx)
	if err != nil {
		logger.Warn("routing warm-up failed", "err", err)
	} else if store != nil {
		logger.Info("routing table warmed", "routes", n, "path", cfg.PersistPath)
	}
	return routes, nil
}

// newOfflineDispatcher builds a dispatcher with provider adapters but no backend
// transport, for one-shot commands.
func newOfflineDispatcher(ctx context.Context, cfg *config.Config) (*dispatch.Dispatcher, *routing.Table, error) {
	routes, err := newRoutes(ctx, cfg.Routing)
	if err != nil {
		return nil, nil, err
	}
	registry := channel.FromConfig(cfg.Channels, channel.SharedHTTPClient(cfg.HTTP.Timeout()), logger)
	d := dispatch.New(dispatch.Config{
		Registry: registry,
		Routes:   routes,
		Bus:      bus.NewEventBus(logger, cfg.Bus.HistorySize),
		Logger:   logger,
	})
	return d, routes, nil
}

func registerCmd() *cobra.Command {
	var (
		webhookURL  string
		verifyToken string
	)
	cmd := &cobra.Command{
		Use:   "register <platform>",
		Short: "Point a platform's webhook at this gateway",
		Long:  "Calls the platform's subscription API so it pushes future events to --url.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := domain.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.HTTP.Timeout())
			defer cancel()

			d, routes, err := newOfflineDispatcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer routes.Close()

			req := domain.RegisterRequest{
				WebhookURL:  webhookURL,
				VerifyToken: firstNonEmpty(verifyToken, cfg.Webhook.VerifyToken),
				Extra:       map[string]string{},
			}
			if cfg.Webhook.SecretToken != "" {
				req.Extra["secretToken"] = cfg.Webhook.SecretToken
			}

			res, err := d.RegisterWebhook(ctx, platform, req)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&webhookURL, "url", "", "public URL of this gateway's webhook endpoint (e.g. https://relay.example.com/webhook/telegram)")
	cmd.Flags().StringVar(&verifyToken, "verify-token", "", "verify token for Meta subscriptions (default: webhook.verifyToken)")
	cmd.MarkFlagRequired("url")
	return cmd
}

func sendCmd() *cobra.Command {
	var platformName string
	cmd := &cobra.Command{
		Use:   "send <conversation> <text>",
		Short: "Send a message to a conversation",
		Long: "Sends through the platform the conversation is routed to. Routes come from the\n" +
			"persisted routing table, or from --platform for a conversation never seen before.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.HTTP.Timeout())
			defer cancel()

			d, routes, err := newOfflineDispatcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer routes.Close()

			if platformName != "" {
				platform, err := domain.ParsePlatform(platformName)
				if err != nil {
					return err
				}
				routes.Put(ctx, routing.Route{ConversationID: args[0], Platform: platform, UpdatedAt: time.Now()})
			}

			msg, err := d.SendMessage(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&platformName, "platform", "p", "", "route the conversation to this platform")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. transport.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "paths",
		Short: "List every settable config path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.Defaults()
			}
			for _, p := range config.ListPaths(cfg) {
				fmt.Println(p)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
