package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/channel"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/routing"
	"chatrelay/internal/transport"

	"github.com/spf13/cobra"
)

func gatewayCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (backend connection + webhook receiver)",
		Long:  "Connects to the backend as --user, serves provider webhooks and relays messages both ways. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), userID)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "backend user id (default: transport.userId)")
	return cmd
}

func runGateway(parent context.Context, userID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewEventBus(logger, cfg.Bus.HistorySize)

	routes, err := newRoutes(ctx, cfg.Routing)
	if err != nil {
		return err
	}
	defer routes.Close()
	metrics.Routes.Set(int64(routes.Len()))

	registry := channel.FromConfig(cfg.Channels, channel.SharedHTTPClient(cfg.HTTP.Timeout()), logger)

	// The transport delivers frames to the dispatcher, which in turn controls the transport.
	var dispatcher *dispatch.Dispatcher
	conn := transport.NewManager(transport.Config{
		BaseURL:          cfg.Transport.BaseURL,
		MaxAttempts:      cfg.Transport.MaxAttempts,
		RetryDelay:       cfg.Transport.RetryDelay(),
		HandshakeTimeout: cfg.Transport.HandshakeTimeout(),
		PingInterval:     cfg.Transport.PingInterval(),
		PongWait:         cfg.Transport.PongWait(),
		Bus:              eventBus,
		Logger:           logger,
		OnFrame: func(ctx context.Context, f domain.Frame) {
			dispatcher.HandleFrame(ctx, f)
		},
	})
	registry.Add(channel.NewWebchat(conn, "agent"))

	dispatcher = dispatch.New(dispatch.Config{
		Registry:  registry,
		Routes:    routes,
		Dedupe:    routing.NewDedupe(cfg.Routing.DedupeWindow(), cfg.Routing.DedupeMaxEntries),
		Bus:       eventBus,
		Transport: conn,
		Logger:    logger,
	})

	bus.Subscribe(eventBus, func(ev bus.NewMessage) {
		logger.Info("inbound", "platform", ev.Message.Platform, "conversation", ev.ConversationID, "type", ev.Message.Type)
	})
	bus.Subscribe(eventBus, func(ev bus.ConnectionError) {
		logger.Error("backend unreachable, reconnects stopped", "err", ev.Err)
	})

	logger.Info("channels enabled", "platforms", registry.Platforms())

	errCh := make(chan error, 1)
	if cfg.Webhook.Enabled {
		wh := channel.NewWebhook(channel.WebhookConfig{
			Addr:        net.JoinHostPort(cfg.Webhook.Host, strconv.Itoa(cfg.Webhook.Port)),
			PathPrefix:  cfg.Webhook.PathPrefix,
			AppSecret:   cfg.Webhook.AppSecret,
			SecretToken: cfg.Webhook.SecretToken,
			VerifyToken: cfg.Webhook.VerifyToken,
			Logger:      logger,
		}, dispatcher)
		if cfg.Metrics.Enabled {
			wh.Handle("GET "+cfg.Metrics.Endpoint, metrics.Default.Handler())
		}
		go func() {
			if err := wh.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if uid := firstNonEmpty(userID, cfg.Transport.UserID); uid != "" {
		dispatcher.Connect(uid)
	} else {
		logger.Warn("no backend user configured; running webhook receiver only")
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("webhook server failed", "err", runErr)
	}
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		runErr = errors.Join(runErr, fmt.Errorf("shutdown timed out"))
	}
	return runErr
}
