package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aryandayal/amazon-server/internal/config"
	"github.com/aryandayal/amazon-server/internal/device"
	"github.com/aryandayal/amazon-server/internal/dispatch"
	"github.com/aryandayal/amazon-server/internal/metrics"
	"github.com/aryandayal/amazon-server/internal/server"
	"github.com/aryandayal/amazon-server/internal/subscriber"
	"github.com/aryandayal/amazon-server/internal/webhook"
)

// runServe wires the gateway and blocks until a shutdown signal arrives
func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logCloser.Close()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
		slog.Bool("config_found", found),
	)

	logger.Info("Configuration loaded",
		slog.Int("tcp_port", cfg.Server.TCPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_frame_buffer", cfg.Server.MaxFrameBuffer),
		slog.String("overflow_policy", cfg.Server.OverflowPolicy),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Int("http_port", cfg.HTTP.Port),
		slog.Bool("webhook_enabled", cfg.Webhook.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics go to the default registry so Go runtime collectors are exported too
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	devices := device.NewManager(logger, cfg.Server.GetIdleTimeoutDuration())
	hub := subscriber.NewHub(logger, appMetrics)

	var webhookClient *webhook.Client
	if cfg.Webhook.Enabled {
		webhookClient, err = webhook.NewClient(webhook.Config{
			Endpoints:     cfg.Webhook.Endpoints,
			APIKey:        cfg.Webhook.APIKey,
			Timeout:       cfg.Webhook.GetTimeoutDuration(),
			MaxRetries:    cfg.Webhook.MaxRetries,
			MaxConcurrent: cfg.Webhook.MaxConcurrent,
			QueueSize:     cfg.Webhook.QueueSize,
		}, logger, appMetrics)
		if err != nil {
			devices.Stop()
			return fmt.Errorf("failed to create webhook client: %w", err)
		}
		if err := hub.Add(webhookClient); err != nil {
			devices.Stop()
			return fmt.Errorf("failed to register webhook subscriber: %w", err)
		}
		logger.Info("Webhook subscriber initialized",
			slog.Int("endpoints", len(cfg.Webhook.Endpoints)),
		)
	}

	dispatcher := dispatch.NewDispatcher(hub, devices, logger, appMetrics)
	tcpServer := server.NewTCPServer(&cfg.Server, logger, devices, dispatcher, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		gin.SetMode(gin.ReleaseMode)
		httpServer = server.NewHTTPServer(cfg, logger, server.HTTPServerDeps{
			Devices:   devices,
			TCPServer: tcpServer,
			Hub:       hub,
			Webhook:   webhookClient,
			Metrics:   appMetrics,
			Gatherer:  prometheus.DefaultGatherer,
		})
	}

	if err := tcpServer.Start(); err != nil {
		hub.Close()
		devices.Stop()
		return err
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			_ = tcpServer.Stop()
			hub.Close()
			devices.Stop()
			return err
		}
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP first so no new subscribers arrive
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		cancel()
	}

	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	// Closing the hub closes WebSocket clients and flushes the webhook queue
	hub.Close()
	devices.Stop()

	if webhookClient != nil {
		stats := webhookClient.GetStats()
		logger.Info("Final webhook statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
			slog.Uint64("dropped_events", stats.DroppedEvents),
		)
	}

	logger.Info("Service stopped")
	return nil
}
