package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aryandayal/amazon-server/internal/config"
	"github.com/aryandayal/amazon-server/internal/device"
	"github.com/aryandayal/amazon-server/internal/dispatch"
	"github.com/aryandayal/amazon-server/internal/metrics"
	"github.com/aryandayal/amazon-server/internal/protocol"
	"github.com/aryandayal/amazon-server/internal/subscriber"
	"github.com/aryandayal/amazon-server/internal/webhook"
)

const serviceName = "ais140-gateway"
const serviceVersion = "1.0.0"

// HTTPServer serves the subscriber WebSocket endpoint and the monitoring API
type HTTPServer struct {
	server    *http.Server
	engine    *gin.Engine
	listener  net.Listener
	logger    *slog.Logger
	config    *config.Config
	devices   *device.Manager
	tcpServer *TCPServer
	hub       *subscriber.Hub
	webhook   *webhook.Client
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	upgrader  websocket.Upgrader

	startTime time.Time
}

// HTTPServerDeps groups the components the HTTP API reports on.
// Webhook may be nil when webhooks are disabled.
type HTTPServerDeps struct {
	Devices   *device.Manager
	TCPServer *TCPServer
	Hub       *subscriber.Hub
	Webhook   *webhook.Client
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

// NewHTTPServer creates the HTTP server with routes and middleware
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, deps HTTPServerDeps) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		devices:   deps.Devices,
		tcpServer: deps.TCPServer,
		hub:       deps.Hub,
		webhook:   deps.Webhook,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		startTime: time.Now(),
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(requestMetrics(deps.Metrics))
	r.Use(cors.New(corsConfig(appConfig.HTTP.CORSOrigins)))
	h.engine = r
	h.setupRoutes(r)

	h.server = &http.Server{
		Addr:        net.JoinHostPort(appConfig.HTTP.Address, fmt.Sprintf("%d", appConfig.HTTP.Port)),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// corsConfig restricts cross-origin access to the configured origins with GET and POST
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}

	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			return cfg
		}
		cfg.AllowOrigins = append(cfg.AllowOrigins, strings.TrimRight(origin, "/"))
	}
	return cfg
}

// checkOrigin applies the CORS origin list to WebSocket upgrades.
// Requests without an Origin header come from non-browser clients and are allowed.
func (h *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.config.HTTP.CORSOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}

	// Same-origin requests are always acceptable
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(r *gin.Engine) {
	// Subscriber endpoint
	r.GET("/ws", h.handleWebSocket)

	// Monitoring endpoints
	r.GET("/", h.handleRoot)
	r.GET("/health", h.handleHealth)
	r.GET("/devices", h.handleDevices)
	r.GET("/devices/:id", h.handleDeviceDetail)
	r.GET("/config", h.handleConfig)
	r.GET("/stats", h.handleStats)

	// Prometheus metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the router, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.engine
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("HTTP server started",
		slog.String("address", listener.Addr().String()),
		slog.Any("cors_origins", h.config.HTTP.CORSOrigins),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server. WebSocket connections are hijacked
// and are closed by the subscriber hub instead.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleWebSocket upgrades the request and serves the subscriber until it disconnects
func (h *HTTPServer) handleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", c.ClientIP()),
			slog.String("error", err.Error()),
		)
		return
	}

	client := subscriber.NewClient(h.hub, conn, c.ClientIP(),
		h.config.Subscribers.SendBuffer, h.config.Subscribers.GetWriteTimeoutDuration())

	if err := client.Run(); err != nil {
		h.logger.Warn("WebSocket subscriber rejected",
			slog.String("remote_addr", c.ClientIP()),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(c *gin.Context) {
	tcpStats := h.tcpServer.GetStatistics()

	components := gin.H{
		"tcp_server": gin.H{
			"status":             "running",
			"active_connections": tcpStats.ActiveConnections,
			"frames_received":    tcpStats.FramesReceived,
			"frames_decoded":     tcpStats.FramesDecoded,
		},
		"subscribers": gin.H{
			"status": "running",
			"count":  h.hub.Count(),
		},
	}

	if h.webhook != nil {
		webhookStats := h.webhook.GetStats()
		components["webhook"] = gin.H{
			"status":          "running",
			"total_requests":  webhookStats.TotalRequests,
			"success_rate":    webhookStats.SuccessRate,
			"active_requests": webhookStats.ActiveRequests,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"service": gin.H{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleDevices implements the /devices endpoint
func (h *HTTPServer) handleDevices(c *gin.Context) {
	sessions := h.devices.GetAllSessions()
	infos := make([]device.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"total_devices": len(infos),
		"timestamp":     time.Now().UTC(),
		"devices":       infos,
	})
}

// handleDeviceDetail implements /devices/:id, accepting a session id or an IMEI
func (h *HTTPServer) handleDeviceDetail(c *gin.Context) {
	session, ok := h.devices.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.JSON(http.StatusOK, session.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(c *gin.Context) {
	cfg := h.config

	// The webhook API key is omitted
	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"tcp_port":         cfg.Server.TCPPort,
			"bind_address":     cfg.Server.BindAddress,
			"read_buffer_size": cfg.Server.ReadBufferSize,
			"max_frame_buffer": cfg.Server.MaxFrameBuffer,
			"overflow_policy":  cfg.Server.OverflowPolicy,
			"idle_timeout":     cfg.Server.IdleTimeout,
			"max_connections":  cfg.Server.MaxConnections,
		},
		"http": gin.H{
			"enabled":      cfg.HTTP.Enabled,
			"address":      cfg.HTTP.Address,
			"port":         cfg.HTTP.Port,
			"cors_origins": cfg.HTTP.CORSOrigins,
		},
		"subscribers": gin.H{
			"send_buffer":   cfg.Subscribers.SendBuffer,
			"write_timeout": cfg.Subscribers.WriteTimeout,
		},
		"webhook": gin.H{
			"enabled":        cfg.Webhook.Enabled,
			"endpoints":      cfg.Webhook.Endpoints,
			"timeout":        cfg.Webhook.Timeout,
			"max_retries":    cfg.Webhook.MaxRetries,
			"max_concurrent": cfg.Webhook.MaxConcurrent,
			"queue_size":     cfg.Webhook.QueueSize,
		},
		"logging": gin.H{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(c *gin.Context) {
	stats := gin.H{
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
		"tcp":       h.tcpServer.GetStatistics(),
		"devices": gin.H{
			"active_count": h.devices.GetActiveSessionCount(),
		},
		"subscribers": gin.H{
			"count": h.hub.Count(),
			"list":  h.hub.List(),
			"event": dispatch.EventGPSUpdate,
		},
		"decoders": protocol.KnownTags(),
	}

	if h.webhook != nil {
		stats["webhook"] = h.webhook.GetStats()
	}

	c.JSON(http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "AIS-140 Tracking Gateway",
		"version": serviceVersion,
		"endpoints": gin.H{
			"GET /":            "API documentation",
			"GET /ws":          "WebSocket subscription to gps_update events",
			"GET /health":      "Service health check",
			"GET /devices":     "List connected devices",
			"GET /devices/:id": "Device detail by session id or IMEI",
			"GET /config":      "Get service configuration",
			"GET /stats":       "Get service statistics",
			"GET /metrics":     "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
