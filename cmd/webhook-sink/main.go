// Command webhook-sink is a local receiver for gateway webhook deliveries.
// It logs every posted event and answers 200, or a configurable failure status.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// deliveredEvent mirrors the envelope the gateway posts
type deliveredEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type sink struct {
	logger   *slog.Logger
	apiKey   string
	failRate int // every Nth request fails, 0 = never
	received atomic.Uint64
}

// newRouter mounts the delivery handler on path
func (s *sink) newRouter(path string) *gin.Engine {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(path, s.handleEvents)
	return r
}

func (s *sink) handleEvents(c *gin.Context) {
	if s.apiKey != "" && c.GetHeader("Authorization") != "Bearer "+s.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "error reading body"})
		return
	}

	var event deliveredEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Warn("Rejected delivery with invalid JSON", "error", err, "size", len(body))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	n := s.received.Add(1)
	if s.failRate > 0 && n%uint64(s.failRate) == 0 {
		s.logger.Info("Simulating delivery failure", "count", n)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "simulated failure"})
		return
	}

	s.logger.Info("Event received",
		"count", n,
		"event", event.Event,
		"header_event", c.GetHeader("X-Event"),
		"timestamp", event.Timestamp,
		"data", string(event.Data),
		"user_agent", c.Request.UserAgent())

	c.JSON(http.StatusOK, gin.H{"received": n})
}

func main() {
	var (
		port     int
		path     string
		apiKey   string
		failRate int
	)

	cmd := &cobra.Command{
		Use:          "webhook-sink",
		Short:        "Receive and log gateway webhook deliveries",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			gin.SetMode(gin.ReleaseMode)

			s := &sink{
				logger:   slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
				apiKey:   apiKey,
				failRate: failRate,
			}

			addr := fmt.Sprintf(":%d", port)
			s.logger.Info("Webhook sink starting",
				"endpoint", fmt.Sprintf("http://localhost%s/%s", addr, strings.TrimPrefix(path, "/")),
				"fail_every", failRate)

			server := &http.Server{
				Addr:              addr,
				Handler:           s.newRouter(path),
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 9000, "Port to listen on")
	cmd.Flags().StringVar(&path, "path", "/events", "Path to accept deliveries on")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this bearer token")
	cmd.Flags().IntVar(&failRate, "fail-every", 0, "Answer 503 to every Nth delivery")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
