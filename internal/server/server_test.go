package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aryandayal/amazon-server/internal/config"
	"github.com/aryandayal/amazon-server/internal/device"
	"github.com/aryandayal/amazon-server/internal/dispatch"
	"github.com/aryandayal/amazon-server/internal/metrics"
	"github.com/aryandayal/amazon-server/internal/subscriber"
)

const samplePVT = "$PVT,V1,1.0,NR,0,L,IMEI1,VEH1,1,01012024,120000,12.9716,N,77.5946,E,45.5,180.0,8,120.0,1.1,1.2,OP,1,1,12.5,3.8,0*"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// collector is a subscriber that records delivered events
type collector struct {
	mu     sync.Mutex
	events []subscriber.Event
}

func (c *collector) ID() string   { return "collector" }
func (c *collector) Kind() string { return "test" }
func (c *collector) Close() error { return nil }

func (c *collector) Deliver(event subscriber.Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) payloads(t *testing.T) []map[string]any {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.events))
	for _, ev := range c.events {
		data, err := json.Marshal(ev.Data)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		out = append(out, m)
	}
	return out
}

type testGateway struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	devices   *device.Manager
	hub       *subscriber.Hub
	collector *collector
	tcp       *TCPServer
	http      *HTTPServer
}

// newTestGateway wires a gateway on loopback ports chosen by the kernel
func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.TCPPort = 0
	cfg.HTTP.Address = "127.0.0.1"
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	devices := device.NewManager(logger, cfg.Server.GetIdleTimeoutDuration())
	hub := subscriber.NewHub(logger, m)
	col := &collector{}
	require.NoError(t, hub.Add(col))

	dispatcher := dispatch.NewDispatcher(hub, devices, logger, m)
	tcp := NewTCPServer(&cfg.Server, logger, devices, dispatcher, m)

	httpServer := NewHTTPServer(cfg, logger, HTTPServerDeps{
		Devices:   devices,
		TCPServer: tcp,
		Hub:       hub,
		Metrics:   m,
		Gatherer:  registry,
	})

	g := &testGateway{
		cfg:       cfg,
		registry:  registry,
		metrics:   m,
		devices:   devices,
		hub:       hub,
		collector: col,
		tcp:       tcp,
		http:      httpServer,
	}

	t.Cleanup(func() {
		_ = tcp.Stop()
		hub.Close()
		devices.Stop()
	})
	return g
}

func (g *testGateway) startTCP(t *testing.T) string {
	t.Helper()
	require.NoError(t, g.tcp.Start())
	return g.tcp.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeChunks(t *testing.T, conn net.Conn, chunks ...string) {
	t.Helper()

	for _, chunk := range chunks {
		_, err := conn.Write([]byte(chunk))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func replaceOnce(s, from, to string) string {
	return strings.Replace(s, from, to, 1)
}
