package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/aryandayal/amazon-server/internal/config"
	"github.com/aryandayal/amazon-server/internal/device"
	"github.com/aryandayal/amazon-server/internal/dispatch"
	"github.com/aryandayal/amazon-server/internal/metrics"
	"github.com/aryandayal/amazon-server/internal/protocol"
)

// TCPServer accepts tracker connections and feeds their byte streams through
// framing, decoding and dispatch. Each connection is served by its own goroutine.
type TCPServer struct {
	listener   net.Listener
	config     *config.ServerConfig
	logger     *slog.Logger
	devices    *device.Manager
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns  map[net.Conn]struct{}
	connMu sync.Mutex

	// Statistics
	connectionsAccepted uint64
	connectionsRejected uint64
	bytesReceived       uint64
	framesReceived      uint64
	framesDecoded       uint64
	malformedFrames     uint64
	incompleteFrames    uint64
	bufferOverflows     uint64
	mu                  sync.RWMutex
}

// NewTCPServer creates a new device listener
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, devices *device.Manager,
	dispatcher *dispatch.Dispatcher, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:     cfg,
		logger:     logger,
		devices:    devices,
		dispatcher: dispatcher,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins accepting device connections
func (s *TCPServer) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprintf("%d", s.config.TCPPort))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_connections", s.config.MaxConnections),
		slog.Int("max_frame_buffer", s.config.MaxFrameBuffer),
		slog.String("overflow_policy", s.config.OverflowPolicy),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for handlers
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_decoded", stats.FramesDecoded),
		slog.Uint64("malformed_frames", stats.MalformedFrames),
		slog.Uint64("incomplete_frames", stats.IncompleteFrames),
	)

	return nil
}

// acceptLoop accepts connections until the listener is closed
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			s.mu.Lock()
			s.connectionsRejected++
			s.mu.Unlock()
			s.metrics.RecordConnectionRejected()

			s.logger.Warn("Connection limit reached, rejecting device",
				slog.String("remote_addr", conn.RemoteAddr().String()),
				slog.Int("max_connections", s.config.MaxConnections),
			)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// track registers conn unless the connection limit is reached
func (s *TCPServer) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if len(s.conns) >= s.config.MaxConnections {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// handleConnection reads one device stream until EOF, error or shutdown
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	session := s.devices.CreateSession(remoteAddr, conn.Close)
	defer s.devices.RemoveSession(session.ID)

	s.mu.Lock()
	s.connectionsAccepted++
	s.mu.Unlock()
	s.metrics.RecordConnectionAccepted()

	start := time.Now()
	defer func() {
		s.metrics.RecordConnectionClosed(time.Since(start).Seconds())
	}()

	s.logger.Info("Device connected",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", remoteAddr),
	)

	src := dispatch.Source{SessionID: session.ID, RemoteAddr: remoteAddr}
	framer := protocol.NewFramer(s.config.MaxFrameBuffer)
	buffer := make([]byte, s.config.ReadBufferSize)

	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			session.Touch(n)
			s.mu.Lock()
			s.bytesReceived += uint64(n)
			s.mu.Unlock()
			s.metrics.RecordBytesReceived(n)

			frames, feedErr := framer.Feed(buffer[:n])
			for _, frame := range frames {
				s.handleFrame(session, src, frame)
			}

			if feedErr != nil && s.handleOverflow(session, feedErr) {
				return
			}
		}

		if err != nil {
			s.logConnectionEnd(session, framer, err)
			return
		}
	}
}

// handleFrame validates, decodes and dispatches a single frame
func (s *TCPServer) handleFrame(session *device.Session, src dispatch.Source, frame protocol.RawFrame) {
	s.mu.Lock()
	s.framesReceived++
	s.mu.Unlock()

	fields, err := protocol.Tokenize(frame)
	if err != nil {
		session.RecordFrame(false)

		switch {
		case errors.Is(err, protocol.ErrIncompleteFrame):
			s.mu.Lock()
			s.incompleteFrames++
			s.mu.Unlock()
			s.metrics.RecordFrame(metrics.OutcomeIncomplete)

			s.logger.Warn("Incomplete message, discarded",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		default:
			s.mu.Lock()
			s.malformedFrames++
			s.mu.Unlock()
			s.metrics.RecordFrame(metrics.OutcomeMalformed)

			s.logger.Warn("Invalid message format",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	session.RecordFrame(true)
	s.mu.Lock()
	s.framesDecoded++
	s.mu.Unlock()
	s.metrics.RecordFrame(metrics.OutcomeDecoded)

	s.dispatcher.Dispatch(s.ctx, src, protocol.Decode(fields))
}

// handleOverflow applies the overflow policy. It reports whether the connection should close.
func (s *TCPServer) handleOverflow(session *device.Session, err error) bool {
	s.mu.Lock()
	s.bufferOverflows++
	s.mu.Unlock()
	s.metrics.RecordBufferOverflow()

	disconnect := s.config.OverflowPolicy != config.OverflowDrop

	s.logger.Warn("Partial frame exceeded buffer limit",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
		slog.Int("max_frame_buffer", s.config.MaxFrameBuffer),
		slog.Bool("disconnect", disconnect),
		slog.String("error", err.Error()),
	)

	return disconnect
}

// logConnectionEnd logs why a connection ended
func (s *TCPServer) logConnectionEnd(session *device.Session, framer *protocol.Framer, err error) {
	info := session.Info()
	attrs := []any{
		slog.String("session_id", session.ID),
		slog.String("remote_addr", session.RemoteAddr),
		slog.String("imei", info.IMEI),
		slog.Duration("duration", time.Since(info.ConnectedAt)),
		slog.Uint64("frames_accepted", info.FramesAccepted),
		slog.Int("discarded_partial_bytes", framer.Buffered()),
	}

	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("Device disconnected", attrs...)
	case errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil:
		s.logger.Info("Device connection closed", attrs...)
	default:
		s.logger.Error("Device connection error", append(attrs, slog.String("error", err.Error()))...)
	}
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.connMu.Lock()
	active := len(s.conns)
	s.connMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ActiveConnections:   uint64(active),
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		BytesReceived:       s.bytesReceived,
		FramesReceived:      s.framesReceived,
		FramesDecoded:       s.framesDecoded,
		MalformedFrames:     s.malformedFrames,
		IncompleteFrames:    s.incompleteFrames,
		BufferOverflows:     s.bufferOverflows,
	}
}

// ServerStatistics represents device listener counters
type ServerStatistics struct {
	ActiveConnections   uint64 `json:"active_connections"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	BytesReceived       uint64 `json:"bytes_received"`
	FramesReceived      uint64 `json:"frames_received"`
	FramesDecoded       uint64 `json:"frames_decoded"`
	MalformedFrames     uint64 `json:"malformed_frames"`
	IncompleteFrames    uint64 `json:"incomplete_frames"`
	BufferOverflows     uint64 `json:"buffer_overflows"`
}
