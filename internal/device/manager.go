package device

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aryandayal/amazon-server/internal/protocol"
)

const cleanupInterval = 30 * time.Second

// Fix is the last position published for a device
type Fix struct {
	Latitude   float64        `json:"lat"`
	Longitude  float64        `json:"lng"`
	Speed      protocol.Float `json:"speed"`
	Heading    protocol.Float `json:"heading"`
	Date       string         `json:"date"`
	Time       string         `json:"time"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Session represents one live device connection
type Session struct {
	ID           string
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Identity reported by the device in its login frame
	IMEI            string
	VehicleNo       string
	FirmwareVersion string
	ProtocolVersion string
	LoggedIn        bool

	bytesReceived  uint64
	framesAccepted uint64
	framesRejected uint64
	fixesPublished uint64
	lastFix        *Fix

	closer func() error
	mu     sync.RWMutex
}

// Manager tracks every connected device and closes idle connections
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	timeout  time.Duration

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a device manager. A zero timeout disables idle cleanup.
func NewManager(logger *slog.Logger, timeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession registers a new connection. closer is invoked when the
// session expires so the owning connection loop can unwind.
func (m *Manager) CreateSession(remoteAddr string, closer func() error) *Session {
	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		LastActivity: now,
		closer:       closer,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.logger.Debug("Device session created",
		slog.String("session_id", session.ID),
		slog.String("remote_addr", remoteAddr),
	)

	return session
}

// GetSession retrieves a session by id
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// FindByIMEI returns the most recently active session that logged in with imei
func (m *Manager) FindByIMEI(imei string) (*Session, bool) {
	if imei == "" {
		return nil, false
	}

	var found *Session
	var foundActivity time.Time
	for _, session := range m.GetAllSessions() {
		session.mu.RLock()
		match := session.IMEI == imei
		activity := session.LastActivity
		session.mu.RUnlock()

		if match && (found == nil || activity.After(foundActivity)) {
			found = session
			foundActivity = activity
		}
	}
	return found, found != nil
}

// Lookup resolves a session id or an IMEI
func (m *Manager) Lookup(key string) (*Session, bool) {
	if session, ok := m.GetSession(key); ok {
		return session, true
	}
	return m.FindByIMEI(key)
}

// UpdateActivity refreshes the last activity time for a session
func (m *Manager) UpdateActivity(id string) {
	session, exists := m.GetSession(id)
	if !exists {
		m.logger.Warn("Attempted to update activity for unknown session",
			slog.String("session_id", id),
		)
		return
	}
	session.Touch(0)
}

// ApplyLogin copies the identity fields of a login record onto the session
func (m *Manager) ApplyLogin(id string, login *protocol.Login) {
	session, exists := m.GetSession(id)
	if !exists || login == nil {
		return
	}

	session.mu.Lock()
	session.IMEI = login.IMEI
	session.VehicleNo = login.VehicleNo
	session.FirmwareVersion = login.FirmwareVersion
	session.ProtocolVersion = login.ProtocolVersion
	session.LoggedIn = true
	session.mu.Unlock()

	m.logger.Info("Device logged in",
		slog.String("session_id", id),
		slog.String("imei", login.IMEI),
		slog.String("vehicle_no", login.VehicleNo),
		slog.String("firmware", login.FirmwareVersion),
		slog.String("protocol_version", login.ProtocolVersion),
	)
}

// RecordFix stores a published fix and fills identity gaps from the report
func (m *Manager) RecordFix(id string, report *protocol.PositionReport) {
	session, exists := m.GetSession(id)
	if !exists || report == nil {
		return
	}

	fix := &Fix{
		Latitude:   report.Latitude.Value,
		Longitude:  report.Longitude.Value,
		Speed:      report.Speed,
		Heading:    report.Heading,
		Date:       report.Date,
		Time:       report.Time,
		ReceivedAt: time.Now(),
	}

	session.mu.Lock()
	session.lastFix = fix
	session.fixesPublished++
	if session.IMEI == "" {
		session.IMEI = report.IMEI
	}
	if session.VehicleNo == "" {
		session.VehicleNo = report.VehicleNo
	}
	session.mu.Unlock()
}

// GetActiveSessionCount returns the number of connected devices
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all sessions ordered by connect time
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// RemoveSession forgets a session. It reports false if the id is unknown.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	info := session.Info()
	m.logger.Debug("Device session removed",
		slog.String("session_id", id),
		slog.String("imei", info.IMEI),
		slog.Duration("duration", time.Since(info.ConnectedAt)),
		slog.Uint64("frames_accepted", info.FramesAccepted),
		slog.Uint64("frames_rejected", info.FramesRejected),
	)

	return true
}

// Stop stops the cleanup routine. Open connections are owned by the listener.
func (m *Manager) Stop() {
	m.cancel()
	<-m.cleanup

	m.logger.Info("Device manager stopped",
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
	)
}

// startCleanupRoutine runs in a separate goroutine to close idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.timeout <= 0 {
		<-m.ctx.Done()
		return
	}

	interval := cleanupInterval
	if m.timeout < interval {
		interval = m.timeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Device cleanup routine started",
		slog.Duration("timeout", m.timeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions closes and removes sessions idle for longer than the timeout
func (m *Manager) cleanupExpiredSessions() {
	if m.timeout <= 0 {
		return
	}

	now := time.Now()
	var expired []*Session

	m.mu.RLock()
	for _, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, session)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.logger.Info("Closing idle device connections",
		slog.Int("expired_count", len(expired)),
	)

	for _, session := range expired {
		if session.closer != nil {
			if err := session.closer(); err != nil {
				m.logger.Debug("Error closing idle connection",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		m.RemoveSession(session.ID)
	}
}

// Touch refreshes the activity time and adds n received bytes
func (s *Session) Touch(n int) {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.bytesReceived += uint64(n)
	s.mu.Unlock()
}

// RecordFrame counts a frame that passed or failed validation
func (s *Session) RecordFrame(accepted bool) {
	s.mu.Lock()
	if accepted {
		s.framesAccepted++
	} else {
		s.framesRejected++
	}
	s.mu.Unlock()
}

// LastFix returns a copy of the last published fix, if any
func (s *Session) LastFix() (Fix, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastFix == nil {
		return Fix{}, false
	}
	return *s.lastFix, true
}

// Info returns a snapshot of the session for monitoring and APIs
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:              s.ID,
		RemoteAddr:      s.RemoteAddr,
		ConnectedAt:     s.ConnectedAt,
		LastActivity:    s.LastActivity,
		Duration:        time.Since(s.ConnectedAt).Round(time.Second).String(),
		IMEI:            s.IMEI,
		VehicleNo:       s.VehicleNo,
		FirmwareVersion: s.FirmwareVersion,
		ProtocolVersion: s.ProtocolVersion,
		LoggedIn:        s.LoggedIn,
		BytesReceived:   s.bytesReceived,
		FramesAccepted:  s.framesAccepted,
		FramesRejected:  s.framesRejected,
		FixesPublished:  s.fixesPublished,
	}
	if s.lastFix != nil {
		fix := *s.lastFix
		info.LastFix = &fix
	}
	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID              string    `json:"id"`
	RemoteAddr      string    `json:"remote_addr"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastActivity    time.Time `json:"last_activity"`
	Duration        string    `json:"duration"`
	IMEI            string    `json:"imei,omitempty"`
	VehicleNo       string    `json:"vehicle_no,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	LoggedIn        bool      `json:"logged_in"`

	BytesReceived  uint64 `json:"bytes_received"`
	FramesAccepted uint64 `json:"frames_accepted"`
	FramesRejected uint64 `json:"frames_rejected"`
	FixesPublished uint64 `json:"fixes_published"`
	LastFix        *Fix   `json:"last_fix,omitempty"`
}
