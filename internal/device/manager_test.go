package device

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aryandayal/amazon-server/internal/protocol"
)

func newTestManager(timeout time.Duration) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(logger, timeout)
}

func TestNewManager(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	if mgr.timeout != 60*time.Second {
		t.Errorf("Expected timeout 60s, got %v", mgr.timeout)
	}

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCreateSession(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	s1 := mgr.CreateSession("10.0.0.1:40000", nil)
	s2 := mgr.CreateSession("10.0.0.1:40000", nil)

	if s1.ID == "" || s1.ID == s2.ID {
		t.Errorf("Expected distinct non-empty session ids, got %q and %q", s1.ID, s2.ID)
	}

	if s1.RemoteAddr != "10.0.0.1:40000" {
		t.Errorf("Expected remote addr to be recorded, got %q", s1.RemoteAddr)
	}

	if mgr.GetActiveSessionCount() != 2 {
		t.Errorf("Expected 2 active sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestGetSession(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	original := mgr.CreateSession("10.0.0.1:40000", nil)

	session, exists := mgr.GetSession(original.ID)
	if !exists {
		t.Fatal("Expected session to exist")
	}
	if session != original {
		t.Error("Expected same session instance")
	}

	if _, exists := mgr.GetSession("missing"); exists {
		t.Error("Expected session to not exist")
	}
}

func TestApplyLoginAndLookup(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	session := mgr.CreateSession("10.0.0.1:40000", nil)
	mgr.ApplyLogin(session.ID, &protocol.Login{
		VehicleNo:       "KA01AB1234",
		IMEI:            "861234567890123",
		FirmwareVersion: "1.2.3",
		ProtocolVersion: "AIS140",
	})

	info := session.Info()
	if !info.LoggedIn || info.IMEI != "861234567890123" || info.VehicleNo != "KA01AB1234" {
		t.Errorf("Expected login identity on session, got %+v", info)
	}

	found, ok := mgr.Lookup("861234567890123")
	if !ok || found != session {
		t.Error("Expected lookup by IMEI to find the session")
	}

	found, ok = mgr.Lookup(session.ID)
	if !ok || found != session {
		t.Error("Expected lookup by id to find the session")
	}

	if _, ok := mgr.Lookup(""); ok {
		t.Error("Expected empty key to find nothing")
	}

	// Unknown session ids are ignored
	mgr.ApplyLogin("missing", &protocol.Login{IMEI: "x"})
}

func TestRecordFix(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	session := mgr.CreateSession("10.0.0.1:40000", nil)
	if _, ok := session.LastFix(); ok {
		t.Fatal("Expected no fix on a new session")
	}

	mgr.RecordFix(session.ID, &protocol.PositionReport{
		IMEI:      "861234567890123",
		VehicleNo: "KA01AB1234",
		Date:      "01012024",
		Time:      "120000",
		Latitude:  protocol.ParseFloat("12.9716"),
		Longitude: protocol.ParseFloat("-77.5946"),
		Speed:     protocol.ParseFloat("45.5"),
		Heading:   protocol.ParseFloat("180"),
	})

	fix, ok := session.LastFix()
	if !ok {
		t.Fatal("Expected a fix after RecordFix")
	}
	if fix.Latitude != 12.9716 || fix.Longitude != -77.5946 {
		t.Errorf("Unexpected fix coordinates: %+v", fix)
	}

	info := session.Info()
	if info.FixesPublished != 1 {
		t.Errorf("Expected 1 published fix, got %d", info.FixesPublished)
	}
	if info.IMEI != "861234567890123" {
		t.Errorf("Expected IMEI learned from position report, got %q", info.IMEI)
	}
	if info.LastFix == nil {
		t.Error("Expected last fix in session info")
	}
}

func TestSessionCounters(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	session := mgr.CreateSession("10.0.0.1:40000", nil)
	session.Touch(100)
	session.Touch(28)
	session.RecordFrame(true)
	session.RecordFrame(true)
	session.RecordFrame(false)

	info := session.Info()
	if info.BytesReceived != 128 {
		t.Errorf("Expected 128 bytes, got %d", info.BytesReceived)
	}
	if info.FramesAccepted != 2 || info.FramesRejected != 1 {
		t.Errorf("Expected 2 accepted and 1 rejected frames, got %d and %d",
			info.FramesAccepted, info.FramesRejected)
	}
}

func TestUpdateActivity(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	session := mgr.CreateSession("10.0.0.1:40000", nil)
	originalActivity := session.Info().LastActivity

	time.Sleep(10 * time.Millisecond)
	mgr.UpdateActivity(session.ID)

	if !session.Info().LastActivity.After(originalActivity) {
		t.Error("Expected last activity to be updated")
	}

	// Unknown session should not panic
	mgr.UpdateActivity("missing")
}

func TestRemoveSession(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	session := mgr.CreateSession("10.0.0.1:40000", nil)

	if !mgr.RemoveSession(session.ID) {
		t.Error("Expected session to be removed")
	}

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}

	if mgr.RemoveSession(session.ID) {
		t.Error("Expected second removal to report false")
	}
}

func TestGetAllSessionsOrdered(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	first := mgr.CreateSession("10.0.0.1:1", nil)
	time.Sleep(2 * time.Millisecond)
	second := mgr.CreateSession("10.0.0.2:2", nil)

	sessions := mgr.GetAllSessions()
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0] != first || sessions[1] != second {
		t.Error("Expected sessions ordered by connect time")
	}
}

func TestSessionConcurrency(t *testing.T) {
	mgr := newTestManager(60 * time.Second)
	defer mgr.Stop()

	numGoroutines := 10
	numSessionsPerGoroutine := 10
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()

			for j := 0; j < numSessionsPerGoroutine; j++ {
				session := mgr.CreateSession("10.0.0.1:40000", nil)
				session.Touch(10)
				session.RecordFrame(true)
				mgr.UpdateActivity(session.ID)
				_ = mgr.GetAllSessions()
			}
		}()
	}

	wg.Wait()

	expected := numGoroutines * numSessionsPerGoroutine
	if mgr.GetActiveSessionCount() != expected {
		t.Errorf("Expected %d active sessions, got %d", expected, mgr.GetActiveSessionCount())
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	shortTimeout := 100 * time.Millisecond
	mgr := newTestManager(shortTimeout)
	defer mgr.Stop()

	var closed atomic.Int32
	closer := func() error {
		closed.Add(1)
		return nil
	}

	session := mgr.CreateSession("10.0.0.1:40000", closer)

	time.Sleep(shortTimeout + 50*time.Millisecond)
	mgr.cleanupExpiredSessions()

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions after cleanup, got %d", mgr.GetActiveSessionCount())
	}
	if closed.Load() != 1 {
		t.Errorf("Expected idle connection to be closed once, got %d", closed.Load())
	}
	if _, exists := mgr.GetSession(session.ID); exists {
		t.Error("Expected session to be removed after cleanup")
	}

	// Activity keeps a session alive
	active := mgr.CreateSession("10.0.0.2:40000", closer)
	time.Sleep(shortTimeout / 2)
	active.Touch(1)
	time.Sleep(shortTimeout / 2)
	mgr.cleanupExpiredSessions()

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session after activity update, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCleanupDisabled(t *testing.T) {
	mgr := newTestManager(0)
	defer mgr.Stop()

	mgr.CreateSession("10.0.0.1:40000", nil)
	time.Sleep(5 * time.Millisecond)
	mgr.cleanupExpiredSessions()

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected session to survive with cleanup disabled, got %d", mgr.GetActiveSessionCount())
	}
}
