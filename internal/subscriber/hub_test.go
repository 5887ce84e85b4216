package subscriber

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryandayal/amazon-server/internal/metrics"
)

type fakeSubscriber struct {
	id     string
	fail   error
	mu     sync.Mutex
	events []Event
	closed bool
}

func (f *fakeSubscriber) ID() string   { return f.id }
func (f *fakeSubscriber) Kind() string { return "fake" }

func (f *fakeSubscriber) Deliver(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func newTestHub() (*Hub, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func TestHubPublishReachesEverySubscriber(t *testing.T) {
	hub, m := newTestHub()

	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	require.NoError(t, hub.Add(a))
	require.NoError(t, hub.Add(b))

	delivered := hub.Publish("gps_update", map[string]float64{"lat": 1})
	assert.Equal(t, 2, delivered)

	for _, s := range []*fakeSubscriber{a, b} {
		events := s.received()
		require.Len(t, events, 1)
		assert.Equal(t, "gps_update", events[0].Event)
		assert.False(t, events[0].Timestamp.IsZero())
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("gps_update")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSubscribers))
}

func TestHubPublishWithNoSubscribers(t *testing.T) {
	hub, _ := newTestHub()
	assert.Equal(t, 0, hub.Publish("gps_update", nil))
}

func TestHubPublishEncodesOnce(t *testing.T) {
	hub, _ := newTestHub()

	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	require.NoError(t, hub.Add(a))
	require.NoError(t, hub.Add(b))

	hub.Publish("gps_update", map[string]any{"lat": 12.5})

	encA, err := a.received()[0].Encode()
	require.NoError(t, err)
	encB, err := b.received()[0].Encode()
	require.NoError(t, err)

	// Both subscribers see the same buffer
	require.NotEmpty(t, encA)
	assert.Same(t, &encA[0], &encB[0])

	var msg map[string]any
	require.NoError(t, json.Unmarshal(encA, &msg))
	assert.Equal(t, "gps_update", msg["event"])
	assert.Equal(t, 12.5, msg["data"].(map[string]any)["lat"])
	assert.Contains(t, msg, "timestamp")
}

func TestHubPublishUnencodablePayload(t *testing.T) {
	hub, m := newTestHub()

	a := &fakeSubscriber{id: "a"}
	require.NoError(t, hub.Add(a))

	assert.Equal(t, 0, hub.Publish("gps_update", make(chan int)))
	assert.Empty(t, a.received())
	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("gps_update")))
}

func TestEventEncodeWithoutPublish(t *testing.T) {
	data, err := Event{Event: "gps_update", Data: 1}.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"gps_update"`)
}

func TestHubFailingSubscriberIsRemoved(t *testing.T) {
	hub, m := newTestHub()

	good := &fakeSubscriber{id: "good"}
	bad := &fakeSubscriber{id: "bad", fail: ErrSubscriberGone}
	require.NoError(t, hub.Add(good))
	require.NoError(t, hub.Add(bad))

	delivered := hub.Publish("gps_update", "x")
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, hub.Count())
	assert.True(t, bad.closed)
	assert.Len(t, good.received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriberDrops))

	// The remaining subscriber keeps receiving
	hub.Publish("gps_update", "y")
	assert.Len(t, good.received(), 2)
}

func TestHubNoReplayForLateSubscribers(t *testing.T) {
	hub, _ := newTestHub()

	early := &fakeSubscriber{id: "early"}
	require.NoError(t, hub.Add(early))
	hub.Publish("gps_update", 1)

	late := &fakeSubscriber{id: "late"}
	require.NoError(t, hub.Add(late))
	hub.Publish("gps_update", 2)

	assert.Len(t, early.received(), 2)
	require.Len(t, late.received(), 1)
	assert.Equal(t, 2, late.received()[0].Data)
}

func TestHubRemove(t *testing.T) {
	hub, _ := newTestHub()

	s := &fakeSubscriber{id: "s"}
	require.NoError(t, hub.Add(s))

	assert.True(t, hub.Remove("s"))
	assert.True(t, s.closed)
	assert.False(t, hub.Remove("s"))
	assert.Equal(t, 0, hub.Count())
}

func TestHubClose(t *testing.T) {
	hub, _ := newTestHub()

	s := &fakeSubscriber{id: "s"}
	require.NoError(t, hub.Add(s))

	hub.Close()
	assert.True(t, s.closed)
	assert.Equal(t, 0, hub.Count())

	err := hub.Add(&fakeSubscriber{id: "after"})
	assert.True(t, errors.Is(err, ErrHubClosed))
}

func TestHubConcurrentPublishAndMembership(t *testing.T) {
	hub, _ := newTestHub()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish("gps_update", j)
			}
		}()
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := strings.Repeat("x", n+1) + string(rune('a'+j%26))
				_ = hub.Add(&fakeSubscriber{id: id})
				hub.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, hub.Count())
}

func TestWebSocketClientReceivesEvents(t *testing.T) {
	hub, _ := newTestHub()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, r.RemoteAddr, 8, time.Second)
		_ = client.Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("gps_update", map[string]any{"lat": 12.5, "imei": "861234567890123"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "gps_update", msg.Event)
	assert.Equal(t, 12.5, msg.Data["lat"])
	assert.Equal(t, "861234567890123", msg.Data["imei"])

	// Disconnecting removes the subscriber
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketClientFullQueueFails(t *testing.T) {
	c := &Client{id: "c", send: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Deliver(Event{Event: "a"}))
	assert.True(t, errors.Is(c.Deliver(Event{Event: "b"}), ErrSendQueueFull))

	require.NoError(t, c.Close())
	assert.True(t, errors.Is(c.Deliver(Event{Event: "c"}), ErrSubscriberGone))
}
