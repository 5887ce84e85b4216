package subscriber

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aryandayal/amazon-server/internal/metrics"
)

var (
	// ErrHubClosed is returned when adding to a hub that has been closed
	ErrHubClosed = errors.New("subscriber hub closed")

	// ErrSubscriberGone is returned by Deliver once a subscriber has disconnected
	ErrSubscriberGone = errors.New("subscriber disconnected")

	// ErrSendQueueFull is returned by Deliver when a slow subscriber falls behind
	ErrSendQueueFull = errors.New("subscriber send queue full")
)

// Event is a named message broadcast to every subscriber
type Event struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`

	encoded []byte // shared by all subscribers of one publish, read-only
}

// Encode returns the JSON wire form of the event. Events built by Publish
// carry it precomputed, so every subscriber shares one encoding.
func (e Event) Encode() ([]byte, error) {
	if e.encoded != nil {
		return e.encoded, nil
	}
	return json.Marshal(e)
}

// Subscriber receives published events.
// Deliver must not block on a slow peer; it queues or fails.
type Subscriber interface {
	ID() string
	Kind() string
	Deliver(event Event) error
	Close() error
}

// Info describes a subscriber for monitoring
type Info struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Hub holds the current set of subscribers and fans events out to them
type Hub struct {
	subscribers map[string]Subscriber
	closed      bool
	mu          sync.RWMutex
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subscribers: make(map[string]Subscriber),
		logger:      logger,
		metrics:     m,
	}
}

// Add registers a subscriber. It only receives events published after Add returns.
func (h *Hub) Add(s Subscriber) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.subscribers[s.ID()] = s
	count := len(h.subscribers)
	h.mu.Unlock()

	h.metrics.SetActiveSubscribers(count)
	h.logger.Info("Subscriber connected",
		slog.String("subscriber_id", s.ID()),
		slog.String("kind", s.Kind()),
		slog.Int("total_subscribers", count),
	)
	return nil
}

// Remove unregisters and closes a subscriber. It reports false if the id is unknown.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	s, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return false
	}

	_ = s.Close()
	h.metrics.SetActiveSubscribers(count)
	h.logger.Info("Subscriber disconnected",
		slog.String("subscriber_id", id),
		slog.String("kind", s.Kind()),
		slog.Int("total_subscribers", count),
	)
	return true
}

// Count returns the number of current subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// List returns the current subscribers
func (h *Hub) List() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := make([]Info, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		list = append(list, Info{ID: s.ID(), Kind: s.Kind()})
	}
	return list
}

// Publish delivers an event to a snapshot of the current subscribers and
// returns how many accepted it. Subscribers that fail are removed; delivery
// to the rest continues.
func (h *Hub) Publish(name string, payload any) int {
	event := Event{
		Event:     name,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to encode event, not published",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
		return 0
	}
	event.encoded = encoded

	h.mu.RLock()
	snapshot := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		if err := s.Deliver(event); err != nil {
			dropped := h.Remove(s.ID())
			h.metrics.RecordDeliveryFailed(dropped)
			h.logger.Warn("Event delivery failed, subscriber removed",
				slog.String("subscriber_id", s.ID()),
				slog.String("event", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		delivered++
	}

	h.metrics.RecordEventPublished(name)
	return delivered
}

// Close removes and closes every subscriber. Later Add calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subscribers := h.subscribers
	h.subscribers = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, s := range subscribers {
		_ = s.Close()
	}
	h.metrics.SetActiveSubscribers(0)

	h.logger.Info("Subscriber hub closed", slog.Int("closed_subscribers", len(subscribers)))
}
