package subscriber

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// KindWebSocket identifies browser and dashboard subscribers
const KindWebSocket = "websocket"

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Client is a WebSocket subscriber with a bounded send queue
type Client struct {
	id           string
	remoteAddr   string
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	logger       *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. Run starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, sendBuffer int, writeTimeout time.Duration) *Client {
	return &Client{
		id:           uuid.NewString(),
		remoteAddr:   remoteAddr,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		logger:       hub.logger,
		done:         make(chan struct{}),
	}
}

// ID returns the subscriber id
func (c *Client) ID() string { return c.id }

// Kind returns KindWebSocket
func (c *Client) Kind() string { return KindWebSocket }

// Deliver queues an event for the write pump
func (c *Client) Deliver(event Event) error {
	data, err := event.Encode()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrSubscriberGone
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the write pump, which sends a close frame and closes the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Run registers the client and blocks until the connection ends
func (c *Client) Run() error {
	if err := c.hub.Add(c); err != nil {
		_ = c.conn.Close()
		return err
	}

	c.logger.Debug("WebSocket subscriber attached",
		slog.String("subscriber_id", c.id),
		slog.String("remote_addr", c.remoteAddr),
	)

	go c.WritePump()
	c.ReadPump()
	return nil
}

// ReadPump drains the connection so control frames are processed.
// Subscribers do not send application messages.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Remove(c.id)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					slog.String("subscriber_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// WritePump writes queued events and keepalive pings to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
