package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aryandayal/amazon-server/internal/metrics"
	"github.com/aryandayal/amazon-server/internal/subscriber"
)

// KindWebhook identifies HTTP push subscribers
const KindWebhook = "webhook"

const userAgent = "AIS140-Gateway/1.0"

// Client posts published events to HTTP endpoints.
// It is registered with the hub as a single subscriber.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit for in-flight requests
	queue      chan subscriber.Event
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	droppedEvents   uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains webhook client configuration
type Config struct {
	Endpoints     []string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	QueueSize     int
	BaseBackoff   time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration
}

// ClientStats represents client statistics
type ClientStats struct {
	Endpoints       int           `json:"endpoints"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	DroppedEvents   uint64        `json:"dropped_events"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	QueueLength     int           `json:"queue_length"`
}

// statusError is a non-2xx response from an endpoint
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewClient creates a webhook client and starts its delivery loop
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}

	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		queue:      make(chan subscriber.Event, config.QueueSize),
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.deliveryLoop()

	return c, nil
}

// ID returns the subscriber id
func (c *Client) ID() string { return KindWebhook }

// Kind returns KindWebhook
func (c *Client) Kind() string { return KindWebhook }

// Deliver queues an event. A full queue drops the event rather than the subscriber.
func (c *Client) Deliver(event subscriber.Event) error {
	select {
	case <-c.done:
		return subscriber.ErrSubscriberGone
	default:
	}

	select {
	case c.queue <- event:
	default:
		c.mu.Lock()
		c.droppedEvents++
		c.mu.Unlock()

		c.logger.Warn("Webhook queue full, dropping event",
			slog.String("event", event.Event),
			slog.Int("queue_size", c.config.QueueSize),
		)
	}
	return nil
}

// deliveryLoop fans queued events out to every endpoint
func (c *Client) deliveryLoop() {
	defer c.wg.Done()

	for {
		select {
		case event := <-c.queue:
			c.dispatch(event)
		case <-c.done:
			// Drain what was accepted before Close
			for {
				select {
				case event := <-c.queue:
					c.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch starts one delivery per endpoint, bounded by the semaphore
func (c *Client) dispatch(event subscriber.Event) {
	body, err := event.Encode()
	if err != nil {
		c.logger.Error("Failed to marshal webhook event",
			slog.String("event", event.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, endpoint := range c.config.Endpoints {
		c.semaphore <- struct{}{}
		c.wg.Add(1)
		go func(endpoint string) {
			defer func() {
				<-c.semaphore
				c.wg.Done()
			}()

			if err := c.Send(c.ctx, endpoint, event.Event, body); err != nil {
				c.logger.Error("Webhook delivery failed",
					slog.String("endpoint", endpoint),
					slog.String("event", event.Event),
					slog.String("error", err.Error()),
				)
			}
		}(endpoint)
	}
}

// Send posts one JSON body to endpoint, retrying with exponential backoff
func (c *Client) Send(ctx context.Context, endpoint, eventName string, body []byte) error {
	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordWebhookRequest()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordWebhookRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.incrementFailedRequests()
				c.metrics.RecordWebhookFailure(time.Since(startTime).Seconds())
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, endpoint, eventName, body)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			c.metrics.RecordWebhookSuccess(time.Since(startTime).Seconds())
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.metrics.RecordWebhookFailure(time.Since(startTime).Seconds())
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// backoff returns the delay before the given retry attempt
func (c *Client) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.BaseBackoff
	if delay > c.config.MaxBackoff {
		delay = c.config.MaxBackoff
	}
	return delay
}

// doRequest performs a single POST
func (c *Client) doRequest(ctx context.Context, endpoint, eventName string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("X-Event", eventName)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	return nil
}

// isRetryableError reports whether a failed attempt is worth repeating:
// 5xx and 429 responses, timeouts and network errors.
func isRetryableError(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= 500 || statusErr.code == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		Endpoints:       len(c.config.Endpoints),
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		DroppedEvents:   c.droppedEvents,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
		QueueLength:     len(c.queue),
	}
}

// Close stops accepting events, delivers what is queued and waits for
// in-flight requests. Pending retries are abandoned after the request timeout.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		finished := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(c.config.Timeout):
			c.cancel()
			<-finished
		}
		c.cancel()
	})
	return nil
}
