// Package telemetry implements the resilient outbound channel: payloads
// are sent through a circuit breaker and retry policy, spilling to a
// durable persistent queue on failure, with a background loop that
// drains the queue once the endpoint is healthy again.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-edge/sentryd/internal/breaker"
	"github.com/kestrel-edge/sentryd/internal/metrics"
	"github.com/kestrel-edge/sentryd/internal/queue"
	"github.com/kestrel-edge/sentryd/internal/retry"
)

// Payload is the wire-level telemetry record. Body is an arbitrary
// JSON-serialisable mapping.
type Payload struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	DeviceID  string         `json:"device_id"`
	Body      map[string]any `json:"body"`
}

// Config configures a Client.
type Config struct {
	DeviceID                string
	Endpoint                string
	FlushInterval           time.Duration
	FlushBatchSize          int // default 50
	RetryMaxAttempts        int
	RetryInitialDelay       time.Duration
	CircuitFailureThreshold uint32
	CircuitTimeout          time.Duration
	QueueMaxRows            int
	QueuePath               string
	SendQueueDepth          int // bounded in-memory channel depth; default 256
}

// Client is the telemetry send pipeline described by the design: a
// non-blocking send() that feeds a background worker, with a durable
// queue as the fallback path.
type Client struct {
	cfg    Config
	logger *slog.Logger

	httpClient *http.Client
	breaker    *breaker.Breaker
	retry      retry.Policy
	q          *queue.Queue

	sendCh chan Payload

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Client and opens its persistent queue file. Callers
// must call Start before Send has any effect on the network, and Stop to
// flush and release resources.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 50
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	q, err := queue.Open(cfg.QueuePath, cfg.QueueMaxRows)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open queue: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker: breaker.New(breaker.Config{
			Name:             "telemetry",
			FailureThreshold: cfg.CircuitFailureThreshold,
			Timeout:          cfg.CircuitTimeout,
		}),
		retry: retry.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
		},
		q:      q,
		sendCh: make(chan Payload, cfg.SendQueueDepth),
	}
	return c, nil
}

// Start launches the send worker and flush loop goroutines.
func (c *Client) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	c.wg.Add(2)
	go c.sendWorker(ctx)
	go c.flushLoop(ctx)

	go func() {
		c.wg.Wait()
		close(c.doneCh)
	}()
}

// Send enqueues payload for delivery without blocking the caller beyond a
// single channel push. On backpressure the payload is written straight to
// the persistent queue instead and counted as spilled.
func (c *Client) Send(p Payload) {
	select {
	case c.sendCh <- p:
	default:
		metrics.IncTelemetrySpilled()
		c.spillToQueue(context.Background(), p)
	}
}

// Stop halts the background goroutines, then makes one final synchronous
// flush attempt and closes the persistent queue. Idempotent.
func (c *Client) Stop(ctx context.Context) error {
	if c.stopCh == nil {
		return c.q.Close()
	}
	close(c.stopCh)
	<-c.doneCh
	c.stopCh = nil

	c.flushOnce(ctx)
	return c.q.Close()
}

// Flush drains the persistent queue opportunistically and returns the
// number of entries it attempted.
func (c *Client) Flush(ctx context.Context) int {
	return c.flushOnce(ctx)
}

// QueueDepth reports how many payloads currently sit in the persistent
// queue awaiting delivery.
func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	return c.q.Depth(ctx)
}

// SendEvent builds a Payload of the given kind from body and hands it to
// Send. It satisfies the health and orchestrator packages' TelemetrySink
// interfaces, letting them report state transitions without depending on
// this package directly.
func (c *Client) SendEvent(kind string, body map[string]any) {
	now := time.Now()
	c.Send(Payload{
		ID:        fmt.Sprintf("%s-%s-%d", c.cfg.DeviceID, kind, now.UnixNano()),
		Timestamp: now,
		Kind:      kind,
		DeviceID:  c.cfg.DeviceID,
		Body:      body,
	})
}

func (c *Client) sendWorker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case p := <-c.sendCh:
			c.deliver(ctx, p)
		}
	}
}

func (c *Client) deliver(ctx context.Context, p Payload) {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, func(ctx context.Context) error {
			return c.post(ctx, p)
		}, func(attempt int, err error) {
			c.logger.Warn("telemetry send attempt failed", "attempt", attempt, "error", err)
		})
	})
	if err != nil {
		metrics.IncTelemetrySpilled()
		c.spillToQueue(ctx, p)
		return
	}
	metrics.IncTelemetrySent()
}

func (c *Client) spillToQueue(ctx context.Context, p Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		c.logger.Error("telemetry: failed to marshal payload for queue", "error", err)
		return
	}
	id, evicted, err := c.q.Enqueue(ctx, body, time.Now().Unix())
	if err != nil {
		c.logger.Error("telemetry: failed to persist payload", "error", err)
		return
	}
	metrics.IncQueueEvicted(evicted)
	if depth, derr := c.q.Depth(ctx); derr == nil {
		metrics.SetQueueDepth(depth)
	}
	c.logger.Debug("telemetry: spilled payload to persistent queue", "id", id)
}

func (c *Client) post(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("telemetry: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) flushLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushOnce(ctx)
		}
	}
}

// flushOnce drains up to one batch from the persistent queue. It aborts
// the batch (rather than the whole loop) as soon as a send fails or the
// breaker trips, leaving the remainder for the next tick.
func (c *Client) flushOnce(ctx context.Context) int {
	if c.breaker.State() == breaker.Open {
		return 0
	}

	entries, err := c.q.Peek(ctx, c.cfg.FlushBatchSize)
	if err != nil {
		c.logger.Warn("telemetry: flush peek failed", "error", err)
		return 0
	}

	attempted := 0
	for _, e := range entries {
		attempted++
		var p Payload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			c.logger.Error("telemetry: dropping unparsable queued payload", "id", e.ID, "error", err)
			_ = c.q.Remove(ctx, e.ID)
			continue
		}

		sendErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.retry.Do(ctx, func(ctx context.Context) error {
				return c.post(ctx, p)
			}, func(attempt int, err error) {
				c.logger.Warn("telemetry flush attempt failed", "id", e.ID, "attempt", attempt, "error", err)
			})
		})
		if sendErr != nil {
			_ = c.q.IncrementAttempt(ctx, e.ID)
			if errors.Is(sendErr, breaker.ErrOpen) {
				break
			}
			break // head-of-queue blocks on the oldest entry until it succeeds
		}

		if err := c.q.Remove(ctx, e.ID); err != nil {
			c.logger.Error("telemetry: failed to remove flushed entry", "id", e.ID, "error", err)
			break
		}
		metrics.IncTelemetryFlushed()
	}

	if depth, derr := c.q.Depth(ctx); derr == nil {
		metrics.SetQueueDepth(depth)
	}
	return attempted
}
