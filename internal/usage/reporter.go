package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
)

const (
	defaultBatchSize     = 20
	defaultFlushInterval = 5 * time.Second
	defaultMaxAttempts   = 5
	defaultBackoff       = 500 * time.Millisecond
	defaultMaxPending    = 10_000
	requestTimeout       = 10 * time.Second
)

// Config configures a [Reporter].
type Config struct {
	// URL is the usage endpoint. Empty disables reporting.
	URL string

	// APIKey is sent as a bearer token.
	APIKey string

	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	Backoff       time.Duration

	// MaxPending caps buffered records; the oldest are dropped beyond it.
	MaxPending int

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Breaker guards the endpoint. Defaults to a breaker named "usage".
	Breaker *resilience.Breaker

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Reporter buffers usage records and POSTs them as JSON arrays. Submit never
// blocks on the network; the buffer mutex is never held across I/O.
type Reporter struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.Breaker
	metrics *observe.Metrics

	mu      sync.Mutex
	pending []Record

	// flushMu serializes flushes so batches leave in submission order.
	flushMu sync.Mutex
	kick    chan struct{}
}

// New creates a Reporter. Call [Reporter.Run] to start periodic flushing.
func New(cfg Config) *Reporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	r := &Reporter{
		cfg:     cfg,
		client:  cfg.HTTPClient,
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		kick:    make(chan struct{}, 1),
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: requestTimeout}
	}
	if r.breaker == nil {
		r.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "usage"})
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if cfg.URL == "" {
		slog.Warn("usage: no usage_url configured, usage records will only be logged")
	}
	return r
}

// Enabled reports whether records are sent anywhere.
func (r *Reporter) Enabled() bool { return r.cfg.URL != "" }

// Submit buffers rec. It never blocks on I/O.
func (r *Reporter) Submit(rec Record) {
	if !r.Enabled() {
		slog.Info("usage: call finished",
			"session_id", rec.SessionID,
			"call_id", rec.CallID,
			"provider", rec.Provider,
			"duration_seconds", rec.DurationSeconds,
			"status", rec.Status,
		)
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, rec)
	dropped := r.trimLocked()
	full := len(r.pending) >= r.cfg.BatchSize
	r.mu.Unlock()

	if dropped > 0 {
		slog.Warn("usage: buffer full, dropped oldest records", "dropped", dropped)
		r.metrics.RecordUsage(context.Background(), "dropped", dropped)
	}
	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// trimLocked enforces MaxPending. Must be called with r.mu held.
func (r *Reporter) trimLocked() int {
	over := len(r.pending) - r.cfg.MaxPending
	if over <= 0 {
		return 0
	}
	r.pending = append(r.pending[:0:0], r.pending[over:]...)
	return over
}

// Pending returns the number of buffered records.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Ready reports an error while the endpoint's circuit breaker is open.
func (r *Reporter) Ready(context.Context) error {
	if r.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// Run flushes every FlushInterval, and early whenever a full batch is
// buffered, until ctx is cancelled. It does not flush on exit; call
// [Reporter.Flush] with a fresh context for that.
func (r *Reporter) Run(ctx context.Context) error {
	if !r.Enabled() {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("usage: flush incomplete", "err", err, "pending", r.Pending())
		}
	}
}

// Flush sends every buffered record in batches of BatchSize. A batch that
// exhausts its retries is dropped; a batch refused by the open breaker is
// put back and Flush returns [resilience.ErrCircuitOpen].
func (r *Reporter) Flush(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var errs []error
	for {
		batch := r.take()
		if len(batch) == 0 {
			return errors.Join(errs...)
		}

		err := resilience.Retry(ctx, resilience.RetryPolicy{
			MaxAttempts: r.cfg.MaxAttempts,
			Backoff:     r.cfg.Backoff,
		}, func(ctx context.Context, attempt int) error {
			return r.breaker.Execute(func() error { return r.post(ctx, batch) })
		})

		switch {
		case err == nil:
			r.metrics.RecordUsage(ctx, "sent", len(batch))
		case errors.Is(err, resilience.ErrCircuitOpen), ctx.Err() != nil:
			r.requeue(batch)
			return errors.Join(append(errs, err)...)
		default:
			slog.Error("usage: dropping batch after failed delivery", "records", len(batch), "err", err)
			r.metrics.RecordUsage(ctx, "failed", len(batch))
			errs = append(errs, err)
		}
	}
}

func (r *Reporter) take() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(len(r.pending), r.cfg.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]Record, n)
	copy(batch, r.pending[:n])
	r.pending = append(r.pending[:0:0], r.pending[n:]...)
	return batch
}

func (r *Reporter) requeue(batch []Record) {
	r.mu.Lock()
	r.pending = append(batch, r.pending...)
	dropped := r.trimLocked()
	r.mu.Unlock()
	if dropped > 0 {
		r.metrics.RecordUsage(context.Background(), "dropped", dropped)
	}
}

// post sends one batch. 4xx responses other than 429 are permanent.
func (r *Reporter) post(ctx context.Context, batch []Record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("usage: marshal batch: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("usage: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("usage: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("usage: endpoint returned %s", resp.Status)
	default:
		return resilience.Permanent(fmt.Errorf("usage: endpoint rejected batch: %s", resp.Status))
	}
}
