// Package rategate wraps calls to an externally rate-limited HTTP API.
// It tracks the provider's quota, queues requests when the quota is
// near exhaustion, and retries rate-limited calls with computed backoff.
package rategate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BillPolly/toolgate/internal/events"
)

// Defaults, all overridable through Options.
const (
	DefaultThrottleThreshold = 100
	DefaultMaxRetries        = 3
	DefaultMaxQueueSize      = 100
	DefaultQueueTimeout      = 2 * time.Minute
	DefaultRetryDelay        = 60 * time.Second
	DefaultMinWait           = 1 * time.Second
	DefaultBuffer            = 1 * time.Second
)

// Sentinel errors callers branch on.
var (
	// ErrQueueFull is returned when the bounded queue is at capacity;
	// the gate fails fast instead of growing unbounded.
	ErrQueueFull = errors.New("rate gate queue full")
	// ErrQueueCleared rejects every queued entry on explicit shutdown.
	ErrQueueCleared = errors.New("Queue cleared")
	// ErrQueueTimeout rejects an entry that sat in queue past its bound.
	ErrQueueTimeout = errors.New("request timed out in queue")
)

// Response is the provider response surfaced to callers.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Requester performs the underlying authenticated call. Failures whose
// message identifies a rate-limit condition are retried; everything
// else propagates unchanged.
type Requester interface {
	MakeAuthenticatedRequest(ctx context.Context, endpoint, method string, payload []byte) (*Response, error)
}

// RateLimitState is the most recently observed provider quota.
type RateLimitState struct {
	Remaining         int
	Limit             int
	ResetEpochSeconds int64
}

// Metrics is an observability snapshot.
type Metrics struct {
	TotalRequests     int64     `json:"total_requests"`
	ThrottledRequests int64     `json:"throttled_requests"`
	QueuedRequests    int64     `json:"queued_requests"`
	RateLimitHits     int64     `json:"rate_limit_hits"`
	LastUpdate        time.Time `json:"last_update"`
}

// QueueStatus describes the pending queue.
type QueueStatus struct {
	Size         int  `json:"size"`
	IsProcessing bool `json:"is_processing"`
	MaxSize      int  `json:"max_size"`
}

// Options configures a Gate.
type Options struct {
	Requester         Requester
	ThrottleThreshold int
	MaxRetries        int
	MaxQueueSize      int
	QueueTimeout      time.Duration
	RetryDelay        time.Duration
	MinWait           time.Duration
	Buffer            time.Duration
	Events            *events.Dispatcher

	// now and sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type queueResult struct {
	resp *Response
	err  error
}

type queueEntry struct {
	endpoint   string
	method     string
	payload    []byte
	enqueuedAt time.Time
	ctx        context.Context
	result     chan queueResult // buffered, size 1
	abandoned  atomic.Bool
}

func (e *queueEntry) reject(err error) {
	select {
	case e.result <- queueResult{err: err}:
	default:
	}
}

// Gate is the rate-limit front for one provider.
type Gate struct {
	requester Requester

	mu      sync.Mutex
	state   *RateLimitState // nil until a response has been observed
	metrics Metrics

	queue      chan *queueEntry
	done       chan struct{}
	stopped    chan struct{}
	processing atomic.Bool

	threshold    int
	maxRetries   int
	maxQueueSize int
	queueTimeout time.Duration
	retryDelay   time.Duration
	minWait      time.Duration
	buffer       time.Duration

	events *events.Dispatcher
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Gate and starts its queue worker.
func New(opts Options) *Gate {
	if opts.ThrottleThreshold <= 0 {
		opts.ThrottleThreshold = DefaultThrottleThreshold
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = DefaultQueueTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MinWait <= 0 {
		opts.MinWait = DefaultMinWait
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	g := &Gate{
		requester:    opts.Requester,
		queue:        make(chan *queueEntry, opts.MaxQueueSize),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		threshold:    opts.ThrottleThreshold,
		maxRetries:   opts.MaxRetries,
		maxQueueSize: opts.MaxQueueSize,
		queueTimeout: opts.QueueTimeout,
		retryDelay:   opts.RetryDelay,
		minWait:      opts.MinWait,
		buffer:       opts.Buffer,
		events:       opts.Events,
		now:          opts.Now,
		sleep:        opts.Sleep,
	}
	go g.drainLoop()
	g.events.Emit(events.KindInitialized, map[string]any{
		"throttle_threshold": g.threshold,
		"max_queue_size":     g.maxQueueSize,
	})
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do issues a request through the gate. When throttling is not needed
// the request executes immediately; otherwise it is queued and the
// call blocks until the worker drains it, the queue timeout fires, or
// the context expires.
func (g *Gate) Do(ctx context.Context, endpoint, method string, payload []byte) (*Response, error) {
	g.mu.Lock()
	g.metrics.TotalRequests++
	throttled := g.shouldThrottleLocked()
	if throttled {
		g.metrics.ThrottledRequests++
	}
	g.mu.Unlock()

	if !throttled {
		return g.executeRequest(ctx, endpoint, method, payload)
	}

	entry := &queueEntry{
		endpoint:   endpoint,
		method:     method,
		payload:    payload,
		enqueuedAt: g.now(),
		ctx:        ctx,
		result:     make(chan queueResult, 1),
	}

	select {
	case g.queue <- entry:
	default:
		return nil, ErrQueueFull
	}

	g.mu.Lock()
	g.metrics.QueuedRequests++
	g.mu.Unlock()
	slog.Debug("Request queued", "endpoint", endpoint, "queue_size", len(g.queue))

	timer := time.NewTimer(g.queueTimeout)
	defer timer.Stop()

	select {
	case res := <-entry.result:
		return res.resp, res.err
	case <-timer.C:
		entry.abandoned.Store(true)
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		entry.abandoned.Store(true)
		return nil, ctx.Err()
	}
}

// drainLoop is the single queue consumer. Running it as a dedicated
// goroutine makes the one-drain-loop invariant structural instead of
// flag-guarded.
func (g *Gate) drainLoop() {
	defer close(g.stopped)
	for {
		select {
		case <-g.done:
			return
		case entry := <-g.queue:
			g.processing.Store(true)
			g.processEntry(entry)
			g.processing.Store(false)
		}
	}
}

func (g *Gate) processEntry(entry *queueEntry) {
	if entry.abandoned.Load() {
		entry.reject(ErrQueueTimeout)
		return
	}
	// Pause the drain while throttle conditions still hold.
	for g.ShouldThrottleRequest() {
		wait := g.CalculateWaitTime()
		slog.Debug("Queue drain paused for rate limit", "wait", wait)
		if err := g.sleep(entry.ctx, wait); err != nil {
			entry.reject(err)
			return
		}
		if entry.abandoned.Load() {
			entry.reject(ErrQueueTimeout)
			return
		}
		// A refreshed quota breaks the pause; a stale reset time means
		// we just retry the check after the computed delay.
		if !g.hasFreshState() {
			break
		}
	}
	resp, err := g.executeRequest(entry.ctx, entry.endpoint, entry.method, entry.payload)
	select {
	case entry.result <- queueResult{resp: resp, err: err}:
	default:
	}
}

// hasFreshState reports whether the observed reset time is still ahead
// of the clock.
func (g *Gate) hasFreshState() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == nil {
		return false
	}
	return g.state.ResetEpochSeconds > g.now().Unix()
}

// ShouldThrottleRequest reports whether the next request should queue
// instead of executing immediately.
func (g *Gate) ShouldThrottleRequest() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shouldThrottleLocked()
}

func (g *Gate) shouldThrottleLocked() bool {
	if g.state == nil {
		return false
	}
	if g.state.Remaining == 0 {
		return true
	}
	return g.state.Remaining <= g.threshold
}

// CalculateWaitTime computes the backoff before the next attempt: the
// time until the provider's reset plus a small safety buffer, floored
// at the minimum wait. Without an observed state it falls back to the
// configured default retry delay.
func (g *Gate) CalculateWaitTime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == nil {
		return g.retryDelay
	}
	wait := time.Duration(g.state.ResetEpochSeconds-g.now().Unix()) * time.Second
	if wait < g.minWait {
		wait = g.minWait
	}
	return wait + g.buffer
}

// UpdateRateLimitFromHeaders refreshes the quota from provider
// response headers. Called after every real response, success or not.
func (g *Gate) UpdateRateLimitFromHeaders(h http.Header) {
	if h == nil {
		return
	}
	remaining, okR := parseHeaderInt(h, "X-RateLimit-Remaining")
	limit, okL := parseHeaderInt(h, "X-RateLimit-Limit")
	reset, okT := parseHeaderInt64(h, "X-RateLimit-Reset")
	if !okR && !okL && !okT {
		return
	}

	g.mu.Lock()
	if g.state == nil {
		g.state = &RateLimitState{}
	}
	if okR {
		g.state.Remaining = remaining
	}
	if okL {
		g.state.Limit = limit
	}
	if okT {
		g.state.ResetEpochSeconds = reset
	}
	g.metrics.LastUpdate = g.now()
	snapshot := *g.state
	g.mu.Unlock()

	g.events.Emit(events.KindRateLimitUpdated, map[string]any{
		"remaining": snapshot.Remaining,
		"limit":     snapshot.Limit,
		"reset":     snapshot.ResetEpochSeconds,
	})
}

func parseHeaderInt(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseHeaderInt64(h http.Header, key string) (int64, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsRateLimitError reports whether an error message identifies a
// rate-limit condition from the provider.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit")
}

// executeRequest performs the call, refreshing the quota from every
// response and retrying rate-limit failures with computed backoff.
// Once retries are exhausted the original error is returned; this is
// the one caller-visible hard failure in the engine.
func (g *Gate) executeRequest(ctx context.Context, endpoint, method string, payload []byte) (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := g.requester.MakeAuthenticatedRequest(ctx, endpoint, method, payload)
		if resp != nil {
			g.UpdateRateLimitFromHeaders(resp.Headers)
		}
		if err == nil {
			g.events.Emit(events.KindRequestCompleted, map[string]any{
				"endpoint": endpoint,
				"method":   method,
				"status":   resp.StatusCode,
			})
			return resp, nil
		}
		if !IsRateLimitError(err) {
			return nil, err
		}

		g.mu.Lock()
		g.metrics.RateLimitHits++
		g.mu.Unlock()

		if attempt >= g.maxRetries {
			return nil, err
		}

		wait := g.CalculateWaitTime()
		slog.Warn("Rate limited, backing off", "endpoint", endpoint, "attempt", attempt+1, "wait", wait)
		if serr := g.sleep(ctx, wait); serr != nil {
			return nil, serr
		}
	}
}

// ClearQueue rejects every pending entry and empties the queue, so no
// caller is left blocked after shutdown.
func (g *Gate) ClearQueue() int {
	cleared := 0
	for {
		select {
		case entry := <-g.queue:
			entry.reject(fmt.Errorf("%w", ErrQueueCleared))
			cleared++
		default:
			return cleared
		}
	}
}

// Close stops the drain loop and clears the queue.
func (g *Gate) Close() {
	close(g.done)
	<-g.stopped
	g.ClearQueue()
}

// GetQueueStatus returns the pending-queue snapshot.
func (g *Gate) GetQueueStatus() QueueStatus {
	return QueueStatus{
		Size:         len(g.queue),
		IsProcessing: g.processing.Load(),
		MaxSize:      g.maxQueueSize,
	}
}

// GetMetrics returns a copy of the counters.
func (g *Gate) GetMetrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

// State returns a copy of the last observed quota, or nil.
func (g *Gate) State() *RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == nil {
		return nil
	}
	s := *g.state
	return &s
}

// SetState overrides the observed quota. Intended for tests and for
// seeding from a persisted snapshot.
func (g *Gate) SetState(s *RateLimitState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s == nil {
		g.state = nil
		return
	}
	copied := *s
	g.state = &copied
}
