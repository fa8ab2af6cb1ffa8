package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel-hub/eo-timelapse/internal/metrics"
)

// ErrCancelled is returned for requests whose context ended before they
// produced a result. It is an expected outcome, not a failure.
var ErrCancelled = errors.New("request cancelled")

// ErrClosed is returned when enqueueing into a closed limiter
var ErrClosed = errors.New("limiter closed")

// FetchFunc performs one outbound request
type FetchFunc func(ctx context.Context) ([]byte, error)

// Result is delivered once per enqueued request
type Result struct {
	Data []byte
	Err  error
}

// StatusCoder is implemented by errors that carry an HTTP status code
type StatusCoder interface {
	StatusCode() int
}

// Config defines the pacing bounds
type Config struct {
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig returns the default pacing: start at 100ms, decay towards
// 1ms on success, back off up to 5s on HTTP 429.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 100 * time.Millisecond,
		MinDelay:     time.Millisecond,
		MaxDelay:     5000 * time.Millisecond,
	}
}

// RateLimitEvent describes one HTTP 429 occurrence
type RateLimitEvent struct {
	Timestamp time.Time
	Attempt   int           // retries already spent on this request
	NextDelay time.Duration // pacing delay after backing off
}

type request struct {
	ctx     context.Context
	fn      FetchFunc
	done    chan Result
	attempt int
}

// Limiter serializes and paces outbound requests. A single drain goroutine
// pops one request at a time, runs it, and waits the current delay before
// popping the next. Requests answered with HTTP 429 go back to the tail of
// the queue and are retried without limit.
type Limiter struct {
	mu      sync.Mutex
	queue   []*request
	delay   time.Duration
	retries int
	closed  bool
	cfg     Config

	wake        chan struct{}
	onRateLimit func(event RateLimitEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  zerolog.Logger
	metrics metrics.Recorder
}

// NewLimiter creates a limiter and starts its drain loop
func NewLimiter(cfg Config, logger zerolog.Logger, rec metrics.Recorder) *Limiter {
	def := DefaultConfig()
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		delay:   clamp(cfg.InitialDelay, cfg.MinDelay, cfg.MaxDelay),
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "RateLimit").Logger(),
		metrics: rec,
	}
	rec.SetLimiterDelay(l.delay)

	l.wg.Add(1)
	go l.drain()

	return l
}

// SetOnRateLimit sets the callback invoked on every HTTP 429
func (l *Limiter) SetOnRateLimit(callback func(event RateLimitEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRateLimit = callback
}

// Enqueue appends fn to the queue. The returned channel receives exactly one
// Result: the data on success, ErrCancelled when ctx ends first, or the
// request's own error for any non-429 failure.
func (l *Limiter) Enqueue(ctx context.Context, fn FetchFunc) <-chan Result {
	req := &request{ctx: ctx, fn: fn, done: make(chan Result, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		req.done <- Result{Err: fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)}
		return req.done
	}
	l.queue = append(l.queue, req)
	l.mu.Unlock()

	l.signal()
	return req.done
}

// Do enqueues fn and waits for its result or for ctx to end
func (l *Limiter) Do(ctx context.Context, fn FetchFunc) ([]byte, error) {
	done := l.Enqueue(ctx, fn)
	select {
	case res := <-done:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
}

// Delay returns the current pacing delay
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// Retries returns the number of 429 retries performed so far
func (l *Limiter) Retries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries
}

// Pending returns the number of queued requests
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the drain loop. Queued requests resolve as cancelled.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	for _, req := range pending {
		req.done <- Result{Err: fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)}
	}
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default: // Already signaled
	}
}

// pop blocks until a request is available or the limiter is closed
func (l *Limiter) pop() *request {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			req := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return req
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (l *Limiter) drain() {
	defer l.wg.Done()

	for {
		req := l.pop()
		if req == nil {
			return
		}

		// Superseded requests are skipped without spending a delay slot
		if req.ctx.Err() != nil {
			l.metrics.IncTileRequests(metrics.OutcomeCancelled)
			req.done <- Result{Err: cancelled(req.ctx)}
			continue
		}

		l.execute(req)

		timer := time.NewTimer(l.Delay())
		select {
		case <-timer.C:
		case <-l.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (l *Limiter) execute(req *request) {
	data, err := req.fn(req.ctx)

	switch {
	case err == nil:
		l.adjust(func(d time.Duration) time.Duration { return d / 2 })
		l.metrics.IncTileRequests(metrics.OutcomeOK)
		req.done <- Result{Data: data}

	case req.ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		l.metrics.IncTileRequests(metrics.OutcomeCancelled)
		req.done <- Result{Err: cancelled(req.ctx)}

	case IsRateLimited(err):
		next := l.adjust(func(d time.Duration) time.Duration {
			return time.Duration(float64(d) / 0.8)
		})
		l.metrics.IncTileRequests(metrics.OutcomeRetry)

		l.mu.Lock()
		l.retries++
		req.attempt++
		callback := l.onRateLimit
		closed := l.closed
		if !closed {
			l.queue = append(l.queue, &request{ctx: req.ctx, fn: req.fn, done: req.done, attempt: req.attempt})
		}
		l.mu.Unlock()

		if closed {
			req.done <- Result{Err: fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)}
			return
		}

		l.logger.Debug().Int("attempt", req.attempt).Dur("delay", next).Msg("rate limited, request re-queued")
		if callback != nil {
			go callback(RateLimitEvent{Timestamp: time.Now(), Attempt: req.attempt, NextDelay: next})
		}

	default:
		l.metrics.IncTileRequests(metrics.OutcomeSoftFail)
		l.logger.Warn().Err(err).Msg("tile request failed")
		req.done <- Result{Err: err}
	}
}

// adjust applies f to the delay, clamps it, and returns the new value
func (l *Limiter) adjust(f func(time.Duration) time.Duration) time.Duration {
	l.mu.Lock()
	l.delay = clamp(f(l.delay), l.cfg.MinDelay, l.cfg.MaxDelay)
	d := l.delay
	l.mu.Unlock()

	l.metrics.SetLimiterDelay(d)
	return d
}

// IsRateLimited reports whether err carries HTTP 429
func IsRateLimited(err error) bool {
	var sc StatusCoder
	return errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests
}

// IsCancelled reports whether err represents a cancelled request
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

func cancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return ErrCancelled
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
