package konduit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds local throughput per admission key.
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// RequestsPerMinute caps admissions in any sliding 60 second window.
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requestsPerMinute"`
	// Burst caps admissions in any sliding one second window; 0 disables it.
	Burst int `mapstructure:"burst" json:"burst"`
}

// DefaultRateLimitConfig is used unless WithRateLimit overrides it.
var DefaultRateLimitConfig = RateLimitConfig{
	Enabled:           true,
	RequestsPerMinute: 60,
	Burst:             10,
}

const (
	rateWindow  = time.Minute
	burstWindow = time.Second
	// resetEpochFloor separates absolute epoch resets from delta-seconds ones.
	resetEpochFloor = 1_000_000_000
)

// Task is the unit of work the queue admits. Its result travels through the
// closure; the returned error settles the deferred result.
type Task func(ctx context.Context) error

// AdmissionKeyFunc picks the admission key for an outgoing request.
type AdmissionKeyFunc func(method string, u *url.URL) string

// SharedAdmissionKey puts every request behind one key.
func SharedAdmissionKey(string, *url.URL) string {
	return "default"
}

// HostAdmissionKey generates a key based on the request host.
func HostAdmissionKey(_ string, u *url.URL) string {
	if u == nil || u.Host == "" {
		return "host:unknown"
	}
	return "host:" + u.Host
}

// RouteAdmissionKey generates a key based on the request method and path.
func RouteAdmissionKey(method string, u *url.URL) string {
	path := "/"
	if u != nil && u.Path != "" {
		path = u.Path
	}
	return "route:" + method + ":" + path
}

type queuedTask struct {
	ctx     context.Context
	run     Task
	done    chan error
	settled bool
}

type lane struct {
	key        string
	tasks      []*queuedTask
	draining   bool
	admissions []time.Time
	state      RateLimitState
}

func (l *lane) remove(t *queuedTask) bool {
	for i, q := range l.tasks {
		if q == t {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// AdmissionQueue serializes tasks per key through a gate that honours a
// local sliding window and the server's advertised rate limit state. Each key
// has at most one drain loop and runs one task at a time, in FIFO order.
type AdmissionQueue struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	lanes   map[string]*lane
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  Logger
	metrics *MetricsCollector
}

// NewAdmissionQueue creates a queue with the given limits.
func NewAdmissionQueue(cfg RateLimitConfig) *AdmissionQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &AdmissionQueue{
		cfg:    cfg,
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
		sleep:  WaitWithContext,
		logger: NewNopLogger(),
	}
}

// Config returns the queue's limits.
func (q *AdmissionQueue) Config() RateLimitConfig {
	return q.cfg
}

func (q *AdmissionQueue) laneLocked(key string) *lane {
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{key: key}
		q.lanes[key] = l
	}
	return l
}

// Execute enqueues task under key and blocks until it has been settled.
// If ctx ends while the task is still waiting for admission, the task is
// dropped without running and ctx.Err() is returned. With rate limiting
// disabled the task runs directly.
func (q *AdmissionQueue) Execute(ctx context.Context, key string, task Task) error {
	if !q.cfg.Enabled {
		return runTask(ctx, task)
	}

	t := &queuedTask{ctx: ctx, run: task, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	l := q.laneLocked(key)
	l.tasks = append(l.tasks, t)
	depth := len(l.tasks)
	start := !l.draining
	if start {
		l.draining = true
	}
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(key, depth)
	if start {
		go q.drain(l)
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if !t.settled && l.remove(t) {
			t.settled = true
			depth := len(l.tasks)
			q.mu.Unlock()
			q.metrics.RecordQueueDepth(key, depth)
			return ctx.Err()
		}
		q.mu.Unlock()
		return <-t.done
	}
}

func (q *AdmissionQueue) drain(l *lane) {
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 || q.closed {
			l.draining = false
			q.mu.Unlock()
			return
		}

		now := q.now()
		if wait := q.admissionDelayLocked(l, now); wait > 0 {
			depth := len(l.tasks)
			q.mu.Unlock()

			q.logger.Info("Admission delayed", "key", l.key, "wait", wait, "queued", depth)
			q.metrics.RecordAdmissionWait(l.key, wait)
			_ = q.sleep(q.ctx, wait)
			continue
		}

		t := l.tasks[0]
		l.tasks = l.tasks[1:]
		depth := len(l.tasks)
		if err := t.ctx.Err(); err != nil {
			t.settled = true
			q.mu.Unlock()
			t.done <- err
			continue
		}
		q.recordAdmissionLocked(l, now)
		q.mu.Unlock()

		q.metrics.RecordQueueDepth(l.key, depth)
		err := runTask(t.ctx, t.run)

		q.mu.Lock()
		t.settled = true
		q.mu.Unlock()
		t.done <- err
	}
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("konduit: task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// admissionDelayLocked returns how long the head task must wait, or 0.
func (q *AdmissionQueue) admissionDelayLocked(l *lane, now time.Time) time.Duration {
	interval := q.interval()

	s := l.state
	if until := s.RetryAfterUntil(); !until.IsZero() && now.Before(until) {
		return until.Sub(now)
	}
	if s.Exhausted() {
		reset := s.ResetAt()
		switch {
		case !reset.IsZero() && now.Before(reset):
			return reset.Sub(now)
		case reset.IsZero() && now.Before(s.ObservedAt.Add(interval)):
			return s.ObservedAt.Add(interval).Sub(now)
		}
	}
	if s.Present && !s.ResetAt().IsZero() && !now.Before(s.ResetAt()) {
		// The advertised window is over; forget it until fresh headers arrive.
		l.state.Present = false
		l.state.Remaining = 0
		l.state.ResetEpochSeconds = 0
	}

	cutoff := now.Add(-rateWindow)
	kept := l.admissions[:0]
	for _, at := range l.admissions {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	l.admissions = kept

	if q.cfg.RequestsPerMinute > 0 && len(l.admissions) >= q.cfg.RequestsPerMinute {
		return interval
	}
	if q.cfg.Burst > 0 {
		recent := 0
		burstCutoff := now.Add(-burstWindow)
		for _, at := range l.admissions {
			if at.After(burstCutoff) {
				recent++
			}
		}
		if recent >= q.cfg.Burst {
			return interval
		}
	}
	return 0
}

func (q *AdmissionQueue) interval() time.Duration {
	rpm := q.cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 1
	}
	return rateWindow / time.Duration(rpm)
}

func (q *AdmissionQueue) recordAdmissionLocked(l *lane, now time.Time) {
	l.admissions = append(l.admissions, now)
	if l.state.Present && l.state.Remaining > 0 {
		l.state.Remaining--
	}
}

// UpdateFromHeaders refreshes the server view for key from a response's
// X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset and
// Retry-After headers. Within one reset window the remaining count never
// goes up.
func (q *AdmissionQueue) UpdateFromHeaders(key string, h http.Header) {
	if h == nil {
		return
	}
	limit, haveLimit := headerInt(h, "X-RateLimit-Limit")
	remaining, haveRemaining := headerInt(h, "X-RateLimit-Remaining")
	reset, haveReset := headerInt64(h, "X-RateLimit-Reset")
	retryAfterRaw := strings.TrimSpace(h.Get("Retry-After"))
	if !haveLimit && !haveRemaining && !haveReset && retryAfterRaw == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	l := q.laneLocked(key)
	prev := l.state
	next := prev

	if haveReset && reset < resetEpochFloor {
		reset = now.Unix() + reset
	}

	fresh := !prev.Present ||
		prev.ResetEpochSeconds == 0 ||
		(haveReset && reset > prev.ResetEpochSeconds) ||
		!now.Before(prev.ResetAt())

	if haveLimit {
		next.Limit = limit
	}
	if haveReset {
		if fresh || reset > next.ResetEpochSeconds {
			next.ResetEpochSeconds = reset
		}
	}
	if haveRemaining {
		if fresh || remaining < prev.Remaining {
			next.Remaining = remaining
		}
		next.Present = true
	}

	next.RetryAfterSeconds = 0
	if d := parseRetryAfter(retryAfterRaw, now); d > 0 {
		next.RetryAfterSeconds = int(math.Ceil(d.Seconds()))
	}
	next.ObservedAt = now
	l.state = next

	if next.Present {
		q.metrics.RecordRateLimitRemaining(key, next.Remaining)
	}
}

// State returns the latest server view for key.
func (q *AdmissionQueue) State(key string) RateLimitState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return l.state
	}
	return RateLimitState{}
}

// Pending returns the number of tasks waiting under key.
func (q *AdmissionQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.tasks)
	}
	return 0
}

// Close rejects every queued task with ErrQueueClosed and stops admission
// waits. Running tasks finish normally.
func (q *AdmissionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var rejected []*queuedTask
	for _, l := range q.lanes {
		for _, t := range l.tasks {
			t.settled = true
			rejected = append(rejected, t)
		}
		l.tasks = nil
	}
	q.mu.Unlock()

	q.cancel()
	for _, t := range rejected {
		t.done <- ErrQueueClosed
	}
}

func headerInt(h http.Header, name string) (int, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func headerInt64(h http.Header, name string) (int64, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Some servers send fractional epoch seconds.
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, false
		}
		return int64(math.Ceil(f)), true
	}
	return n, true
}
