package konduit

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"reflect"
	"strings"
	"testing"
	"time"
)

const expectedDispatchMsg = "Expected dispatch after %v, got %v"

func noopTask(context.Context) error { return nil }

// fakeClock advances only when the queue sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_800_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func newFakeQueue(cfg RateLimitConfig) (*AdmissionQueue, *fakeClock) {
	clk := newFakeClock()
	q := NewAdmissionQueue(cfg)
	q.now = clk.Now
	q.sleep = clk.Sleep
	return q, clk
}

func rateHeaders(limit, remaining int, reset int64) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	return h
}

func TestAdmissionWaitsForServerReset(t *testing.T) {
	q, clk := newFakeQueue(DefaultRateLimitConfig)
	defer q.Close()

	reset := clk.Now().Add(5 * time.Second)
	q.UpdateFromHeaders("default", rateHeaders(100, 0, reset.Unix()))

	var dispatchedAt time.Time
	err := q.Execute(context.Background(), "default", func(context.Context) error {
		dispatchedAt = clk.Now()
		return nil
	})

	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if dispatchedAt.Before(reset) {
		t.Errorf("Dispatched at %v before reset %v", dispatchedAt, reset)
	}
	if want := []time.Duration{5 * time.Second}; !reflect.DeepEqual(clk.sleeps, want) {
		t.Errorf("Expected sleeps %v, got %v", want, clk.sleeps)
	}
}

func TestAdmissionHonoursRetryAfter(t *testing.T) {
	q, clk := newFakeQueue(DefaultRateLimitConfig)
	defer q.Close()

	h := http.Header{}
	h.Set("Retry-After", "3")
	q.UpdateFromHeaders("default", h)
	if got := q.State("default").RetryAfterSeconds; got != 3 {
		t.Errorf("Expected Retry-After 3, got %d", got)
	}

	start := clk.Now()
	var dispatchedAt time.Time
	err := q.Execute(context.Background(), "default", func(context.Context) error {
		dispatchedAt = clk.Now()
		return nil
	})
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if got := dispatchedAt.Sub(start); got != 3*time.Second {
		t.Errorf(expectedDispatchMsg, 3*time.Second, got)
	}
}

func TestAdmissionRetryAfterRealClock(t *testing.T) {
	q := NewAdmissionQueue(DefaultRateLimitConfig)
	defer q.Close()

	h := http.Header{}
	h.Set("Retry-After", "1")
	q.UpdateFromHeaders("default", h)

	start := time.Now()
	if err := q.Execute(context.Background(), "default", noopTask); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("Expected to wait about 1s, waited %v", elapsed)
	}
}

func TestAdmissionExhaustedWithoutResetWaitsOneInterval(t *testing.T) {
	q, clk := newFakeQueue(RateLimitConfig{Enabled: true, RequestsPerMinute: 30})
	defer q.Close()

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	q.UpdateFromHeaders("default", h)

	start := clk.Now()
	var dispatchedAt time.Time
	err := q.Execute(context.Background(), "default", func(context.Context) error {
		dispatchedAt = clk.Now()
		return nil
	})
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if got := dispatchedAt.Sub(start); got != 2*time.Second {
		t.Errorf(expectedDispatchMsg, 2*time.Second, got)
	}
}

func TestAdmissionLocalWindow(t *testing.T) {
	q, clk := newFakeQueue(RateLimitConfig{Enabled: true, RequestsPerMinute: 2})
	defer q.Close()

	start := clk.Now()
	var times []time.Time
	for i := 0; i < 3; i++ {
		err := q.Execute(context.Background(), "default", func(context.Context) error {
			times = append(times, clk.Now())
			return nil
		})
		if err != nil {
			t.Fatalf(unexpectedErrMsg, err)
		}
	}

	want := []time.Time{start, start, start.Add(time.Minute)}
	for i := range want {
		if !times[i].Equal(want[i]) {
			t.Errorf("Request %d: expected dispatch at %v, got %v", i, want[i], times[i])
		}
	}
}

func TestAdmissionBurst(t *testing.T) {
	q, clk := newFakeQueue(RateLimitConfig{Enabled: true, RequestsPerMinute: 600, Burst: 2})
	defer q.Close()

	start := clk.Now()
	var last time.Time
	for i := 0; i < 3; i++ {
		err := q.Execute(context.Background(), "default", func(context.Context) error {
			last = clk.Now()
			return nil
		})
		if err != nil {
			t.Fatalf(unexpectedErrMsg, err)
		}
	}
	if got := last.Sub(start); got != time.Second {
		t.Errorf(expectedDispatchMsg, time.Second, got)
	}
}

func TestUpdateFromHeadersKeepsRemainingMonotonic(t *testing.T) {
	q, clk := newFakeQueue(DefaultRateLimitConfig)
	defer q.Close()

	reset := clk.Now().Add(time.Minute).Unix()
	q.UpdateFromHeaders("k", rateHeaders(100, 10, reset))
	q.UpdateFromHeaders("k", rateHeaders(100, 12, reset))
	if got := q.State("k").Remaining; got != 10 {
		t.Errorf("Remaining must not grow within a window: expected 10, got %d", got)
	}

	q.UpdateFromHeaders("k", rateHeaders(100, 7, reset))
	if got := q.State("k").Remaining; got != 7 {
		t.Errorf("Expected remaining 7, got %d", got)
	}

	q.UpdateFromHeaders("k", rateHeaders(100, 99, reset+60))
	state := q.State("k")
	if state.Remaining != 99 || state.ResetEpochSeconds != reset+60 || state.Limit != 100 || !state.Present {
		t.Errorf("Expected a fresh window with 99 remaining, got %+v", state)
	}
}

func TestUpdateFromHeadersDeltaReset(t *testing.T) {
	q, clk := newFakeQueue(DefaultRateLimitConfig)
	defer q.Close()

	q.UpdateFromHeaders("k", rateHeaders(10, 5, 30))
	if want, got := clk.Now().Unix()+30, q.State("k").ResetEpochSeconds; got != want {
		t.Errorf("Expected reset %d, got %d", want, got)
	}
}

func TestUpdateFromHeadersIgnoresUnrelatedHeaders(t *testing.T) {
	q := NewAdmissionQueue(DefaultRateLimitConfig)
	defer q.Close()

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	q.UpdateFromHeaders("k", h)
	q.UpdateFromHeaders("k", nil)
	if q.State("k").Present {
		t.Error("Expected no rate limit state")
	}
}

func TestAdmissionDecrementsRemaining(t *testing.T) {
	q, clk := newFakeQueue(DefaultRateLimitConfig)
	defer q.Close()

	q.UpdateFromHeaders("k", rateHeaders(10, 2, clk.Now().Add(time.Minute).Unix()))
	if err := q.Execute(context.Background(), "k", noopTask); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if got := q.State("k").Remaining; got != 1 {
		t.Errorf("Expected remaining 1, got %d", got)
	}
}

func TestAdmissionFIFOAndSingleFlight(t *testing.T) {
	q := NewAdmissionQueue(RateLimitConfig{Enabled: true, RequestsPerMinute: 6000})
	defer q.Close()

	release := make(chan struct{})
	var (
		mu       sync.Mutex
		order    []int
		inFlight int32
		maxSeen  int32
		wg       sync.WaitGroup
	)
	task := func(i int) Task {
		return func(context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			if i == 0 {
				<-release
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			return nil
		}
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := q.Execute(context.Background(), "default", task(i)); err != nil {
				t.Errorf(unexpectedErrMsg, err)
			}
		}(i)
		if i == 0 {
			waitFor(t, func() bool { return atomic.LoadInt32(&inFlight) == 1 })
			continue
		}
		want := i
		waitFor(t, func() bool { return q.Pending("default") == want })
	}

	close(release)
	wg.Wait()

	if want := []int{0, 1, 2, 3, 4}; !reflect.DeepEqual(order, want) {
		t.Errorf("Expected FIFO order %v, got %v", want, order)
	}
	if got := atomic.LoadInt32(&maxSeen); got != 1 {
		t.Errorf("Expected at most one task in flight, saw %d", got)
	}
}

func TestAdmissionKeysAreIndependent(t *testing.T) {
	q := NewAdmissionQueue(DefaultRateLimitConfig)
	defer q.Close()

	blocked := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Execute(context.Background(), "a", func(context.Context) error {
			close(started)
			<-blocked
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- q.Execute(context.Background(), "b", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf(unexpectedErrMsg, err)
		}
	case <-time.After(time.Second):
		t.Fatal("key b was blocked by key a")
	}
	close(blocked)
}

func TestAdmissionCancelWhileQueued(t *testing.T) {
	q := NewAdmissionQueue(DefaultRateLimitConfig)
	defer q.Close()

	release := make(chan struct{})
	go func() {
		_ = q.Execute(context.Background(), "default", func(context.Context) error {
			<-release
			return nil
		})
	}()
	waitFor(t, func() bool { return q.Pending("default") == 0 && isDraining(q, "default") })

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	result := make(chan error, 1)
	go func() {
		result <- q.Execute(ctx, "default", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	waitFor(t, func() bool { return q.Pending("default") == 1 })

	cancel()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	close(release)

	if err := q.Execute(context.Background(), "default", noopTask); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if ran.Load() {
		t.Error("A task cancelled while queued must not run")
	}
}

func TestAdmissionTaskErrorAndPanic(t *testing.T) {
	q := NewAdmissionQueue(DefaultRateLimitConfig)
	defer q.Close()

	boom := errors.New("boom")
	if err := q.Execute(context.Background(), "k", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Expected task error, got %v", err)
	}

	err := q.Execute(context.Background(), "k", func(context.Context) error { panic("bad task") })
	if err == nil || !strings.Contains(err.Error(), "bad task") {
		t.Errorf("Expected panic surfaced as error, got %v", err)
	}

	if err := q.Execute(context.Background(), "k", noopTask); err != nil {
		t.Errorf("Queue should keep working after a panic: %v", err)
	}
}

func TestAdmissionCloseRejectsQueuedTasks(t *testing.T) {
	q, clk := newFakeQueue(DefaultRateLimitConfig)
	q.sleep = func(ctx context.Context, d time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	q.UpdateFromHeaders("default", rateHeaders(10, 0, clk.Now().Add(time.Hour).Unix()))

	result := make(chan error, 1)
	go func() {
		result <- q.Execute(context.Background(), "default", func(context.Context) error { return nil })
	}()
	waitFor(t, func() bool { return q.Pending("default") == 1 })

	q.Close()
	if err := <-result; !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed for queued task, got %v", err)
	}
	if err := q.Execute(context.Background(), "default", noopTask); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed after Close, got %v", err)
	}
}

func TestAdmissionDisabledRunsDirectly(t *testing.T) {
	q := NewAdmissionQueue(RateLimitConfig{Enabled: false})
	defer q.Close()

	q.UpdateFromHeaders("default", rateHeaders(10, 0, time.Now().Add(time.Hour).Unix()))
	start := time.Now()
	if err := q.Execute(context.Background(), "default", noopTask); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Errorf("Disabled admission should not wait, waited %v", elapsed)
	}
	if !q.State("default").Exhausted() {
		t.Error("Headers should still be recorded when disabled")
	}
}

func TestAdmissionKeyFuncs(t *testing.T) {
	u, err := url.Parse("https://api.example.com/v1/projects?page=2")
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}

	tests := []struct {
		got, want string
	}{
		{SharedAdmissionKey("GET", u), "default"},
		{HostAdmissionKey("GET", u), "host:api.example.com"},
		{RouteAdmissionKey("POST", u), "route:POST:/v1/projects"},
		{HostAdmissionKey("GET", nil), "host:unknown"},
		{RouteAdmissionKey("GET", nil), "route:GET:/"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("Expected key %s, got %s", tt.want, tt.got)
		}
	}
}

func isDraining(q *AdmissionQueue, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	return ok && l.draining
}
