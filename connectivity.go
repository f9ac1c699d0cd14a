package konduit

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// EventSource delivers platform connectivity transitions. Start begins
// delivery to emit and returns a function that stops it.
type EventSource interface {
	Start(emit func(online bool)) (stop func())
}

// Monitor tracks online/offline status from an EventSource and notifies
// subscribers, in subscription order, whenever the status flips.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []listenerEntry
	nextID    uint64
	stop      func()
	closeOnce sync.Once
}

type listenerEntry struct {
	id uint64
	fn func(online bool)
}

// NewMonitor creates a monitor with an initial status and starts listening to
// src. A nil src leaves the status fixed until Set is called.
func NewMonitor(src EventSource, initial bool) *Monitor {
	m := &Monitor{online: initial}
	if src != nil {
		m.stop = src.Start(m.Set)
	}
	return m
}

// IsOnline reports the last known status.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a status signal. Subscribers run synchronously on the caller's
// goroutine only when the status actually changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l.fn(online)
	}
}

// Subscribe registers fn for status transitions. The returned function
// removes it and is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close stops the event source and drops all subscribers. Idempotent.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		stop := m.stop
		m.stop = nil
		m.listeners = nil
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

// ManualSource is an EventSource driven by explicit calls, for hosts that
// already receive connectivity events and for tests.
type ManualSource struct {
	mu   sync.Mutex
	emit func(bool)
}

// NewManualSource creates an unattached ManualSource.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// Start implements EventSource.
func (s *ManualSource) Start(emit func(online bool)) func() {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.emit = nil
		s.mu.Unlock()
	}
}

// Signal forwards a transition to the attached monitor, if any.
func (s *ManualSource) Signal(online bool) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(online)
	}
}

// ProbeSource polls a URL and reports online when it answers with any HTTP
// response. The timer lives here, not in the Monitor.
type ProbeSource struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// Start implements EventSource.
func (p *ProbeSource) Start(emit func(online bool)) func() {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			online := p.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			emit(online)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (p *ProbeSource) probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
