package konduit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultHealthPath is probed when choosing among fallback base URLs.
const DefaultHealthPath = "/health"

const defaultProbeTimeout = 5 * time.Second

// BaseURLResolver picks the first reachable base URL from an ordered list by
// probing each candidate's health path. The choice is cached until
// Invalidate; concurrent resolutions share one probe run.
type BaseURLResolver struct {
	candidates   []string
	healthPath   string
	client       *http.Client
	probeTimeout time.Duration
	logger       Logger

	mu       sync.RWMutex
	resolved string
	group    singleflight.Group
}

// NewBaseURLResolver creates a resolver trying primary first, then fallbacks
// in order. Empty and duplicate entries are dropped.
func NewBaseURLResolver(primary string, fallbacks []string, healthPath string, client *http.Client) *BaseURLResolver {
	if healthPath == "" {
		healthPath = DefaultHealthPath
	}
	if client == nil {
		client = http.DefaultClient
	}

	seen := map[string]bool{}
	var candidates []string
	for _, u := range append([]string{primary}, fallbacks...) {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		candidates = append(candidates, u)
	}

	return &BaseURLResolver{
		candidates:   candidates,
		healthPath:   healthPath,
		client:       client,
		probeTimeout: defaultProbeTimeout,
		logger:       NewNopLogger(),
	}
}

// Candidates returns the base URLs in probe order.
func (r *BaseURLResolver) Candidates() []string {
	return append([]string(nil), r.candidates...)
}

// Resolve returns the base URL to use. With a single candidate no probe is
// made. When no candidate answers, the primary is returned uncached so the
// request itself surfaces the failure.
func (r *BaseURLResolver) Resolve(ctx context.Context) string {
	switch len(r.candidates) {
	case 0:
		return ""
	case 1:
		return r.candidates[0]
	}

	r.mu.RLock()
	resolved := r.resolved
	r.mu.RUnlock()
	if resolved != "" {
		return resolved
	}

	v, _, _ := r.group.Do("resolve", func() (interface{}, error) {
		r.mu.RLock()
		cached := r.resolved
		r.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}

		for i, base := range r.candidates {
			if r.probe(ctx, base) {
				r.mu.Lock()
				r.resolved = base
				r.mu.Unlock()
				if i > 0 {
					r.logger.Warn("Using fallback base URL", "baseURL", base, "primary", r.candidates[0])
				}
				return base, nil
			}
		}
		r.logger.Warn("No base URL answered the health probe", "candidates", len(r.candidates))
		return r.candidates[0], nil
	})
	return v.(string)
}

// Invalidate drops the cached choice; the next Resolve probes again.
func (r *BaseURLResolver) Invalidate() {
	r.mu.Lock()
	r.resolved = ""
	r.mu.Unlock()
}

func (r *BaseURLResolver) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+r.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// joinURL appends endpoint to base unless endpoint is already absolute.
func joinURL(base, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if base == "" {
		return endpoint
	}
	if endpoint == "" {
		return base
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return strings.TrimRight(base, "/") + endpoint
}
