package konduit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"strings"
	"sync"
)

// Handle identifies a registered interceptor for later removal.
type Handle uint64

// defaultHandle is held by the built-in interceptor at the head of a chain.
const defaultHandle Handle = 0

// RequestInterceptor transforms the request configuration before dispatch.
// OnRequest returning an error aborts the chain; OnError hooks of the
// interceptors after the failing one may rewrite that error before it is
// propagated.
type RequestInterceptor struct {
	Name      string
	OnRequest func(ctx context.Context, cfg RequestConfig) (RequestConfig, error)
	OnError   func(ctx context.Context, err error) error
}

// ResponseInterceptor observes or rewrites results. OnResponse runs for
// successful responses, OnError for every failure that reaches the caller.
type ResponseInterceptor struct {
	Name       string
	OnResponse func(ctx context.Context, resp Response[json.RawMessage]) (Response[json.RawMessage], error)
	OnError    func(ctx context.Context, info *ErrorInfo) *ErrorInfo
}

type chainEntry[T any] struct {
	handle Handle
	value  T
}

// InterceptorChain is an ordered registry of interceptors keyed by handle.
// Ejecting a handle removes its entry without affecting any other handle.
type InterceptorChain[T any] struct {
	mu      sync.RWMutex
	entries []chainEntry[T]
	next    Handle
}

// NewInterceptorChain creates a chain whose head is first. The head cannot be
// ejected.
func NewInterceptorChain[T any](first T) *InterceptorChain[T] {
	return &InterceptorChain[T]{
		entries: []chainEntry[T]{{handle: defaultHandle, value: first}},
		next:    defaultHandle + 1,
	}
}

// Use appends v and returns its handle.
func (c *InterceptorChain[T]) Use(v T) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.next
	c.next++
	c.entries = append(c.entries, chainEntry[T]{handle: h, value: v})
	return h
}

// Eject removes the interceptor registered under h. It reports whether
// anything was removed.
func (c *InterceptorChain[T]) Eject(h Handle) bool {
	if h == defaultHandle {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.handle == h {
			c.entries = append(c.entries[:i:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered interceptors, the head included.
func (c *InterceptorChain[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns the interceptors in execution order.
func (c *InterceptorChain[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.value
	}
	return out
}

// runRequestInterceptors applies chain to cfg in order. The returned error is
// an INTERCEPTOR_ERROR unless a hook produced an *ErrorInfo itself.
func runRequestInterceptors(ctx context.Context, chain []RequestInterceptor, cfg RequestConfig) (RequestConfig, error) {
	for i, ic := range chain {
		if ic.OnRequest == nil {
			continue
		}
		next, err := ic.OnRequest(ctx, cfg)
		if err == nil {
			cfg = next
			continue
		}

		for _, rest := range chain[i+1:] {
			if rest.OnError == nil {
				continue
			}
			if rewritten := rest.OnError(ctx, err); rewritten != nil {
				err = rewritten
			}
		}
		return cfg, asInterceptorError(ic.Name, err)
	}
	return cfg, nil
}

func asInterceptorError(name string, err error) *ErrorInfo {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	msg := "request interceptor failed"
	if name != "" {
		msg = "request interceptor " + name + " failed"
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return newErrorInfo(CodeInterceptor, msg, err)
}

// runResponseInterceptors passes a successful response through chain. A hook
// error turns the result into an INTERCEPTOR_ERROR failure.
func runResponseInterceptors(ctx context.Context, chain []ResponseInterceptor, resp Response[json.RawMessage]) (Response[json.RawMessage], *ErrorInfo) {
	for _, ic := range chain {
		if ic.OnResponse == nil {
			continue
		}
		next, err := ic.OnResponse(ctx, resp)
		if err != nil {
			var info *ErrorInfo
			if errors.As(err, &info) {
				return resp, info
			}
			msg := "response interceptor failed: " + err.Error()
			if ic.Name != "" {
				msg = "response interceptor " + ic.Name + " failed: " + err.Error()
			}
			info = newErrorInfo(CodeInterceptor, msg, err)
			info.Status = resp.Status
			return resp, info
		}
		resp = next
	}
	return resp, nil
}

// runErrorInterceptors passes info through every OnError hook in order. A hook
// returning nil leaves the previous value in place.
func runErrorInterceptors(ctx context.Context, chain []ResponseInterceptor, info *ErrorInfo) *ErrorInfo {
	for _, ic := range chain {
		if ic.OnError == nil {
			continue
		}
		if next := ic.OnError(ctx, info); next != nil {
			info = next
		}
	}
	return info
}

// DefaultAuthExemptEndpoints are endpoints whose auth-like failures are
// business results (for example a wrong password on a protection check) and
// must not clear the session.
var DefaultAuthExemptEndpoints = []string{
	"/protection",
	"/verify-password",
}

var authFailureCodes = map[ErrorCode]bool{
	HTTPCode(http.StatusUnauthorized): true,
	"UNAUTHORIZED":                    true,
	"TOKEN_EXPIRED":                   true,
	"INVALID_TOKEN":                   true,
}

// IsAuthFailure reports whether info describes a rejected or expired
// credential.
func IsAuthFailure(info *ErrorInfo) bool {
	if info == nil {
		return false
	}
	return authFailureCodes[info.Code] || info.Status == http.StatusUnauthorized
}

// defaultRequestInterceptor injects credential headers, unless the call skips
// auth, and a request id.
func (c *Client) defaultRequestInterceptor() RequestInterceptor {
	return RequestInterceptor{
		Name: "default",
		OnRequest: func(ctx context.Context, cfg RequestConfig) (RequestConfig, error) {
			if cfg.Headers == nil {
				cfg.Headers = map[string]string{}
			}
			if !cfg.SkipAuth {
				cfg.authHeaders = c.credentials.AuthHeaders(ctx)
				maps.Copy(cfg.Headers, cfg.authHeaders)
			}
			if cfg.Headers[RequestIDHeader] == "" {
				cfg.Headers[RequestIDHeader] = newRequestID()
			}
			return cfg, nil
		},
	}
}

// defaultResponseInterceptor stamps timestamps and clears the credential on
// genuine auth failures.
func (c *Client) defaultResponseInterceptor() ResponseInterceptor {
	return ResponseInterceptor{
		Name: "default",
		OnResponse: func(_ context.Context, resp Response[json.RawMessage]) (Response[json.RawMessage], error) {
			if resp.Metadata == nil {
				resp.Metadata = &Metadata{}
			}
			if resp.Metadata.Timestamp.IsZero() {
				resp.Metadata.Timestamp = c.now()
			}
			return resp, nil
		},
		OnError: func(ctx context.Context, info *ErrorInfo) *ErrorInfo {
			if info.Timestamp.IsZero() {
				info.Timestamp = c.now()
			}
			if !IsAuthFailure(info) || c.authExempted(info.Path) {
				return info
			}

			c.logger.Warn("Authentication failed; clearing credential", "endpoint", info.Path, "code", info.Code)
			if err := c.credentials.Clear(ctx); err != nil {
				c.logger.Error("Credential clear failed", "error", err)
			}
			c.metrics.RecordAuthInvalidation()
			if c.authFailureHandler != nil {
				c.authFailureHandler(*info)
			}
			return info
		},
	}
}

func (c *Client) authExempted(endpoint string) bool {
	for _, p := range c.authExempt {
		if p != "" && strings.Contains(endpoint, p) {
			return true
		}
	}
	return false
}
