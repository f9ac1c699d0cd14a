package konduit

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// BackoffKind selects how the wait between retries grows.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy describes how many times a request is retried and how long to
// wait between attempts.
type RetryPolicy struct {
	MaxRetries int           `mapstructure:"max_retries" json:"maxRetries"`
	Delay      time.Duration `mapstructure:"delay" json:"delay"`
	Backoff    BackoffKind   `mapstructure:"backoff" json:"backoff"`
	// MaxDelay caps a single backoff wait; zero means one hour.
	MaxDelay time.Duration `mapstructure:"max_delay" json:"maxDelay,omitempty"`
}

// RequestConfig is the per-call description of an outbound request. It is
// treated as immutable; interceptors work on a Clone.
type RequestConfig struct {
	Method  string
	Headers map[string]string
	// Body is sent as-is when it is []byte, json.RawMessage or string and
	// JSON-encoded otherwise. nil sends no body.
	Body             any
	Timeout          time.Duration
	SkipAuth         bool
	SkipInterceptors bool
	// Retry overrides the client default policy when non-nil.
	Retry *RetryPolicy

	// authHeaders holds the credential headers the default request
	// interceptor injected; nil when it has not run.
	authHeaders map[string]string
}

// Clone returns a copy that can be mutated without touching the original.
func (c RequestConfig) Clone() RequestConfig {
	out := c
	if c.Headers != nil {
		out.Headers = maps.Clone(c.Headers)
	}
	if c.Retry != nil {
		r := *c.Retry
		out.Retry = &r
	}
	if c.authHeaders != nil {
		out.authHeaders = maps.Clone(c.authHeaders)
	}
	return out
}

// Pagination is optional list metadata lifted from a response body.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// Metadata accompanies a Response.
type Metadata struct {
	Timestamp  time.Time   `json:"timestamp"`
	RequestID  string      `json:"requestId,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// Response is the structured result of every request. Data is meaningful when
// Success is true; Error and Code otherwise.
type Response[T any] struct {
	Success  bool      `json:"success"`
	Data     T         `json:"data,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     ErrorCode `json:"code,omitempty"`
	Status   int       `json:"status,omitempty"`
	Details  any       `json:"details,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Failure builds an unsuccessful Response from an ErrorInfo.
func Failure[T any](info *ErrorInfo) Response[T] {
	return Response[T]{
		Success: false,
		Error:   info.Message,
		Code:    info.Code,
		Status:  info.Status,
		Details: info.Details,
	}
}

// Requester is the single dependency endpoint modules take. *Client
// implements it.
type Requester interface {
	Request(ctx context.Context, endpoint string, cfg RequestConfig) Response[json.RawMessage]
}

// Call issues a request through r and decodes the payload into T. A payload
// that does not decode into T yields a PARSE_ERROR response.
func Call[T any](ctx context.Context, r Requester, endpoint string, cfg RequestConfig) Response[T] {
	raw := r.Request(ctx, endpoint, cfg)
	out := Response[T]{
		Success:  raw.Success,
		Error:    raw.Error,
		Code:     raw.Code,
		Status:   raw.Status,
		Details:  raw.Details,
		Metadata: raw.Metadata,
	}
	if !raw.Success || len(raw.Data) == 0 {
		return out
	}

	if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
		info := newErrorInfo(CodeParse, "failed to decode response payload", err)
		info.Status = raw.Status
		failed := Failure[T](info)
		failed.Metadata = raw.Metadata
		return failed
	}
	return out
}

// RateLimitState is the server's most recent view of the request budget,
// taken from X-RateLimit-* and Retry-After headers.
type RateLimitState struct {
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetEpochSeconds int64     `json:"reset"`
	RetryAfterSeconds int       `json:"retryAfter,omitempty"`
	ObservedAt        time.Time `json:"observedAt"`
	// Present is set once any rate limit header has been seen.
	Present bool `json:"present"`
}

// Exhausted reports whether the server says no requests remain.
func (s RateLimitState) Exhausted() bool {
	return s.Present && s.Remaining <= 0
}

// ResetAt is the reset instant, or the zero time when unknown.
func (s RateLimitState) ResetAt() time.Time {
	if s.ResetEpochSeconds <= 0 {
		return time.Time{}
	}
	return time.Unix(s.ResetEpochSeconds, 0)
}

// RetryAfterUntil is the instant a Retry-After hint expires, or zero.
func (s RateLimitState) RetryAfterUntil() time.Time {
	if s.RetryAfterSeconds <= 0 {
		return time.Time{}
	}
	return s.ObservedAt.Add(time.Duration(s.RetryAfterSeconds) * time.Second)
}
