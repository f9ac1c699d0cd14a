package konduit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const tracerName = "github.com/ambiyansyah-risyal/konduit"

const offlineMessage = "No internet connection available"

// DefaultTimeout is the per-attempt deadline when neither the client nor the
// call sets one.
const DefaultTimeout = 30 * time.Second

// Option configures a Client.
type Option func(*Client)

// Client is the request orchestrator. It checks connectivity, runs the
// interceptor chains, admits the exchange through the rate-limited queue,
// executes it with retries and turns the outcome into a Response. It is safe
// for concurrent use.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	fallbackURLs   []string
	healthPath     string
	resolver       *BaseURLResolver
	defaultHeaders map[string]string
	timeout        time.Duration
	retry          RetryPolicy

	rateLimit RateLimitConfig
	keyFunc   AdmissionKeyFunc
	queue     *AdmissionQueue
	lastKey   atomic.Value

	executor      *Executor
	breakerConfig *CircuitBreakerConfig
	breaker       *CircuitBreaker

	credentialStore CredentialStore
	credentials     *CredentialManager

	monitor            *Monitor
	ownsMonitor        bool
	connectivitySource EventSource
	unsubscribe        func()

	requestInterceptors  *InterceptorChain[RequestInterceptor]
	responseInterceptors *InterceptorChain[ResponseInterceptor]
	extraRequest         []RequestInterceptor
	extraResponse        []ResponseInterceptor

	authFailureHandler func(ErrorInfo)
	authExempt         []string

	deduplicate bool
	group       singleflight.Group

	metrics        *MetricsCollector
	logger         Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	now            func() time.Time

	validationError error
	closeOnce       sync.Once
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors. Requests
// on an invalid client fail with CONFIG_ERROR.
func New(options ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{},
		healthPath: DefaultHealthPath,
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   UserAgent(),
		},
		timeout:    DefaultTimeout,
		retry:      DefaultRetryPolicy,
		rateLimit:  DefaultRateLimitConfig,
		keyFunc:    SharedAdmissionKey,
		authExempt: append([]string(nil), DefaultAuthExemptEndpoints...),
		logger:     NewNopLogger(),
		now:        time.Now,
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	client.build()
	return client
}

func (c *Client) build() {
	if c.logger == nil {
		c.logger = NewNopLogger()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.keyFunc == nil {
		c.keyFunc = SharedAdmissionKey
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	c.tracer = c.tracerProvider.Tracer(tracerName)
	c.lastKey.Store(SharedAdmissionKey("", nil))

	c.resolver = NewBaseURLResolver(c.baseURL, c.fallbackURLs, c.healthPath, c.httpClient)
	c.resolver.logger = c.logger

	c.queue = NewAdmissionQueue(c.rateLimit)
	c.queue.logger = c.logger
	c.queue.metrics = c.metrics

	if c.breakerConfig != nil {
		cfg := *c.breakerConfig
		userHook := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			c.metrics.RecordCircuitBreakerState(name, to)
			if userHook != nil {
				userHook(name, from, to)
			}
		}
		c.breaker = NewCircuitBreaker(cfg)
	}

	c.executor = NewExecutor()
	c.executor.breaker = c.breaker
	c.executor.logger = c.logger
	c.executor.metrics = c.metrics

	if c.credentials == nil {
		c.credentials = NewCredentialManager(c.credentialStore)
	}
	c.credentials.logger = c.logger

	if c.monitor == nil {
		c.monitor = NewMonitor(c.connectivitySource, true)
		c.ownsMonitor = true
	}
	c.metrics.RecordConnectivity(c.monitor.IsOnline())
	c.unsubscribe = c.monitor.Subscribe(func(online bool) {
		c.logger.Info("Connectivity changed", "online", online)
		c.metrics.RecordConnectivity(online)
	})

	c.requestInterceptors = NewInterceptorChain(c.defaultRequestInterceptor())
	for _, ic := range c.extraRequest {
		c.requestInterceptors.Use(ic)
	}
	c.responseInterceptors = NewInterceptorChain(c.defaultResponseInterceptor())
	for _, ic := range c.extraResponse {
		c.responseInterceptors.Use(ic)
	}
}

// Request performs one logical call against endpoint and always returns a
// structured Response; no error or panic escapes it.
func (c *Client) Request(ctx context.Context, endpoint string, cfg RequestConfig) Response[json.RawMessage] {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Method = normalizeMethod(cfg.Method)

	if c.deduplicate && cfg.Method == http.MethodGet && cfg.Body == nil {
		key := dedupKey(endpoint, cfg)
		v, _, shared := c.group.Do(key, func() (interface{}, error) {
			return c.request(ctx, endpoint, cfg), nil
		})
		resp := v.(Response[json.RawMessage])
		if shared {
			c.metrics.RecordDeduplicationHit(cfg.Method)
			c.logger.Debug("Deduplication hit", "endpoint", endpoint)
			if resp.Metadata != nil {
				md := *resp.Metadata
				resp.Metadata = &md
			}
			if resp.Data != nil {
				resp.Data = bytes.Clone(resp.Data)
			}
		}
		return resp
	}

	return c.request(ctx, endpoint, cfg)
}

// dedupKey identifies calls that may share one exchange. Call headers are
// keyed by canonical name so map order and case do not matter.
func dedupKey(endpoint string, cfg RequestConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s auth=%t timeout=%s interceptors=%t", cfg.Method, strconv.Quote(endpoint),
		!cfg.SkipAuth, cfg.Timeout, !cfg.SkipInterceptors)
	if cfg.Retry != nil {
		fmt.Fprintf(&b, " retry=%d/%s/%s/%s", cfg.Retry.MaxRetries, cfg.Retry.Delay, cfg.Retry.Backoff, cfg.Retry.MaxDelay)
	}
	names := slices.Sorted(maps.Keys(cfg.Headers))
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%s", strconv.Quote(http.CanonicalHeaderKey(name)), strconv.Quote(cfg.Headers[name]))
	}
	return b.String()
}

func (c *Client) request(ctx context.Context, endpoint string, cfg RequestConfig) (resp Response[json.RawMessage]) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "konduit.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", cfg.Method),
			attribute.String("konduit.endpoint", endpoint),
		))
	defer span.End()

	c.metrics.RecordRequestStart(cfg.Method)
	c.logger.Debug("Starting request", "method", cfg.Method, "endpoint", endpoint)

	defer func() {
		if r := recover(); r != nil {
			info := newErrorInfo(CodeNetwork, fmt.Sprintf("request failed: %v", r), nil)
			info.Path = endpoint
			resp = Failure[json.RawMessage](info)
		}

		duration := c.now().Sub(start)
		c.metrics.RecordRequestEnd(cfg.Method)
		c.metrics.RecordRequest(cfg.Method, resp.Code, duration)
		if resp.Status > 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		}
		if resp.Success {
			span.SetStatus(codes.Ok, "")
		} else {
			c.metrics.RecordError(resp.Code, cfg.Method)
			span.SetStatus(codes.Error, resp.Error)
			span.SetAttributes(attribute.String("konduit.error_code", string(resp.Code)))
		}
		c.logger.Debug("Request finished", "method", cfg.Method, "endpoint", endpoint,
			"success", resp.Success, "code", resp.Code, "status", resp.Status, "duration", duration)
	}()

	if c.validationError != nil {
		var info *ErrorInfo
		if !errors.As(c.validationError, &info) {
			info = newErrorInfo(CodeConfig, c.validationError.Error(), c.validationError)
		}
		info = info.Clone()
		info.Path = endpoint
		return Failure[json.RawMessage](info)
	}

	if !c.monitor.IsOnline() {
		info := newErrorInfo(CodeOffline, offlineMessage, ErrOffline)
		info.Path = endpoint
		return c.failure(info, "")
	}

	effective := cfg.Clone()
	if !effective.SkipInterceptors {
		next, err := runRequestInterceptors(ctx, c.requestInterceptors.Snapshot(), effective)
		if err != nil {
			var info *ErrorInfo
			errors.As(err, &info)
			return c.fail(ctx, effective, endpoint, "", info)
		}
		effective = next
		effective.Method = normalizeMethod(effective.Method)
	}

	base := c.resolver.Resolve(ctx)
	fullURL := joinURL(base, endpoint)
	u, err := url.Parse(fullURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("url %q is not absolute", fullURL)
		}
		info := newErrorInfo(CodeRequestBuild, "invalid request URL", err)
		return c.fail(ctx, effective, endpoint, fullURL, info)
	}

	headers := c.mergeHeaders(ctx, cfg.Headers, effective)
	body, err := encodeBody(effective.Body)
	if err != nil {
		info := newErrorInfo(CodeRequestBuild, "failed to encode request body", err)
		return c.fail(ctx, effective, endpoint, fullURL, info)
	}

	timeout := effective.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	policy := c.retry
	if effective.Retry != nil {
		policy = *effective.Retry
	}

	key := c.keyFunc(effective.Method, u)
	c.lastKey.Store(key)
	method := effective.Method

	attempt := func(actx context.Context) (*Exchange, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(actx, method, fullURL, reader)
		if err != nil {
			return nil, newErrorInfo(CodeRequestBuild, "failed to build request", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		trace.SpanFromContext(actx).AddEvent("attempt")
		res, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()

		c.queue.UpdateFromHeaders(key, res.Header)
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		return &Exchange{
			StatusCode: res.StatusCode,
			Status:     res.Status,
			Header:     res.Header,
			Body:       data,
		}, nil
	}

	var (
		ex      *Exchange
		execErr error
	)
	queueErr := c.queue.Execute(ctx, key, func(tctx context.Context) error {
		span.AddEvent("admitted", trace.WithAttributes(attribute.String("konduit.admission_key", key)))
		ex, execErr = c.executor.Execute(tctx, attempt, timeout, policy)
		return execErr
	})

	if execErr == nil && queueErr != nil {
		execErr = newErrorInfo(CodeNetwork, "Request aborted", queueErr)
	}
	if execErr != nil {
		var info *ErrorInfo
		if !errors.As(execErr, &info) {
			code := classifyTransportError(execErr)
			info = newErrorInfo(code, transportMessage(code), execErr)
		}
		if info.Code == CodeConnection {
			c.resolver.Invalidate()
		}
		return c.fail(ctx, effective, endpoint, fullURL, info)
	}

	span.SetAttributes(attribute.Int("konduit.attempts", ex.Attempts))
	requestID := headers[RequestIDHeader]

	if !ex.OK() {
		return c.fail(ctx, effective, endpoint, fullURL, errorFromExchange(ex))
	}

	result := Response[json.RawMessage]{
		Success: true,
		Status:  ex.StatusCode,
		Metadata: &Metadata{
			RequestID:  requestID,
			Pagination: extractPagination(ex.Body),
		},
	}
	if len(bytes.TrimSpace(ex.Body)) > 0 {
		if !json.Valid(ex.Body) {
			info := newErrorInfo(CodeParse, "Failed to parse response body", nil)
			info.Status = ex.StatusCode
			return c.fail(ctx, effective, endpoint, fullURL, info)
		}
		result.Data = json.RawMessage(ex.Body)
	}

	if effective.SkipInterceptors {
		return result
	}
	result, info := runResponseInterceptors(ctx, c.responseInterceptors.Snapshot(), result)
	if info != nil {
		return c.fail(ctx, effective, endpoint, fullURL, info)
	}
	return result
}

// fail stamps info with request context, routes it through the response
// error hooks unless the call skips interceptors, and builds the Response.
func (c *Client) fail(ctx context.Context, cfg RequestConfig, endpoint, fullURL string, info *ErrorInfo) Response[json.RawMessage] {
	if info == nil {
		info = newErrorInfo(CodeInterceptor, "request interceptor failed", nil)
	}
	info.Path = endpoint
	if fullURL != "" {
		info.URL = fullURL
	}
	if !cfg.SkipInterceptors {
		info = runErrorInterceptors(ctx, c.responseInterceptors.Snapshot(), info)
	}
	return c.failure(info, cfg.Headers[RequestIDHeader])
}

func (c *Client) failure(info *ErrorInfo, requestID string) Response[json.RawMessage] {
	if info.Timestamp.IsZero() {
		info.Timestamp = c.now()
	}
	resp := Failure[json.RawMessage](info)
	resp.Metadata = &Metadata{Timestamp: info.Timestamp, RequestID: requestID}
	return resp
}

// mergeHeaders layers default headers, call headers and credential headers,
// then forces the JSON Accept header. callHeaders are the headers the caller
// passed before interceptors ran. When an interceptor switched SkipAuth on
// after credentials were injected, those headers are taken back out.
func (c *Client) mergeHeaders(ctx context.Context, callHeaders map[string]string, cfg RequestConfig) map[string]string {
	headers := maps.Clone(c.defaultHeaders)
	if headers == nil {
		headers = map[string]string{}
	}
	maps.Copy(headers, cfg.Headers)

	if cfg.SkipAuth {
		for k, v := range cfg.authHeaders {
			if headers[k] != v {
				continue
			}
			if orig, ok := callHeaders[k]; ok {
				headers[k] = orig
			} else if def, ok := c.defaultHeaders[k]; ok {
				headers[k] = def
			} else {
				delete(headers, k)
			}
		}
	} else {
		auth := cfg.authHeaders
		if auth == nil {
			auth = c.credentials.AuthHeaders(ctx)
		}
		maps.Copy(headers, auth)
	}

	headers["Accept"] = "application/json"
	return headers
}

// errorFromExchange builds the ErrorInfo for a non-2xx response. Message,
// code and details come from a JSON body when it has them.
func errorFromExchange(ex *Exchange) *ErrorInfo {
	message := http.StatusText(ex.StatusCode)
	if message == "" {
		message = fmt.Sprintf("Request failed with status %d", ex.StatusCode)
	}
	code := HTTPCode(ex.StatusCode)
	var details any

	if len(ex.Body) > 0 && gjson.ValidBytes(ex.Body) {
		body := gjson.ParseBytes(ex.Body)
		if m := firstString(body, "error.message", "message", "error", "msg"); m != "" {
			message = m
		}
		if cd := firstString(body, "code", "error.code", "errorCode"); cd != "" {
			code = ErrorCode(cd)
		}
		if d := body.Get("details"); d.Exists() {
			details = d.Value()
		} else if d := body.Get("error.details"); d.Exists() {
			details = d.Value()
		}
	}

	info := newErrorInfo(code, message, nil)
	info.Status = ex.StatusCode
	info.Details = details
	return info
}

func firstString(body gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := body.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// extractPagination lifts a pagination object from the body when present.
func extractPagination(body []byte) *Pagination {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	res := gjson.GetManyBytes(body, "pagination", "meta.pagination")
	var p gjson.Result
	for _, r := range res {
		if r.IsObject() {
			p = r
			break
		}
	}
	if !p.Exists() {
		return nil
	}

	out := &Pagination{
		Page:       int(p.Get("page").Int()),
		Limit:      int(p.Get("limit").Int()),
		Total:      int(p.Get("total").Int()),
		TotalPages: int(p.Get("totalPages").Int()),
	}
	if hm := p.Get("hasMore"); hm.Exists() {
		out.HasMore = hm.Bool()
	} else {
		out.HasMore = out.TotalPages > 0 && out.Page < out.TotalPages
	}
	return out
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	case io.Reader:
		return io.ReadAll(b)
	default:
		return json.Marshal(b)
	}
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// AddRequestInterceptor appends ic to the request chain.
func (c *Client) AddRequestInterceptor(ic RequestInterceptor) Handle {
	return c.requestInterceptors.Use(ic)
}

// EjectRequestInterceptor removes a request interceptor by handle.
func (c *Client) EjectRequestInterceptor(h Handle) bool {
	return c.requestInterceptors.Eject(h)
}

// AddResponseInterceptor appends ic to the response chain.
func (c *Client) AddResponseInterceptor(ic ResponseInterceptor) Handle {
	return c.responseInterceptors.Use(ic)
}

// EjectResponseInterceptor removes a response interceptor by handle.
func (c *Client) EjectResponseInterceptor(h Handle) bool {
	return c.responseInterceptors.Eject(h)
}

// RateLimitInfo returns the server rate limit view for the admission key of
// the most recent request.
func (c *Client) RateLimitInfo() RateLimitState {
	key, _ := c.lastKey.Load().(string)
	return c.queue.State(key)
}

// RateLimitInfoFor returns the server rate limit view for key.
func (c *Client) RateLimitInfoFor(key string) RateLimitState {
	return c.queue.State(key)
}

// Credentials returns the credential manager used for auth headers.
func (c *Client) Credentials() *CredentialManager {
	return c.credentials
}

// Monitor returns the connectivity monitor.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// Metrics returns the collector, or nil when metrics are disabled.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// BaseURL resolves the base URL requests currently go to.
func (c *Client) BaseURL(ctx context.Context) string {
	return c.resolver.Resolve(ctx)
}

// IsValid reports whether configuration validation passed.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Close rejects queued requests and releases the connectivity monitor when
// the client created it. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.ownsMonitor {
			c.monitor.Close()
		}
	})
}
