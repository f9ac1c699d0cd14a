package konduit

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// WithBaseURL sets the base every endpoint is resolved against
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithFallbackBaseURLs sets bases tried, in order, when the primary fails its
// health probe
func WithFallbackBaseURLs(urls ...string) Option {
	return func(c *Client) {
		c.fallbackURLs = append(c.fallbackURLs, urls...)
	}
}

// WithHealthPath sets the path probed when choosing among base URLs
func WithHealthPath(path string) Option {
	return func(c *Client) {
		c.healthPath = path
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRetryPolicy sets the default retry policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.retry.MaxRetries = n
	}
}

// WithRateLimit sets the admission limits
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(c *Client) {
		c.rateLimit = cfg
	}
}

// WithoutRateLimit disables admission control; requests run directly
func WithoutRateLimit() Option {
	return func(c *Client) {
		c.rateLimit.Enabled = false
	}
}

// WithAdmissionKeyFunc sets how requests are grouped for admission
func WithAdmissionKeyFunc(fn AdmissionKeyFunc) Option {
	return func(c *Client) {
		c.keyFunc = fn
	}
}

// WithDefaultHeaders adds headers sent with every request
func WithDefaultHeaders(headers map[string]string) Option {
	return func(c *Client) {
		if c.defaultHeaders == nil {
			c.defaultHeaders = map[string]string{}
		}
		maps.Copy(c.defaultHeaders, headers)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCredentialStore sets where the credential manager persists credentials
func WithCredentialStore(store CredentialStore) Option {
	return func(c *Client) {
		c.credentialStore = store
	}
}

// WithCredentialManager shares an existing credential manager
func WithCredentialManager(m *CredentialManager) Option {
	return func(c *Client) {
		c.credentials = m
	}
}

// WithMonitor shares an existing connectivity monitor; the client does not
// close it
func WithMonitor(m *Monitor) Option {
	return func(c *Client) {
		c.monitor = m
	}
}

// WithConnectivitySource builds the client's monitor on src
func WithConnectivitySource(src EventSource) Option {
	return func(c *Client) {
		c.connectivitySource = src
	}
}

// WithCircuitBreaker sets the circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = &config
	}
}

// WithDeduplication enables request deduplication for concurrent identical GETs
func WithDeduplication() Option {
	return func(c *Client) {
		c.deduplicate = true
	}
}

// WithRequestInterceptor registers a request interceptor after the default one
func WithRequestInterceptor(ic RequestInterceptor) Option {
	return func(c *Client) {
		c.extraRequest = append(c.extraRequest, ic)
	}
}

// WithResponseInterceptor registers a response interceptor after the default one
func WithResponseInterceptor(ic ResponseInterceptor) Option {
	return func(c *Client) {
		c.extraResponse = append(c.extraResponse, ic)
	}
}

// WithAuthFailureHandler sets the callback raised when an auth failure clears
// the credential
func WithAuthFailureHandler(fn func(ErrorInfo)) Option {
	return func(c *Client) {
		c.authFailureHandler = fn
	}
}

// WithAuthExemptEndpoints replaces the endpoint substrings whose auth failures
// leave the credential in place
func WithAuthExemptEndpoints(patterns ...string) Option {
	return func(c *Client) {
		c.authExempt = append([]string(nil), patterns...)
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsRegistry enables metrics on a specific registerer
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollectorWithRegistry(registry)
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider; the global one is
// used otherwise
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateTransportConfig()...)
	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimitConfig()...)
	problems = append(problems, c.validateCircuitBreakerConfig()...)
	problems = append(problems, c.validateInterceptorConfig()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		info := newErrorInfo(CodeConfig, "configuration validation failed", fmt.Errorf("validation errors: %v", problems))
		info.Details = problems
		return info
	}

	return nil
}

// validateTransportConfig validates URLs, the HTTP client and timeouts
func (c *Client) validateTransportConfig() []string {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}

	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}

	if c.baseURL != "" {
		if msg := checkBaseURL("baseURL", c.baseURL); msg != "" {
			problems = append(problems, msg)
		}
	}
	for i, u := range c.fallbackURLs {
		if msg := checkBaseURL(fmt.Sprintf("fallbackURLs[%d]", i), u); msg != "" {
			problems = append(problems, msg)
		}
	}
	if len(c.fallbackURLs) > 0 && c.baseURL == "" {
		problems = append(problems, "fallback base URLs require a primary baseURL")
	}

	if c.healthPath != "" && !strings.HasPrefix(c.healthPath, "/") {
		problems = append(problems, "healthPath must start with /")
	}

	return problems
}

func checkBaseURL(name, raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("%s is not a valid URL: %v", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("%s must use http or https", name)
	}
	if u.Host == "" {
		return fmt.Sprintf("%s must include a host", name)
	}
	return ""
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.retry.MaxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}

	if c.retry.Delay < 0 {
		problems = append(problems, "retry delay must be non-negative")
	}

	if c.retry.MaxDelay < 0 {
		problems = append(problems, "retry maxDelay must be non-negative")
	}

	switch c.retry.Backoff {
	case BackoffLinear, BackoffExponential, "":
	default:
		problems = append(problems, fmt.Sprintf("unknown backoff %q (want linear or exponential)", c.retry.Backoff))
	}

	return problems
}

// validateRateLimitConfig validates admission limits
func (c *Client) validateRateLimitConfig() []string {
	var problems []string

	if !c.rateLimit.Enabled {
		return problems
	}
	if c.rateLimit.RequestsPerMinute <= 0 {
		problems = append(problems, "rateLimit requestsPerMinute must be positive when enabled")
	}
	if c.rateLimit.Burst < 0 {
		problems = append(problems, "rateLimit burst must be non-negative")
	}
	if c.keyFunc == nil {
		problems = append(problems, "admission key function cannot be nil")
	}

	return problems
}

// validateCircuitBreakerConfig validates circuit breaker configuration
func (c *Client) validateCircuitBreakerConfig() []string {
	var problems []string

	if c.breakerConfig != nil {
		if c.breakerConfig.RecoveryTimeout < 0 {
			problems = append(problems, "circuitBreaker RecoveryTimeout must be non-negative")
		}
		if c.breakerConfig.Interval < 0 {
			problems = append(problems, "circuitBreaker Interval must be non-negative")
		}
	}

	return problems
}

// validateInterceptorConfig validates interceptors registered through options
func (c *Client) validateInterceptorConfig() []string {
	var problems []string

	for i, ic := range c.extraRequest {
		if ic.OnRequest == nil && ic.OnError == nil {
			problems = append(problems, fmt.Sprintf("requestInterceptor[%d] has no hooks", i))
		}
	}
	for i, ic := range c.extraResponse {
		if ic.OnResponse == nil && ic.OnError == nil {
			problems = append(problems, fmt.Sprintf("responseInterceptor[%d] has no hooks", i))
		}
	}

	return problems
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.retry.MaxRetries > 100 {
		problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
	}

	if c.retry.Delay > 10*time.Minute {
		problems = append(problems, "retry delay > 10m may cause excessive delays")
	}

	if c.timeout > time.Hour {
		problems = append(problems, "timeout > 1h is not supported")
	}

	return problems
}
