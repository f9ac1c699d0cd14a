package konduit

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDefaults(t *testing.T) {
	c := New()
	defer c.Close()

	if !c.IsValid() {
		t.Fatalf("Expected default client to be valid: %v", c.ValidationError())
	}
	if c.timeout != DefaultTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultTimeout, c.timeout)
	}
	if c.retry != DefaultRetryPolicy {
		t.Errorf("Expected retry %+v, got %+v", DefaultRetryPolicy, c.retry)
	}
	if c.rateLimit != DefaultRateLimitConfig {
		t.Errorf("Expected rate limit %+v, got %+v", DefaultRateLimitConfig, c.rateLimit)
	}
	if c.defaultHeaders["User-Agent"] != UserAgent() {
		t.Errorf("Expected User-Agent %s, got %s", UserAgent(), c.defaultHeaders["User-Agent"])
	}
	if c.Metrics() != nil {
		t.Error("Expected metrics to be disabled by default")
	}
	if c.requestInterceptors.Len() != 1 || c.responseInterceptors.Len() != 1 {
		t.Error("Expected only the default interceptors")
	}
}

func TestOptionsApply(t *testing.T) {
	httpClient := &http.Client{Timeout: time.Minute}
	store := NewMemoryCredentialStore()
	reg := prometheus.NewRegistry()

	c := New(
		WithBaseURL("https://api.example.com"),
		WithFallbackBaseURLs("https://eu.example.com"),
		WithHealthPath("/status"),
		WithTimeout(5*time.Second),
		WithMaxRetries(1),
		WithRateLimit(RateLimitConfig{Enabled: true, RequestsPerMinute: 30, Burst: 3}),
		WithAdmissionKeyFunc(RouteAdmissionKey),
		WithDefaultHeaders(map[string]string{"X-Tenant": "acme"}),
		WithHTTPClient(httpClient),
		WithCredentialStore(store),
		WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3}),
		WithDeduplication(),
		WithAuthExemptEndpoints("/otp"),
		WithMetricsRegistry(reg),
	)
	defer c.Close()

	if !c.IsValid() {
		t.Fatalf("Expected valid client: %v", c.ValidationError())
	}
	if got := c.resolver.Candidates(); len(got) != 2 || got[1] != "https://eu.example.com" {
		t.Errorf("Unexpected candidates %v", got)
	}
	if c.resolver.healthPath != "/status" {
		t.Errorf("Expected health path /status, got %s", c.resolver.healthPath)
	}
	if c.retry.MaxRetries != 1 || c.retry.Delay != DefaultRetryPolicy.Delay {
		t.Errorf("Expected only MaxRetries to change, got %+v", c.retry)
	}
	if c.queue.Config().RequestsPerMinute != 30 {
		t.Errorf("Expected 30 rpm, got %d", c.queue.Config().RequestsPerMinute)
	}
	if c.defaultHeaders["X-Tenant"] != "acme" || c.defaultHeaders["Accept"] != "application/json" {
		t.Errorf("Unexpected default headers %v", c.defaultHeaders)
	}
	if c.httpClient != httpClient {
		t.Error("Expected custom HTTP client")
	}
	if c.breaker == nil || c.executor.breaker != c.breaker {
		t.Error("Expected circuit breaker wired into the executor")
	}
	if !c.deduplicate {
		t.Error("Expected deduplication")
	}
	if len(c.authExempt) != 1 || c.authExempt[0] != "/otp" {
		t.Errorf("Unexpected exempt endpoints %v", c.authExempt)
	}
	if c.Metrics() == nil || c.Metrics().Registerer() != prometheus.Registerer(reg) {
		t.Error("Expected metrics on the supplied registry")
	}
	if c.credentials.store != CredentialStore(store) {
		t.Error("Expected credential manager on the supplied store")
	}
}

func TestWithoutRateLimit(t *testing.T) {
	c := New(WithRateLimit(RateLimitConfig{Enabled: true, RequestsPerMinute: -1}), WithoutRateLimit())
	defer c.Close()

	if !c.IsValid() {
		t.Errorf("Disabled rate limit should skip its validation: %v", c.ValidationError())
	}
	if c.queue.Config().Enabled {
		t.Error("Expected admission to be disabled")
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		problem string
	}{
		{"nil http client", []Option{WithHTTPClient(nil)}, "HTTP client cannot be nil"},
		{"zero timeout", []Option{WithTimeout(0)}, "timeout must be positive"},
		{"bad scheme", []Option{WithBaseURL("ftp://files.example.com")}, "baseURL must use http or https"},
		{"no host", []Option{WithBaseURL("https://")}, "baseURL must include a host"},
		{"fallback without primary", []Option{WithFallbackBaseURLs("https://eu.example.com")}, "require a primary baseURL"},
		{"bad fallback", []Option{WithBaseURL("https://api.example.com"), WithFallbackBaseURLs("eu.example.com")}, "fallbackURLs[0]"},
		{"health path", []Option{WithHealthPath("health")}, "healthPath must start with /"},
		{"negative retries", []Option{WithMaxRetries(-1)}, "maxRetries must be non-negative"},
		{"negative delay", []Option{WithRetryPolicy(RetryPolicy{Delay: -time.Second})}, "retry delay must be non-negative"},
		{"unknown backoff", []Option{WithRetryPolicy(RetryPolicy{Backoff: "fibonacci"})}, "unknown backoff"},
		{"zero rpm", []Option{WithRateLimit(RateLimitConfig{Enabled: true})}, "requestsPerMinute must be positive"},
		{"negative burst", []Option{WithRateLimit(RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: -1})}, "burst must be non-negative"},
		{"nil key func", []Option{WithAdmissionKeyFunc(nil)}, "admission key function cannot be nil"},
		{"breaker timeout", []Option{WithCircuitBreaker(CircuitBreakerConfig{RecoveryTimeout: -time.Second})}, "RecoveryTimeout must be non-negative"},
		{"empty interceptor", []Option{WithRequestInterceptor(RequestInterceptor{Name: "noop"})}, "requestInterceptor[0] has no hooks"},
		{"empty response interceptor", []Option{WithResponseInterceptor(ResponseInterceptor{})}, "responseInterceptor[0] has no hooks"},
		{"too many retries", []Option{WithMaxRetries(101)}, "maxRetries > 100"},
		{"huge delay", []Option{WithRetryPolicy(RetryPolicy{Delay: time.Hour})}, "retry delay > 10m"},
		{"huge timeout", []Option{WithTimeout(2 * time.Hour)}, "timeout > 1h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.opts...)
			defer c.Close()

			err := c.ValidationError()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var info *ErrorInfo
			if !errors.As(err, &info) || info.Code != CodeConfig {
				t.Fatalf(expectedCodeMsg, CodeConfig, CodeOf(err))
			}
			problems, _ := info.Details.([]string)
			found := false
			for _, p := range problems {
				if strings.Contains(p, tt.problem) {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected a problem containing %q, got %v", tt.problem, problems)
			}
		})
	}
}
