// Package konduit is an outbound request pipeline for JSON APIs. A single
// Client turns "call this endpoint" into a network exchange with:
//
//   - Connectivity awareness (requests fail fast with OFFLINE_ERROR while offline)
//   - Credential injection from a pluggable store, with expiry checked on every read
//   - Ordered request / response interceptors addressed by handle
//   - Per-key admission control honouring a local sliding window and the
//     server's X-RateLimit-* and Retry-After headers
//   - Per-attempt deadlines and retries with linear or exponential backoff
//   - Optional circuit breaker, GET de-duplication and fallback base URLs
//   - Prometheus metrics and OpenTelemetry spans
//
// Every call returns a structured Response; errors never escape as panics or
// bare error values:
//
//	client := konduit.New(
//	    konduit.WithBaseURL("https://api.example.com"),
//	    konduit.WithRetryPolicy(konduit.RetryPolicy{MaxRetries: 2, Delay: 100 * time.Millisecond, Backoff: konduit.BackoffExponential}),
//	)
//	defer client.Close()
//
//	resp := konduit.Call[Project](ctx, client, "/projects/42", konduit.RequestConfig{})
//	if !resp.Success {
//	    log.Printf("%s: %s", resp.Code, resp.Error)
//	}
//
// Endpoint modules depend on the Requester interface rather than on *Client.
// Requests under one admission key run one at a time in FIFO order.
package konduit
