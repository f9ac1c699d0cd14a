// Package health is the endpoint module for the API's health check.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/ambiyansyah-risyal/konduit"
)

// DefaultPath is the health endpoint.
const DefaultPath = konduit.DefaultHealthPath

// Status is the decoded health payload.
type Status struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Uptime    float64           `json:"uptime,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	Services  map[string]string `json:"services,omitempty"`
}

// Healthy reports an "ok"/"healthy" status.
func (s Status) Healthy() bool {
	switch s.Status {
	case "ok", "OK", "healthy", "up", "UP":
		return true
	}
	return false
}

// Service calls the health endpoint through a Requester.
type Service struct {
	requester konduit.Requester
	path      string
	timeout   time.Duration
}

// NewService creates a Service on r. An empty path uses DefaultPath.
func NewService(r konduit.Requester, path string) *Service {
	if path == "" {
		path = DefaultPath
	}
	return &Service{requester: r, path: path, timeout: 10 * time.Second}
}

// Check fetches the health status. Health checks never carry credentials
// and are not retried.
func (s *Service) Check(ctx context.Context) konduit.Response[Status] {
	return konduit.Call[Status](ctx, s.requester, s.path, konduit.RequestConfig{
		Method:   http.MethodGet,
		Timeout:  s.timeout,
		SkipAuth: true,
		Retry:    &konduit.RetryPolicy{MaxRetries: 0},
	})
}
