package konduit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrorCode is the enum-like code carried by failed responses.
type ErrorCode string

const (
	CodeOffline      ErrorCode = "OFFLINE_ERROR"
	CodeTimeout      ErrorCode = "TIMEOUT_ERROR"
	CodeConnection   ErrorCode = "CONNECTION_ERROR"
	CodeNetwork      ErrorCode = "NETWORK_ERROR"
	CodeParse        ErrorCode = "PARSE_ERROR"
	CodeInterceptor  ErrorCode = "INTERCEPTOR_ERROR"
	CodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN_ERROR"
	CodeConfig       ErrorCode = "CONFIG_ERROR"
	CodeRequestBuild ErrorCode = "REQUEST_BUILD_ERROR"
)

// Sentinel errors for common failure scenarios
var (
	// ErrOffline is the cause attached to OFFLINE_ERROR responses
	ErrOffline = errors.New("konduit: no internet connection available")

	// ErrCircuitOpen is returned when the circuit breaker rejects an attempt
	ErrCircuitOpen = errors.New("konduit: circuit open")

	// ErrNoCredential is returned by token lookups when nothing valid is stored
	ErrNoCredential = errors.New("konduit: no credential")

	// ErrQueueClosed settles tasks still queued when the admission queue closes
	ErrQueueClosed = errors.New("konduit: admission queue closed")
)

// HTTPCode returns the HTTP_<status> code for a response status.
func HTTPCode(status int) ErrorCode {
	return ErrorCode("HTTP_" + strconv.Itoa(status))
}

// Status extracts the HTTP status from an HTTP_<status> code, or 0.
func (c ErrorCode) Status() int {
	s, ok := strings.CutPrefix(string(c), "HTTP_")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Retryable reports whether a failure with this code may succeed on another
// attempt: transport failures and 5xx responses.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeTimeout, CodeConnection, CodeNetwork:
		return true
	}
	return c.Status() >= 500
}

// ErrorInfo describes a failed exchange. It travels through error
// interceptors and ends up in the Response.
type ErrorInfo struct {
	Message   string    `json:"error"`
	Code      ErrorCode `json:"code"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    int       `json:"status,omitempty"`
	Cause     error     `json:"-"`
}

func newErrorInfo(code ErrorCode, message string, cause error) *ErrorInfo {
	return &ErrorInfo{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Error implements error interface.
func (e *ErrorInfo) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ErrorInfo) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *ErrorInfo by code.
func (e *ErrorInfo) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*ErrorInfo); ok {
		return e.Code == t.Code
	}
	return false
}

// Clone returns a shallow copy, so hooks can rewrite fields safely.
func (e *ErrorInfo) Clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// IsRetryable determines if an error represents a transient failure that
// might succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code.Retryable()
	}
	return classifyTransportError(err).Retryable()
}

// CodeOf returns the ErrorCode carried by err, classifying plain transport
// errors on the way.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code
	}
	if errors.Is(err, ErrCircuitOpen) {
		return CodeCircuitOpen
	}
	return classifyTransportError(err)
}

// classifyTransportError maps a net/http transport failure to a code.
func classifyTransportError(err error) ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CodeConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return CodeTimeout
	}
	return CodeNetwork
}

func transportMessage(code ErrorCode) string {
	switch code {
	case CodeTimeout:
		return "Request timed out"
	case CodeConnection:
		return "Unable to connect to server"
	case CodeCircuitOpen:
		return "Service temporarily unavailable"
	default:
		return "Network request failed"
	}
}
