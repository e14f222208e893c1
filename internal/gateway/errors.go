package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// GatewayError is a failed payout call. Transient failures may succeed on
// a later payment run; the processor records the flag on the payment item.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Cause      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("swish payout failed")
	if e.StatusCode > 0 || e.Code != "" {
		b.WriteString(" (")
		if e.StatusCode > 0 {
			fmt.Fprintf(&b, "status %d", e.StatusCode)
		}
		if code := strings.TrimSpace(e.Code); code != "" {
			if e.StatusCode > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "code %s", code)
		}
		b.WriteString(")")
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func invalidRequest(format string, args ...any) *GatewayError {
	return &GatewayError{Message: fmt.Sprintf(format, args...)}
}

// transportError wraps a failure before any HTTP status was received. Only
// a caller cancellation is final.
func transportError(err error) *GatewayError {
	return &GatewayError{
		Message:   "payout request failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

// statusError is a non-2xx answer. 429 and 5xx are retried by a later run.
func statusError(statusCode int, code string, body string) *GatewayError {
	message := fmt.Sprintf("gateway returned status %d", statusCode)
	if body = strings.TrimSpace(body); body != "" {
		message += ": " + body
	}
	return &GatewayError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Transient:  statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError,
	}
}

// declinedError is a 2xx answer whose payout status is ERROR or DECLINED.
func declinedError(statusCode int, status string, code string, message string) *GatewayError {
	return &GatewayError{
		StatusCode: statusCode,
		Code:       code,
		Message:    fmt.Sprintf("payout %s: %s", strings.ToLower(status), message),
	}
}

// IsTransient reports whether a payout failure may succeed on a later run.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Transient
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
