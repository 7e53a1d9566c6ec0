// Package retrypolicy classifies remote failures as transient or
// terminal and retries transient ones with per-remote exponential
// backoff. Terminal errors, schema failures, and cost-limit refusals are
// never retried.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/mintline/mintline/pkg/costgov"
)

// StatusError carries an HTTP status from a remote. Clients wrap
// non-2xx responses in this type so classification is structural rather
// than string matching.
type StatusError struct {
	Remote     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Remote, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: status %d %s", e.Remote, e.StatusCode, http.StatusText(e.StatusCode))
}

// SchemaError marks a structurally invalid remote payload: the call
// happened, the bytes arrived, and they do not conform. Retrying the
// same request buys nothing.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return "schema validation failed: " + e.Err.Error() }

func (e *SchemaError) Unwrap() error { return e.Err }

// Transient reports whether err is worth retrying.
//
// Transient: network timeouts, connection resets, HTTP 429 and 5xx, and
// deadline overruns on the call's own timeout. Terminal: the remaining
// 4xx family, schema failures, cost-limit refusals, and cancellation.
// Unknown errors are terminal; retrying blind is not safe.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var costErr *costgov.CostLimitError
	if errors.As(err, &costErr) {
		return false
	}
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	// A per-call deadline overrun is a slow remote, not a broken request.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return isConnectionError(err)
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
		"i/o timeout",
	}
	for _, e := range connectionErrors {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}
