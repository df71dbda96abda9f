package utils

import (
	"context"
	"errors"
	"net"
	"strings"
)

// IsRetryableError reports whether a storage failure is worth retrying.
// Cancellation is never retried; timeouts and dropped connections are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	retryableMessages := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"could not serialize access",
		"deadlock detected",
		"transaction conflict",
	}

	msg := strings.ToLower(err.Error())
	for _, retryable := range retryableMessages {
		if strings.Contains(msg, retryable) {
			return true
		}
	}
	return false
}
