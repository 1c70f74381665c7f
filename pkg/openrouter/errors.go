package openrouter

import (
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
)

// Fallback for provider errors that only expose the status in their message.
var statusCodePattern = regexp.MustCompile(`(?i)status(?:\s*code)?[=:\s]+(\d{3})`)

// StatusCode extracts the HTTP status of a provider error, or 0 when unknown.
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	if m := statusCodePattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return code
		}
	}
	return 0
}

// IsTransient reports whether err is worth one retry: rate limits, 5xx, and
// network failures that are not the caller's own deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	code := StatusCode(err)
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return true
	}
	if code != 0 {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
