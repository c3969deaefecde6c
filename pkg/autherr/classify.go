package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// networkKeywords are message fragments that indicate a transport-level
// failure when no typed network error is available.
var networkKeywords = []string{
	"network",
	"fetch",
	"timeout",
	"timed out",
	"connection",
	"connection refused",
	"no such host",
	"unreachable",
	"dial tcp",
}

// Classify maps a raw error onto the closed taxonomy.
//
// Already-classified errors pass through unchanged. Typed network errors
// (net.Error, url.Error, DNS failures, context deadline) and messages
// matching network heuristics become NetworkError. Remaining errors are
// classified by message inspection; anything unrecognized becomes a
// retryable OAuthFailed.
//
// Classify returns nil for a nil input.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if isNetworkError(err) {
		return New(KindNetworkError, err.Error())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "token") && strings.Contains(msg, "expired"):
		return New(KindTokenExpired, err.Error())
	case strings.Contains(msg, "access") && strings.Contains(msg, "denied"):
		return New(KindAccessDenied, err.Error())
	case strings.Contains(msg, "config") || strings.Contains(msg, "client_id"):
		return New(KindConfigError, err.Error())
	default:
		return New(KindOAuthFailed, err.Error())
	}
}

// ClassifyValue classifies an arbitrary value, such as one recovered from a
// panic. Errors go through Classify; anything else becomes a retryable
// OAuthFailed carrying the stringified value.
func ClassifyValue(v any) *Error {
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return Classify(err)
	}
	return New(KindOAuthFailed, fmt.Sprint(v))
}

// isNetworkError reports whether err is a transport-level failure, checked
// through typed errors first and message heuristics second.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range networkKeywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}

	return false
}
