// Package retry classifies scrape failures and computes retry backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the failure class of a scrape error.
type Kind string

// Failure classes. Only network, timeout and rate-limit failures are retried.
const (
	KindNetwork    Kind = "network_error"
	KindTimeout    Kind = "timeout_error"
	KindRateLimit  Kind = "rate_limit_error"
	KindValidation Kind = "validation_error"
	KindExtraction Kind = "extraction_error"
	KindCache      Kind = "cache_error"
	KindUnknown    Kind = "unknown_error"
)

type classInfo struct {
	code      string
	message   string
	retryable bool
}

var classes = map[Kind]classInfo{
	KindNetwork:    {"NETWORK_ERROR", "The target site could not be reached. The request will be retried.", true},
	KindTimeout:    {"TIMEOUT", "The target site took too long to respond.", true},
	KindRateLimit:  {"RATE_LIMITED", "Too many requests to this site. Please wait before trying again.", true},
	KindValidation: {"INVALID_REQUEST", "The scrape request is invalid.", false},
	KindExtraction: {"EXTRACTION_FAILED", "No usable content could be extracted from the page.", false},
	KindCache:      {"CACHE_ERROR", "The result cache is unavailable.", false},
	KindUnknown:    {"INTERNAL_ERROR", "An unexpected error occurred.", false},
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool { return classes[k].retryable }

// Error is a classified failure. Message is safe to show to callers; Err
// holds the underlying cause for logs only.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

// New builds a classified error of kind k wrapping err.
func New(k Kind, err error) *Error {
	info, ok := classes[k]
	if !ok {
		k = KindUnknown
		info = classes[KindUnknown]
	}
	return &Error{Kind: k, Code: info.code, Message: info.message, Retryable: info.retryable, Err: err}
}

// Newf builds a classified error with a formatted cause.
func Newf(k Kind, format string, args ...any) *Error {
	return New(k, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can write
// errors.Is(err, retry.New(retry.KindTimeout, nil)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Classify maps any error onto the failure taxonomy. Already classified
// errors are returned as-is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(KindTimeout, err)
		}
		return New(KindNetwork, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return New(KindNetwork, err)
	}
	return New(kindFromMessage(strings.ToLower(err.Error())), err)
}

func kindFromMessage(msg string) Kind {
	switch {
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(msg, "429", "rate limit", "too many requests"):
		return KindRateLimit
	case containsAny(msg, "connection refused", "connection reset", "no such host",
		"econnrefused", "econnreset", "enotfound", "network", "eof", "503", "502", "504"):
		return KindNetwork
	case containsAny(msg, "invalid", "validation", "malformed", "unsupported"):
		return KindValidation
	case containsAny(msg, "extract", "parse", "no content", "empty content"):
		return KindExtraction
	case strings.Contains(msg, "cache"):
		return KindCache
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
