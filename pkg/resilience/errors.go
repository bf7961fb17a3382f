// Package resilience provides the failure-handling layer shared by all
// source traffic: error classification into a closed taxonomy, per-kind
// backoff with jitter, and per-source circuit breakers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind categorizes every failure surfaced by an adapter call or by
// the pipeline around it. Each error maps to exactly one kind.
type ErrorKind int

const (
	// KindRateLimit marks HTTP 429 and explicit rate-limit responses.
	KindRateLimit ErrorKind = iota
	// KindNetwork marks timeouts, resets, and DNS failures.
	KindNetwork
	// KindAPI marks 5xx responses and unexpected 4xx responses.
	KindAPI
	// KindParse marks record-shape mismatches in a source response.
	KindParse
	// KindValidation marks invalid task inputs.
	KindValidation
	// KindPermanent marks 400/401/403/404 responses.
	KindPermanent
	// KindCircuitOpen marks calls short-circuited by an open breaker.
	KindCircuitOpen
	// KindCache marks page-cache failures.
	KindCache
	// KindInternal marks invariant violations; fail fast, never swallow.
	KindInternal
)

// String returns the canonical taxonomy name.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindNetwork:
		return "NETWORK"
	case KindAPI:
		return "API"
	case KindParse:
		return "PARSE"
	case KindValidation:
		return "VALIDATION"
	case KindPermanent:
		return "PERMANENT"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	case KindCache:
		return "CACHE"
	case KindInternal:
		return "INTERNAL"
	default:
		return "API"
	}
}

// Retryable reports whether a worker may reattempt after this kind of
// failure. CIRCUIT_OPEN is retryable but handled outside the attempt
// counter: the worker waits for the half-open window instead.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindAPI, KindCircuitOpen:
		return true
	default:
		return false
	}
}

// ClassifiedError tags an underlying error with its kind, the source it
// came from, and transport context useful for backoff decisions.
type ClassifiedError struct {
	Kind       ErrorKind
	Source     string
	Err        error
	StatusCode int
	RetryAfter time.Duration
	At         time.Time
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %v", e.Source, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the tagged kind permits a reattempt.
func (e *ClassifiedError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewError tags err with a kind and source.
func NewError(kind ErrorKind, source string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Source: source, Err: err, At: time.Now()}
}

// Errorf tags a formatted message with a kind and source.
func Errorf(kind ErrorKind, source, format string, args ...interface{}) *ClassifiedError {
	return NewError(kind, source, fmt.Errorf(format, args...))
}

// FromHTTPStatus maps an HTTP response status to the taxonomy: 429 is a
// rate limit, 400/401/403/404 are permanent, everything else unexpected is
// an API failure. retryAfter carries the server's Retry-After hint, zero
// when absent.
func FromHTTPStatus(source string, status int, retryAfter time.Duration, err error) *ClassifiedError {
	ce := NewError(KindAPI, source, err)
	ce.StatusCode = status
	switch {
	case status == 429:
		ce.Kind = KindRateLimit
		ce.RetryAfter = retryAfter
	case status == 400 || status == 401 || status == 403 || status == 404:
		ce.Kind = KindPermanent
	}
	return ce
}

// Classify maps an arbitrary error from an adapter call to exactly one
// kind. Already-classified errors pass through unchanged; transport-level
// failures become NETWORK; everything unrecognized is treated as an API
// failure with bounded retries.
func Classify(source string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) || isNetworkError(err) {
		return NewError(KindNetwork, source, err)
	}
	if errors.Is(err, context.Canceled) {
		// Workers observe cancellation before classifying; reaching this
		// branch means a shutdown raced an in-flight call.
		return NewError(KindInternal, source, err)
	}

	return NewError(KindAPI, source, err)
}

// KindOf extracts the kind from a classified error chain, or KindAPI when
// the error was never classified.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindAPI
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Kind == kind
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
