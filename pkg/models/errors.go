package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a gateway failure. Every request that fails produces
// exactly one of these; the transport maps them to wire error events.
type ErrorKind string

const (
	KindAdmissionDenied   ErrorKind = "admission_denied"
	KindBanned            ErrorKind = "banned"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindUnsupportedModel  ErrorKind = "unsupported_model"
	KindRateLimited       ErrorKind = "rate_limited"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamFatal     ErrorKind = "upstream_fatal"
	KindConnectionLost    ErrorKind = "connection_lost"
)

// GatewayError is the typed error carried through the gateway. RetryAfter is
// set for rate-limit style denials, Until for bans.
type GatewayError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Until      time.Time
	cause      error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// NewAdmissionDenied reports a rate-limit denial from admission control.
func NewAdmissionDenied(retryAfter time.Duration) *GatewayError {
	return &GatewayError{Kind: KindAdmissionDenied, Message: "request rate limit exceeded", RetryAfter: retryAfter}
}

// NewBanned reports a firewall ban in effect until the given time.
func NewBanned(until time.Time) *GatewayError {
	return &GatewayError{Kind: KindBanned, Message: "client banned", Until: until}
}

// NewQuotaExceeded reports that the user's entitlement is exhausted.
func NewQuotaExceeded(userID string) *GatewayError {
	return &GatewayError{Kind: KindQuotaExceeded, Message: "quota exhausted for user " + userID}
}

// NewUnsupportedModel reports a caller-facing model alias with no mapping.
func NewUnsupportedModel(model string) *GatewayError {
	return &GatewayError{Kind: KindUnsupportedModel, Message: "unknown model " + model}
}

// NewRateLimited reports the proxy-level per-key upstream limiter denial.
func NewRateLimited(retryAfter time.Duration) *GatewayError {
	return &GatewayError{Kind: KindRateLimited, Message: "upstream call rate exceeded", RetryAfter: retryAfter}
}

// NewUpstreamTransient wraps a retryable upstream failure. Never surfaced to
// callers unless retries are exhausted.
func NewUpstreamTransient(err error) *GatewayError {
	return &GatewayError{Kind: KindUpstreamTransient, Message: "transient upstream failure", cause: err}
}

// NewUpstreamFatal wraps a non-retryable upstream failure (or exhausted
// retries of a transient one).
func NewUpstreamFatal(err error) *GatewayError {
	return &GatewayError{Kind: KindUpstreamFatal, Message: "upstream failure", cause: err}
}

// KindOf extracts the ErrorKind from err, or KindUpstreamFatal for errors
// that did not originate in the gateway taxonomy.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUpstreamFatal
}

// IsTransient reports whether err should be retried internally.
func IsTransient(err error) bool {
	return KindOf(err) == KindUpstreamTransient
}

// AsGatewayError returns the *GatewayError in err's chain, or nil.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}
