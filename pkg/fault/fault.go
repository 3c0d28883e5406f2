// Package fault defines the closed taxonomy of failure kinds surfaced by the
// execution core. Every terminal failure is a structured {code, message,
// details} triple; nothing is collapsed into a bare string or boolean.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies the failure kind.
type Code string

const (
	// CodePolicyViolation: denied before any side effect. Never retried.
	CodePolicyViolation Code = "POLICY_VIOLATION"
	// CodeIdempotencyReplayed: informational, the stored outcome was reused.
	CodeIdempotencyReplayed Code = "IDEMPOTENCY_REPLAYED"
	// CodeBreakerOpen: the scope is unhealthy; back off until cooldown.
	CodeBreakerOpen Code = "CIRCUIT_BREAKER_OPEN"
	// CodeRouteNotSupported: structural; requires caller-side decomposition.
	CodeRouteNotSupported Code = "ROUTE_NOT_SUPPORTED"
	// CodeSignatureInvalid: the A2A signature did not verify.
	CodeSignatureInvalid Code = "A2A_SIGNATURE_INVALID"
	// CodeNonceReplay: the (keyId, nonce) pair was already consumed, or the
	// timestamp fell outside the allowed skew window.
	CodeNonceReplay Code = "A2A_NONCE_REPLAY"
	// CodeRateLimited: the inbound plane refused the request before any
	// processing; retry after backing off.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeInvalidPayload: the inbound envelope did not parse or failed
	// schema validation; rejected before any policy ran.
	CodeInvalidPayload Code = "INVALID_PAYLOAD"
	// CodeConnectorFailure: the connector reported or timed out an attempt.
	CodeConnectorFailure Code = "CONNECTOR_FAILURE"
	// CodeStoreFailure: a backing store failed; the request fails closed.
	CodeStoreFailure Code = "STORE_FAILURE"
)

// Fault is a structured failure. It implements error so it can flow through
// ordinary error returns while keeping its code and details intact.
type Fault struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// New creates a Fault with the given code and formatted message.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail entry and returns the fault for chaining.
func (f *Fault) WithDetail(key string, value any) *Fault {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
	return f
}

// From extracts the Fault from an error chain, or nil if none is present.
func From(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// CodeOf returns the fault code carried by err, or the empty Code.
func CodeOf(err error) Code {
	if f := From(err); f != nil {
		return f.Code
	}
	return ""
}
