package a2a

import (
	"context"
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/pkg/fault"
)

// Mode selects how strictly the perimeter treats unsigned payloads.
type Mode string

const (
	// ModeDisabled passes every payload. Local development only.
	ModeDisabled Mode = "disabled"
	// ModePermissive admits unsigned payloads for dry-run evaluation;
	// unsigned live execution needs the explicit override.
	ModePermissive Mode = "permissive"
	// ModeEnforce requires a valid signature and replay check on every
	// payload, dry-run included.
	ModeEnforce Mode = "enforce"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDisabled, ModePermissive, ModeEnforce:
		return Mode(s), nil
	}
	return "", fmt.Errorf("a2a: unknown security mode %q", s)
}

// Perimeter verifies execution-plane payloads before they reach the
// orchestrator. Signature failures and replay failures carry distinct
// fault codes so an operator can tell a forged request from a retry.
type Perimeter struct {
	keys   KeyResolver
	nonces NonceStore

	// maxSkew bounds |now - auth.timestamp|; ttl is the replay window a
	// consumed nonce stays poisoned for.
	maxSkew time.Duration
	ttl     time.Duration

	// allowUnsignedLive is the explicit unsigned-live override for
	// permissive mode. Defaults to false and must stay that way unless an
	// operator opts in.
	allowUnsignedLive bool

	clock func() time.Time
}

// NewPerimeter wires the perimeter. ttl should comfortably exceed maxSkew
// so a delayed duplicate cannot outlive its nonce record.
func NewPerimeter(keys KeyResolver, nonces NonceStore, maxSkew, ttl time.Duration, allowUnsignedLive bool) *Perimeter {
	return &Perimeter{
		keys:              keys,
		nonces:            nonces,
		maxSkew:           maxSkew,
		ttl:               ttl,
		allowUnsignedLive: allowUnsignedLive,
		clock:             time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Perimeter) WithClock(clock func() time.Time) *Perimeter {
	p.clock = clock
	return p
}

// Authenticate verifies one payload under the given mode. A nil return
// means the payload may proceed to orchestration.
func (p *Perimeter) Authenticate(ctx context.Context, payload *Payload, mode Mode, dryRun bool) error {
	switch mode {
	case ModeDisabled:
		return nil
	case ModePermissive:
		if payload.Auth == nil {
			if dryRun || p.allowUnsignedLive {
				return nil
			}
			return fault.New(fault.CodeSignatureInvalid,
				"unsigned payload rejected for live execution").
				WithDetail("reason", "unsigned")
		}
	case ModeEnforce:
		if payload.Auth == nil {
			return fault.New(fault.CodeSignatureInvalid, "payload carries no auth block").
				WithDetail("reason", "unsigned")
		}
	default:
		return fmt.Errorf("a2a: unknown security mode %q", mode)
	}

	auth := payload.Auth

	secret, ok := p.keys(auth.KeyID)
	if !ok {
		return fault.New(fault.CodeSignatureInvalid, "unknown key id %q", auth.KeyID).
			WithDetail("keyId", auth.KeyID).
			WithDetail("reason", "unknown_key")
	}

	valid, err := verifySignature(payload, secret)
	if err != nil {
		return fmt.Errorf("a2a: compute signature base: %w", err)
	}
	if !valid {
		return fault.New(fault.CodeSignatureInvalid, "signature mismatch for key %q", auth.KeyID).
			WithDetail("keyId", auth.KeyID).
			WithDetail("reason", "signature_mismatch")
	}

	now := p.clock()
	issued := time.Unix(auth.Timestamp, 0)
	skew := now.Sub(issued)
	if skew < 0 {
		skew = -skew
	}
	if skew > p.maxSkew {
		return fault.New(fault.CodeNonceReplay,
			"timestamp outside the allowed skew window (%s)", p.maxSkew).
			WithDetail("keyId", auth.KeyID).
			WithDetail("reason", "timestamp_skew").
			WithDetail("skewSeconds", int64(skew.Seconds()))
	}

	fresh, err := p.nonces.PutIfAbsent(ctx, auth.KeyID, auth.Nonce, p.ttl)
	if err != nil {
		return fault.New(fault.CodeStoreFailure, "nonce store unavailable: %v", err)
	}
	if !fresh {
		return fault.New(fault.CodeNonceReplay,
			"nonce already consumed for key %q", auth.KeyID).
			WithDetail("keyId", auth.KeyID).
			WithDetail("reason", "nonce_reused")
	}
	return nil
}
