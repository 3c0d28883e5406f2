package a2a

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tidemark-io/tidemark/pkg/canonical"
)

// KeyResolver maps a key id to its shared secret. Key material lives with
// the caller (config/env); this package only consumes it.
type KeyResolver func(keyID string) (secret []byte, ok bool)

// StaticKeys builds a KeyResolver from a fixed map.
func StaticKeys(keys map[string][]byte) KeyResolver {
	return func(keyID string) ([]byte, bool) {
		secret, ok := keys[keyID]
		return secret, ok
	}
}

// SignatureBase returns the canonical bytes a signature covers: the whole
// envelope with auth.signature blanked. Field order of the incoming JSON is
// irrelevant because the base is RFC 8785 canonical.
func SignatureBase(p *Payload) ([]byte, error) {
	clone := *p
	if p.Auth != nil {
		auth := *p.Auth
		auth.Signature = ""
		clone.Auth = &auth
	}
	return canonical.JCS(&clone)
}

// Sign computes the hex HMAC-SHA256 signature for the payload and returns
// a copy with auth.signature set. The payload must already carry auth
// metadata (keyId, nonce, timestamp).
func Sign(p *Payload, secret []byte) (*Payload, error) {
	if p.Auth == nil {
		return nil, fmt.Errorf("a2a: cannot sign payload without auth metadata")
	}
	base, err := SignatureBase(p)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(base)

	signed := *p
	auth := *p.Auth
	auth.Signature = hex.EncodeToString(mac.Sum(nil))
	signed.Auth = &auth
	return &signed, nil
}

// verifySignature recomputes the expected signature and compares in
// constant time.
func verifySignature(p *Payload, secret []byte) (bool, error) {
	base, err := SignatureBase(p)
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(base)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(p.Auth.Signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(expected, got), nil
}
