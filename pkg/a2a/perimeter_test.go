package a2a

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/fault"
)

type memNonces struct {
	seen map[string]bool
	err  error
}

func newMemNonces() *memNonces { return &memNonces{seen: make(map[string]bool)} }

func (m *memNonces) PutIfAbsent(ctx context.Context, keyID, nonce string, ttl time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	k := keyID + "/" + nonce
	if m.seen[k] {
		return false, nil
	}
	m.seen[k] = true
	return true, nil
}

func newTestPerimeter(nonces NonceStore, allowUnsignedLive bool) (*Perimeter, time.Time) {
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	p := NewPerimeter(
		StaticKeys(map[string][]byte{"agent-1": []byte("shared-secret")}),
		nonces, 5*time.Minute, 15*time.Minute, allowUnsignedLive,
	).WithClock(func() time.Time { return now })
	return p, now
}

func signedPayload(t *testing.T, now time.Time, nonce string) *Payload {
	t.Helper()
	p := testPayload()
	p.Auth.Nonce = nonce
	p.Auth.Timestamp = now.Unix()
	signed, err := Sign(p, []byte("shared-secret"))
	require.NoError(t, err)
	return signed
}

func TestDisabledModePassesEverything(t *testing.T) {
	p, _ := newTestPerimeter(newMemNonces(), false)
	unsigned := testPayload()
	unsigned.Auth = nil
	assert.NoError(t, p.Authenticate(context.Background(), unsigned, ModeDisabled, false))
}

func TestPermissiveUnsignedDryRun(t *testing.T) {
	p, _ := newTestPerimeter(newMemNonces(), false)
	unsigned := testPayload()
	unsigned.Auth = nil
	assert.NoError(t, p.Authenticate(context.Background(), unsigned, ModePermissive, true))
}

func TestPermissiveUnsignedLiveRejected(t *testing.T) {
	p, _ := newTestPerimeter(newMemNonces(), false)
	unsigned := testPayload()
	unsigned.Auth = nil

	err := p.Authenticate(context.Background(), unsigned, ModePermissive, false)
	require.Error(t, err)
	assert.Equal(t, fault.CodeSignatureInvalid, fault.CodeOf(err))
}

func TestPermissiveUnsignedLiveOverride(t *testing.T) {
	p, _ := newTestPerimeter(newMemNonces(), true)
	unsigned := testPayload()
	unsigned.Auth = nil
	assert.NoError(t, p.Authenticate(context.Background(), unsigned, ModePermissive, false))
}

func TestEnforceRequiresAuthEvenForDryRun(t *testing.T) {
	p, _ := newTestPerimeter(newMemNonces(), false)
	unsigned := testPayload()
	unsigned.Auth = nil

	err := p.Authenticate(context.Background(), unsigned, ModeEnforce, true)
	require.Error(t, err)
	assert.Equal(t, fault.CodeSignatureInvalid, fault.CodeOf(err))
}

func TestEnforceValidSignature(t *testing.T) {
	p, now := newTestPerimeter(newMemNonces(), false)
	signed := signedPayload(t, now, "nonce-00000001")
	assert.NoError(t, p.Authenticate(context.Background(), signed, ModeEnforce, false))
}

func TestEnforceUnknownKey(t *testing.T) {
	p, now := newTestPerimeter(newMemNonces(), false)
	signed := signedPayload(t, now, "nonce-00000001")
	signed.Auth.KeyID = "agent-unknown"

	err := p.Authenticate(context.Background(), signed, ModeEnforce, false)
	require.Error(t, err)
	f := fault.From(err)
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeSignatureInvalid, f.Code)
	assert.Equal(t, "unknown_key", f.Details["reason"])
}

func TestEnforceSignatureMismatch(t *testing.T) {
	p, now := newTestPerimeter(newMemNonces(), false)
	signed := signedPayload(t, now, "nonce-00000001")
	signed.Params["amount"] = "99999"

	err := p.Authenticate(context.Background(), signed, ModeEnforce, false)
	require.Error(t, err)
	f := fault.From(err)
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeSignatureInvalid, f.Code)
	assert.Equal(t, "signature_mismatch", f.Details["reason"])
}

func TestEnforceNonceReplay(t *testing.T) {
	p, now := newTestPerimeter(newMemNonces(), false)
	signed := signedPayload(t, now, "nonce-00000001")

	require.NoError(t, p.Authenticate(context.Background(), signed, ModeEnforce, false))

	err := p.Authenticate(context.Background(), signed, ModeEnforce, false)
	require.Error(t, err)
	f := fault.From(err)
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeNonceReplay, f.Code)
	assert.Equal(t, "nonce_reused", f.Details["reason"])
}

func TestEnforceTimestampSkew(t *testing.T) {
	p, now := newTestPerimeter(newMemNonces(), false)

	stale := testPayload()
	stale.Auth.Timestamp = now.Add(-10 * time.Minute).Unix()
	signed, err := Sign(stale, []byte("shared-secret"))
	require.NoError(t, err)

	authErr := p.Authenticate(context.Background(), signed, ModeEnforce, false)
	require.Error(t, authErr)
	f := fault.From(authErr)
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeNonceReplay, f.Code)
	assert.Equal(t, "timestamp_skew", f.Details["reason"])
}

func TestNonceStoreFailureFailsClosed(t *testing.T) {
	nonces := newMemNonces()
	nonces.err = assert.AnError
	p, now := newTestPerimeter(nonces, false)
	signed := signedPayload(t, now, "nonce-00000001")

	err := p.Authenticate(context.Background(), signed, ModeEnforce, false)
	require.Error(t, err)
	assert.Equal(t, fault.CodeStoreFailure, fault.CodeOf(err))
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"disabled", "permissive", "enforce"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("paranoid")
	assert.Error(t, err)
}
