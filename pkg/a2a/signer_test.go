package a2a

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() *Payload {
	return &Payload{
		Version:   Version,
		Operation: "chain.transfer",
		Params: map[string]any{
			"chain":     "ethereum",
			"asset":     "USDC",
			"amount":    "100",
			"recipient": "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		},
		Auth: &Auth{
			KeyID:     "agent-1",
			Nonce:     "nonce-12345678",
			Timestamp: 1770000000,
		},
	}
}

func TestSignAndVerify(t *testing.T) {
	secret := []byte("shared-secret")
	signed, err := Sign(testPayload(), secret)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Auth.Signature)

	ok, err := verifySignature(signed, secret)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed, err := Sign(testPayload(), []byte("shared-secret"))
	require.NoError(t, err)

	ok, err := verifySignature(signed, []byte("other-secret"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsMutatedParams(t *testing.T) {
	signed, err := Sign(testPayload(), []byte("shared-secret"))
	require.NoError(t, err)
	signed.Params["amount"] = "100000"

	ok, err := verifySignature(signed, []byte("shared-secret"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignatureBaseIgnoresFieldOrder(t *testing.T) {
	// Two payloads with identical content produce identical bases even
	// though map iteration order differs between marshals.
	a, err := SignatureBase(testPayload())
	require.NoError(t, err)
	b, err := SignatureBase(testPayload())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSignatureBaseExcludesSignature(t *testing.T) {
	p := testPayload()
	base, err := SignatureBase(p)
	require.NoError(t, err)

	signed, err := Sign(p, []byte("s"))
	require.NoError(t, err)
	baseAfter, err := SignatureBase(signed)
	require.NoError(t, err)
	assert.Equal(t, base, baseAfter)
}

func TestSignRequiresAuth(t *testing.T) {
	p := testPayload()
	p.Auth = nil
	_, err := Sign(p, []byte("s"))
	assert.Error(t, err)
}

func TestStaticKeys(t *testing.T) {
	resolve := StaticKeys(map[string][]byte{"agent-1": []byte("s1")})

	secret, ok := resolve("agent-1")
	require.True(t, ok)
	assert.Equal(t, []byte("s1"), secret)

	_, ok = resolve("agent-2")
	assert.False(t, ok)
}
