package idempotency

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/intent"
)

func sampleIntent(chain, asset, amount string) *intent.Intent {
	return &intent.Intent{
		Action: intent.ActionTransfer,
		Transfer: &intent.Transfer{
			Chain:     chain,
			Asset:     asset,
			Amount:    amount,
			Recipient: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		},
	}
}

func TestKeyDeterministic(t *testing.T) {
	a, err := Key(sampleIntent("ethereum", "USDC", "100"), "p1")
	require.NoError(t, err)
	b, err := Key(sampleIntent("ethereum", "USDC", "100"), "p1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)
}

func TestKeyChangesWithPolicyVersion(t *testing.T) {
	a, err := Key(sampleIntent("ethereum", "USDC", "100"), "p1")
	require.NoError(t, err)
	b, err := Key(sampleIntent("ethereum", "USDC", "100"), "p2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKeyChangesWithIntent(t *testing.T) {
	a, err := Key(sampleIntent("ethereum", "USDC", "100"), "p1")
	require.NoError(t, err)
	b, err := Key(sampleIntent("ethereum", "USDC", "100.0"), "p1")
	require.NoError(t, err)
	// "100" and "100.0" are different canonical strings, so different keys.
	assert.NotEqual(t, a, b)
}

// The fingerprint must not depend on JSON field order: an intent that takes
// a round trip through a map (which reorders keys) yields the same key.
func TestKeyFieldOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key survives JSON round trip", prop.ForAll(
		func(chain, asset string, amount uint32) bool {
			in := sampleIntent(chain, asset, strconv.FormatUint(uint64(amount), 10))

			direct, err := Key(in, "p1")
			if err != nil {
				return false
			}

			raw, err := json.Marshal(in)
			if err != nil {
				return false
			}
			var roundTripped intent.Intent
			if err := json.Unmarshal(raw, &roundTripped); err != nil {
				return false
			}
			indirect, err := Key(&roundTripped, "p1")
			if err != nil {
				return false
			}
			return direct == indirect
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
