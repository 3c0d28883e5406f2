package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "version": "guardrails-2026-02",
  "minEngineVersion": ">= 1.0.0",
  "allowMainnetOnly": true,
  "allowlists": {
    "chains": ["ethereum", "arbitrum", "solana"],
    "assets": ["USDC", "WETH"],
    "bridgeRoutes": ["solana->arbitrum"]
  },
  "requireKeySegregation": true,
  "keyDomains": {"key-sol": "solana", "key-arb": "arbitrum"},
  "limits": {"maxTransferAmount": "10000", "maxBridgeAmount": "50000"},
  "rules": ["action != \"transfer\" || double(amount) <= 10000.0"],
  "defaultDryRun": false
}`

func TestParseDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)
	assert.Equal(t, "guardrails-2026-02", doc.Version)
	assert.True(t, doc.AllowMainnetOnly)
	assert.Equal(t, []string{"ethereum", "arbitrum", "solana"}, doc.Allowlists.Chains)
	require.NotNil(t, doc.Limits)
	assert.Equal(t, "10000", doc.Limits.MaxTransferAmount)
	assert.Len(t, doc.Rules, 1)
	assert.Equal(t, "solana", doc.KeyDomains["key-sol"])
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"version": "p1", "surprise": true}`))
	assert.Error(t, err)
}

func TestParseRejectsMissingVersion(t *testing.T) {
	_, err := Parse([]byte(`{"allowMainnetOnly": false}`))
	assert.Error(t, err)
}

func TestParseRejectsNonDecimalLimit(t *testing.T) {
	_, err := Parse([]byte(`{"version": "p1", "limits": {"maxTransferAmount": "lots"}}`))
	assert.Error(t, err)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"version":`))
	assert.Error(t, err)
}

func TestLoadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o600))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "guardrails-2026-02", doc.Version)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
