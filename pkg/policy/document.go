// Package policy implements the policy document and the pure evaluation
// engine that gates every intent before any network call.
package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var documentSchema string

// Allowlists are strict membership sets. An empty set places no restriction
// on its field; a non-empty set rejects any value not listed.
type Allowlists struct {
	Chains       []string `json:"chains,omitempty"`
	Assets       []string `json:"assets,omitempty"`
	Recipients   []string `json:"recipients,omitempty"`
	BridgeRoutes []string `json:"bridgeRoutes,omitempty"`
	Symbols      []string `json:"symbols,omitempty"`
}

// Limits are optional per-action caps expressed as decimal strings and
// compared with exact decimal arithmetic.
type Limits struct {
	MaxTransferAmount string `json:"maxTransferAmount,omitempty"`
	MaxSwapAmount     string `json:"maxSwapAmount,omitempty"`
	MaxBridgeAmount   string `json:"maxBridgeAmount,omitempty"`
	MaxPerpOrderSize  string `json:"maxPerpOrderSize,omitempty"`
	MaxProtocolAmount string `json:"maxProtocolAmount,omitempty"`
}

// Document is the versioned guardrail configuration. It is loaded once per
// invocation and never mutated mid-request; a new version invalidates
// idempotency-key reuse because the version participates in the fingerprint.
type Document struct {
	Version               string            `json:"version"`
	MinEngineVersion      string            `json:"minEngineVersion,omitempty"`
	AllowMainnetOnly      bool              `json:"allowMainnetOnly"`
	Allowlists            Allowlists        `json:"allowlists"`
	RequireKeySegregation bool              `json:"requireKeySegregation"`
	KeyDomains            map[string]string `json:"keyDomains,omitempty"`
	Limits                *Limits           `json:"limits,omitempty"`
	Rules                 []string          `json:"rules,omitempty"`
	DefaultDryRun         bool              `json:"defaultDryRun"`
}

// Load reads and schema-validates a policy document from a JSON file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read document: %w", err)
	}
	return Parse(data)
}

// Parse validates raw JSON against the embedded schema and decodes it.
func Parse(data []byte) (*Document, error) {
	schema, err := jsonschema.CompileString("policy-document.schema.json", documentSchema)
	if err != nil {
		return nil, fmt.Errorf("policy: compile schema: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("policy: decode document: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("policy: document does not match schema: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: unmarshal document: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("policy: document version is required")
	}
	return &doc, nil
}
