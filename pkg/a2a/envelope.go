// Package a2a implements the agent-to-agent security perimeter: the signed
// execution-plane envelope, signature verification over a canonical
// serialization, and nonce-based replay protection. Nothing behind this
// perimeter trusts an execution-plane payload that has not passed
// Authenticate.
package a2a

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tidemark-io/tidemark/pkg/intent"
)

// Version is the supported envelope schema version.
const Version = "1"

//go:embed payload_schema.json
var payloadSchema string

// Auth carries the signature material of a payload. The signature covers
// the canonical serialization of the whole envelope with the signature
// field itself blanked.
type Auth struct {
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// Payload is the execution-plane envelope (v1). Operation is a namespaced
// domain.verb string; Auth is absent only when the security mode permits.
type Payload struct {
	Version   string         `json:"version"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
	Auth      *Auth          `json:"auth,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ParsePayload schema-validates and decodes a raw envelope.
func ParsePayload(data []byte) (*Payload, error) {
	schema, err := jsonschema.CompileString("execution-payload.schema.json", payloadSchema)
	if err != nil {
		return nil, fmt.Errorf("a2a: compile payload schema: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("a2a: decode payload: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("a2a: payload does not match schema: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("a2a: unmarshal payload: %w", err)
	}
	if p.Version != Version {
		return nil, fmt.Errorf("a2a: unsupported payload version %q", p.Version)
	}
	return &p, nil
}

// operationActions maps wire operations to intent actions.
var operationActions = map[string]intent.Action{
	"chain.transfer":    intent.ActionTransfer,
	"dex.swap":          intent.ActionSwap,
	"bridge.transfer":   intent.ActionBridge,
	"perp.order":        intent.ActionPerpOrder,
	"protocol.deposit":  intent.ActionProtocolDeposit,
	"protocol.withdraw": intent.ActionProtocolWithdraw,
}

// Intent converts the payload into a canonical intent, strictly decoding
// params into the action's body struct. Unknown params are rejected so a
// typo never silently widens an operation.
func (p *Payload) Intent() (*intent.Intent, error) {
	action, ok := operationActions[p.Operation]
	if !ok {
		return nil, fmt.Errorf("a2a: unknown operation %q", p.Operation)
	}

	raw, err := json.Marshal(p.Params)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshal params: %w", err)
	}
	in := &intent.Intent{Action: action}

	decode := func(dst any) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("a2a: params for %s: %w", p.Operation, err)
		}
		return nil
	}

	switch action {
	case intent.ActionTransfer:
		in.Transfer = &intent.Transfer{}
		err = decode(in.Transfer)
	case intent.ActionSwap:
		in.Swap = &intent.Swap{}
		err = decode(in.Swap)
	case intent.ActionBridge:
		in.Bridge = &intent.Bridge{}
		err = decode(in.Bridge)
	case intent.ActionPerpOrder:
		in.PerpOrder = &intent.PerpOrder{}
		err = decode(in.PerpOrder)
	case intent.ActionProtocolDeposit:
		in.ProtocolDeposit = &intent.ProtocolDeposit{}
		err = decode(in.ProtocolDeposit)
	case intent.ActionProtocolWithdraw:
		in.ProtocolWithdraw = &intent.ProtocolWithdraw{}
		err = decode(in.ProtocolWithdraw)
	}
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}
