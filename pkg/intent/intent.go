// Package intent defines the CanonicalIntent: the normalized, action-typed
// description of a requested operation, independent of whether it came from
// the human operator (control plane) or another agent (execution plane).
//
// The intent is a tagged variant: one body struct per action, so the policy
// engine and orchestrator handle every action kind exhaustively instead of
// probing an untyped bag of optional fields. An intent is immutable once
// produced and never carries secrets.
package intent

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Action identifies the operation kind.
type Action string

const (
	ActionTransfer         Action = "transfer"
	ActionSwap             Action = "swap"
	ActionBridge           Action = "bridge"
	ActionPerpOrder        Action = "perp_order"
	ActionProtocolDeposit  Action = "protocol_deposit"
	ActionProtocolWithdraw Action = "protocol_withdraw"
)

// Actions lists every known action kind in a stable order.
var Actions = []Action{
	ActionTransfer,
	ActionSwap,
	ActionBridge,
	ActionPerpOrder,
	ActionProtocolDeposit,
	ActionProtocolWithdraw,
}

// Transfer moves an asset to a recipient on a single chain.
type Transfer struct {
	Chain     string `json:"chain"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
}

// Swap exchanges one asset for another on a single venue.
type Swap struct {
	Chain     string `json:"chain"`
	FromAsset string `json:"fromAsset"`
	ToAsset   string `json:"toAsset"`
	Amount    string `json:"amount"`
	Venue     string `json:"venue,omitempty"`
	MinOut    string `json:"minOut,omitempty"`
}

// Bridge moves an asset across chains via a named provider.
type Bridge struct {
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	Asset            string `json:"asset"`
	Amount           string `json:"amount"`
	Provider         string `json:"provider"`
	Recipient        string `json:"recipient,omitempty"`
}

// PerpOrder places a perpetual order on a derivatives venue.
type PerpOrder struct {
	Venue      string `json:"venue"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"` // buy | sell
	Size       string `json:"size"`
	OrderType  string `json:"orderType"` // market | limit
	Price      string `json:"price,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

// ProtocolDeposit deposits an asset into an on-chain protocol.
type ProtocolDeposit struct {
	Chain    string `json:"chain"`
	Protocol string `json:"protocol"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

// ProtocolWithdraw withdraws an asset from an on-chain protocol.
type ProtocolWithdraw struct {
	Chain     string `json:"chain"`
	Protocol  string `json:"protocol"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

// Intent is the canonical, action-tagged operation description. Exactly one
// body field matching Action must be set.
type Intent struct {
	Action           Action            `json:"action"`
	Transfer         *Transfer         `json:"transfer,omitempty"`
	Swap             *Swap             `json:"swap,omitempty"`
	Bridge           *Bridge           `json:"bridge,omitempty"`
	PerpOrder        *PerpOrder        `json:"perpOrder,omitempty"`
	ProtocolDeposit  *ProtocolDeposit  `json:"protocolDeposit,omitempty"`
	ProtocolWithdraw *ProtocolWithdraw `json:"protocolWithdraw,omitempty"`
}

// Validate checks structural integrity: the action is known, exactly the
// matching body is present, required fields are set, the amount parses as a
// positive decimal, and EVM recipients carry a valid EIP-55 checksum.
func (in *Intent) Validate() error {
	if in == nil {
		return fmt.Errorf("intent: nil")
	}
	bodies := 0
	for _, set := range []bool{
		in.Transfer != nil, in.Swap != nil, in.Bridge != nil,
		in.PerpOrder != nil, in.ProtocolDeposit != nil, in.ProtocolWithdraw != nil,
	} {
		if set {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("intent: exactly one body required, got %d", bodies)
	}

	switch in.Action {
	case ActionTransfer:
		t := in.Transfer
		if t == nil {
			return fmt.Errorf("intent: action %q without matching body", in.Action)
		}
		if t.Chain == "" || t.Asset == "" || t.Recipient == "" {
			return fmt.Errorf("intent: transfer requires chain, asset and recipient")
		}
		if err := validRecipient(t.Chain, t.Recipient); err != nil {
			return err
		}
	case ActionSwap:
		s := in.Swap
		if s == nil {
			return fmt.Errorf("intent: action %q without matching body", in.Action)
		}
		if s.Chain == "" || s.FromAsset == "" || s.ToAsset == "" {
			return fmt.Errorf("intent: swap requires chain, fromAsset and toAsset")
		}
	case ActionBridge:
		b := in.Bridge
		if b == nil {
			return fmt.Errorf("intent: action %q without matching body", in.Action)
		}
		if b.SourceChain == "" || b.DestinationChain == "" || b.Asset == "" || b.Provider == "" {
			return fmt.Errorf("intent: bridge requires sourceChain, destinationChain, asset and provider")
		}
		if b.Recipient != "" {
			if err := validRecipient(b.DestinationChain, b.Recipient); err != nil {
				return err
			}
		}
	case ActionPerpOrder:
		p := in.PerpOrder
		if p == nil {
			return fmt.Errorf("intent: action %q without matching body", in.Action)
		}
		if p.Venue == "" || p.Symbol == "" {
			return fmt.Errorf("intent: perp order requires venue and symbol")
		}
		if p.Side != "buy" && p.Side != "sell" {
			return fmt.Errorf("intent: perp order side must be buy or sell, got %q", p.Side)
		}
		if p.OrderType != "market" && p.OrderType != "limit" {
			return fmt.Errorf("intent: perp order type must be market or limit, got %q", p.OrderType)
		}
		if p.OrderType == "limit" && p.Price == "" {
			return fmt.Errorf("intent: limit order requires price")
		}
	case ActionProtocolDeposit:
		d := in.ProtocolDeposit
		if d == nil {
			return fmt.Errorf("intent: action %q without matching body", in.Action)
		}
		if d.Chain == "" || d.Protocol == "" || d.Asset == "" {
			return fmt.Errorf("intent: protocol deposit requires chain, protocol and asset")
		}
	case ActionProtocolWithdraw:
		w := in.ProtocolWithdraw
		if w == nil {
			return fmt.Errorf("intent: action %q without matching body", in.Action)
		}
		if w.Chain == "" || w.Protocol == "" || w.Asset == "" {
			return fmt.Errorf("intent: protocol withdraw requires chain, protocol and asset")
		}
		if w.Recipient != "" {
			if err := validRecipient(w.Chain, w.Recipient); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("intent: unknown action %q", in.Action)
	}

	amt, err := in.Amount()
	if err != nil {
		return err
	}
	if !amt.IsPositive() {
		return fmt.Errorf("intent: amount must be positive, got %s", amt)
	}
	return nil
}

func validRecipient(chain, recipient string) error {
	if !IsEVMChain(chain) {
		return nil
	}
	if err := VerifyChecksumAddress(recipient); err != nil {
		return fmt.Errorf("intent: recipient on %s: %w", chain, err)
	}
	return nil
}

// Amount returns the intent's decimal amount (order size for perp orders).
// Amounts are compared with exact decimal arithmetic, never floating point.
func (in *Intent) Amount() (decimal.Decimal, error) {
	raw := in.rawAmount()
	amt, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("intent: invalid amount %q: %w", raw, err)
	}
	return amt, nil
}

func (in *Intent) rawAmount() string {
	switch in.Action {
	case ActionTransfer:
		return in.Transfer.Amount
	case ActionSwap:
		return in.Swap.Amount
	case ActionBridge:
		return in.Bridge.Amount
	case ActionPerpOrder:
		return in.PerpOrder.Size
	case ActionProtocolDeposit:
		return in.ProtocolDeposit.Amount
	case ActionProtocolWithdraw:
		return in.ProtocolWithdraw.Amount
	}
	return ""
}

// Chains returns every chain or venue domain the intent touches.
func (in *Intent) Chains() []string {
	switch in.Action {
	case ActionTransfer:
		return []string{in.Transfer.Chain}
	case ActionSwap:
		return []string{in.Swap.Chain}
	case ActionBridge:
		return []string{in.Bridge.SourceChain, in.Bridge.DestinationChain}
	case ActionPerpOrder:
		return []string{in.PerpOrder.Venue}
	case ActionProtocolDeposit:
		return []string{in.ProtocolDeposit.Chain}
	case ActionProtocolWithdraw:
		return []string{in.ProtocolWithdraw.Chain}
	}
	return nil
}

// CrossDomain reports whether the operation spans two settlement domains and
// therefore needs a route feasibility check before dispatch.
func (in *Intent) CrossDomain() bool {
	switch in.Action {
	case ActionBridge:
		return !strings.EqualFold(in.Bridge.SourceChain, in.Bridge.DestinationChain)
	case ActionProtocolDeposit, ActionProtocolWithdraw:
		return true
	}
	return false
}

// RouteTuple returns the (sourceDomain, destinationDomain, provider) tuple
// for feasibility lookup. Protocol deposits and withdraws route between the
// chain and the protocol over the native settlement primitive.
func (in *Intent) RouteTuple() (source, destination, provider string, ok bool) {
	switch in.Action {
	case ActionBridge:
		return in.Bridge.SourceChain, in.Bridge.DestinationChain, in.Bridge.Provider, true
	case ActionProtocolDeposit:
		return in.ProtocolDeposit.Chain, in.ProtocolDeposit.Protocol, "nativeDeposit", true
	case ActionProtocolWithdraw:
		return in.ProtocolWithdraw.Protocol, in.ProtocolWithdraw.Chain, "nativeWithdraw", true
	}
	return "", "", "", false
}

// Assets returns the asset symbols the intent references.
func (in *Intent) Assets() []string {
	switch in.Action {
	case ActionTransfer:
		return []string{in.Transfer.Asset}
	case ActionSwap:
		return []string{in.Swap.FromAsset, in.Swap.ToAsset}
	case ActionBridge:
		return []string{in.Bridge.Asset}
	case ActionProtocolDeposit:
		return []string{in.ProtocolDeposit.Asset}
	case ActionProtocolWithdraw:
		return []string{in.ProtocolWithdraw.Asset}
	}
	return nil
}

// Recipient returns the destination address, if the action has one.
func (in *Intent) Recipient() string {
	switch in.Action {
	case ActionTransfer:
		return in.Transfer.Recipient
	case ActionBridge:
		return in.Bridge.Recipient
	case ActionProtocolWithdraw:
		return in.ProtocolWithdraw.Recipient
	}
	return ""
}

// Symbol returns the market symbol for perp orders, empty otherwise.
func (in *Intent) Symbol() string {
	if in.Action == ActionPerpOrder {
		return in.PerpOrder.Symbol
	}
	return ""
}

// BridgeRoute returns "source->destination" for bridge intents, empty otherwise.
func (in *Intent) BridgeRoute() string {
	if in.Action != ActionBridge {
		return ""
	}
	return strings.ToLower(in.Bridge.SourceChain) + "->" + strings.ToLower(in.Bridge.DestinationChain)
}

// ConnectorKey names the connector responsible for dispatching this intent.
// It doubles as the circuit-breaker scope, so an outage on one connector
// never blocks unrelated ones.
func (in *Intent) ConnectorKey() string {
	switch in.Action {
	case ActionTransfer:
		return "chain:" + strings.ToLower(in.Transfer.Chain)
	case ActionSwap:
		return "chain:" + strings.ToLower(in.Swap.Chain)
	case ActionBridge:
		return "bridge:" + strings.ToLower(in.Bridge.Provider)
	case ActionPerpOrder:
		return "venue:" + strings.ToLower(in.PerpOrder.Venue)
	case ActionProtocolDeposit:
		return "chain:" + strings.ToLower(in.ProtocolDeposit.Chain)
	case ActionProtocolWithdraw:
		return "chain:" + strings.ToLower(in.ProtocolWithdraw.Chain)
	}
	return ""
}

// Operation returns the namespaced operation string for connector dispatch,
// matching the execution-plane wire format (domain.verb).
func (in *Intent) Operation() string {
	switch in.Action {
	case ActionTransfer:
		return "chain.transfer"
	case ActionSwap:
		return "dex.swap"
	case ActionBridge:
		return "bridge.transfer"
	case ActionPerpOrder:
		return "perp.order"
	case ActionProtocolDeposit:
		return "protocol.deposit"
	case ActionProtocolWithdraw:
		return "protocol.withdraw"
	}
	return ""
}

// Body returns the active body struct for serialization as connector params.
func (in *Intent) Body() any {
	switch in.Action {
	case ActionTransfer:
		return in.Transfer
	case ActionSwap:
		return in.Swap
	case ActionBridge:
		return in.Bridge
	case ActionPerpOrder:
		return in.PerpOrder
	case ActionProtocolDeposit:
		return in.ProtocolDeposit
	case ActionProtocolWithdraw:
		return in.ProtocolWithdraw
	}
	return nil
}
