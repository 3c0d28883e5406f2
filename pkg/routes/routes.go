package routes

import (
	"strings"
)

// Hop is one leg of a decomposed cross-domain path.
type Hop struct {
	Operation        string `json:"operation" yaml:"operation"`
	SourceChain      string `json:"sourceChain" yaml:"sourceChain"`
	DestinationChain string `json:"destinationChain" yaml:"destinationChain"`
	Provider         string `json:"provider" yaml:"provider"`
}

// Decision is the answer to a feasibility check. When Supported is false
// and a known decomposition exists, Pipeline carries the recommended hops
// in execution order.
type Decision struct {
	Supported bool  `json:"supported"`
	Pipeline  []Hop `json:"recommendedPipeline,omitempty"`
}

type routeKey struct {
	source   string
	dest     string
	provider string
}

type routeEntry struct {
	supported bool
	pipeline  []Hop
}

// Table answers whether a (sourceChain, destinationChain, provider) tuple
// is directly executable. Tuples the table has never heard of fail closed.
type Table struct {
	entries map[routeKey]routeEntry
}

// NewTable returns the built-in feasibility table.
func NewTable() *Table {
	t := &Table{entries: make(map[routeKey]routeEntry)}

	// Direct venue legs.
	t.addSupported("arbitrum", "hyperliquid", "nativeDeposit")
	t.addSupported("hyperliquid", "arbitrum", "nativeWithdraw")

	// Direct bridge legs.
	t.addSupported("solana", "arbitrum", "bridgeProviderX")
	t.addSupported("arbitrum", "solana", "bridgeProviderX")
	t.addSupported("ethereum", "arbitrum", "bridgeProviderX")
	t.addSupported("ethereum", "base", "bridgeProviderX")
	t.addSupported("base", "ethereum", "bridgeProviderX")

	// No provider bridges solana to hyperliquid directly; the known path
	// goes through arbitrum and then the native deposit leg.
	t.addDecomposed("solana", "hyperliquid", "bridgeProviderX", []Hop{
		{Operation: "bridge.transfer", SourceChain: "solana", DestinationChain: "arbitrum", Provider: "bridgeProviderX"},
		{Operation: "protocol.deposit", SourceChain: "arbitrum", DestinationChain: "hyperliquid", Provider: "nativeDeposit"},
	})
	t.addDecomposed("hyperliquid", "solana", "bridgeProviderX", []Hop{
		{Operation: "protocol.withdraw", SourceChain: "hyperliquid", DestinationChain: "arbitrum", Provider: "nativeWithdraw"},
		{Operation: "bridge.transfer", SourceChain: "arbitrum", DestinationChain: "solana", Provider: "bridgeProviderX"},
	})

	return t
}

func (t *Table) addSupported(source, dest, provider string) {
	t.entries[newRouteKey(source, dest, provider)] = routeEntry{supported: true}
}

func (t *Table) addDecomposed(source, dest, provider string, pipeline []Hop) {
	t.entries[newRouteKey(source, dest, provider)] = routeEntry{pipeline: pipeline}
}

func newRouteKey(source, dest, provider string) routeKey {
	return routeKey{
		source:   strings.ToLower(strings.TrimSpace(source)),
		dest:     strings.ToLower(strings.TrimSpace(dest)),
		provider: strings.ToLower(strings.TrimSpace(provider)),
	}
}

// Check looks up the tuple. Unknown tuples return an unsupported decision
// with no pipeline.
func (t *Table) Check(sourceChain, destinationChain, provider string) Decision {
	entry, ok := t.entries[newRouteKey(sourceChain, destinationChain, provider)]
	if !ok {
		return Decision{Supported: false}
	}
	return Decision{Supported: entry.supported, Pipeline: entry.pipeline}
}
