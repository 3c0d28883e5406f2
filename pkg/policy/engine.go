package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/tidemark-io/tidemark/pkg/intent"
)

// Violation is one policy check failure. Violations are collected, never
// short-circuited, so the caller sees the complete list in one pass.
type Violation struct {
	Code   string `json:"code"`
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Violation codes form a closed set.
const (
	VEngineVersion    = "ENGINE_VERSION_UNSUPPORTED"
	VMainnetOnly      = "MAINNET_ONLY"
	VChainNotAllowed  = "CHAIN_NOT_ALLOWED"
	VAssetNotAllowed  = "ASSET_NOT_ALLOWED"
	VRecipientDenied  = "RECIPIENT_NOT_ALLOWED"
	VRouteNotAllowed  = "BRIDGE_ROUTE_NOT_ALLOWED"
	VSymbolNotAllowed = "SYMBOL_NOT_ALLOWED"
	VKeySegregation   = "KEY_SEGREGATION"
	VLimitExceeded    = "LIMIT_EXCEEDED"
	VRuleFailed       = "RULE_FAILED"
)

// Result is the outcome of one evaluation.
type Result struct {
	Allowed                 bool        `json:"allowed"`
	Violations              []Violation `json:"violations,omitempty"`
	RequiresSimulationFirst bool        `json:"requiresSimulationFirst"`
}

// Context carries per-request evaluation inputs that are not part of the
// intent itself. Signing key ids identify which key would sign each leg;
// they are identifiers, never secrets.
type Context struct {
	DryRun           bool
	SourceKeyID      string
	DestinationKeyID string
}

// Engine evaluates intents against a policy document. Evaluate is a pure
// function of its inputs: no I/O, no mutation of the intent or document.
// The only internal state is a compile cache for CEL rules, keyed by rule
// source, which does not affect results.
type Engine struct {
	engineVersion string

	celEnv   *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine creates an evaluation engine identifying itself as engineVersion
// for minEngineVersion gating.
func NewEngine(engineVersion string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("intent", cel.DynType),
		cel.Variable("amount", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Engine{
		engineVersion: engineVersion,
		celEnv:        env,
		prgCache:      make(map[string]cel.Program),
	}, nil
}

// Evaluate runs every check in order and collects all violations.
// Check order (must not change): engine version gate, mainnet-only,
// allowlist membership, key segregation, numeric limits, CEL guard rules.
func (e *Engine) Evaluate(in *intent.Intent, doc *Document, evalCtx Context) Result {
	var violations []Violation
	add := func(code, field, detail string) {
		violations = append(violations, Violation{Code: code, Field: field, Detail: detail})
	}

	if doc.MinEngineVersion != "" {
		if ok, detail := e.versionSatisfied(doc.MinEngineVersion); !ok {
			add(VEngineVersion, "minEngineVersion", detail)
		}
	}

	if doc.AllowMainnetOnly {
		for _, chain := range in.Chains() {
			if !isProductionNetwork(chain) {
				add(VMainnetOnly, "chain", fmt.Sprintf("%s is not a production network", chain))
			}
		}
	}

	for _, chain := range in.Chains() {
		if !member(doc.Allowlists.Chains, chain) {
			add(VChainNotAllowed, "chain", fmt.Sprintf("%s is not in the chain allowlist", chain))
		}
	}
	for _, asset := range in.Assets() {
		if !member(doc.Allowlists.Assets, asset) {
			add(VAssetNotAllowed, "asset", fmt.Sprintf("%s is not in the asset allowlist", asset))
		}
	}
	if rcpt := in.Recipient(); rcpt != "" {
		if !memberExact(doc.Allowlists.Recipients, rcpt) {
			add(VRecipientDenied, "recipient", fmt.Sprintf("%s is not in the recipient allowlist", rcpt))
		}
	}
	if route := in.BridgeRoute(); route != "" {
		if !member(doc.Allowlists.BridgeRoutes, route) {
			add(VRouteNotAllowed, "bridgeRoute", fmt.Sprintf("%s is not in the bridge-route allowlist", route))
		}
	}
	if sym := in.Symbol(); sym != "" {
		if !member(doc.Allowlists.Symbols, sym) {
			add(VSymbolNotAllowed, "symbol", fmt.Sprintf("%s is not in the symbol allowlist", sym))
		}
	}

	if doc.RequireKeySegregation && in.CrossDomain() {
		violations = append(violations, keySegregationViolations(in, doc, evalCtx)...)
	}

	if doc.Limits != nil {
		if v := checkLimit(in, doc.Limits); v != nil {
			violations = append(violations, *v)
		}
	}

	for _, rule := range doc.Rules {
		if ok, detail := e.evalRule(rule, in); !ok {
			add(VRuleFailed, "rules", detail)
		}
	}

	return Result{
		Allowed:                 len(violations) == 0,
		Violations:              violations,
		RequiresSimulationFirst: doc.DefaultDryRun && !evalCtx.DryRun,
	}
}

func (e *Engine) versionSatisfied(constraint string) (bool, string) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Sprintf("invalid minEngineVersion constraint %q", constraint)
	}
	v, err := semver.NewVersion(e.engineVersion)
	if err != nil {
		return false, fmt.Sprintf("engine version %q is not semver", e.engineVersion)
	}
	if !c.Check(v) {
		return false, fmt.Sprintf("engine %s does not satisfy %s", e.engineVersion, constraint)
	}
	return true, ""
}

// keySegregationViolations enforces that one signing key never spans both
// guardrail domains of a cross-domain operation. The policy's keyDomains map
// registers each key id's home domain; a key used outside its domain, or the
// same key on both legs, is a violation.
func keySegregationViolations(in *intent.Intent, doc *Document, evalCtx Context) []Violation {
	var out []Violation
	if evalCtx.SourceKeyID != "" && evalCtx.SourceKeyID == evalCtx.DestinationKeyID {
		out = append(out, Violation{
			Code:   VKeySegregation,
			Field:  "signingKeys",
			Detail: fmt.Sprintf("key %s signs both legs of a cross-domain operation", evalCtx.SourceKeyID),
		})
	}
	chains := in.Chains()
	legs := []struct{ keyID, chain, field string }{
		{evalCtx.SourceKeyID, chains[0], "sourceKeyId"},
		{evalCtx.DestinationKeyID, chains[len(chains)-1], "destinationKeyId"},
	}
	for _, leg := range legs {
		if leg.keyID == "" {
			continue
		}
		domain, registered := doc.KeyDomains[leg.keyID]
		if !registered {
			out = append(out, Violation{
				Code:   VKeySegregation,
				Field:  leg.field,
				Detail: fmt.Sprintf("key %s has no registered guardrail domain", leg.keyID),
			})
			continue
		}
		if !strings.EqualFold(domain, leg.chain) {
			out = append(out, Violation{
				Code:   VKeySegregation,
				Field:  leg.field,
				Detail: fmt.Sprintf("key %s belongs to domain %s, not %s", leg.keyID, domain, leg.chain),
			})
		}
	}
	return out
}

func checkLimit(in *intent.Intent, limits *Limits) *Violation {
	var limit string
	var field string
	switch in.Action {
	case intent.ActionTransfer:
		limit, field = limits.MaxTransferAmount, "limits.maxTransferAmount"
	case intent.ActionSwap:
		limit, field = limits.MaxSwapAmount, "limits.maxSwapAmount"
	case intent.ActionBridge:
		limit, field = limits.MaxBridgeAmount, "limits.maxBridgeAmount"
	case intent.ActionPerpOrder:
		limit, field = limits.MaxPerpOrderSize, "limits.maxPerpOrderSize"
	case intent.ActionProtocolDeposit, intent.ActionProtocolWithdraw:
		limit, field = limits.MaxProtocolAmount, "limits.maxProtocolAmount"
	}
	if limit == "" {
		return nil
	}
	capAmt, err := decimal.NewFromString(limit)
	if err != nil {
		return &Violation{Code: VLimitExceeded, Field: field, Detail: fmt.Sprintf("invalid cap %q in policy", limit)}
	}
	amt, err := in.Amount()
	if err != nil {
		return &Violation{Code: VLimitExceeded, Field: field, Detail: err.Error()}
	}
	if amt.GreaterThan(capAmt) {
		return &Violation{
			Code:   VLimitExceeded,
			Field:  field,
			Detail: fmt.Sprintf("amount %s exceeds cap %s", amt, capAmt),
		}
	}
	return nil
}

// evalRule compiles (with caching) and evaluates one CEL guard rule.
// Anything other than a clean `true` is a violation: fail closed.
func (e *Engine) evalRule(rule string, in *intent.Intent) (bool, string) {
	prg, err := e.program(rule)
	if err != nil {
		return false, fmt.Sprintf("rule %q failed to compile: %v", rule, err)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return false, fmt.Sprintf("rule input marshal: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return false, fmt.Sprintf("rule input unmarshal: %v", err)
	}
	amount := ""
	if amt, err := in.Amount(); err == nil {
		amount = amt.String()
	}

	out, _, err := prg.Eval(map[string]any{
		"action": string(in.Action),
		"intent": generic,
		"amount": amount,
	})
	if err != nil {
		return false, fmt.Sprintf("rule %q evaluation error: %v", rule, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Sprintf("rule %q did not evaluate to a boolean", rule)
	}
	if !allowed {
		return false, fmt.Sprintf("rule %q evaluated to false", rule)
	}
	return true, ""
}

func (e *Engine) program(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.prgCache[rule]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.celEnv.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.prgCache[rule] = prg
	e.mu.Unlock()
	return prg, nil
}

// nonProductionSuffixes mark test networks by naming convention.
var nonProductionSuffixes = []string{"-devnet", "-testnet", "-sepolia", "-goerli"}

// nonProductionNetworks are testnets whose names carry no telltale suffix.
var nonProductionNetworks = map[string]bool{
	"sepolia": true,
	"goerli":  true,
}

func isProductionNetwork(chain string) bool {
	c := strings.ToLower(chain)
	if nonProductionNetworks[c] {
		return false
	}
	for _, suffix := range nonProductionSuffixes {
		if strings.HasSuffix(c, suffix) {
			return false
		}
	}
	return true
}

// member is case-insensitive set membership; an empty set is unrestricted.
func member(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}

// memberExact is case-sensitive membership for addresses, where case is
// part of the EIP-55 checksum; an empty set is unrestricted.
func memberExact(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}
