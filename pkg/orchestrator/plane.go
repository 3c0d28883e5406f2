package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/tidemark-io/tidemark/pkg/a2a"
	"github.com/tidemark-io/tidemark/pkg/audit"
	"github.com/tidemark-io/tidemark/pkg/fault"
)

// Gateway is the execution-plane entry point: it parses inbound payloads,
// applies the rate limiter and the security perimeter, and only then hands
// the intent to the orchestrator. A perimeter rejection writes exactly one
// audit event and touches nothing else.
type Gateway struct {
	orch      *Orchestrator
	perimeter *a2a.Perimeter
	limiter   *a2a.PlaneLimiter
	mode      a2a.Mode
}

// NewGateway wires the plane entry point. limiter may be nil to disable
// rate limiting.
func NewGateway(orch *Orchestrator, perimeter *a2a.Perimeter, limiter *a2a.PlaneLimiter, mode a2a.Mode) *Gateway {
	return &Gateway{orch: orch, perimeter: perimeter, limiter: limiter, mode: mode}
}

// Execute processes one raw execution-plane payload to a terminal outcome.
func (g *Gateway) Execute(ctx context.Context, raw []byte, dryRun bool) *Outcome {
	payload, err := a2a.ParsePayload(raw)
	if err != nil {
		return g.reject(fault.New(fault.CodeInvalidPayload, "malformed payload: %v", err))
	}

	keyID := ""
	if payload.Auth != nil {
		keyID = payload.Auth.KeyID
	}
	if !g.limiter.Allow(keyID) {
		return g.reject(fault.New(fault.CodeRateLimited, "rate limit exceeded for key %q", keyID).
			WithDetail("keyId", keyID))
	}

	if err := g.perimeter.Authenticate(ctx, payload, g.mode, dryRun); err != nil {
		f := fault.From(err)
		if f == nil {
			f = fault.New(fault.CodeStoreFailure, "perimeter check failed: %v", err)
		}
		return g.reject(f)
	}

	in, err := payload.Intent()
	if err != nil {
		return g.reject(fault.New(fault.CodePolicyViolation, "invalid intent: %v", err).
			WithDetail("reason", "invalid_intent"))
	}

	return g.orch.Execute(ctx, Request{
		Intent:      in,
		Plane:       audit.PlaneExecution,
		DryRun:      dryRun,
		SourceKeyID: keyID,
	})
}

// reject records the single rejection event and returns the terminal
// outcome. The rejected request never reaches policy, stores or connectors.
func (g *Gateway) reject(f *fault.Fault) *Outcome {
	runID := "run_" + uuid.NewString()
	g.orch.append(runID, audit.PlaneExecution, audit.PhasePerimeter, map[string]any{
		"state": StateFailed,
		"code":  f.Code,
	})
	return &Outcome{RunID: runID, State: StateFailed, Fault: f}
}
