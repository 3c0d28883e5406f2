// Package orchestrator drives one execution attempt through the phase
// machine: policy, idempotency, breaker, route, dispatch, result. Each
// transition appends exactly one audit event, and every terminal failure
// carries a structured fault code.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidemark-io/tidemark/pkg/audit"
	"github.com/tidemark-io/tidemark/pkg/breaker"
	"github.com/tidemark-io/tidemark/pkg/connector"
	"github.com/tidemark-io/tidemark/pkg/fault"
	"github.com/tidemark-io/tidemark/pkg/idempotency"
	"github.com/tidemark-io/tidemark/pkg/intent"
	"github.com/tidemark-io/tidemark/pkg/policy"
	"github.com/tidemark-io/tidemark/pkg/routes"
)

// State names one node of the per-request phase machine.
type State string

const (
	StateReceived           State = "RECEIVED"
	StatePolicyChecked      State = "POLICY_CHECKED"
	StateIdempotencyChecked State = "IDEMPOTENCY_CHECKED"
	StateBreakerChecked     State = "BREAKER_CHECKED"
	StateRouteChecked       State = "ROUTE_CHECKED"
	StateDispatched         State = "DISPATCHED"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
)

// Request is one orchestration input.
type Request struct {
	Intent *intent.Intent
	Plane  audit.Plane
	DryRun bool

	// Key ids identify which signing key backs each leg; used only for
	// key-segregation policy checks. Never secrets.
	SourceKeyID      string
	DestinationKeyID string
}

// Outcome is the terminal result of one orchestration.
type Outcome struct {
	RunID    string          `json:"runId"`
	State    State           `json:"state"`
	Result   json.RawMessage `json:"result,omitempty"`
	Fault    *fault.Fault    `json:"fault,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
	DryRun   bool            `json:"dryRun,omitempty"`
}

// storedOutcome is what the idempotency record persists: enough to rebuild
// an identical outcome on replay without touching a connector.
type storedOutcome struct {
	State  State           `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Fault  *fault.Fault    `json:"fault,omitempty"`
}

// Orchestrator wires the phase machine's collaborators.
type Orchestrator struct {
	engine   *policy.Engine
	doc      *policy.Document
	store    idempotency.Store
	breaker  *breaker.Breaker
	routes   *routes.Table
	registry *connector.Registry
	log      *audit.Log

	dispatchTimeout time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
}

// New assembles an orchestrator. The policy document is loaded once per
// invocation and treated as read-only for the orchestrator's lifetime.
func New(engine *policy.Engine, doc *policy.Document, store idempotency.Store,
	brk *breaker.Breaker, table *routes.Table, registry *connector.Registry,
	log *audit.Log, dispatchTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:          engine,
		doc:             doc,
		store:           store,
		breaker:         brk,
		routes:          table,
		registry:        registry,
		log:             log,
		dispatchTimeout: dispatchTimeout,
		logger:          logger,
		tracer:          otel.Tracer("tidemark/orchestrator"),
	}
}

// Execute runs one request through the phase machine to a terminal state.
// It never returns an error: every failure is a terminal Outcome with a
// structured fault, so the caller has exactly one shape to handle.
func (o *Orchestrator) Execute(ctx context.Context, req Request) *Outcome {
	runID := "run_" + uuid.NewString()
	out := &Outcome{RunID: runID, DryRun: req.DryRun}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("intent.action", string(req.Intent.Action)),
			attribute.Bool("dry_run", req.DryRun),
		))
	defer span.End()

	if err := req.Intent.Validate(); err != nil {
		out.State = StateFailed
		out.Fault = fault.New(fault.CodePolicyViolation, "invalid intent: %v", err)
		o.append(runID, req.Plane, audit.PhasePolicy, map[string]any{
			"state": StateFailed,
			"code":  fault.CodePolicyViolation,
			"error": err.Error(),
		})
		return out
	}

	// Phase 1: policy. A denial is terminal before any side effect, writes
	// exactly one audit event, and never touches idempotency or breaker.
	result := o.evaluatePolicy(ctx, req)
	if !result.Allowed {
		out.State = StateFailed
		out.Fault = fault.New(fault.CodePolicyViolation, "policy %s denied the intent", o.doc.Version).
			WithDetail("violations", result.Violations)
		o.append(runID, req.Plane, audit.PhasePolicy, map[string]any{
			"state":      StateFailed,
			"code":       fault.CodePolicyViolation,
			"version":    o.doc.Version,
			"violations": result.Violations,
		})
		return out
	}
	if result.RequiresSimulationFirst {
		out.State = StateFailed
		out.Fault = fault.New(fault.CodePolicyViolation,
			"policy %s requires a dry run before live execution", o.doc.Version).
			WithDetail("reason", "simulation_required")
		o.append(runID, req.Plane, audit.PhasePolicy, map[string]any{
			"state":  StateFailed,
			"code":   fault.CodePolicyViolation,
			"reason": "simulation_required",
		})
		return out
	}
	o.append(runID, req.Plane, audit.PhasePolicy, map[string]any{
		"state":   StatePolicyChecked,
		"version": o.doc.Version,
	})

	// Dry runs stop after policy and route feasibility: no idempotency
	// claim, no breaker accounting, no connector.
	if req.DryRun {
		return o.finishDryRun(ctx, runID, req, out)
	}

	// Phase 2: idempotency.
	key, err := idempotency.Key(req.Intent, o.doc.Version)
	if err != nil {
		return o.failStore(runID, req.Plane, audit.PhaseIdempotency, out, "compute idempotency key", err)
	}
	isNew, existing, err := o.beginClaim(ctx, key)
	if err != nil {
		return o.failStore(runID, req.Plane, audit.PhaseIdempotency, out, "claim idempotency key", err)
	}
	if !isNew {
		return o.replayStored(runID, req.Plane, key, existing, out)
	}
	o.append(runID, req.Plane, audit.PhaseIdempotency, map[string]any{
		"state": StateIdempotencyChecked,
		"key":   key,
	})

	// Phase 3: breaker.
	scope := req.Intent.ConnectorKey()
	allowed, err := o.canAttempt(ctx, scope)
	if err != nil {
		o.release(ctx, key)
		return o.failStore(runID, req.Plane, audit.PhaseBreaker, out, "read breaker state", err)
	}
	if !allowed {
		// Release the claim: breaker-open is a back-off signal, not a
		// terminal outcome for this key.
		o.release(ctx, key)
		out.State = StateFailed
		out.Fault = fault.New(fault.CodeBreakerOpen, "scope %s is open", scope).
			WithDetail("scope", scope)
		o.append(runID, req.Plane, audit.PhaseBreaker, map[string]any{
			"state": StateFailed,
			"code":  fault.CodeBreakerOpen,
			"scope": scope,
		})
		return out
	}
	o.append(runID, req.Plane, audit.PhaseBreaker, map[string]any{
		"state": StateBreakerChecked,
		"scope": scope,
	})

	// Phase 4: route feasibility, cross-domain operations only.
	if req.Intent.CrossDomain() {
		if f := o.checkRoute(ctx, req.Intent); f != nil {
			out.State = StateFailed
			out.Fault = f
			o.persist(ctx, key, storedOutcome{State: StateFailed, Fault: f})
			o.append(runID, req.Plane, audit.PhaseRoute, map[string]any{
				"state":   StateFailed,
				"code":    f.Code,
				"details": f.Details,
			})
			return out
		}
		o.append(runID, req.Plane, audit.PhaseRoute, map[string]any{
			"state": StateRouteChecked,
		})
	}

	// Phase 5: dispatch.
	operation := req.Intent.Operation()
	conn, ok := o.registry.Lookup(operation)
	if !ok {
		// A missing registration is deployment misconfiguration, not
		// connector health: the claim is released and the breaker is
		// left alone so a corrected deployment can retry the intent.
		o.release(ctx, key)
		out.State = StateFailed
		out.Fault = fault.New(fault.CodeConnectorFailure, "no connector registered for %s", operation).
			WithDetail("operation", operation)
		o.append(runID, req.Plane, audit.PhaseResult, map[string]any{
			"state":     StateFailed,
			"code":      out.Fault.Code,
			"operation": operation,
		})
		return out
	}
	params := audit.MarshalPayload(req.Intent.Body())
	o.append(runID, req.Plane, audit.PhaseDispatch, map[string]any{
		"state":     StateDispatched,
		"operation": operation,
		"connector": conn.Name(),
	})

	resp, err := o.dispatch(ctx, conn, operation, params)
	if err != nil {
		f := fault.New(fault.CodeConnectorFailure, "dispatch %s: %v", operation, err).
			WithDetail("operation", operation)
		return o.failDispatch(ctx, runID, req.Plane, key, scope, out, f, nil)
	}
	if !resp.OK {
		f := fault.New(fault.CodeConnectorFailure, "connector %s rejected %s", conn.Name(), operation).
			WithDetail("operation", operation)
		if resp.Err != nil {
			f.Message = resp.Err.Message
			f.WithDetail("connectorCode", resp.Err.Code)
			if len(resp.Err.Details) > 0 {
				f.WithDetail("connectorDetails", resp.Err.Details)
			}
		}
		return o.failDispatch(ctx, runID, req.Plane, key, scope, out, f, resp.Err)
	}

	// Phase 6: success.
	o.persist(ctx, key, storedOutcome{State: StateCompleted, Result: resp.Result})
	if err := o.recordSuccess(ctx, scope); err != nil {
		o.logger.Warn("breaker success not recorded", "scope", scope, "error", err)
	}
	out.State = StateCompleted
	out.Result = resp.Result
	o.append(runID, req.Plane, audit.PhaseResult, map[string]any{
		"state":  StateCompleted,
		"result": json.RawMessage(resp.Result),
	})
	return out
}

func (o *Orchestrator) evaluatePolicy(ctx context.Context, req Request) policy.Result {
	_, span := o.tracer.Start(ctx, "orchestrator.policy")
	defer span.End()
	return o.engine.Evaluate(req.Intent, o.doc, policy.Context{
		DryRun:           req.DryRun,
		SourceKeyID:      req.SourceKeyID,
		DestinationKeyID: req.DestinationKeyID,
	})
}

func (o *Orchestrator) beginClaim(ctx context.Context, key string) (bool, *idempotency.Record, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.idempotency")
	defer span.End()
	return o.store.Begin(ctx, key)
}

func (o *Orchestrator) canAttempt(ctx context.Context, scope string) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.breaker")
	defer span.End()
	return o.breaker.CanAttempt(ctx, scope)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, scope string) error {
	return o.breaker.RecordSuccess(ctx, scope)
}

func (o *Orchestrator) dispatch(ctx context.Context, conn connector.Connector, operation string, params json.RawMessage) (*connector.Response, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(attribute.String("operation", operation)))
	defer span.End()
	return connector.DispatchWithTimeout(ctx, conn, operation, params, o.dispatchTimeout)
}

// checkRoute returns a fault when the tuple is unsupported, with the
// recommended pipeline attached when one is known.
func (o *Orchestrator) checkRoute(ctx context.Context, in *intent.Intent) *fault.Fault {
	_, span := o.tracer.Start(ctx, "orchestrator.route")
	defer span.End()

	source, dest, provider, ok := in.RouteTuple()
	if !ok {
		return nil
	}
	decision := o.routes.Check(source, dest, provider)
	if decision.Supported {
		return nil
	}
	f := fault.New(fault.CodeRouteNotSupported,
		"no direct route from %s to %s via %s", source, dest, provider).
		WithDetail("sourceChain", source).
		WithDetail("destinationChain", dest).
		WithDetail("provider", provider)
	if len(decision.Pipeline) > 0 {
		f.WithDetail("recommendedPipeline", decision.Pipeline)
	}
	return f
}

// finishDryRun runs the route check and reports the simulated outcome
// without claiming the key or touching the breaker.
func (o *Orchestrator) finishDryRun(ctx context.Context, runID string, req Request, out *Outcome) *Outcome {
	if req.Intent.CrossDomain() {
		if f := o.checkRoute(ctx, req.Intent); f != nil {
			out.State = StateFailed
			out.Fault = f
			o.append(runID, req.Plane, audit.PhaseRoute, map[string]any{
				"state":   StateFailed,
				"code":    f.Code,
				"details": f.Details,
				"dry_run": true,
			})
			return out
		}
		o.append(runID, req.Plane, audit.PhaseRoute, map[string]any{
			"state":   StateRouteChecked,
			"dry_run": true,
		})
	}
	out.State = StateCompleted
	out.Result = audit.MarshalPayload(map[string]any{
		"simulated": true,
		"operation": req.Intent.Operation(),
	})
	o.append(runID, req.Plane, audit.PhaseResult, map[string]any{
		"state":   StateCompleted,
		"dry_run": true,
	})
	return out
}

// replayStored rebuilds the outcome of a finished record, or reports an
// in-flight holder, without invoking any connector.
func (o *Orchestrator) replayStored(runID string, plane audit.Plane, key string, rec *idempotency.Record, out *Outcome) *Outcome {
	out.Replayed = true
	o.append(runID, plane, audit.PhaseIdempotency, map[string]any{
		"state":    "idempotency_replayed",
		"key":      key,
		"recorded": rec.Status,
	})

	switch rec.Status {
	case idempotency.StatusCompleted:
		var stored storedOutcome
		if err := json.Unmarshal(rec.Result, &stored); err == nil && stored.State != "" {
			out.State = stored.State
			out.Result = stored.Result
			out.Fault = stored.Fault
		} else {
			out.State = StateCompleted
			out.Result = rec.Result
		}
	case idempotency.StatusFailed:
		var stored storedOutcome
		if err := json.Unmarshal(rec.Result, &stored); err == nil && stored.Fault != nil {
			out.State = StateFailed
			out.Fault = stored.Fault
		} else {
			out.State = StateFailed
			out.Fault = fault.New(fault.CodeConnectorFailure, "replayed stored failure for key %s", key)
		}
	default:
		// Another holder is mid-flight and not yet stale.
		out.State = StateFailed
		out.Fault = fault.New(fault.CodeIdempotencyReplayed,
			"execution for key %s is in flight", key).
			WithDetail("key", key).
			WithDetail("status", rec.Status)
	}
	return out
}

func (o *Orchestrator) failDispatch(ctx context.Context, runID string, plane audit.Plane, key, scope string, out *Outcome, f *fault.Fault, connErr *connector.Error) *Outcome {
	out.State = StateFailed
	out.Fault = f
	if err := o.store.Fail(ctx, key, audit.MarshalPayload(storedOutcome{State: StateFailed, Fault: f})); err != nil {
		o.logger.Error("idempotency failure not recorded", "key", key, "error", err)
	}
	if err := o.breaker.RecordFailure(ctx, scope); err != nil {
		o.logger.Error("breaker failure not recorded", "scope", scope, "error", err)
	}
	payload := map[string]any{
		"state": StateFailed,
		"code":  f.Code,
		"scope": scope,
	}
	if connErr != nil {
		payload["connector_error"] = connErr
	}
	o.append(runID, plane, audit.PhaseResult, payload)
	return out
}

func (o *Orchestrator) failStore(runID string, plane audit.Plane, phase audit.Phase, out *Outcome, action string, err error) *Outcome {
	out.State = StateFailed
	out.Fault = fault.New(fault.CodeStoreFailure, "%s: %v", action, err)
	o.append(runID, plane, phase, map[string]any{
		"state": StateFailed,
		"code":  fault.CodeStoreFailure,
		"error": err.Error(),
	})
	return out
}

func (o *Orchestrator) persist(ctx context.Context, key string, stored storedOutcome) {
	var err error
	if stored.State == StateCompleted {
		err = o.store.Complete(ctx, key, audit.MarshalPayload(stored))
	} else {
		err = o.store.Fail(ctx, key, audit.MarshalPayload(stored))
	}
	if err != nil {
		o.logger.Error("idempotency outcome not recorded", "key", key, "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, key string) {
	if err := o.store.Release(ctx, key); err != nil {
		o.logger.Warn("idempotency claim not released", "key", key, "error", err)
	}
}

func (o *Orchestrator) append(runID string, plane audit.Plane, phase audit.Phase, payload map[string]any) {
	o.log.Append(audit.Event{
		RunID:   runID,
		Plane:   plane,
		Phase:   phase,
		Payload: audit.MarshalPayload(payload),
	})
}
