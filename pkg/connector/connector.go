package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Error is the structured failure a connector reports. Code is the
// connector's own vocabulary; the orchestrator wraps it under its fault
// taxonomy without discarding it.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the outcome of one dispatch. Exactly one of Result and Err
// is meaningful, selected by OK.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// Connector binds one external chain, bridge or venue. Dispatch is called
// at most once per orchestrator attempt; connectors must tolerate the
// process dying between dispatch and result recording.
type Connector interface {
	Name() string
	Dispatch(ctx context.Context, operation string, params json.RawMessage) (*Response, error)
}

// Registry maps wire operations to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a connector to a wire operation, replacing any previous
// binding.
func (r *Registry) Register(operation string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[operation] = c
}

// Lookup returns the connector for an operation.
func (r *Registry) Lookup(operation string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[operation]
	return c, ok
}

// Operations lists the registered wire operations in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.connectors))
	for op := range r.connectors {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// DispatchWithTimeout runs one dispatch under a deadline. A timeout or a
// transport error comes back as an error; connector-reported failures come
// back as a Response with OK false.
func DispatchWithTimeout(ctx context.Context, c Connector, operation string, params json.RawMessage, timeout time.Duration) (*Response, error) {
	dispatchCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.Dispatch(dispatchCtx, operation, params)
	if err != nil {
		return nil, fmt.Errorf("connector %s: dispatch %s: %w", c.Name(), operation, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("connector %s: dispatch %s returned no response", c.Name(), operation)
	}
	return resp, nil
}
