package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Simulated is an in-process connector used by the CLI's plan mode and by
// tests. It acknowledges every dispatch with a synthetic receipt and
// counts invocations so at-most-once execution can be asserted.
type Simulated struct {
	name  string
	calls atomic.Int64

	mu      sync.Mutex
	failure *Error
	err     error
}

// NewSimulated returns a connector that succeeds on every dispatch.
func NewSimulated(name string) *Simulated {
	return &Simulated{name: name}
}

// FailWith makes every subsequent dispatch report the given connector
// error. Pass nil to restore success.
func (s *Simulated) FailWith(e *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = e
}

// ErrWith makes every subsequent dispatch fail at the transport level.
func (s *Simulated) ErrWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many times Dispatch ran.
func (s *Simulated) Calls() int64 {
	return s.calls.Load()
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) Dispatch(ctx context.Context, operation string, params json.RawMessage) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.calls.Add(1)

	s.mu.Lock()
	failure, transportErr := s.failure, s.err
	s.mu.Unlock()

	if transportErr != nil {
		return nil, transportErr
	}
	if failure != nil {
		return &Response{OK: false, Err: failure}, nil
	}

	receipt, err := json.Marshal(map[string]any{
		"connector": s.name,
		"operation": operation,
		"reference": fmt.Sprintf("sim-%s-%d", s.name, n),
		"status":    "confirmed",
	})
	if err != nil {
		return nil, err
	}
	return &Response{OK: true, Result: receipt}, nil
}
