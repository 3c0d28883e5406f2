// Package idempotency guarantees at-most-one execution per logical
// operation. The fingerprint is deterministic over the canonical intent and
// the policy version: the same operation under the same policy always maps
// to the same key, and a policy change deliberately invalidates reuse.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidemark-io/tidemark/pkg/canonical"
	"github.com/tidemark-io/tidemark/pkg/intent"
)

// Status is the record lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one stored outcome. Records transition pending → completed or
// pending → failed exactly once and are never deleted automatically; they
// age out only by external retention policy.
type Record struct {
	Key         string          `json:"key"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Store is the at-most-once gate. Begin must guarantee that at most one
// caller observes isNew=true for a given key, even across processes; the
// loser receives the existing record and must not re-invoke any connector.
//
// Release drops a still-pending claim the caller won but aborted before
// dispatch (e.g. the circuit breaker refused the attempt), so a later retry
// of the same key can run. It never touches completed or failed records.
type Store interface {
	Begin(ctx context.Context, key string) (isNew bool, existing *Record, err error)
	Complete(ctx context.Context, key string, result json.RawMessage) error
	Fail(ctx context.Context, key string, result json.RawMessage) error
	Release(ctx context.Context, key string) error
}

// Key computes the deterministic fingerprint of (intent, policy version).
func Key(in *intent.Intent, policyVersion string) (string, error) {
	base, err := canonical.JCS(struct {
		Intent        *intent.Intent `json:"intent"`
		PolicyVersion string         `json:"policyVersion"`
	}{in, policyVersion})
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(base), nil
}
