package a2a

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurst(t *testing.T) {
	l := NewPlaneLimiter(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("agent-1"), "call %d within burst", i)
	}
	assert.False(t, l.Allow("agent-1"))
}

func TestLimiterIsPerKey(t *testing.T) {
	l := NewPlaneLimiter(1, 1)

	assert.True(t, l.Allow("agent-1"))
	assert.False(t, l.Allow("agent-1"))
	// A different key has its own bucket.
	assert.True(t, l.Allow("agent-2"))
}

func TestLimiterDisabled(t *testing.T) {
	l := NewPlaneLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("agent-1"))
	}

	var nilLimiter *PlaneLimiter
	assert.True(t, nilLimiter.Allow("agent-1"))
}
