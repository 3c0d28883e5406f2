package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppendAndReadRun(t *testing.T) {
	l, path := openTestLog(t)

	phases := []Phase{PhasePolicy, PhaseIdempotency, PhaseBreaker, PhaseDispatch, PhaseResult}
	for _, phase := range phases {
		l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: phase,
			Payload: MarshalPayload(map[string]any{"phase": phase})})
	}
	l.Append(Event{RunID: "run_b", Plane: PlaneExecution, Phase: PhasePolicy})

	events, err := ReadRun(path, "run_a")
	require.NoError(t, err)
	require.Len(t, events, len(phases))
	for i, e := range events {
		assert.Equal(t, phases[i], e.Phase)
		assert.Equal(t, "run_a", e.RunID)
	}
}

func TestReadRunIsIdempotent(t *testing.T) {
	l, path := openTestLog(t)
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhasePolicy})
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhaseResult})

	first, err := ReadRun(path, "run_a")
	require.NoError(t, err)
	second, err := ReadRun(path, "run_a")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReadRunUnknownID(t *testing.T) {
	l, path := openTestLog(t)
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhasePolicy})

	events, err := ReadRun(path, "run_missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHashChain(t *testing.T) {
	l, path := openTestLog(t)
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhasePolicy})
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhaseResult})

	events, err := ReadRun(path, "run_a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, GenesisHash, events[0].PrevHash)
	assert.NotEqual(t, GenesisHash, events[1].PrevHash)

	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	l, path := openTestLog(t)
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhasePolicy,
		Payload: MarshalPayload(map[string]any{"amount": "100"})})
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhaseResult})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"100"`, `"999"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = VerifyChain(path)
	assert.Error(t, err)
}

func TestReopenRecoversChainTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := Open(path, slog.Default())
	require.NoError(t, err)
	l.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhasePolicy})
	require.NoError(t, l.Close())

	l2, err := Open(path, slog.Default())
	require.NoError(t, err)
	l2.Append(Event{RunID: "run_a", Plane: PlaneControl, Phase: PhaseResult})
	require.NoError(t, l2.Close())

	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMarshalPayloadDegrades(t *testing.T) {
	raw := MarshalPayload(map[string]any{"ok": true})
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	// Channels cannot be marshaled; the payload degrades to a marker.
	raw = MarshalPayload(map[string]any{"ch": make(chan int)})
	var marker map[string]any
	require.NoError(t, json.Unmarshal(raw, &marker))
	assert.Contains(t, marker, "marshal_error")
}
