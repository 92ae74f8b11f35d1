package scrape

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityRoundTripsByName(t *testing.T) {
	t.Parallel()

	cfg := JobConfig{URL: "https://example.com", Priority: PriorityUrgent}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"priority":"urgent"`)

	var decoded JobConfig
	require.NoError(t, json.Unmarshal([]byte(`{"url":"x","priority":"low"}`), &decoded))
	require.Equal(t, PriorityLow, decoded.Priority)

	require.Error(t, json.Unmarshal([]byte(`{"priority":"asap"}`), &decoded))
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusRunning.IsTerminal())
	for _, s := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusCached} {
		require.True(t, s.IsTerminal(), s)
	}
}

func TestStorageMetrics(t *testing.T) {
	t.Parallel()

	m := NewStorageMetrics(1000, 400, 50)
	require.InDelta(t, 95.0, m.ReductionPct, 1e-9)
	require.Zero(t, NewStorageMetrics(0, 0, 0).ReductionPct)
}
