package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ripel-io/ripel/cdc"
	"github.com/ripel-io/ripel/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderStatus(t *testing.T) {
	tests := []struct {
		state cdc.State
		want  Status
	}{
		{cdc.Streaming, Healthy},
		{cdc.Connecting, Degraded},
		{cdc.Reconnecting, Degraded},
		{cdc.Disconnected, Unhealthy},
		{cdc.Stopped, Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ReaderStatus(tt.state))
		})
	}
}

func TestBreakerStatus(t *testing.T) {
	assert.Equal(t, Healthy, BreakerStatus(resilience.Closed))
	assert.Equal(t, Degraded, BreakerStatus(resilience.HalfOpen))
	assert.Equal(t, Unhealthy, BreakerStatus(resilience.Open))
}

func TestSaturationStatus(t *testing.T) {
	assert.Equal(t, Healthy, SaturationStatus(0))
	assert.Equal(t, Healthy, SaturationStatus(0.89))
	assert.Equal(t, Degraded, SaturationStatus(0.9))
	assert.Equal(t, Unhealthy, SaturationStatus(1))
}

func TestRegistryWorstStatusWins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, Healthy, r.Status(), "empty registry is healthy")

	state := cdc.Streaming
	saturation := 0.5
	r.Register("reader", ReaderChecker(func() cdc.State { return state }))
	r.Register("pipeline", PipelineChecker(func() float64 { return saturation }))

	snap := r.Check()
	assert.Equal(t, Healthy, snap.Status)
	require.Len(t, snap.Components, 2)
	assert.Equal(t, "pipeline", snap.Components[0].Name)
	assert.Equal(t, "reader", snap.Components[1].Name)

	saturation = 0.95
	assert.Equal(t, Degraded, r.Status())

	state = cdc.Stopped
	snap = r.Check()
	assert.Equal(t, Unhealthy, snap.Status)
	assert.Equal(t, "unhealthy (pipeline=degraded, reader=unhealthy)", snap.Summary())

	r.Unregister("reader")
	assert.Equal(t, Degraded, r.Status())
}

func TestBreakerChecker(t *testing.T) {
	set := resilience.NewBreakerSet(resilience.BreakerConfig{
		WindowSize:  1,
		MinRequests: 1,
		Cooldown:    time.Hour,
	})
	set.Get("mysql")
	kafka := set.Get("kafka")

	r := NewRegistry()
	r.Register("breakers", BreakerChecker(set))
	assert.Equal(t, Healthy, r.Status())

	err := kafka.Execute(context.Background(), func(context.Context) error {
		return resilience.NewTransient("produce", errors.New("broker unavailable"))
	})
	require.Error(t, err)
	require.Equal(t, resilience.Open, kafka.State())

	snap := r.Check()
	assert.Equal(t, Unhealthy, snap.Status)
	require.Len(t, snap.Components, 2)
	assert.Equal(t, Report{Name: "breaker:kafka", Status: Unhealthy, Detail: "open"}, snap.Components[0])
	assert.Equal(t, Report{Name: "breaker:mysql", Status: Healthy, Detail: "closed"}, snap.Components[1])
}

func TestSpoolChecker(t *testing.T) {
	n := 0
	var lenErr error
	c := SpoolChecker(func() (int, error) { return n, lenErr })

	assert.Equal(t, Healthy, c()[0].Status)

	n = 3
	assert.Equal(t, Degraded, c()[0].Status)
	assert.Contains(t, c()[0].Detail, "3 undelivered")

	lenErr = errors.New("pebble closed")
	assert.Equal(t, Unhealthy, c()[0].Status)
}

func TestSnapshotJSON(t *testing.T) {
	r := NewRegistry()
	r.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	r.Register("reader", ReaderChecker(func() cdc.State { return cdc.Reconnecting }))

	data, err := json.Marshal(r.Check())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status": "degraded",
		"checked_at": "2024-01-02T03:04:05Z",
		"components": [{"name": "reader", "status": "degraded", "detail": "reconnecting"}]
	}`, string(data))
}
