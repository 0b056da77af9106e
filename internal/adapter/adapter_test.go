package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbeat/internal/scheduler"
	"fleetbeat/pkg/logx"
)

func TestDryRunSummaries(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := NewDryRun(logx.Nop())
	d.now = func() time.Time { return at }

	res, err := d.RunHeartbeat(context.Background(), scheduler.Agent{ID: "a", HeartbeatCount: 2})
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeCompleted, res.Status)

	var got map[string]any
	require.NoError(t, json.Unmarshal(res.Summary, &got))
	assert.Equal(t, "a", got["agent"])
	assert.Equal(t, "heartbeat", got["kind"])
	assert.Equal(t, true, got["dry_run"])
	assert.EqualValues(t, 2, got["heartbeat_count"])

	res, err = d.RunOptimization(context.Background(), "a", scheduler.OptimizeOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent":"a","kind":"optimization","at":"2026-01-02T03:04:05Z","dry_run":true}`, string(res.Summary))
}

func TestFuncsNilIsNotImplemented(t *testing.T) {
	t.Parallel()

	var f Funcs
	_, err := f.RunHeartbeat(context.Background(), scheduler.Agent{ID: "a"})
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = f.RunOptimization(context.Background(), "a", scheduler.OptimizeOptions{})
	assert.ErrorIs(t, err, ErrNotImplemented)

	f.Heartbeat = func(context.Context, scheduler.Agent) (scheduler.Result, error) {
		return scheduler.Result{Status: scheduler.OutcomeFailed}, nil
	}
	res, err := f.RunHeartbeat(context.Background(), scheduler.Agent{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, scheduler.OutcomeFailed, res.Status)
}

func TestThrottleCanceledContextFails(t *testing.T) {
	t.Parallel()

	calls := 0
	next := Funcs{Heartbeat: func(context.Context, scheduler.Agent) (scheduler.Result, error) {
		calls++
		return scheduler.Result{Status: scheduler.OutcomeCompleted}, nil
	}}
	th := NewThrottle(next, 0.001, 1)

	_, err := th.RunHeartbeat(context.Background(), scheduler.Agent{ID: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = th.RunHeartbeat(ctx, scheduler.Agent{ID: "a"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestThrottleUnlimited(t *testing.T) {
	t.Parallel()

	th := NewThrottle(NewDryRun(logx.Nop()), 0, 0)
	for i := 0; i < 100; i++ {
		_, err := th.RunOptimization(context.Background(), "a", scheduler.OptimizeOptions{})
		require.NoError(t, err)
	}
	th.SetLimit(1000, 5)
	_, err := th.RunHeartbeat(context.Background(), scheduler.Agent{ID: "a"})
	require.NoError(t, err)
}
