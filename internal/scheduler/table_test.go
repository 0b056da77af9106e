package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbeat/internal/fleet"
	"fleetbeat/internal/schedule"
	"fleetbeat/internal/timeline"
)

func TestProjectedType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		count int
		cycle int
		steps int64
		want  timeline.NodeType
	}{
		{"disabled", 9, 0, 0, timeline.NodeHeartbeat},
		{"next is opt", 4, 4, 0, timeline.NodeOptimization},
		{"one before opt", 3, 4, 0, timeline.NodeHeartbeat},
		{"forward to opt", 0, 4, 4, timeline.NodeOptimization},
		{"forward past opt", 0, 4, 5, timeline.NodeHeartbeat},
		{"back to opt", 0, 4, -1, timeline.NodeOptimization},
		{"back two cycles", 0, 4, -6, timeline.NodeOptimization},
		{"count above shrunk cycle", 7, 2, 0, timeline.NodeOptimization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AgentSchedule{HeartbeatCount: tt.count, OptimizationCycleLength: tt.cycle}
			assert.Equal(t, tt.want, a.projectedType(tt.steps))
		})
	}
}

func TestReconfigureAddsWithNextRank(t *testing.T) {
	t.Parallel()

	s, clk, src := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	a := schedOf(t, s, "a")
	assert.Equal(t, 0, a.Rank)
	assert.Equal(t, "a", a.DisplayName)
	assert.Contains(t, schedule.DefaultPalette, a.ColorTag)

	clk.Set(t0.Add(5 * time.Second))
	src.Set([]fleet.Agent{{ID: "a", Interval: time.Minute}, {ID: "b", Name: "Beta", Interval: time.Minute}})
	require.NoError(t, s.Reconfigure(context.Background()))

	assert.Equal(t, a.NextDueAt, schedOf(t, s, "a").NextDueAt)
	b := schedOf(t, s, "b")
	assert.Equal(t, 1, b.Rank)
	assert.Equal(t, "Beta", b.DisplayName)
	assert.Equal(t, schedule.OffsetAt(1, time.Minute), b.StaggerOffset)
	assert.Equal(t, schedule.FirstDueAt(t0.Add(5*time.Second), time.Minute, b.StaggerOffset), b.NextDueAt)
}

func TestReconfigureUpdatesInPlace(t *testing.T) {
	t.Parallel()

	s, clk, src := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	runOnce(t, s, clk, "a")
	before := schedOf(t, s, "a")

	src.Set([]fleet.Agent{{ID: "a", Name: "Alpha", Interval: time.Minute, OptimizationCycleLength: cycle(1)}})
	require.NoError(t, s.Reconfigure(context.Background()))

	after := schedOf(t, s, "a")
	assert.Equal(t, "Alpha", after.DisplayName)
	assert.Equal(t, before.NextDueAt, after.NextDueAt)
	assert.Equal(t, 1, after.HeartbeatCount)
	assert.Equal(t, 1, after.OptimizationCycleLength)
	assert.False(t, after.InheritsCycle)
	assert.True(t, after.NextIsOptimization)
}

func TestReconfigureIntervalChangeRestaggers(t *testing.T) {
	t.Parallel()

	s, clk, src := newTestService(t, Config{}, &fakeAdapter{},
		fleet.Agent{ID: "a", Interval: time.Minute},
		fleet.Agent{ID: "b", Interval: time.Minute},
	)
	now := t0.Add(90 * time.Second)
	clk.Set(now)
	src.Set([]fleet.Agent{{ID: "a", Interval: time.Minute}, {ID: "b", Interval: 5 * time.Minute}})
	require.NoError(t, s.Reconfigure(context.Background()))

	b := schedOf(t, s, "b")
	assert.Equal(t, 5*time.Minute, b.Interval)
	assert.Equal(t, 0, b.Rank)
	assert.Equal(t, time.Duration(0), b.StaggerOffset)
	assert.Equal(t, schedule.FirstDueAt(now, 5*time.Minute, 0), b.NextDueAt)
}

func TestReconfigureRemovesAgents(t *testing.T) {
	t.Parallel()

	s, _, src := newTestService(t, Config{}, &fakeAdapter{},
		fleet.Agent{ID: "a", Interval: time.Minute},
		fleet.Agent{ID: "b", Interval: time.Minute},
	)
	src.Set([]fleet.Agent{{ID: "b", Interval: time.Minute}})
	require.NoError(t, s.Reconfigure(context.Background()))

	got := s.Schedules()
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].AgentID)
}

func TestRemovedAgentCompletionIsHarmless(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{gate: make(chan struct{}), called: make(chan string, 1)}
	s, _, src := newTestService(t, Config{}, ad, fleet.Agent{ID: "a", Interval: time.Minute})
	due := schedOf(t, s, "a").NextDueAt
	s.tick(due)
	<-ad.called

	src.Set(nil)
	require.NoError(t, s.Reconfigure(context.Background()))
	ad.gate <- struct{}{}
	s.complete(recvDone(t, s))

	assert.Empty(t, s.Schedules())
	assert.Equal(t, 0, s.Snapshot().InFlight)
	n, ok := s.history.Get(timeline.NodeID("a", due))
	require.True(t, ok)
	assert.Equal(t, timeline.StatusCompleted, n.Status)
}

func TestSetOptimizationCycleLength(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(t, Config{DefaultOptimizationCycleLength: 4}, &fakeAdapter{},
		fleet.Agent{ID: "inherit", Interval: time.Minute},
		fleet.Agent{ID: "own", Interval: time.Minute, OptimizationCycleLength: cycle(3)},
	)
	assert.Equal(t, 4, schedOf(t, s, "inherit").OptimizationCycleLength)

	require.NoError(t, s.SetOptimizationCycleLength(0))
	assert.Equal(t, 0, schedOf(t, s, "inherit").OptimizationCycleLength)
	assert.Equal(t, 3, schedOf(t, s, "own").OptimizationCycleLength)
	assert.Equal(t, 0, s.Snapshot().DefaultCycleLength)

	assert.ErrorIs(t, s.SetOptimizationCycleLength(-1), ErrInvalidCycle)
}

func TestApplyHotSwapsConfig(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	require.NoError(t, s.Apply(Config{
		MaxConcurrentExecutions:        1,
		ColorPalette:                   []string{"#000000"},
		DefaultOptimizationCycleLength: 2,
		TickInterval:                   time.Hour,
	}))

	a := schedOf(t, s, "a")
	assert.Equal(t, "#000000", a.ColorTag)
	assert.Equal(t, 2, a.OptimizationCycleLength)
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.MaxConcurrentExecutions)
	assert.Equal(t, time.Hour, snap.TickInterval)
	assert.Equal(t, 1, cap(s.sem))
}
