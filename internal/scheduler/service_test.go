package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetbeat/internal/eventbus"
	"fleetbeat/internal/fleet"
	"fleetbeat/internal/schedule"
	"fleetbeat/internal/timeline"
	"fleetbeat/pkg/logx"
)

func TestNewRequiresAdapterAndSource(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, fleet.NewStatic(), nil, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
	_, err = New(Config{}, nil, &fakeAdapter{}, logx.Nop(), nil)
	assert.ErrorIs(t, err, ErrNoFleetSource)
}

func TestOptimizationCadence(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s, clk, _ := newTestService(t, Config{}, ad, fleet.Agent{ID: "a", Interval: time.Minute, OptimizationCycleLength: cycle(4)})

	var types []timeline.NodeType
	for i := 0; i < 6; i++ {
		types = append(types, runOnce(t, s, clk, "a").node.Type)
	}
	assert.Equal(t, []timeline.NodeType{
		timeline.NodeHeartbeat, timeline.NodeHeartbeat, timeline.NodeHeartbeat, timeline.NodeHeartbeat,
		timeline.NodeOptimization, timeline.NodeHeartbeat,
	}, types)
	assert.Equal(t, []string{"hb:a", "hb:a", "hb:a", "hb:a", "opt:a", "hb:a"}, ad.Calls())
	assert.Equal(t, 1, schedOf(t, s, "a").HeartbeatCount)
}

func TestZeroCycleNeverOptimizes(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	for i := 0; i < 8; i++ {
		assert.Equal(t, timeline.NodeHeartbeat, runOnce(t, s, clk, "a").node.Type)
	}
}

func TestOptimizationCadenceCycleThree(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute, OptimizationCycleLength: cycle(3)})
	first := schedOf(t, s, "a").NextDueAt

	var types []timeline.NodeType
	for i := 0; i < 10; i++ {
		types = append(types, runOnce(t, s, clk, "a").node.Type)
	}
	hb, opt := timeline.NodeHeartbeat, timeline.NodeOptimization
	assert.Equal(t, []timeline.NodeType{hb, hb, hb, opt, hb, hb, hb, opt, hb, hb}, types)
	assert.Equal(t, first.Add(10*time.Minute), schedOf(t, s, "a").NextDueAt)
	assert.Equal(t, 2, schedOf(t, s, "a").HeartbeatCount)
}

func TestFailedOptimizationStillResetsCounter(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{failAll: true}
	s, clk, _ := newTestService(t, Config{}, ad, fleet.Agent{ID: "a", Interval: time.Minute, OptimizationCycleLength: cycle(3)})
	first := schedOf(t, s, "a").NextDueAt

	var types []timeline.NodeType
	for i := 0; i < 10; i++ {
		c := runOnce(t, s, clk, "a")
		require.Error(t, c.err)
		types = append(types, c.node.Type)
	}
	hb, opt := timeline.NodeHeartbeat, timeline.NodeOptimization
	assert.Equal(t, []timeline.NodeType{hb, hb, hb, opt, hb, hb, hb, opt, hb, hb}, types)
	assert.Equal(t, first.Add(10*time.Minute), schedOf(t, s, "a").NextDueAt)
	assert.Equal(t, uint64(10), s.Snapshot().Failed)
	for _, n := range s.Recent(0) {
		assert.Equal(t, timeline.StatusFailed, n.Status, n.ID)
	}
}

func TestConcreteScenario(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{MaxConcurrentExecutions: 1}, &fakeAdapter{},
		fleet.Agent{ID: "a", Interval: 60 * time.Second, OptimizationCycleLength: cycle(0)},
		fleet.Agent{ID: "b", Interval: 60 * time.Second, OptimizationCycleLength: cycle(4)},
	)
	a, b := schedOf(t, s, "a"), schedOf(t, s, "b")
	assert.Equal(t, time.Duration(0), a.StaggerOffset)
	assert.Equal(t, schedule.OffsetAt(1, time.Minute), b.StaggerOffset)

	gap := b.StaggerOffset - a.StaggerOffset
	assert.GreaterOrEqual(t, gap, 25*time.Second)
	assert.Equal(t, 37082*time.Millisecond, gap)

	// Run whichever agent is due first until b has run six times.
	firstB := b.NextDueAt
	var typesB []timeline.NodeType
	for len(typesB) < 6 {
		next := "a"
		if schedOf(t, s, "b").NextDueAt.Before(schedOf(t, s, "a").NextDueAt) {
			next = "b"
		}
		c := runOnce(t, s, clk, next)
		if next == "a" {
			assert.Equal(t, timeline.NodeHeartbeat, c.node.Type, "cycle 0 never optimizes")
			continue
		}
		assert.Equal(t, firstB.Add(time.Duration(len(typesB))*time.Minute), c.node.ScheduledAt)
		typesB = append(typesB, c.node.Type)
	}
	hb, opt := timeline.NodeHeartbeat, timeline.NodeOptimization
	assert.Equal(t, []timeline.NodeType{hb, hb, hb, hb, opt, hb}, typesB)
	assert.Equal(t, opt, typesB[4])
	assert.Equal(t, hb, typesB[5])
}

func TestSingleFlightPerAgent(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{gate: make(chan struct{}), called: make(chan string, 4)}
	s, clk, _ := newTestService(t, Config{}, ad, fleet.Agent{ID: "a", Interval: time.Minute})

	due := schedOf(t, s, "a").NextDueAt
	s.tick(due)
	<-ad.called

	// Still executing two intervals later: nothing new is dispatched.
	late := due.Add(2*time.Minute + time.Second)
	clk.Set(late)
	s.tick(late)
	assert.Equal(t, uint64(1), s.Snapshot().Dispatched)
	assert.Equal(t, 1, s.Snapshot().InFlight)

	ad.gate <- struct{}{}
	s.complete(recvDone(t, s))
	assert.Equal(t, due.Add(3*time.Minute), schedOf(t, s, "a").NextDueAt)
	assert.Equal(t, 0, s.Snapshot().InFlight)
}

func TestConcurrencyLimitDefersDueAgents(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{gate: make(chan struct{}), called: make(chan string, 8)}
	s, clk, _ := newTestService(t, Config{MaxConcurrentExecutions: 2}, ad,
		fleet.Agent{ID: "a", Interval: time.Minute},
		fleet.Agent{ID: "b", Interval: time.Minute},
		fleet.Agent{ID: "c", Interval: time.Minute},
	)

	now := t0.Add(2 * time.Minute)
	clk.Set(now)
	s.tick(now)
	<-ad.called
	<-ad.called
	snap := s.Snapshot()
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, 1, snap.Backlog)

	ad.gate <- struct{}{}
	s.complete(recvDone(t, s))
	<-ad.called
	assert.Equal(t, uint64(3), s.Snapshot().Dispatched)

	ad.gate <- struct{}{}
	ad.gate <- struct{}{}
	s.complete(recvDone(t, s))
	s.complete(recvDone(t, s))

	assert.LessOrEqual(t, ad.maxSeen.Load(), int32(2))
	assert.Equal(t, 0, s.Snapshot().InFlight)
	assert.Equal(t, 0, s.Snapshot().Backlog)
}

func TestFailureDoesNotStall(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{}, &fakeAdapter{failAll: true}, fleet.Agent{ID: "a", Interval: time.Minute})
	var failed int
	s.Subscribe(func(e eventbus.Event) {
		if e.Type == eventbus.HeartbeatFailed {
			failed++
		}
	})

	first := schedOf(t, s, "a").NextDueAt
	for i := 0; i < 5; i++ {
		c := runOnce(t, s, clk, "a")
		n, ok := s.history.Get(c.node.ID)
		require.True(t, ok)
		assert.Equal(t, timeline.StatusFailed, n.Status)
		assert.Equal(t, "agent unreachable", n.Error)
	}
	assert.Equal(t, 5, failed)
	assert.Equal(t, first.Add(5*time.Minute), schedOf(t, s, "a").NextDueAt)
	assert.Equal(t, uint64(5), s.Snapshot().Failed)
}

func TestAdapterPanicIsFailure(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{}, &fakeAdapter{panics: true}, fleet.Agent{ID: "a", Interval: time.Minute})
	first := schedOf(t, s, "a").NextDueAt
	c := runOnce(t, s, clk, "a")

	n, ok := s.history.Get(c.node.ID)
	require.True(t, ok)
	assert.Equal(t, timeline.StatusFailed, n.Status)
	assert.Contains(t, n.Error, "adapter exploded")
	assert.Equal(t, first.Add(time.Minute), schedOf(t, s, "a").NextDueAt)
}

func TestListenerPanicDoesNotBreakDispatch(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	s.Subscribe(func(eventbus.Event) { panic("bad listener") })
	var seen []string
	s.Subscribe(func(e eventbus.Event) { seen = append(seen, e.Type) })

	runOnce(t, s, clk, "a")
	runOnce(t, s, clk, "a")
	assert.Equal(t, []string{
		eventbus.HeartbeatStarted, eventbus.HeartbeatCompleted,
		eventbus.HeartbeatStarted, eventbus.HeartbeatCompleted,
	}, seen)
}

func TestEventsCarryNodes(t *testing.T) {
	t.Parallel()

	s, clk, _ := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	var nodes []timeline.Node
	s.Subscribe(func(e eventbus.Event) { nodes = append(nodes, e.Data.(timeline.Node)) })

	runOnce(t, s, clk, "a")
	require.Len(t, nodes, 2)
	assert.Equal(t, timeline.StatusExecuting, nodes[0].Status)
	assert.Equal(t, timeline.StatusCompleted, nodes[1].Status)
	assert.Equal(t, nodes[0].ID, nodes[1].ID)
	assert.JSONEq(t, `{"ok":true}`, string(nodes[1].Summary))
	require.NotNil(t, nodes[1].FinishedAt)
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: t0}
	s, err := New(Config{TickInterval: time.Hour}, fleet.NewStatic(fleet.Agent{ID: "a", Interval: time.Minute}),
		&fakeAdapter{}, logx.Nop(), nil, WithClock(clk.Now))
	require.NoError(t, err)

	var mu sync.Mutex
	var toggles []bool
	s.Subscribe(func(e eventbus.Event) {
		if tg, ok := e.Data.(eventbus.Toggle); ok {
			mu.Lock()
			toggles = append(toggles, tg.Enabled)
			mu.Unlock()
		}
	})

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.IsActive())
	assert.Len(t, s.Schedules(), 1)
	runID := s.Snapshot().RunID
	assert.NotEmpty(t, runID)

	s.Stop(ctx)
	s.Stop(ctx)
	assert.False(t, s.IsActive())
	assert.Empty(t, s.Schedules())

	mu.Lock()
	assert.Equal(t, []bool{true, false}, toggles)
	mu.Unlock()

	s.Start(ctx)
	defer s.Stop(ctx)
	assert.NotEqual(t, runID, s.Snapshot().RunID)
}

func TestStartWithBrokenFleetHasNoAgents(t *testing.T) {
	t.Parallel()

	src := fleet.NewStatic()
	src.Fail(errors.New("config unreadable"))
	s, err := New(Config{TickInterval: time.Hour}, src, &fakeAdapter{}, logx.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)
	assert.True(t, s.IsActive())
	assert.Empty(t, s.Schedules())

	// The next explicit reconfigure picks the fleet up.
	src.Fail(nil)
	src.Set([]fleet.Agent{{ID: "a", Interval: time.Minute}})
	require.NoError(t, s.Reconfigure(ctx))
	assert.Len(t, s.Schedules(), 1)
}

func TestInvalidFleetRejected(t *testing.T) {
	t.Parallel()

	s, _, src := newTestService(t, Config{}, &fakeAdapter{}, fleet.Agent{ID: "a", Interval: time.Minute})
	src.Set([]fleet.Agent{{ID: "a", Interval: time.Minute}, {ID: "a", Interval: time.Hour}})
	assert.ErrorIs(t, s.Reconfigure(context.Background()), fleet.ErrInvalidAgent)
	assert.Len(t, s.Schedules(), 1)
}

func TestLoopDispatchesOnTicker(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: t0}
	ad := &fakeAdapter{called: make(chan string, 16)}
	s, err := New(Config{TickInterval: 5 * time.Millisecond}, fleet.NewStatic(fleet.Agent{ID: "a", Interval: time.Minute}),
		ad, logx.Nop(), nil, WithClock(clk.Now))
	require.NoError(t, err)

	completed := make(chan timeline.Node, 4)
	s.Subscribe(func(e eventbus.Event) {
		if e.Type == eventbus.HeartbeatCompleted {
			completed <- e.Data.(timeline.Node)
		}
	})

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	due := schedOf(t, s, "a").NextDueAt
	clk.Set(due)
	select {
	case n := <-completed:
		assert.Equal(t, due, n.ScheduledAt)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never completed")
	}
	require.Eventually(t, func() bool {
		return schedOf(t, s, "a").NextDueAt.Equal(due.Add(time.Minute))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopDiscardsInFlight(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: t0}
	ad := &fakeAdapter{gate: make(chan struct{}), called: make(chan string, 4)}
	s, err := New(Config{TickInterval: 5 * time.Millisecond}, fleet.NewStatic(fleet.Agent{ID: "a", Interval: time.Minute}),
		ad, logx.Nop(), nil, WithClock(clk.Now))
	require.NoError(t, err)

	ctx := context.Background()
	s.Start(ctx)
	clk.Set(t0.Add(2 * time.Minute))
	select {
	case <-ad.called:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never dispatched")
	}

	s.Stop(ctx)
	assert.Empty(t, s.Schedules())
	assert.Empty(t, s.Recent(0))

	close(ad.gate)
	require.Eventually(t, func() bool { return s.Snapshot().InFlight == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), s.Snapshot().Completed)
	assert.Equal(t, uint64(1), s.Snapshot().Discarded)
	assert.Equal(t, 0, s.history.Len())
}

func TestRestartKeepsSingleFlight(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: t0}
	ad := &fakeAdapter{gate: make(chan struct{}), called: make(chan string, 8)}
	src := fleet.NewStatic(
		fleet.Agent{ID: "a", Interval: time.Minute},
		fleet.Agent{ID: "b", Interval: time.Minute},
	)
	s, err := New(Config{TickInterval: 5 * time.Millisecond, MaxConcurrentExecutions: 1}, src,
		ad, logx.Nop(), nil, WithClock(clk.Now))
	require.NoError(t, err)

	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)
	clk.Set(t0.Add(2 * time.Minute))

	var first string
	select {
	case first = <-ad.called:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing dispatched")
	}

	// The call outlives the run that started it.
	s.Stop(ctx)
	s.Start(ctx)
	assert.Equal(t, 1, s.Snapshot().InFlight)
	clk.Set(t0.Add(4 * time.Minute))

	select {
	case id := <-ad.called:
		t.Fatalf("dispatched %q while %q from the previous run is still executing", id, first)
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 1, ad.maxSeen.Load())

	// Once the old call returns, its agent and slot are free again.
	ad.gate <- struct{}{}
	select {
	case <-ad.called:
	case <-time.After(2 * time.Second):
		t.Fatal("no dispatch after the previous call returned")
	}
	assert.EqualValues(t, 1, ad.maxSeen.Load())
	close(ad.gate)
}
