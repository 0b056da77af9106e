package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetbeat/internal/eventbus"
	"fleetbeat/internal/fleet"
	"fleetbeat/pkg/logx"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeAdapter records calls. When gate is set, each call waits for a token.
type fakeAdapter struct {
	gate    chan struct{}
	called  chan string
	failAll bool
	panics  bool

	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeAdapter) enter(kind, id string) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, kind+":"+id)
	f.mu.Unlock()
	if f.called != nil {
		f.called <- id
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.panics {
		panic("adapter exploded")
	}
	if f.failAll {
		return errors.New("agent unreachable")
	}
	return nil
}

func (f *fakeAdapter) RunHeartbeat(_ context.Context, a Agent) (Result, error) {
	if err := f.enter("hb", a.ID); err != nil {
		return Result{}, err
	}
	return Result{Status: OutcomeCompleted, Summary: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeAdapter) RunOptimization(_ context.Context, id string, _ OptimizeOptions) (Result, error) {
	if err := f.enter("opt", id); err != nil {
		return Result{}, err
	}
	return Result{Status: OutcomeCompleted}, nil
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func cycle(n int) *int { return &n }

func newTestService(t *testing.T, cfg Config, ad Adapter, agents ...fleet.Agent) (*Service, *fakeClock, *fleet.Static) {
	t.Helper()
	clk := &fakeClock{now: t0}
	src := fleet.NewStatic(agents...)
	s, err := New(cfg, src, ad, logx.Nop(), eventbus.New(logx.Nop()), WithClock(clk.Now))
	require.NoError(t, err)
	require.NoError(t, s.Reconfigure(context.Background()))
	return s, clk, src
}

func recvDone(t *testing.T, s *Service) completion {
	t.Helper()
	select {
	case c := <-s.done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
		return completion{}
	}
}

func schedOf(t *testing.T, s *Service, id string) AgentSchedule {
	t.Helper()
	for _, a := range s.Schedules() {
		if a.AgentID == id {
			return a
		}
	}
	t.Fatalf("agent %q not scheduled", id)
	return AgentSchedule{}
}

// runOnce ticks at the agent's due time, applies every completion the tick
// produced and returns the one for id.
func runOnce(t *testing.T, s *Service, clk *fakeClock, id string) completion {
	t.Helper()
	due := schedOf(t, s, id).NextDueAt
	clk.Set(due)
	before := s.dispatched.Load()
	s.tick(due)
	n := int(s.dispatched.Load() - before)

	cs := make([]completion, 0, n)
	for i := 0; i < n; i++ {
		cs = append(cs, recvDone(t, s))
	}
	clk.Set(due.Add(time.Second))
	var out completion
	for _, c := range cs {
		if c.node.AgentID == id {
			out = c
		}
		s.complete(c)
	}
	require.Equal(t, id, out.node.AgentID)
	return out
}
