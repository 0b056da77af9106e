package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fleetbeat/internal/eventbus"
	"fleetbeat/internal/schedule"
	"fleetbeat/internal/timeline"
	"fleetbeat/pkg/logx"
)

const slowRunThreshold = 750 * time.Millisecond

type dispatch struct {
	agent Agent
	node  timeline.Node
}

// completion travels from an execution goroutine back to the loop.
type completion struct {
	gen      uint64
	node     timeline.Node
	res      Result
	err      error
	finished time.Time
}

func (s *Service) loop(ctx context.Context, r *run) error {
	for {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-r.ticker.C:
			s.tick(s.now())
		case c := <-s.done:
			s.complete(c)
		case fn := <-r.ctl:
			fn()
		}
	}
}

func (s *Service) tick(now time.Time) {
	s.ticks.Add(1)
	s.dispatchDue(now)
}

// dispatchDue starts every due agent that fits under the concurrency limit.
// Agents that do not fit stay due and are retried on the next pass.
func (s *Service) dispatchDue(now time.Time) {
	batch, waiting := s.claim(now)
	s.backlog.Store(int64(waiting))
	if waiting > 0 {
		s.backlogWarn.Do(func() {
			s.log.Warn("dispatch backlog; due agents deferred",
				logx.Int("waiting", waiting),
				logx.Int("max_concurrent", s.config().MaxConcurrentExecutions),
			)
		})
	}
	if len(batch) == 0 {
		return
	}

	gen := s.gen.Load()
	ctx := context.Background()
	var quit <-chan struct{}
	if r := s.cur.Load(); r != nil {
		ctx, quit = r.ctx, r.stop
	}
	for _, d := range batch {
		s.dispatched.Add(1)
		s.log.Debug(string(d.node.Type)+" dispatched",
			logx.String("agent", d.agent.ID),
			logx.Time("scheduled_at", d.node.ScheduledAt),
		)
		s.bus.Publish(eventbus.Event{Type: startedEvent(d.node.Type), Time: now, Data: d.node.Clone()})
		go s.execute(ctx, gen, quit, d)
	}
}

// claim marks due agents executing and records their executing nodes.
func (s *Service) claim(now time.Time) (batch []dispatch, waiting int) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	due := s.table.due(now)
	for i, a := range due {
		if len(s.table.executing) >= cap(s.sem) {
			return batch, len(due) - i
		}
		select {
		case s.sem <- struct{}{}:
		default:
			return batch, len(due) - i
		}
		s.table.executing[a.AgentID] = struct{}{}
		node := timeline.Executing(a.AgentID, a.NextDueAt, a.nextType(), now)
		s.history.Put(node)
		batch = append(batch, dispatch{
			agent: Agent{
				ID:             a.AgentID,
				Name:           a.DisplayName,
				Interval:       a.Interval,
				ScheduledAt:    a.NextDueAt,
				HeartbeatCount: a.HeartbeatCount,
			},
			node: node,
		})
	}
	return batch, 0
}

// execute runs off the loop. Adapter calls are never canceled by Stop; a
// completion that arrives after Stop is dropped, but its agent and slot are
// released so a restarted scheduler can dispatch the agent again.
func (s *Service) execute(ctx context.Context, gen uint64, quit <-chan struct{}, d dispatch) {
	c := completion{gen: gen, node: d.node}
	c.res, c.err = s.invoke(ctx, d)
	c.finished = s.now()
	select {
	case <-quit:
		s.discard(c)
		return
	default:
	}
	select {
	case s.done <- c:
	case <-quit:
		s.discard(c)
	}
}

// discard drops a completion from a stopped run.
func (s *Service) discard(c completion) {
	s.discarded.Add(1)
	s.release(c.node.AgentID)
}

// release clears the executing mark of agentID and frees its slot.
func (s *Service) release(agentID string) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	delete(s.table.executing, agentID)
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) invoke(ctx context.Context, d dispatch) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
			s.log.Error("adapter panicked",
				logx.String("agent", d.agent.ID),
				logx.String("type", string(d.node.Type)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if d.node.Type == timeline.NodeOptimization {
		return s.adapter.RunOptimization(ctx, d.agent.ID, OptimizeOptions{})
	}
	return s.adapter.RunHeartbeat(ctx, d.agent)
}

// complete applies one finished execution: reschedule, counter, history,
// event, then the executing mark is cleared.
func (s *Service) complete(c completion) {
	if c.gen != s.gen.Load() {
		s.discard(c)
		return
	}

	status, errText := classify(c.res, c.err)
	node := c.node.Finish(status, c.finished, c.res.Summary, errText)
	now := s.now()

	s.tableMu.Lock()
	if a, ok := s.table.agents[node.AgentID]; ok {
		// A reconfigure may have moved the agent while it ran; keep its new phase.
		if a.NextDueAt.Equal(node.ScheduledAt) {
			a.NextDueAt = schedule.Advance(node.ScheduledAt, a.Interval, now)
		}
		a.record(node.Type)
	}
	s.tableMu.Unlock()

	s.history.Put(node)
	if status == timeline.StatusFailed {
		s.failed.Add(1)
		s.log.Warn(string(node.Type)+" failed", logx.String("agent", node.AgentID), logx.String("err", errText))
	} else {
		s.completed.Add(1)
		if node.ExecutedAt != nil {
			if took := c.finished.Sub(*node.ExecutedAt); took >= slowRunThreshold {
				s.log.Info(string(node.Type)+" completed", logx.String("agent", node.AgentID), logx.Duration("took", took))
			}
		}
	}
	s.bus.Publish(eventbus.Event{Type: finishedEvent(node.Type, status), Time: c.finished, Data: node.Clone()})

	s.release(node.AgentID)

	if s.backlog.Load() > 0 {
		s.dispatchDue(now)
	}
}

// classify maps an adapter result to a terminal status. Errors, panics and
// an explicit failed outcome are failures; anything else completed.
func classify(res Result, err error) (timeline.Status, string) {
	if err != nil {
		return timeline.StatusFailed, err.Error()
	}
	if res.Status == OutcomeFailed {
		return timeline.StatusFailed, "adapter reported failure"
	}
	return timeline.StatusCompleted, ""
}

func startedEvent(t timeline.NodeType) string {
	if t == timeline.NodeOptimization {
		return eventbus.OptimizationStarted
	}
	return eventbus.HeartbeatStarted
}

func finishedEvent(t timeline.NodeType, st timeline.Status) string {
	switch {
	case t == timeline.NodeOptimization && st == timeline.StatusFailed:
		return eventbus.OptimizationFailed
	case t == timeline.NodeOptimization:
		return eventbus.OptimizationCompleted
	case st == timeline.StatusFailed:
		return eventbus.HeartbeatFailed
	default:
		return eventbus.HeartbeatCompleted
	}
}
