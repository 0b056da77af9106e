// Package adapter provides execution adapters for the scheduler: a dry-run
// adapter that only logs, a function adapter for embedding hosts, and a
// rate-limiting wrapper.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"fleetbeat/internal/scheduler"
	"fleetbeat/pkg/logx"
)

var ErrNotImplemented = errors.New("adapter: operation not implemented")

// DryRun logs every call and reports success with a small summary.
type DryRun struct {
	log logx.Logger
	now func() time.Time
}

func NewDryRun(log logx.Logger) *DryRun {
	return &DryRun{log: log.With(logx.String("comp", "adapter.dryrun")), now: time.Now}
}

type dryRunSummary struct {
	Agent  string    `json:"agent"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
	DryRun bool      `json:"dry_run"`
	Count  int       `json:"heartbeat_count,omitempty"`
}

func (d *DryRun) RunHeartbeat(_ context.Context, a scheduler.Agent) (scheduler.Result, error) {
	d.log.Info("heartbeat (dry run)",
		logx.String("agent", a.ID),
		logx.String("name", a.Name),
		logx.Time("scheduled_at", a.ScheduledAt),
		logx.Int("count", a.HeartbeatCount),
	)
	return d.result(dryRunSummary{Agent: a.ID, Kind: "heartbeat", Count: a.HeartbeatCount})
}

func (d *DryRun) RunOptimization(_ context.Context, agentID string, opt scheduler.OptimizeOptions) (scheduler.Result, error) {
	d.log.Info("optimization (dry run)", logx.String("agent", agentID), logx.Bool("force", opt.Force))
	return d.result(dryRunSummary{Agent: agentID, Kind: "optimization"})
}

func (d *DryRun) result(s dryRunSummary) (scheduler.Result, error) {
	s.At = d.now().UTC()
	s.DryRun = true
	b, err := json.Marshal(s)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Result{Status: scheduler.OutcomeCompleted, Summary: b}, nil
}

// Funcs adapts plain functions. A nil function fails with ErrNotImplemented.
type Funcs struct {
	Heartbeat func(ctx context.Context, a scheduler.Agent) (scheduler.Result, error)
	Optimize  func(ctx context.Context, agentID string, opt scheduler.OptimizeOptions) (scheduler.Result, error)
}

func (f Funcs) RunHeartbeat(ctx context.Context, a scheduler.Agent) (scheduler.Result, error) {
	if f.Heartbeat == nil {
		return scheduler.Result{}, ErrNotImplemented
	}
	return f.Heartbeat(ctx, a)
}

func (f Funcs) RunOptimization(ctx context.Context, agentID string, opt scheduler.OptimizeOptions) (scheduler.Result, error) {
	if f.Optimize == nil {
		return scheduler.Result{}, ErrNotImplemented
	}
	return f.Optimize(ctx, agentID, opt)
}

// Throttle limits how fast calls reach the wrapped adapter, fleet-wide.
// Calls wait for a token; a canceled context fails the call.
type Throttle struct {
	next    scheduler.Adapter
	limiter *rate.Limiter
}

// NewThrottle allows perSecond calls per second with the given burst. A
// perSecond <= 0 disables limiting.
func NewThrottle(next scheduler.Adapter, perSecond float64, burst int) *Throttle {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// SetLimit changes the rate live.
func (t *Throttle) SetLimit(perSecond float64, burst int) {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	t.limiter.SetLimit(limit)
	t.limiter.SetBurst(burst)
}

func (t *Throttle) RunHeartbeat(ctx context.Context, a scheduler.Agent) (scheduler.Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return scheduler.Result{}, err
	}
	return t.next.RunHeartbeat(ctx, a)
}

func (t *Throttle) RunOptimization(ctx context.Context, agentID string, opt scheduler.OptimizeOptions) (scheduler.Result, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return scheduler.Result{}, err
	}
	return t.next.RunOptimization(ctx, agentID, opt)
}
