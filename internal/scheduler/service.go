package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fleetbeat/internal/eventbus"
	"fleetbeat/internal/fleet"
	"fleetbeat/internal/runtime/supervisor"
	"fleetbeat/internal/schedule"
	"fleetbeat/internal/timeline"
	"fleetbeat/pkg/logx"
)

// Service is the fleet scheduler.
//
// Table writes happen on the dispatch loop goroutine only. Control calls made
// while the loop runs are handed to it over a channel; readers (Query,
// Schedules, Snapshot) take the read lock.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	adapter Adapter
	source  fleet.Source
	now     func() time.Time
	history *timeline.History

	// lc serializes Start, Stop and table writes made while stopped.
	lc  sync.Mutex
	cur atomic.Pointer[run]

	mu  sync.Mutex
	cfg Config

	tableMu sync.RWMutex
	table   *table

	// sem is guarded by tableMu; execution goroutines of a stopped run
	// release their token through it.
	sem     chan struct{}
	backlog atomic.Int64

	done chan completion
	gen  atomic.Uint64

	backlogWarn rate.Sometimes

	ticks      atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	discarded  atomic.Uint64
}

// run is one Start..Stop generation.
type run struct {
	id     string
	gen    uint64
	stop   chan struct{}
	ctl    chan func()
	ctx    context.Context
	sup    *supervisor.Supervisor
	ticker *time.Ticker
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, src fleet.Source, adapter Adapter, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if adapter == nil {
		return nil, ErrNoAdapter
	}
	if src == nil {
		return nil, ErrNoFleetSource
	}
	if bus == nil {
		bus = eventbus.New(log)
	}
	cfg = cfg.withDefaults()
	if len(cfg.ColorPalette) == 0 {
		cfg.ColorPalette = append([]string(nil), schedule.DefaultPalette...)
	}
	s := &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		adapter: adapter,
		source:  src,
		now:     time.Now,
		cfg:     cfg,
		history: timeline.NewHistory(timeline.HistoryConfig{
			Retention: cfg.HistoryRetention,
			MaxNodes:  cfg.HistoryMaxNodes,
		}),
		table:       newTable(cfg.DefaultOptimizationCycleLength, cfg.ColorPalette),
		sem:         make(chan struct{}, cfg.MaxConcurrentExecutions),
		done:        make(chan completion, 64),
		backlogWarn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start loads the fleet, builds the schedule table and starts the dispatch
// loop. It is a no-op when already active. A fleet that cannot be loaded is
// logged and the scheduler starts with no agents.
func (s *Service) Start(ctx context.Context) {
	s.lc.Lock()
	if s.cur.Load() != nil {
		s.lc.Unlock()
		return
	}
	cfg := s.config()
	now := s.now()

	agents, err := s.loadFleet(ctx)
	if err != nil {
		s.log.Warn("fleet load failed; starting with no agents", logx.Err(err))
		agents = nil
	}
	t := newTable(cfg.DefaultOptimizationCycleLength, cfg.ColorPalette)
	added, _, _ := t.sync(agents, now)

	// Calls left running by a previous Stop keep their agent and slot
	// until they return.
	s.tableMu.Lock()
	t.executing = s.table.executing
	s.table = t
	s.resizeSem(cfg.MaxConcurrentExecutions)
	s.tableMu.Unlock()
	s.backlog.Store(0)

	r := &run{
		id:   uuid.NewString(),
		gen:  s.gen.Load(),
		stop: make(chan struct{}),
		ctl:  make(chan func()),
		ctx:  context.WithoutCancel(ctx),
	}
	r.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	r.ticker = time.NewTicker(cfg.TickInterval)
	s.cur.Store(r)
	r.sup.GoRestart("dispatch.loop", func(ctx context.Context) error {
		return s.loop(ctx, r)
	}, supervisor.WithPublishFirstError(true))
	s.lc.Unlock()

	s.log.Info("scheduler started",
		logx.String("run_id", r.id),
		logx.Int("agents", added),
		logx.Duration("tick", cfg.TickInterval),
		logx.Int("max_concurrent", cfg.MaxConcurrentExecutions),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TimelineEnabled, Data: eventbus.Toggle{Enabled: true, At: now}})
}

// Stop halts the loop and clears the table and history. In-flight adapter
// calls are not interrupted; their completions are discarded, and their
// agents stay marked executing until the calls return. It is a no-op when
// inactive.
func (s *Service) Stop(ctx context.Context) {
	s.lc.Lock()
	r := s.cur.Load()
	if r == nil {
		s.lc.Unlock()
		return
	}
	s.gen.Add(1)
	close(r.stop)
	r.ticker.Stop()
	if err := r.sup.Stop(ctx); err != nil {
		s.log.Warn("dispatch loop stop", logx.Err(err))
	}
	s.cur.Store(nil)

	cfg := s.config()
	s.tableMu.Lock()
	t := newTable(cfg.DefaultOptimizationCycleLength, cfg.ColorPalette)
	t.executing = s.table.executing
	s.table = t
	s.tableMu.Unlock()
	s.history.Clear()
	s.backlog.Store(0)
	s.drainDone()
	s.lc.Unlock()

	s.log.Info("scheduler stopped", logx.String("run_id", r.id))
	s.bus.Publish(eventbus.Event{Type: eventbus.TimelineDisabled, Data: eventbus.Toggle{Enabled: false, At: s.now()}})
}

// IsActive reports whether the dispatch loop is running.
func (s *Service) IsActive() bool {
	return s.cur.Load() != nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Subscribe registers a lifecycle event listener. Listeners run on the
// dispatch loop; they may read (Query, Schedules, Snapshot) but must not call
// control methods synchronously.
func (s *Service) Subscribe(fn eventbus.Listener) func() {
	return s.bus.Subscribe(fn)
}

// Reconfigure reloads the fleet and applies it to the table: new agents are
// staggered into their interval group, removed agents are dropped, and
// renames or cycle changes apply in place. On a load error the table is left
// untouched.
func (s *Service) Reconfigure(ctx context.Context) error {
	agents, err := s.loadFleet(ctx)
	if err != nil {
		s.log.Warn("fleet reload failed; keeping current schedule", logx.Err(err))
		return err
	}
	var added, removed, updated int
	err = s.mutate(ctx, func(*run) {
		s.tableMu.Lock()
		defer s.tableMu.Unlock()
		added, removed, updated = s.table.sync(agents, s.now())
	})
	if err != nil {
		return err
	}
	s.log.Info("fleet reconfigured",
		logx.Int("added", added),
		logx.Int("removed", removed),
		logx.Int("updated", updated),
	)
	return nil
}

// SetOptimizationCycleLength changes the default cycle length. Agents that
// carry their own value keep it; the rest pick up n before their next due
// node. 0 disables optimization for them.
func (s *Service) SetOptimizationCycleLength(n int) error {
	if n < 0 {
		return ErrInvalidCycle
	}
	s.mu.Lock()
	s.cfg.DefaultOptimizationCycleLength = n
	s.mu.Unlock()
	return s.mutate(context.Background(), func(*run) {
		s.tableMu.Lock()
		defer s.tableMu.Unlock()
		s.table.setDefaultCycle(n)
	})
}

// Apply hot-swaps the scheduler configuration.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	if len(cfg.ColorPalette) == 0 {
		cfg.ColorPalette = s.cfg.ColorPalette
	}
	s.cfg = cfg
	s.mu.Unlock()

	s.history.Apply(timeline.HistoryConfig{Retention: cfg.HistoryRetention, MaxNodes: cfg.HistoryMaxNodes})
	return s.mutate(context.Background(), func(r *run) {
		s.tableMu.Lock()
		s.table.setDefaultCycle(cfg.DefaultOptimizationCycleLength)
		s.table.setPalette(cfg.ColorPalette)
		s.resizeSem(cfg.MaxConcurrentExecutions)
		s.tableMu.Unlock()
		if r != nil {
			r.ticker.Reset(cfg.TickInterval)
		}
	})
}

// Schedules returns a copy of every agent's schedule record, earliest due first.
func (s *Service) Schedules() []AgentSchedule {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return s.table.snapshot()
}

// Recent returns up to limit recorded nodes, newest first.
func (s *Service) Recent(limit int) []timeline.Node {
	return s.history.Recent(limit)
}

func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	r := s.cur.Load()

	s.tableMu.RLock()
	agents, inFlight := len(s.table.agents), len(s.table.executing)
	s.tableMu.RUnlock()

	snap := Snapshot{
		Active:                  r != nil,
		Agents:                  agents,
		InFlight:                inFlight,
		Backlog:                 int(s.backlog.Load()),
		TickInterval:            cfg.TickInterval,
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		DefaultCycleLength:      cfg.DefaultOptimizationCycleLength,
		Ticks:                   s.ticks.Load(),
		Dispatched:              s.dispatched.Load(),
		Completed:               s.completed.Load(),
		Failed:                  s.failed.Load(),
		Discarded:               s.discarded.Load(),
		HistoryLen:              s.history.Len(),
	}
	if r != nil {
		snap.RunID = r.id
		if err := r.sup.Err(); err != nil {
			snap.LoopError = err.Error()
		}
	}
	return snap
}

func (s *Service) loadFleet(ctx context.Context) ([]fleet.Agent, error) {
	agents, err := s.source.Agents(ctx)
	if err != nil {
		return nil, err
	}
	if err := fleet.Validate(agents); err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}
	return agents, nil
}

// mutate runs fn on the dispatch loop when active, or inline under lc when
// stopped, so table writes never race the loop. fn gets the active run or nil.
func (s *Service) mutate(ctx context.Context, fn func(r *run)) error {
	s.lc.Lock()
	r := s.cur.Load()
	if r == nil {
		defer s.lc.Unlock()
		fn(nil)
		return nil
	}
	s.lc.Unlock()

	done := make(chan struct{})
	select {
	case r.ctl <- func() { fn(r); close(done) }:
	case <-r.stop:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) drainDone() {
	for {
		select {
		case c := <-s.done:
			s.discard(c)
		default:
			return
		}
	}
}

// resizeSem replaces the semaphore when the limit changed, carrying one
// token per executing agent. Callers hold tableMu.
func (s *Service) resizeSem(n int) {
	if cap(s.sem) == n {
		return
	}
	sem := make(chan struct{}, n)
	for i := 0; i < len(s.table.executing) && i < n; i++ {
		sem <- struct{}{}
	}
	s.sem = sem
}
