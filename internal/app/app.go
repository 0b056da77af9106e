package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fleetbeat/internal/adapter"
	"fleetbeat/internal/config"
	"fleetbeat/internal/eventbus"
	"fleetbeat/internal/fleet"
	"fleetbeat/internal/observability/debug"
	"fleetbeat/internal/runtime/supervisor"
	"fleetbeat/internal/scheduler"
	"fleetbeat/internal/storage"
	"fleetbeat/internal/timeline"
	"fleetbeat/pkg/logx"
)

const journalBuffer = 256

// App wires config, logging, the fleet source, the execution adapter, the
// scheduler and the node journal into one daemon.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	fleet    *fleet.Static
	throttle *adapter.Throttle
	sched    *scheduler.Service
	debug    *debug.Server
}

// Status is the document served by the debug endpoint.
type Status struct {
	Scheduler  scheduler.Snapshot        `json:"scheduler"`
	Supervisor supervisor.Snapshot       `json:"supervisor"`
	Schedules  []scheduler.AgentSchedule `json:"schedules"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New(log.With(logx.String("comp", "eventbus")))

	var store storage.Store
	if sc, enabled, err := MapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("node journal enabled", logx.String("driver", sc.Driver))
	}

	agents, err := cfg.Agents()
	if err != nil {
		return nil, err
	}
	src := fleet.NewStatic(agents...)

	th := adapter.NewThrottle(adapter.NewDryRun(log), cfg.Adapter.RatePerSec, cfg.Adapter.Burst)

	schedCfg, err := MapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedCfg, src, th, log, bus)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		fleet:    src,
		throttle: th,
		sched:    sched,
	}
	a.debug = debug.New(log, func() any { return a.Status() })
	return a, nil
}

// Status reports scheduler and supervisor state.
func (a *App) Status() Status {
	st := Status{Scheduler: a.sched.Snapshot(), Schedules: a.sched.Schedules()}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.store != nil {
		events, unsub := a.bus.SubscribeChan(journalBuffer)
		a.sup.Go("journal.writer", func(c context.Context) error {
			defer unsub()
			return a.writeJournal(c, events)
		})
	}

	a.bus.Subscribe(func(e eventbus.Event) {
		if !a.log.Enabled(logx.LevelDebug) {
			return
		}
		fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
		if n, ok := e.Data.(timeline.Node); ok {
			fields = append(fields, logx.String("node", n.ID))
		}
		a.log.Debug("event", fields...)
	})

	if a.cfgm.Get().Scheduler.IsEnabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("scheduler disabled via config")
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(a.cfgm.Get()))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Bool("scheduler", a.sched.IsActive()))
	return nil
}

// latest drains queued configs and keeps only the newest.
func latest(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig pushes a validated config into the running components. The
// fleet reload is the scheduler's explicit reconfiguration.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, fc := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.throttle.SetLimit(next.Adapter.RatePerSec, next.Adapter.Burst)
	a.debug.Reconfigure(ctx, mapDebugConfig(next))

	if schedCfg, err := MapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(schedCfg); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	if !fc.Empty() {
		agents, err := next.Agents()
		if err != nil {
			a.log.Warn("invalid fleet; keeping previous", logx.Err(err))
		} else {
			a.fleet.Set(agents)
			if err := a.sched.Reconfigure(ctx); err != nil {
				a.log.Warn("fleet reconfigure failed", logx.Err(err))
			}
		}
	}

	switch was, now := a.sched.IsActive(), next.Scheduler.IsEnabled(); {
	case was && !now:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !was && now:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// writeJournal appends every finished node to the store.
func (a *App) writeJournal(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			// Flush what is already queued; the scheduler is stopped by now.
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.journal(context.Background(), e)
				default:
					return nil
				}
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.journal(ctx, e)
		}
	}
}

func (a *App) journal(ctx context.Context, e eventbus.Event) {
	n, ok := e.Data.(timeline.Node)
	if !ok || !n.Status.Terminal() {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.AppendNode(wctx, n); err != nil {
		a.log.Warn("journal append failed", logx.String("node", n.ID), logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Scheduler first so no new nodes reach the journal after it closes.
	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// A step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
