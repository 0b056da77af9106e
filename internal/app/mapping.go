package app

import (
	"strings"
	"time"

	"fleetbeat/internal/config"
	"fleetbeat/internal/observability/debug"
	"fleetbeat/internal/scheduler"
	"fleetbeat/internal/storage"
	"fleetbeat/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapSchedulerConfig turns the scheduler and history sections into a
// scheduler.Config. Zero values are left for scheduler defaults.
func MapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention, err := config.ParseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		TickInterval:                   tick,
		MaxConcurrentExecutions:        cfg.Scheduler.MaxConcurrentExecutions,
		ColorPalette:                   cfg.Scheduler.ColorPalette,
		DefaultOptimizationCycleLength: cfg.Scheduler.OptimizationCycleLength,
		HistoryRetention:               retention,
		HistoryMaxNodes:                cfg.History.MaxNodes,
		QueryMaxNodes:                  cfg.Scheduler.QueryMaxNodes,
	}, nil
}

// MapStorageConfig returns the journal config and whether it is enabled.
func MapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Retention:   retention,
	}, true, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}
