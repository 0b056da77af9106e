package config

import (
	"slices"

	"fleetbeat/pkg/logx"
)

// FleetChange lists agent IDs by how they differ between two configs.
type FleetChange struct {
	Added   []string
	Removed []string
	Changed []string
}

func (f FleetChange) Empty() bool {
	return len(f.Added) == 0 && len(f.Removed) == 0 && len(f.Changed) == 0
}

// SummarizeConfigChange returns the changed section names, log fields
// describing them, and the fleet delta.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, FleetChange) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	os, ns := oldCfg.Scheduler, newCfg.Scheduler
	if os.IsEnabled() != ns.IsEnabled() ||
		os.TickInterval != ns.TickInterval ||
		os.MaxConcurrentExecutions != ns.MaxConcurrentExecutions ||
		os.OptimizationCycleLength != ns.OptimizationCycleLength ||
		os.QueryMaxNodes != ns.QueryMaxNodes ||
		!slices.Equal(os.ColorPalette, ns.ColorPalette) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", ns.IsEnabled()),
			logx.String("scheduler.tick_interval", ns.TickInterval),
			logx.Int("scheduler.max_concurrent", ns.MaxConcurrentExecutions),
			logx.Int("scheduler.cycle", ns.OptimizationCycleLength),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.retention", newCfg.History.Retention),
			logx.Int("history.max_nodes", newCfg.History.MaxNodes),
		)
	}

	if oldCfg.Adapter != newCfg.Adapter {
		changed = append(changed, "adapter")
		attrs = append(attrs, logx.Any("adapter.rate_per_sec", newCfg.Adapter.RatePerSec))
	}

	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", derefStorage(newCfg.Storage).Driver))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
		)
	}

	fc := diffFleet(oldCfg.Fleet, newCfg.Fleet)
	if !fc.Empty() {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.Int("fleet.added", len(fc.Added)),
			logx.Int("fleet.removed", len(fc.Removed)),
			logx.Int("fleet.changed", len(fc.Changed)),
		)
	}
	return changed, attrs, fc
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffFleet(oldF, newF []AgentConfig) FleetChange {
	prev := make(map[string]AgentConfig, len(oldF))
	for _, a := range oldF {
		prev[a.ID] = a
	}
	var fc FleetChange
	seen := make(map[string]struct{}, len(newF))
	for _, a := range newF {
		seen[a.ID] = struct{}{}
		p, ok := prev[a.ID]
		switch {
		case !ok:
			fc.Added = append(fc.Added, a.ID)
		case !sameAgent(p, a):
			fc.Changed = append(fc.Changed, a.ID)
		}
	}
	for _, a := range oldF {
		if _, ok := seen[a.ID]; !ok {
			fc.Removed = append(fc.Removed, a.ID)
		}
	}
	slices.Sort(fc.Added)
	slices.Sort(fc.Removed)
	slices.Sort(fc.Changed)
	return fc
}

func sameAgent(a, b AgentConfig) bool {
	if a.Name != b.Name || a.Interval != b.Interval {
		return false
	}
	if (a.OptimizationCycleLength == nil) != (b.OptimizationCycleLength == nil) {
		return false
	}
	return a.OptimizationCycleLength == nil || *a.OptimizationCycleLength == *b.OptimizationCycleLength
}
