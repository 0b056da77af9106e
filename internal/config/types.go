package config

import "fleetbeat/internal/fleet"

// Config is the daemon configuration file, JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	History   HistoryConfig   `json:"history"`
	Adapter   AdapterConfig   `json:"adapter"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug"`
	Fleet     []AgentConfig   `json:"fleet"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatch loop.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - tick_interval: "1s"
//   - max_concurrent_executions: 4
//   - optimization_cycle_length: 0 (never optimize)
//   - color_palette: built-in 10 colors
//   - query_max_nodes: 20000
//
// Enabled is a pointer so an omitted key can default to true.
type SchedulerConfig struct {
	Enabled                 *bool    `json:"enabled,omitempty"`
	TickInterval            string   `json:"tick_interval,omitempty"`
	MaxConcurrentExecutions int      `json:"max_concurrent_executions,omitempty"`
	OptimizationCycleLength int      `json:"optimization_cycle_length,omitempty"`
	ColorPalette            []string `json:"color_palette,omitempty"`
	QueryMaxNodes           int      `json:"query_max_nodes,omitempty"`
}

// IsEnabled reports whether the scheduler starts with the daemon.
func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// HistoryConfig bounds the in-memory node history.
//
// Defaults: retention "24h", max_nodes 5000.
type HistoryConfig struct {
	Retention string `json:"retention,omitempty"`
	MaxNodes  int    `json:"max_nodes,omitempty"`
}

// AdapterConfig selects the execution adapter.
//
// Mode "dry-run" (the default) only logs. RatePerSec > 0 limits adapter calls
// fleet-wide.
type AdapterConfig struct {
	Mode       string  `json:"mode,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// StorageConfig controls the optional node journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fleetbeat.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   string `json:"retention,omitempty"`    // sqlite only; empty keeps everything
}

// DebugConfig controls the loopback operator endpoint (/healthz, /status,
// /debug/pprof/). Addr defaults to "127.0.0.1:6060".
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// AgentConfig is one fleet entry. Interval accepts seconds ("300"), a Go
// duration ("5m"), HH:MM ("00:05") or a descriptor ("@hourly", "@every 90s").
// A missing optimization_cycle_length inherits scheduler.optimization_cycle_length.
type AgentConfig struct {
	ID                      string `json:"id"`
	Name                    string `json:"name,omitempty"`
	Interval                string `json:"interval"`
	OptimizationCycleLength *int   `json:"optimization_cycle_length,omitempty"`
}

// Agents converts the fleet section. Entries are returned in file order.
func (c *Config) Agents() ([]fleet.Agent, error) {
	out := make([]fleet.Agent, 0, len(c.Fleet))
	for i, a := range c.Fleet {
		iv, err := fleet.ParseInterval(a.Interval)
		if err != nil {
			return nil, fieldErr(fleetPath(i, a.ID, "interval"), err)
		}
		ag := fleet.Agent{ID: a.ID, Name: a.Name, Interval: iv}
		if a.OptimizationCycleLength != nil {
			n := *a.OptimizationCycleLength
			ag.OptimizationCycleLength = &n
		}
		out = append(out, ag)
	}
	return out, nil
}
