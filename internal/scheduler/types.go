package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"fleetbeat/internal/timeline"
)

const (
	defaultTickInterval  = time.Second
	defaultMaxConcurrent = 4
	defaultQueryMaxNodes = 20000
)

// Config controls the scheduler.
//
// Defaults (when fields are zero):
//   - TickInterval: 1s
//   - MaxConcurrentExecutions: 4
//   - ColorPalette: schedule.DefaultPalette
//   - HistoryRetention / HistoryMaxNodes: timeline defaults (24h / 5000)
//   - QueryMaxNodes: 20000
//
// DefaultOptimizationCycleLength applies to agents that do not set their own
// cycle length; 0 disables optimization nodes for them.
type Config struct {
	TickInterval                   time.Duration
	MaxConcurrentExecutions        int
	ColorPalette                   []string
	DefaultOptimizationCycleLength int
	HistoryRetention               time.Duration
	HistoryMaxNodes                int
	QueryMaxNodes                  int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = defaultMaxConcurrent
	}
	if c.DefaultOptimizationCycleLength < 0 {
		c.DefaultOptimizationCycleLength = 0
	}
	if c.QueryMaxNodes <= 0 {
		c.QueryMaxNodes = defaultQueryMaxNodes
	}
	c.ColorPalette = append([]string(nil), c.ColorPalette...)
	return c
}

// AgentSchedule is the schedule record of one active agent.
type AgentSchedule struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	ColorTag    string `json:"color_tag"`

	Interval      time.Duration `json:"interval"`
	NextDueAt     time.Time     `json:"next_due_at"`
	StaggerOffset time.Duration `json:"stagger_offset"`
	// Rank is the agent's insertion rank within its interval group.
	Rank int `json:"rank"`

	HeartbeatCount          int  `json:"heartbeat_count"`
	OptimizationCycleLength int  `json:"optimization_cycle_length"`
	InheritsCycle           bool `json:"inherits_cycle"`
	NextIsOptimization      bool `json:"next_is_optimization"`
}

func (a *AgentSchedule) refresh() {
	a.NextIsOptimization = a.OptimizationCycleLength > 0 && a.HeartbeatCount >= a.OptimizationCycleLength
}

func (a *AgentSchedule) nextType() timeline.NodeType {
	if a.NextIsOptimization {
		return timeline.NodeOptimization
	}
	return timeline.NodeHeartbeat
}

// record applies the counter rule after a node of type typ finished,
// whatever its outcome.
func (a *AgentSchedule) record(typ timeline.NodeType) {
	if typ == timeline.NodeOptimization {
		a.HeartbeatCount = 0
	} else {
		a.HeartbeatCount++
	}
	a.refresh()
}

// projectedType returns the node type steps occurrences away from NextDueAt
// (negative steps look back). The heartbeat/optimization pattern has period
// cycle+1 and the counter gives the current position in it.
func (a *AgentSchedule) projectedType(steps int64) timeline.NodeType {
	c := int64(a.OptimizationCycleLength)
	if c <= 0 {
		return timeline.NodeHeartbeat
	}
	p := int64(a.HeartbeatCount)
	if p > c {
		p = c
	}
	pos := (p + steps) % (c + 1)
	if pos < 0 {
		pos += c + 1
	}
	if pos == c {
		return timeline.NodeOptimization
	}
	return timeline.NodeHeartbeat
}

// Agent is what the execution adapter receives for a heartbeat.
type Agent struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Interval       time.Duration `json:"interval"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	HeartbeatCount int           `json:"heartbeat_count"`
}

// OptimizeOptions is passed to RunOptimization.
type OptimizeOptions struct {
	Force bool `json:"force"`
}

// Outcome is the adapter's own classification of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Result is returned by the adapter. Summary is opaque to the scheduler.
type Result struct {
	Status  Outcome
	Summary json.RawMessage
}

// Adapter runs heartbeats and optimizations. Implementations may block,
// perform I/O, return errors or panic; the scheduler treats errors and panics
// as failed runs. Timeouts are the adapter's responsibility.
type Adapter interface {
	RunHeartbeat(ctx context.Context, agent Agent) (Result, error)
	RunOptimization(ctx context.Context, agentID string, opt OptimizeOptions) (Result, error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	RunID    string `json:"run_id,omitempty"`
	Active   bool   `json:"active"`
	Agents   int    `json:"agents"`
	InFlight int    `json:"in_flight"`
	Backlog  int    `json:"backlog"`

	TickInterval            time.Duration `json:"tick_interval"`
	MaxConcurrentExecutions int           `json:"max_concurrent_executions"`
	DefaultCycleLength      int           `json:"default_cycle_length"`

	Ticks      uint64 `json:"ticks"`
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Discarded  uint64 `json:"discarded"`

	HistoryLen int    `json:"history_len"`
	LoopError  string `json:"loop_error,omitempty"`
}
