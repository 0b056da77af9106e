// Package timeline models executed and projected scheduler nodes and keeps
// a bounded, in-memory record of recent ones.
package timeline

import (
	"encoding/json"
	"fmt"
	"time"
)

type NodeType string

const (
	NodeHeartbeat    NodeType = "heartbeat"
	NodeOptimization NodeType = "optimization"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Node is one heartbeat or optimization of one agent.
//
// Summary is whatever the execution adapter returned. It is stored and
// forwarded, never interpreted.
type Node struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Type        NodeType        `json:"type"`
	Status      Status          `json:"status"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NodeID derives the deterministic node identifier from the agent and the
// scheduled time, so projections and recorded nodes match by ID.
func NodeID(agentID string, scheduledAt time.Time) string {
	return fmt.Sprintf("%s@%d", agentID, scheduledAt.UnixMilli())
}

// Pending builds a projected node.
func Pending(agentID string, scheduledAt time.Time, typ NodeType) Node {
	return Node{
		ID:          NodeID(agentID, scheduledAt),
		AgentID:     agentID,
		ScheduledAt: scheduledAt,
		Type:        typ,
		Status:      StatusPending,
	}
}

// Executing is the node created the instant dispatch begins.
func Executing(agentID string, scheduledAt time.Time, typ NodeType, at time.Time) Node {
	n := Pending(agentID, scheduledAt, typ)
	n.Status = StatusExecuting
	n.ExecutedAt = &at
	return n
}

// Finish returns a copy of n moved to its terminal status.
func (n Node) Finish(status Status, at time.Time, summary json.RawMessage, errText string) Node {
	out := n
	out.Status = status
	out.FinishedAt = &at
	if len(summary) > 0 {
		out.Summary = append(json.RawMessage(nil), summary...)
	}
	out.Error = errText
	return out
}

// Clone returns a copy that shares no memory with n.
func (n Node) Clone() Node {
	out := n
	if n.ExecutedAt != nil {
		t := *n.ExecutedAt
		out.ExecutedAt = &t
	}
	if n.FinishedAt != nil {
		t := *n.FinishedAt
		out.FinishedAt = &t
	}
	if n.Summary != nil {
		out.Summary = append(json.RawMessage(nil), n.Summary...)
	}
	return out
}
