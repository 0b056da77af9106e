package storage

import (
	"context"
	"errors"
	"time"

	"fleetbeat/internal/timeline"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no dependencies
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention prunes journal rows older than this (sqlite only); 0 keeps everything.
	Retention time.Duration
}

// Filter narrows Nodes. Zero fields match everything.
type Filter struct {
	AgentID string
	Since   time.Time
	Limit   int
}

// Store is the journal API.
type Store interface {
	AppendNode(ctx context.Context, n timeline.Node) error
	// Nodes returns matching nodes, newest scheduled first.
	Nodes(ctx context.Context, f Filter) ([]timeline.Node, error)
	Close() error
}
