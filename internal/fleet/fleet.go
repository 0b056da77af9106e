// Package fleet describes the set of enabled agents and where it comes from.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Agent is one enabled agent as declared by the fleet configuration.
//
// A nil OptimizationCycleLength inherits the scheduler's global default;
// an explicit 0 disables optimization nodes for this agent.
type Agent struct {
	ID                      string
	Name                    string
	Interval                time.Duration
	OptimizationCycleLength *int
}

// Source yields the current list of enabled agents. The scheduler reads it
// at start and on explicit reconfiguration only.
type Source interface {
	Agents(ctx context.Context) ([]Agent, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Agent, error)

func (f SourceFunc) Agents(ctx context.Context) ([]Agent, error) { return f(ctx) }

// Static is a mutable in-memory Source, used by hosts that manage the
// fleet themselves and by the config-file wiring.
type Static struct {
	mu     sync.RWMutex
	agents []Agent
	err    error
}

func NewStatic(agents ...Agent) *Static {
	s := &Static{}
	s.Set(agents)
	return s
}

// Set replaces the fleet.
func (s *Static) Set(agents []Agent) {
	cp := append([]Agent(nil), agents...)
	s.mu.Lock()
	s.agents = cp
	s.err = nil
	s.mu.Unlock()
}

// Fail makes the next Agents calls return err (until Set is called).
func (s *Static) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Static) Agents(ctx context.Context) ([]Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Agent(nil), s.agents...), nil
}

var ErrInvalidAgent = errors.New("invalid agent")

// Validate checks a fleet for empty or duplicate IDs and bad intervals.
func Validate(agents []Agent) error {
	seen := make(map[string]struct{}, len(agents))
	for i, a := range agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("%w: agents[%d]: id required", ErrInvalidAgent, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: agents[%d]: duplicate id %q", ErrInvalidAgent, i, id)
		}
		seen[id] = struct{}{}
		if a.Interval < time.Second || a.Interval%time.Second != 0 {
			return fmt.Errorf("%w: agent %q: interval must be a positive whole number of seconds, got %s", ErrInvalidAgent, id, a.Interval)
		}
		if a.OptimizationCycleLength != nil && *a.OptimizationCycleLength < 0 {
			return fmt.Errorf("%w: agent %q: optimization cycle length must be >= 0", ErrInvalidAgent, id)
		}
	}
	return nil
}
