package scheduler

import (
	"sort"
	"time"

	"fleetbeat/internal/schedule"
	"fleetbeat/internal/timeline"
)

// Query returns every node scheduled within [start, end], inclusive, ordered
// by scheduled time then agent ID.
//
// Occurrences are projected from each agent's current phase in both
// directions; recorded history replaces a projection with the same node ID,
// and recorded nodes no projection covers (removed agents, old phases) are
// included as well. Projected node types follow the agent's current counter,
// so the answer for a given time does not depend on when it is asked.
func (s *Service) Query(start, end time.Time) ([]timeline.Node, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	limit := s.config().QueryMaxNodes

	s.tableMu.RLock()
	agents := s.table.snapshot()
	s.tableMu.RUnlock()

	recorded := s.history.Range(start, end)
	byID := make(map[string]timeline.Node, len(recorded))
	for _, n := range recorded {
		byID[n.ID] = n
	}

	out := make([]timeline.Node, 0, len(recorded))
	for i := range agents {
		a := &agents[i]
		if a.Interval <= 0 {
			continue
		}
		for t := schedule.AlignAtOrAfter(a.NextDueAt, a.Interval, start); !t.After(end); t = t.Add(a.Interval) {
			if len(out) >= limit {
				return nil, ErrRangeTooLarge
			}
			steps := int64(t.Sub(a.NextDueAt) / a.Interval)
			n := timeline.Pending(a.AgentID, t, a.projectedType(steps))
			if h, ok := byID[n.ID]; ok {
				n = h
				delete(byID, n.ID)
			}
			out = append(out, n)
		}
	}
	for _, n := range recorded {
		if _, ok := byID[n.ID]; ok {
			out = append(out, n)
		}
	}
	if len(out) > limit {
		return nil, ErrRangeTooLarge
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}
