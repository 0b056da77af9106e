package scheduler

import (
	"sort"
	"time"

	"fleetbeat/internal/fleet"
	"fleetbeat/internal/schedule"
)

// table holds one schedule record per active agent. The executing set is
// kept apart from the records; it is cleared when a completion is applied.
type table struct {
	agents       map[string]*AgentSchedule
	executing    map[string]struct{}
	ranks        map[time.Duration]int
	defaultCycle int
	palette      []string
}

func newTable(defaultCycle int, palette []string) *table {
	return &table{
		agents:       map[string]*AgentSchedule{},
		executing:    map[string]struct{}{},
		ranks:        map[time.Duration]int{},
		defaultCycle: defaultCycle,
		palette:      palette,
	}
}

// sync makes the table match agents. Unchanged agents keep their phase and
// counter. New agents, and agents whose interval changed, take the next
// stagger rank of their interval group and get a fresh first due time.
func (t *table) sync(agents []fleet.Agent, now time.Time) (added, removed, updated int) {
	seen := make(map[string]struct{}, len(agents))
	var fresh []fleet.Agent
	for _, a := range agents {
		seen[a.ID] = struct{}{}
		cur, ok := t.agents[a.ID]
		if !ok || cur.Interval != a.Interval {
			if ok {
				updated++
			} else {
				added++
			}
			fresh = append(fresh, a)
			continue
		}
		if t.update(cur, a) {
			updated++
		}
	}
	for id := range t.agents {
		if _, ok := seen[id]; !ok {
			delete(t.agents, id)
			removed++
		}
	}
	if len(fresh) == 0 {
		return added, removed, updated
	}

	members := make([]schedule.Member, len(fresh))
	for i, a := range fresh {
		members[i] = schedule.Member{ID: a.ID, Interval: a.Interval}
	}
	offsets, _ := schedule.AllocateFrom(members, t.ranks)
	for _, a := range fresh {
		rank := t.ranks[a.Interval]
		t.ranks[a.Interval] = rank + 1

		rec := &AgentSchedule{
			AgentID:       a.ID,
			ColorTag:      schedule.ColorTag(a.ID, t.palette),
			Interval:      a.Interval,
			StaggerOffset: offsets[a.ID],
			Rank:          rank,
			NextDueAt:     schedule.FirstDueAt(now, a.Interval, offsets[a.ID]),
		}
		if prev, ok := t.agents[a.ID]; ok {
			rec.HeartbeatCount = prev.HeartbeatCount
		}
		t.update(rec, a)
		t.agents[a.ID] = rec
	}
	return added, removed, updated
}

// update applies the in-place fields of a. It reports whether anything changed.
func (t *table) update(rec *AgentSchedule, a fleet.Agent) bool {
	before := *rec
	rec.DisplayName = a.Name
	if rec.DisplayName == "" {
		rec.DisplayName = a.ID
	}
	if a.OptimizationCycleLength != nil {
		rec.OptimizationCycleLength = *a.OptimizationCycleLength
		rec.InheritsCycle = false
	} else {
		rec.OptimizationCycleLength = t.defaultCycle
		rec.InheritsCycle = true
	}
	rec.refresh()
	return before != *rec
}

func (t *table) setDefaultCycle(n int) {
	t.defaultCycle = n
	for _, a := range t.agents {
		if a.InheritsCycle {
			a.OptimizationCycleLength = n
			a.refresh()
		}
	}
}

func (t *table) setPalette(p []string) {
	t.palette = p
	for _, a := range t.agents {
		a.ColorTag = schedule.ColorTag(a.AgentID, p)
	}
}

// due returns agents due at now that are not executing, earliest first.
func (t *table) due(now time.Time) []*AgentSchedule {
	var out []*AgentSchedule
	for id, a := range t.agents {
		if _, busy := t.executing[id]; busy {
			continue
		}
		if !a.NextDueAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDueAt.Equal(out[j].NextDueAt) {
			return out[i].NextDueAt.Before(out[j].NextDueAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func (t *table) snapshot() []AgentSchedule {
	out := make([]AgentSchedule, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDueAt.Equal(out[j].NextDueAt) {
			return out[i].NextDueAt.Before(out[j].NextDueAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
