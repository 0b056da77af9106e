package schedule

import (
	"math"
	"time"
)

// goldenFrac is the fractional part of the golden ratio. Multiples of it taken
// mod 1 form a low-discrepancy sequence: every prefix stays well spread.
var goldenFrac = (math.Sqrt(5) - 1) / 2

// offsetResolution is the precision of allocated offsets.
const offsetResolution = time.Millisecond

// Member is one agent as seen by the allocator.
type Member struct {
	ID       string
	Interval time.Duration
}

// Allocate returns a stagger offset per member. Members sharing an interval
// get offsets spread over [0, interval) by the golden-ratio sequence, in the
// order they appear in members. Empty input yields an empty map.
func Allocate(members []Member) map[string]time.Duration {
	out, _ := AllocateFrom(members, nil)
	return out
}

// AllocateFrom is Allocate for incremental additions: ranks holds the next
// free rank per interval (as returned by a previous call) so new members
// continue the sequence instead of restarting it. The returned rank map is a
// fresh copy; ranks is never mutated.
func AllocateFrom(members []Member, ranks map[time.Duration]int) (map[string]time.Duration, map[time.Duration]int) {
	next := make(map[time.Duration]int, len(ranks))
	for iv, k := range ranks {
		next[iv] = k
	}
	out := make(map[string]time.Duration, len(members))
	for _, m := range members {
		if m.Interval <= 0 {
			out[m.ID] = 0
			continue
		}
		k := next[m.Interval]
		next[m.Interval] = k + 1
		out[m.ID] = OffsetAt(k, m.Interval)
	}
	return out, next
}

// OffsetAt is the offset of the k-th member (0-based) of an interval group.
func OffsetAt(k int, interval time.Duration) time.Duration {
	if interval <= 0 || k <= 0 {
		return 0
	}
	_, frac := math.Modf(float64(k) * goldenFrac)
	off := time.Duration(frac * float64(interval)).Truncate(offsetResolution)
	if off >= interval {
		off = 0
	}
	return off
}

// FirstDueAt returns the earliest time >= now that lies offset past a
// multiple of interval counted from the Unix epoch. Two processes computing
// the same agent from the same now converge on the same boundaries.
func FirstDueAt(now time.Time, interval, offset time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	iv := int64(interval)
	r := (now.UnixNano() - int64(offset)) % iv
	if r < 0 {
		r += iv
	}
	if r == 0 {
		return now
	}
	return now.Add(time.Duration(iv - r))
}

// NextDueAt is the anti-drift rule: the next occurrence is always relative
// to the previous scheduled time, never to when execution finished.
func NextDueAt(prev time.Time, interval time.Duration) time.Time {
	return prev.Add(interval)
}

// Advance applies NextDueAt once and, if the result already lies before now,
// skips forward by whole intervals so a chronically slow agent never builds
// a backlog. Phase is preserved.
func Advance(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := NextDueAt(prev, interval)
	if interval <= 0 || !next.Before(now) {
		return next
	}
	behind := now.Sub(next)
	steps := int64(behind / interval)
	if behind%interval != 0 {
		steps++
	}
	return next.Add(time.Duration(steps) * interval)
}

// AlignAtOrAfter returns the first phase-aligned occurrence >= t, where
// anchor is any occurrence of the series.
func AlignAtOrAfter(anchor time.Time, interval time.Duration, t time.Time) time.Time {
	if interval <= 0 {
		return anchor
	}
	d := t.Sub(anchor)
	steps := int64(d / interval)
	if d%interval != 0 && d > 0 {
		steps++
	}
	return anchor.Add(time.Duration(steps) * interval)
}
