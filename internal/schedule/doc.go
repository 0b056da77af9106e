// Package schedule holds the pure time arithmetic behind the fleet scheduler:
// stagger offsets for agents that share an interval, epoch-anchored first due
// times, and the anti-drift rescheduling rule.
//
// Nothing here performs I/O or keeps state.
package schedule
