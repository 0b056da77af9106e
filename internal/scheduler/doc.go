// Package scheduler runs the fleet heartbeat schedule.
//
// One dispatch loop goroutine owns the schedule table: it polls on a fixed
// tick, dispatches due agents through the execution Adapter behind a bounded
// semaphore, and applies completions that come back over a channel. Every
// lifecycle step is recorded in the timeline history and published on the
// event bus. Query reconstructs the timeline for any window from the table's
// forward projection overlaid with recorded history.
package scheduler
