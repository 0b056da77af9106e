package scheduler

import "errors"

var (
	// ErrInvalidRange is returned by timeline queries whose end precedes their start.
	ErrInvalidRange = errors.New("scheduler: range end before start")
	// ErrRangeTooLarge is returned when a timeline query would project more nodes than allowed.
	ErrRangeTooLarge = errors.New("scheduler: range projects too many nodes")
	// ErrNotRunning is returned by operations that need an active scheduler.
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrInvalidCycle is returned for a negative default optimization cycle length.
	ErrInvalidCycle = errors.New("scheduler: optimization cycle length must be >= 0")
	// ErrNoAdapter is returned by New without an execution adapter.
	ErrNoAdapter = errors.New("scheduler: execution adapter is required")
	// ErrNoFleetSource is returned by New without a fleet source.
	ErrNoFleetSource = errors.New("scheduler: fleet source is required")
)
