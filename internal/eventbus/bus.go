// Package eventbus is an in-process publish/subscribe fanout for scheduler
// lifecycle events.
package eventbus

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "fleetbeat/pkg/logx"
)

const (
	HeartbeatStarted      = "heartbeat.started"
	HeartbeatCompleted    = "heartbeat.completed"
	HeartbeatFailed       = "heartbeat.failed"
	OptimizationStarted   = "optimization.started"
	OptimizationCompleted = "optimization.completed"
	OptimizationFailed    = "optimization.failed"
	TimelineEnabled       = "timeline.enabled"
	TimelineDisabled      = "timeline.disabled"
)

// Event is a lightweight in-memory signal.
//
// Data is a timeline.Node for node events and a Toggle for
// timeline.enabled/disabled.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Toggle is the payload of timeline.enabled and timeline.disabled.
type Toggle struct {
	Enabled bool      `json:"enabled"`
	At      time.Time `json:"at"`
}

// Listener is called inline by Publish.
type Listener func(e Event)

// Bus contract:
//   - Publish calls every listener registered at that moment exactly once, in
//     subscription order, on the publisher's goroutine.
//   - A panicking listener is recovered and logged; remaining listeners still run.
//   - Late subscribers never see past events.
type Bus interface {
	Publish(e Event)
	Subscribe(fn Listener) (unsubscribe func())
	SubscribeChan(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New(log logx.Logger) Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memBus{log: log, subs: map[uint64]Listener{}}
}

type memBus struct {
	log logx.Logger

	mu   sync.RWMutex
	subs map[uint64]Listener
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot listeners so Publish never holds the lock while calling out;
	// a listener may unsubscribe itself.
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make(map[uint64]Listener, len(ids))
	for _, id := range ids {
		fns[id] = b.subs[id]
	}
	b.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		b.call(id, fns[id], e)
	}
}

func (b *memBus) call(id uint64, fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked",
				logx.String("event", e.Type),
				logx.Uint64("listener", id),
				logx.String("panic", fmt.Sprint(r)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(e)
}

func (b *memBus) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeChan bridges the bus to a buffered channel for consumers that run
// on their own goroutine (streams, journal writers). Delivery never blocks
// the publisher: when the buffer is full the event is dropped.
func (b *memBus) SubscribeChan(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
				b.log.Warn("event dropped (subscriber slow)", logx.String("event", e.Type), logx.Uint64("dropped_total", n))
			}
		}
	})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsub()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
