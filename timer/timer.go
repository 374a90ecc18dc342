// Package timer provides per-object repeating timers keyed by a small id.
//
// A timer fires its callback after each interval. The callback decides
// whether the timer keeps running: returning false disarms it until the next
// SetTimer. The next firing is armed only after the callback returned, so a
// single id never runs two callbacks at once, while distinct ids fire
// independently.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ID identifies a timer inside one Timer. Ids below TimerUserBegin are used by
// sockets and pools; applications embedding a socket start at TimerUserBegin.
type ID uint8

const (
	TimerDispatchMsg      ID = iota // retry moving temp messages into the dispatch queue
	TimerSuspendDispatch            // keep-alive recheck while dispatching is suspended
	TimerReDispatch                 // resume dispatching after a throttle delay
	TimerHeartbeatCheck             // heartbeat send / liveness check
	TimerAsyncShutdown              // graceful close polling
	TimerReconnect                  // client reconnect
	TimerFreeObject                 // pool reclamation
	TimerClearObject                // pool obsoleted object sweep
	TimerEnd

	TimerUserBegin = TimerEnd
)

var _names = [...]string{
	"dispatch_msg", "suspend_dispatch", "re_dispatch", "heartbeat_check",
	"async_shutdown", "reconnect", "free_object", "clear_object",
}

// String returns a readable name for reserved ids and "user" otherwise.
func (id ID) String() string {
	if int(id) < len(_names) {
		return _names[id]
	}
	return "user"
}

// Callback runs when a timer fires; it returns whether the timer continues.
type Callback func(id ID) bool

// Executor runs fired callbacks elsewhere, typically on a worker pool. It
// reports false when it cannot take the job; the job then runs on the
// clock goroutine.
type Executor func(job func()) bool

type status uint8

const (
	statusOK status = iota
	statusCanceled
)

type entry struct {
	id       ID
	status   status
	interval time.Duration
	cb       Callback
	t        *clock.Timer
}

// Timer is the timer set owned by one object. The zero value is not usable;
// call New.
type Timer struct {
	mu      sync.Mutex
	clk     clock.Clock
	exec    Executor
	entries map[ID]*entry
}

// New creates a Timer on the wall clock.
func New() *Timer {
	return NewWithClock(clock.New())
}

// NewWithClock creates a Timer driven by clk, e.g. a clock.Mock in tests.
func NewWithClock(clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{
		clk:     clk,
		entries: make(map[ID]*entry),
	}
}

// Clock returns the clock driving the timers.
func (x *Timer) Clock() clock.Clock {
	return x.clk
}

// SetExecutor routes every later firing through exec; nil restores running
// callbacks on the clock goroutine.
func (x *Timer) SetExecutor(exec Executor) {
	x.mu.Lock()
	x.exec = exec
	x.mu.Unlock()
}

// SetTimer creates or replaces the timer id and arms it to fire after
// interval. A replaced timer never fires again; a callback of it that is
// already running completes but is not re-armed.
func (x *Timer) SetTimer(id ID, interval time.Duration, cb Callback) {
	if cb == nil {
		return
	}

	e := &entry{id: id, interval: interval, cb: cb}

	x.mu.Lock()
	if old, ok := x.entries[id]; ok {
		x.cancel(old)
	}
	x.entries[id] = e
	x.arm(e)
	x.mu.Unlock()
}

// StopTimer disarms the timer id. Stopping an unknown id is a no-op.
func (x *Timer) StopTimer(id ID) {
	x.mu.Lock()
	if e, ok := x.entries[id]; ok {
		x.cancel(e)
		delete(x.entries, id)
	}
	x.mu.Unlock()
}

// StopAllTimer disarms every timer.
func (x *Timer) StopAllTimer() {
	x.mu.Lock()
	for id, e := range x.entries {
		x.cancel(e)
		delete(x.entries, id)
	}
	x.mu.Unlock()
}

// IsTimerRunning reports whether the timer id is armed or firing.
func (x *Timer) IsTimerRunning(id ID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	return ok && e.status == statusOK
}

// UpdateInterval changes the interval used from the next arming on.
// It returns false if the timer id does not exist.
func (x *Timer) UpdateInterval(id ID, interval time.Duration) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	if !ok {
		return false
	}
	e.interval = interval
	return true
}

// Interval returns the interval of timer id, or 0 when it does not exist.
func (x *Timer) Interval(id ID) time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[id]; ok {
		return e.interval
	}
	return 0
}

// arm schedules e; caller holds mu.
func (x *Timer) arm(e *entry) {
	e.t = x.clk.AfterFunc(e.interval, func() { x.fire(e) })
}

// cancel marks e dead and stops its pending firing; caller holds mu.
func (x *Timer) cancel(e *entry) {
	e.status = statusCanceled
	if e.t != nil {
		e.t.Stop()
	}
}

func (x *Timer) fire(e *entry) {
	x.mu.Lock()
	if e.status != statusOK {
		x.mu.Unlock()
		return
	}
	exec := x.exec
	x.mu.Unlock()

	if exec != nil && exec(func() { x.run(e) }) {
		return
	}
	x.run(e)
}

// run calls the callback of e unless it was stopped meanwhile, then re-arms
// or retires it.
func (x *Timer) run(e *entry) {
	x.mu.Lock()
	if e.status != statusOK {
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	again := e.cb(e.id)

	x.mu.Lock()
	defer x.mu.Unlock()
	if e.status != statusOK || x.entries[e.id] != e {
		return
	}
	if again {
		x.arm(e)
		return
	}
	e.status = statusCanceled
	delete(x.entries, e.id)
}
