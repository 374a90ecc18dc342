// Package pool keeps the live connection objects of a server or client and
// reclaims closed ones only after they served a quarantine.
//
// A removed object may still be referenced by an I/O completion or a
// dispatch task that was started before the removal. It is therefore parked
// in a staging set, timestamped, and handed out again (reuse policy) or
// released (free policy) only when the quarantine elapsed, nothing holds it
// any more and it reports not started.
package pool

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/lcx/stnet/log"
	"github.com/lcx/stnet/metrics"
	"github.com/lcx/stnet/timer"
)

// Object is what an ObjectPool manages.
type Object interface {
	// ID returns the id assigned by CreateObject.
	ID() uint64
	// SetID assigns the pool id.
	SetID(id uint64)
	// Started reports whether the object is running I/O.
	Started() bool
	// Obsoleted reports whether a live object is finished and may be
	// moved to the staging set by ClearObsoletedObject.
	Obsoleted() bool
	// IsUnique reports that no in-flight operation holds the object.
	IsUnique() bool
	// Reset reinitializes the object for reuse.
	Reset()
}

type staged[T Object] struct {
	obj       T
	removedAt time.Time
}

// ObjectPool is a capacity-bounded live set plus a staging set of closed
// objects ordered by removal time.
type ObjectPool[T Object] struct {
	name    string
	cfg     PoolCfg
	factory func() T
	clk     clock.Clock
	timer   *timer.Timer

	mu   sync.RWMutex
	live map[uint64]T

	stagingMu sync.Mutex
	staging   []staged[T]

	curID   atomic.Uint64
	started atomic.Bool
}

// New creates a pool named name whose new objects come from factory.
// nil cfg means DefaultPoolCfg.
func New[T Object](name string, cfg *PoolCfg, factory func() T) *ObjectPool[T] {
	return NewWithClock(name, cfg, factory, clock.New())
}

// NewWithClock is New with an explicit clock for the quarantine and timers.
func NewWithClock[T Object](name string, cfg *PoolCfg, factory func() T, clk clock.Clock) *ObjectPool[T] {
	if cfg == nil {
		cfg = DefaultPoolCfg()
	}
	return &ObjectPool[T]{
		name:    name,
		cfg:     *cfg,
		factory: factory,
		clk:     clk,
		timer:   timer.NewWithClock(clk),
		live:    make(map[uint64]T),
	}
}

// SetExecutor runs the reclamation timers through exec, e.g. the pump of
// the owning service.
func (p *ObjectPool[T]) SetExecutor(exec timer.Executor) {
	p.timer.SetExecutor(exec)
}

// Start arms the reclamation timers.
func (p *ObjectPool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	if !p.cfg.ReuseObject {
		p.timer.SetTimer(timer.TimerFreeObject, p.cfg.FreeInterval, func(timer.ID) bool {
			if n := p.FreeObject(p.cfg.FreeBatch); n > 0 {
				log.Debug().Str("pool", p.name).Int("freed", n).Msg("closed objects freed")
			}
			return true
		})
	}
	if p.cfg.ClearInterval > 0 {
		p.timer.SetTimer(timer.TimerClearObject, p.cfg.ClearInterval, func(timer.ID) bool {
			if n := p.ClearObsoletedObject(); n > 0 {
				log.Debug().Str("pool", p.name).Int("cleared", n).Msg("obsoleted objects cleared")
			}
			return true
		})
	}
}

// Stop disarms the reclamation timers. Objects stay where they are.
func (p *ObjectPool[T]) Stop() {
	if p.started.CompareAndSwap(true, false) {
		p.timer.StopAllTimer()
	}
}

// Cfg returns the configuration the pool runs with.
func (p *ObjectPool[T]) Cfg() PoolCfg {
	return p.cfg
}

// AddObject puts obj into the live set. It fails if the pool is full or an
// object with the same id is already live.
func (p *ObjectPool[T]) AddObject(obj T) bool {
	p.mu.Lock()
	if len(p.live) >= p.cfg.MaxObjectNum {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.live[obj.ID()]; ok {
		p.mu.Unlock()
		return false
	}
	p.live[obj.ID()] = obj
	n := len(p.live)
	p.mu.Unlock()

	p.reportLive(n)
	return true
}

// DelObject moves obj from the live set into the staging set.
func (p *ObjectPool[T]) DelObject(obj T) bool {
	p.mu.Lock()
	cur, ok := p.live[obj.ID()]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.live, obj.ID())
	n := len(p.live)
	p.mu.Unlock()

	p.stagingMu.Lock()
	p.staging = append(p.staging, staged[T]{obj: cur, removedAt: p.clk.Now()})
	closed := len(p.staging)
	p.stagingMu.Unlock()

	p.reportLive(n)
	p.reportClosed(closed)
	return true
}

// expired reports whether e served its quarantine; caller holds stagingMu.
func (p *ObjectPool[T]) expired(e staged[T], now time.Time) bool {
	return now.Sub(e.removedAt) >= p.cfg.ClosedObjectDelay
}

// ReuseObject takes the oldest reusable staging object out of the pool and
// resets it. Only the reuse policy hands objects out.
func (p *ObjectPool[T]) ReuseObject() (T, bool) {
	var zero T
	if !p.cfg.ReuseObject {
		return zero, false
	}

	p.stagingMu.Lock()
	now := p.clk.Now()
	for i, e := range p.staging {
		if !p.expired(e, now) {
			// the rest were removed later
			break
		}
		if e.obj.IsUnique() && !e.obj.Started() {
			p.staging = append(p.staging[:i], p.staging[i+1:]...)
			closed := len(p.staging)
			p.stagingMu.Unlock()

			p.reportClosed(closed)
			e.obj.Reset()
			return e.obj, true
		}
	}
	p.stagingMu.Unlock()
	return zero, false
}

// FreeObject releases up to n reclaimable staging objects, all of them if
// n <= 0, and returns how many were released. It does nothing under the
// reuse policy.
func (p *ObjectPool[T]) FreeObject(n int) int {
	if p.cfg.ReuseObject {
		return 0
	}

	p.stagingMu.Lock()
	now := p.clk.Now()
	freed := 0
	kept := p.staging[:0]
	for _, e := range p.staging {
		if (n <= 0 || freed < n) && p.expired(e, now) && e.obj.IsUnique() && !e.obj.Started() {
			freed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(p.staging); i++ {
		p.staging[i] = staged[T]{}
	}
	p.staging = kept
	closed := len(p.staging)
	p.stagingMu.Unlock()

	if freed > 0 {
		p.reportClosed(closed)
	}
	return freed
}

// ClearObsoletedObject moves every obsoleted live object to the staging set
// and returns how many were moved.
func (p *ObjectPool[T]) ClearObsoletedObject() int {
	var obsoleted []T
	p.DoToAll(func(obj T) {
		if obj.Obsoleted() {
			obsoleted = append(obsoleted, obj)
		}
	})

	n := 0
	for _, obj := range obsoleted {
		if p.DelObject(obj) {
			n++
		}
	}
	return n
}

// CreateObject returns a reused object or a new one from the factory, with
// a fresh id. It is not added to the live set. It fails when the live set
// is full.
func (p *ObjectPool[T]) CreateObject() (T, bool) {
	var zero T
	if p.Size() >= p.cfg.MaxObjectNum {
		return zero, false
	}

	obj, ok := p.ReuseObject()
	if !ok {
		if p.factory == nil {
			return zero, false
		}
		obj = p.factory()
	}
	obj.SetID(p.curID.Add(1))
	return obj, true
}

// FindObject returns the live object with id.
func (p *ObjectPool[T]) FindObject(id uint64) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	obj, ok := p.live[id]
	return obj, ok
}

// FindIf returns a live object matching pred.
func (p *ObjectPool[T]) FindIf(pred func(T) bool) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, obj := range p.live {
		if pred(obj) {
			return obj, true
		}
	}
	var zero T
	return zero, false
}

// DoToAll calls fn for every live object. fn runs on a snapshot, so it may
// add or delete objects.
func (p *ObjectPool[T]) DoToAll(fn func(T)) {
	for _, obj := range p.ListAllObject() {
		fn(obj)
	}
}

// ListAllObject returns a snapshot of the live set.
func (p *ObjectPool[T]) ListAllObject() []T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	objs := make([]T, 0, len(p.live))
	for _, obj := range p.live {
		objs = append(objs, obj)
	}
	return objs
}

// Size returns the number of live objects.
func (p *ObjectPool[T]) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.live)
}

// ClosedObjectSize returns the number of staging objects.
func (p *ObjectPool[T]) ClosedObjectSize() int {
	p.stagingMu.Lock()
	defer p.stagingMu.Unlock()
	return len(p.staging)
}

// ListClosedObject returns a snapshot of the staging set, oldest first.
func (p *ObjectPool[T]) ListClosedObject() []T {
	p.stagingMu.Lock()
	defer p.stagingMu.Unlock()
	objs := make([]T, 0, len(p.staging))
	for _, e := range p.staging {
		objs = append(objs, e.obj)
	}
	return objs
}

func (p *ObjectPool[T]) reportLive(n int) {
	metrics.UpdateGaugeWithDimGroup("pool", "objects", metrics.Value(n), metrics.Dimension{"pool": p.name, "set": "live"})
}

func (p *ObjectPool[T]) reportClosed(n int) {
	metrics.UpdateGaugeWithDimGroup("pool", "objects", metrics.Value(n), metrics.Dimension{"pool": p.name, "set": "closed"})
}

// String identifies the pool in logs.
func (p *ObjectPool[T]) String() string {
	return p.name + "(" + strconv.Itoa(p.Size()) + "/" + strconv.Itoa(p.cfg.MaxObjectNum) + ")"
}
