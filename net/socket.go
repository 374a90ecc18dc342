package net

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/lcx/stnet/log"
	"github.com/lcx/stnet/service"
	"github.com/lcx/stnet/timer"
)

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrEmptyMsg     = errors.New("empty message")
	ErrNotConnected = errors.New("socket not connected")
)

// Message is what sockets queue: a packed outbound or unpacked inbound unit.
type Message interface {
	Empty() bool
	Size() int
}

// Status is the lifecycle state of a socket.
type Status int32

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosing
	StatusClosed
)

func (st Status) String() string {
	switch st {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// socketHooks is implemented by the TCP and UDP sockets embedding the core.
type socketHooks[M Message] interface {
	isSendAllowed() bool
	writeMsg(msg M) error
	isHeartbeat(msg M) bool
	onMsg(msg M) bool
	onMsgHandle(msg M, linkDown bool)
	onMsgSend(msg M)
	onAllMsgSend(msg M)
	onSendError(msg M, err error)
}

// socket is the transport independent core: the outbound queue with its
// single writer, the temp and dispatch queues with their single dispatcher,
// and the reader backpressure between them.
//
// The send lock and the dispatch lock are never held together.
type socket[M Message] struct {
	id      atomic.Uint64
	cfg     SocketCfg
	pump    *service.Pump
	timer   *timer.Timer
	logger  *log.SocketLogger
	hooks   socketHooks[M]
	limiter *TokenLimiter

	startMu sync.Mutex
	started atomic.Bool
	status  atomic.Int32
	holds   atomic.Int32

	lifeMu   sync.Mutex
	closedCh chan struct{}

	sendMu      sync.Mutex
	sendQ       *msgQueue[M]
	sending     bool
	suspendSend bool
	sendable    chan struct{}

	// admitMu serializes dispatchMsg between the reader and the retry timer.
	admitMu         sync.Mutex
	dispatchMu      sync.Mutex
	tempQ           *msgQueue[M]
	dispatchQ       *msgQueue[M]
	headApproved    bool
	dispatching     bool
	suspendDispatch bool

	resumeCh chan struct{}
	parked   atomic.Bool

	writing    atomic.Int32
	maxWriting atomic.Int32
	stat       socketStat
}

func (s *socket[M]) init(hooks socketHooks[M], pump *service.Pump, cfg *SocketCfg) {
	if cfg == nil {
		cfg = DefaultSocketCfg()
	}
	s.hooks = hooks
	s.pump = pump
	s.timer = timer.New()
	s.timer.SetExecutor(pumpExecutor(pump))
	s.logger = log.NewSocketLogger(nil, 0)
	s.resumeCh = make(chan struct{}, 1)
	s.reset(cfg)
}

// pumpExecutor runs timer callbacks on pump, or on the clock goroutine when
// there is no pump or it refuses the job.
func pumpExecutor(pump *service.Pump) timer.Executor {
	return func(job func()) bool {
		return pump != nil && pump.Post(job)
	}
}

// reset applies cfg, if any, and returns the core to a fresh idle state.
func (s *socket[M]) reset(cfg *SocketCfg) {
	if cfg != nil {
		s.cfg = *cfg
		s.limiter = nil
		if cfg.DispatchQPS > 0 {
			s.limiter = NewTokenLimiter(cfg.DispatchQPS, cfg.DispatchBurst)
		}
	}
	s.resetCore()
}

// resetCore is only valid while the socket is not started and nothing
// holds it.
func (s *socket[M]) resetCore() {
	s.timer.StopAllTimer()

	s.sendMu.Lock()
	s.sendQ = newMsgQueue[M]()
	s.sending = false
	s.suspendSend = false
	s.notifySendable()
	s.sendMu.Unlock()

	s.dispatchMu.Lock()
	s.tempQ = newMsgQueue[M]()
	s.dispatchQ = newMsgQueue[M]()
	s.headApproved = false
	s.dispatching = false
	s.suspendDispatch = false
	s.dispatchMu.Unlock()

	s.lifeMu.Lock()
	s.closedCh = make(chan struct{})
	s.lifeMu.Unlock()

	select {
	case <-s.resumeCh:
	default:
	}
	s.status.Store(int32(StatusIdle))
	s.maxWriting.Store(0)
	s.stat.reset()
}

// ID returns the pool id of the socket.
func (s *socket[M]) ID() uint64 {
	return s.id.Load()
}

// SetID assigns the pool id.
func (s *socket[M]) SetID(id uint64) {
	s.id.Store(id)
	s.logger.SetSocketID(id)
}

// Started reports whether the socket runs I/O.
func (s *socket[M]) Started() bool {
	return s.started.Load()
}

// Status returns the lifecycle state.
func (s *socket[M]) Status() Status {
	return Status(s.status.Load())
}

func (s *socket[M]) setStatus(st Status) {
	s.status.Store(int32(st))
}

// Obsoleted reports a socket that closed for good.
func (s *socket[M]) Obsoleted() bool {
	return s.Status() == StatusClosed && !s.started.Load()
}

// Hold marks the socket as referenced by an operation in flight.
func (s *socket[M]) Hold() {
	s.holds.Add(1)
}

// Unhold releases a Hold.
func (s *socket[M]) Unhold() {
	s.holds.Add(-1)
}

// IsUnique reports that no operation holds the socket.
func (s *socket[M]) IsUnique() bool {
	return s.holds.Load() == 0
}

// Timer returns the timer set of the socket. Applications use ids from
// timer.TimerUserBegin on.
func (s *socket[M]) Timer() *timer.Timer {
	return s.timer
}

// Logger returns the logger bound to this socket.
func (s *socket[M]) Logger() *log.SocketLogger {
	return s.logger
}

// Cfg returns the socket configuration.
func (s *socket[M]) Cfg() SocketCfg {
	return s.cfg
}

// Closed is closed once the socket is finally closed.
func (s *socket[M]) Closed() <-chan struct{} {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.closedCh
}

func (s *socket[M]) isClosed() bool {
	select {
	case <-s.Closed():
		return true
	default:
		return false
	}
}

func (s *socket[M]) linkDown() bool {
	return s.Status() != StatusOpen
}

// start runs doStart once per lifecycle.
func (s *socket[M]) start(doStart func() bool) bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started.Load() || s.isClosed() {
		return false
	}
	s.started.Store(true)
	if !doStart() {
		s.started.Store(false)
		return false
	}
	return true
}

// finish moves the socket to closed: timers stop, Closed fires and the
// socket reports not started. It returns false if already finished.
func (s *socket[M]) finish() bool {
	s.lifeMu.Lock()
	select {
	case <-s.closedCh:
		s.lifeMu.Unlock()
		return false
	default:
	}
	s.setStatus(StatusClosed)
	s.timer.StopAllTimer()
	close(s.closedCh)
	s.lifeMu.Unlock()

	s.started.Store(false)
	return true
}

func (s *socket[M]) goSafe(routine string, fn func()) {
	go func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			s.logger.Error().Str("routine", routine).Err(r.AsError()).Msg("socket routine panicked")
		}
	}()
}

// DirectSendMsg queues an already packed message. Without canOverflow it
// fails when the outbound queue is full.
func (s *socket[M]) DirectSendMsg(msg M, canOverflow bool) bool {
	if msg.Empty() {
		return false
	}

	s.sendMu.Lock()
	if !canOverflow && s.sendQ.Len() >= s.cfg.MaxSendQueueLen {
		s.sendMu.Unlock()
		return false
	}
	s.sendQ.Add(msg)
	s.sendMu.Unlock()

	s.doSend()
	return true
}

// safeDirectSend retries DirectSendMsg until it succeeds, polling at
// SafeSendPollInterval. It blocks, so it must not run inside a socket
// callback on a single-worker pump.
func (s *socket[M]) safeDirectSend(ctx context.Context, msg M) error {
	if msg.Empty() {
		return ErrEmptyMsg
	}
	closed := s.Closed()
	t := time.NewTimer(s.cfg.SafeSendPollInterval)
	defer t.Stop()
	for !s.DirectSendMsg(msg, false) {
		select {
		case <-closed:
			return ErrSocketClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			t.Reset(s.cfg.SafeSendPollInterval)
		}
	}
	return nil
}

// WaitSendable blocks until the outbound queue has room for a
// non-overflowing send.
func (s *socket[M]) WaitSendable(ctx context.Context) error {
	closed := s.Closed()
	for {
		s.sendMu.Lock()
		if s.sendQ.Len() < s.cfg.MaxSendQueueLen {
			s.sendMu.Unlock()
			return nil
		}
		if s.sendable == nil {
			s.sendable = make(chan struct{})
		}
		ch := s.sendable
		s.sendMu.Unlock()

		select {
		case <-ch:
		case <-closed:
			return ErrSocketClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifySendable wakes WaitSendable callers; sendMu must be held.
func (s *socket[M]) notifySendable() {
	if s.sendable != nil && s.sendQ.Len() < s.cfg.MaxSendQueueLen {
		close(s.sendable)
		s.sendable = nil
	}
}

// doSend starts the writer unless one is running.
func (s *socket[M]) doSend() {
	s.sendMu.Lock()
	if s.sending || s.suspendSend || s.sendQ.Len() == 0 || !s.hooks.isSendAllowed() {
		s.sendMu.Unlock()
		return
	}
	s.sending = true
	s.sendMu.Unlock()

	s.Hold()
	s.goSafe("send", s.sendLoop)
}

// sendLoop writes queued messages one at a time until the queue is empty
// or sending is no longer allowed.
func (s *socket[M]) sendLoop() {
	clean := false
	defer func() {
		if !clean {
			s.sendMu.Lock()
			s.sending = false
			s.sendMu.Unlock()
		}
		s.Unhold()
	}()

	for {
		s.sendMu.Lock()
		if s.suspendSend || !s.hooks.isSendAllowed() || s.sendQ.Len() == 0 {
			s.sending = false
			s.sendMu.Unlock()
			clean = true
			return
		}
		msg, _ := s.sendQ.Remove()
		s.notifySendable()
		s.sendMu.Unlock()

		if err := s.write(msg); err != nil {
			s.stat.sendErrors.Add(1)
			s.hooks.onSendError(msg, err)
			continue
		}
		s.hooks.onMsgSend(msg)

		s.sendMu.Lock()
		empty := s.sendQ.Len() == 0
		s.sendMu.Unlock()
		if empty {
			s.hooks.onAllMsgSend(msg)
		}
	}
}

func (s *socket[M]) write(msg M) error {
	n := s.writing.Add(1)
	for {
		m := s.maxWriting.Load()
		if n <= m || s.maxWriting.CompareAndSwap(m, n) {
			break
		}
	}
	err := s.hooks.writeMsg(msg)
	s.writing.Add(-1)
	if err == nil {
		s.stat.onSend(msg.Size())
	}
	return err
}

// SuspendSendMsg pauses or resumes the writer. Resuming drains the
// outbound queue right away.
func (s *socket[M]) SuspendSendMsg(suspend bool) {
	s.sendMu.Lock()
	s.suspendSend = suspend
	s.sendMu.Unlock()
	if !suspend {
		s.doSend()
	}
}

// IsSendSuspended reports whether the writer is paused.
func (s *socket[M]) IsSendSuspended() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.suspendSend
}

// SuspendDispatchMsg pauses or resumes dispatching. While paused, inbound
// messages pile up in the dispatch queue; every SuspendKeepAlive the temp
// queue is admitted again, so messages held back while the dispatch queue
// was full move in once something popped it.
func (s *socket[M]) SuspendDispatchMsg(suspend bool) {
	s.dispatchMu.Lock()
	s.suspendDispatch = suspend
	s.dispatchMu.Unlock()

	if suspend {
		s.timer.SetTimer(timer.TimerSuspendDispatch, s.cfg.SuspendKeepAlive, func(timer.ID) bool {
			if !s.IsDispatchSuspended() {
				return false
			}
			s.dispatchMsg(false)
			return true
		})
		return
	}
	s.timer.StopTimer(timer.TimerSuspendDispatch)
	s.doDispatch()
}

// IsDispatchSuspended reports whether dispatching is paused.
func (s *socket[M]) IsDispatchSuspended() bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.suspendDispatch
}

// appendTemp queues freshly parsed messages for dispatchMsg.
func (s *socket[M]) appendTemp(msgs []M) {
	if len(msgs) == 0 {
		return
	}
	s.dispatchMu.Lock()
	for _, m := range msgs {
		s.tempQ.Add(m)
	}
	s.dispatchMu.Unlock()
	s.stat.recvMsgs.Add(uint64(len(msgs)))
}

func (s *socket[M]) popTemp() {
	s.dispatchMu.Lock()
	s.tempQ.Remove()
	s.headApproved = false
	s.dispatchMu.Unlock()
}

// dispatchMsg drains the temp queue in order. Heartbeats are consumed, a
// message OnMsg returns false for is done, the rest moves into the
// dispatch queue while it has room; force ignores the room. It reports
// whether the temp queue drained.
func (s *socket[M]) dispatchMsg(force bool) bool {
	s.admitMu.Lock()
	drained := true
	for {
		s.dispatchMu.Lock()
		msg, ok := s.tempQ.Peek()
		approved, suspended := s.headApproved, s.suspendDispatch
		s.dispatchMu.Unlock()
		if !ok {
			break
		}

		if !approved {
			if s.hooks.isHeartbeat(msg) {
				s.stat.heartbeats.Add(1)
				s.popTemp()
				continue
			}
			// while suspended everything goes to the dispatch queue
			if !suspended && !s.hooks.onMsg(msg) {
				s.stat.handledInline.Add(1)
				s.popTemp()
				continue
			}
		}

		s.dispatchMu.Lock()
		if !force && s.dispatchQ.Len() >= s.cfg.MaxDispatchQueueLen {
			s.headApproved = true
			s.dispatchMu.Unlock()
			drained = false
			break
		}
		m, _ := s.tempQ.Remove()
		s.dispatchQ.Add(m)
		s.headApproved = false
		s.dispatchMu.Unlock()
	}
	s.admitMu.Unlock()

	s.doDispatch()
	return drained
}

// waitAdmitted parks the reader until dispatchMsg drained the temp queue,
// retrying every DispatchRetryInterval. It returns false if done fired.
func (s *socket[M]) waitAdmitted(done <-chan struct{}) bool {
	select {
	case <-s.resumeCh:
	default:
	}
	s.parked.Store(true)
	s.stat.recvPauses.Add(1)
	defer s.parked.Store(false)

	s.timer.SetTimer(timer.TimerDispatchMsg, s.cfg.DispatchRetryInterval, func(timer.ID) bool {
		if !s.dispatchMsg(false) {
			return true
		}
		select {
		case s.resumeCh <- struct{}{}:
		default:
		}
		return false
	})

	select {
	case <-s.resumeCh:
		return true
	case <-done:
		s.timer.StopTimer(timer.TimerDispatchMsg)
		return false
	}
}

// doDispatch hands the head of the dispatch queue to the pump unless a
// dispatch is in flight.
func (s *socket[M]) doDispatch() {
	s.dispatchMu.Lock()
	if s.dispatching || s.suspendDispatch || s.dispatchQ.Len() == 0 {
		s.dispatchMu.Unlock()
		return
	}
	if s.limiter != nil {
		if d := s.limiter.Delay(); d > 0 {
			s.dispatchMu.Unlock()
			s.timer.SetTimer(timer.TimerReDispatch, d, func(timer.ID) bool {
				s.doDispatch()
				return false
			})
			return
		}
	}
	msg, _ := s.dispatchQ.Remove()
	s.dispatching = true
	s.dispatchMu.Unlock()

	s.Hold()
	task := func() { s.handleMsg(msg) }
	if s.pump == nil || !s.pump.Post(task) {
		s.goSafe("dispatch", task)
	}
}

func (s *socket[M]) handleMsg(msg M) {
	defer func() {
		s.dispatchMu.Lock()
		s.dispatching = false
		s.dispatchMu.Unlock()
		// the next dispatch holds before this one lets go
		s.doDispatch()
		s.Unhold()
	}()

	s.hooks.onMsgHandle(msg, s.linkDown())
	s.stat.dispatchMsgs.Add(1)
}

// PendingSendMsgNum returns the outbound queue length.
func (s *socket[M]) PendingSendMsgNum() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendQ.Len()
}

// PeekFirstPendingSendMsg returns the head of the outbound queue.
func (s *socket[M]) PeekFirstPendingSendMsg() (M, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendQ.Peek()
}

// PopFirstPendingSendMsg removes the head of the outbound queue.
func (s *socket[M]) PopFirstPendingSendMsg() (M, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	m, ok := s.sendQ.Remove()
	s.notifySendable()
	return m, ok
}

// PopAllPendingSendMsg empties the outbound queue.
func (s *socket[M]) PopAllPendingSendMsg() []M {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	all := s.sendQ.PopAll()
	s.notifySendable()
	return all
}

// PendingDispatchMsgNum returns the dispatch queue length.
func (s *socket[M]) PendingDispatchMsgNum() int {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatchQ.Len()
}

// PeekFirstPendingDispatchMsg returns the head of the dispatch queue.
func (s *socket[M]) PeekFirstPendingDispatchMsg() (M, bool) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatchQ.Peek()
}

// PopFirstPendingDispatchMsg removes the head of the dispatch queue.
func (s *socket[M]) PopFirstPendingDispatchMsg() (M, bool) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatchQ.Remove()
}

// PopAllPendingDispatchMsg empties the dispatch queue.
func (s *socket[M]) PopAllPendingDispatchMsg() []M {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatchQ.PopAll()
}

// Stat returns a snapshot of the socket counters.
func (s *socket[M]) Stat() Stat {
	st := s.stat.snapshot()
	st.MaxInFlightWrites = s.maxWriting.Load()
	st.RecvParked = s.parked.Load()
	return st
}
