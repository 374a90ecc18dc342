package net

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/service"
	"github.com/lcx/stnet/timer"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestPump(t *testing.T, threads int) *service.Pump {
	t.Helper()
	p := service.NewPump(&service.PumpCfg{ThreadNum: threads})
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

// fakeSock drives the socket core without a network: writes land in a
// slice and handled messages in another.
type fakeSock struct {
	socket[codec.Msg]

	mu      sync.Mutex
	written []string
	handled []string

	open       atomic.Bool
	writeDelay time.Duration
	writeErr   error
	gate       chan struct{}
	inline     func(codec.Msg) bool

	onMsgCalls atomic.Int32
	inHandle   atomic.Int32
	overlap    atomic.Bool
	linkDowns  atomic.Int32
	allSent    atomic.Int32
	sendErrs   atomic.Int32
}

func newFakeSock(t *testing.T, pump *service.Pump, mutate func(*SocketCfg)) *fakeSock {
	cfg := DefaultSocketCfg()
	if mutate != nil {
		mutate(cfg)
	}
	s := &fakeSock{}
	s.init(s, pump, cfg)
	s.open.Store(true)
	s.setStatus(StatusOpen)
	t.Cleanup(func() { s.finish() })
	return s
}

func (s *fakeSock) isSendAllowed() bool { return s.open.Load() }

func (s *fakeSock) writeMsg(m codec.Msg) error {
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.written = append(s.written, string(m))
	s.mu.Unlock()
	return nil
}

func (s *fakeSock) isHeartbeat(m codec.Msg) bool { return string(m) == "hb" }

func (s *fakeSock) onMsg(m codec.Msg) bool {
	s.onMsgCalls.Add(1)
	if s.inline != nil {
		return s.inline(m)
	}
	return true
}

func (s *fakeSock) onMsgHandle(m codec.Msg, linkDown bool) {
	if s.inHandle.Add(1) > 1 {
		s.overlap.Store(true)
	}
	if s.gate != nil {
		<-s.gate
	}
	if linkDown {
		s.linkDowns.Add(1)
	}
	s.mu.Lock()
	s.handled = append(s.handled, string(m))
	s.mu.Unlock()
	s.inHandle.Add(-1)
}

func (s *fakeSock) onMsgSend(codec.Msg)          {}
func (s *fakeSock) onAllMsgSend(codec.Msg)       { s.allSent.Add(1) }
func (s *fakeSock) onSendError(codec.Msg, error) { s.sendErrs.Add(1) }

func (s *fakeSock) writtenMsgs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

func (s *fakeSock) handledMsgs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.handled...)
}

func msgs(ss ...string) []codec.Msg {
	out := make([]codec.Msg, 0, len(ss))
	for _, s := range ss {
		out = append(out, codec.Msg(s))
	}
	return out
}

func TestSendKeepsOrder(t *testing.T) {
	s := newFakeSock(t, nil, nil)

	var want []string
	for i := 0; i < 200; i++ {
		m := strconv.Itoa(i)
		want = append(want, m)
		require.True(t, s.DirectSendMsg(codec.Msg(m), false))
	}

	require.Eventually(t, func() bool { return len(s.writtenMsgs()) == len(want) }, waitFor, tick)
	assert.Equal(t, want, s.writtenMsgs())
	assert.Equal(t, uint64(200), s.Stat().SendMsgs)
	assert.GreaterOrEqual(t, s.allSent.Load(), int32(1))
}

func TestSingleWriterUnderConcurrentSends(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.writeDelay = 50 * time.Microsecond

	const senders, each = 8, 50
	var wg sync.WaitGroup
	for g := 0; g < senders; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				s.DirectSendMsg(codec.Msg(fmt.Sprintf("%d-%d", g, i)), true)
			}
		}(g)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(s.writtenMsgs()) == senders*each }, waitFor, tick)
	assert.Equal(t, int32(1), s.Stat().MaxInFlightWrites)

	// each sender's messages leave in the order it queued them
	next := make(map[string]int)
	for _, m := range s.writtenMsgs() {
		g, i, _ := strings.Cut(m, "-")
		n, err := strconv.Atoi(i)
		require.NoError(t, err)
		assert.Equal(t, next[g], n, "sender %s", g)
		next[g] = n + 1
	}
}

func TestDispatchOrderOnManyWorkers(t *testing.T) {
	pump := newTestPump(t, 8)
	s := newFakeSock(t, pump, nil)

	var want []string
	for chunk := 0; chunk < 30; chunk++ {
		var batch []codec.Msg
		for i := 0; i < 10; i++ {
			m := strconv.Itoa(chunk*10 + i)
			want = append(want, m)
			batch = append(batch, codec.Msg(m))
		}
		s.appendTemp(batch)
		require.True(t, s.dispatchMsg(false))
	}

	require.Eventually(t, func() bool { return len(s.handledMsgs()) == len(want) }, waitFor, tick)
	assert.Equal(t, want, s.handledMsgs())
	assert.False(t, s.overlap.Load())
	assert.Equal(t, uint64(300), s.Stat().DispatchMsgs)
}

func TestHeartbeatsAndInlineMessagesSkipDispatch(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.inline = func(m codec.Msg) bool { return string(m) != "skip" }

	s.appendTemp(msgs("a", "hb", "skip", "b"))
	require.True(t, s.dispatchMsg(false))

	require.Eventually(t, func() bool { return len(s.handledMsgs()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, s.handledMsgs())
	st := s.Stat()
	assert.Equal(t, uint64(1), st.Heartbeats)
	assert.Equal(t, uint64(1), st.HandledInline)
	assert.Equal(t, uint64(4), st.RecvMsgs)
	assert.Equal(t, int32(3), s.onMsgCalls.Load())
}

func TestSendQueueCapacity(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) { c.MaxSendQueueLen = 2 })
	s.SuspendSendMsg(true)
	require.True(t, s.IsSendSuspended())

	ok := 0
	for i := 0; i < 100; i++ {
		if s.DirectSendMsg(codec.Msg("x"), false) {
			ok++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, s.PendingSendMsgNum())

	assert.True(t, s.DirectSendMsg(codec.Msg("over"), true))
	assert.Equal(t, 3, s.PendingSendMsgNum())
	assert.Empty(t, s.writtenMsgs())

	s.SuspendSendMsg(false)
	require.Eventually(t, func() bool { return s.PendingSendMsgNum() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(s.writtenMsgs()) == 3 }, waitFor, tick)
	assert.True(t, s.DirectSendMsg(codec.Msg("y"), false))
}

func TestEmptyMessageRejected(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	assert.False(t, s.DirectSendMsg(nil, true))
	assert.False(t, s.DirectSendMsg(codec.Msg{}, false))
	assert.ErrorIs(t, s.safeDirectSend(context.Background(), nil), ErrEmptyMsg)
}

func TestPendingSendQueueOps(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.SuspendSendMsg(true)
	for _, m := range []string{"a", "b", "c"} {
		require.True(t, s.DirectSendMsg(codec.Msg(m), false))
	}

	m, ok := s.PeekFirstPendingSendMsg()
	require.True(t, ok)
	assert.Equal(t, "a", string(m))

	m, ok = s.PopFirstPendingSendMsg()
	require.True(t, ok)
	assert.Equal(t, "a", string(m))

	assert.Equal(t, msgs("b", "c"), s.PopAllPendingSendMsg())
	assert.Zero(t, s.PendingSendMsgNum())
	_, ok = s.PopFirstPendingSendMsg()
	assert.False(t, ok)
}

func TestWaitSendable(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) { c.MaxSendQueueLen = 1 })
	s.SuspendSendMsg(true)
	require.True(t, s.DirectSendMsg(codec.Msg("a"), false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitSendable(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- s.WaitSendable(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitSendable returned while the queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok := s.PopFirstPendingSendMsg()
	require.True(t, ok)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("WaitSendable did not wake up")
	}
}

func TestSafeSend(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) {
		c.MaxSendQueueLen = 1
		c.SafeSendPollInterval = 5 * time.Millisecond
	})
	s.SuspendSendMsg(true)
	require.True(t, s.DirectSendMsg(codec.Msg("a"), false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.safeDirectSend(ctx, codec.Msg("b")), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- s.safeDirectSend(context.Background(), codec.Msg("b")) }()
	time.Sleep(20 * time.Millisecond)
	s.SuspendSendMsg(false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("safe send did not finish")
	}
	require.Eventually(t, func() bool { return len(s.writtenMsgs()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b"}, s.writtenMsgs())
}

func TestSafeSendStopsOnClose(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) {
		c.MaxSendQueueLen = 1
		c.SafeSendPollInterval = 5 * time.Millisecond
	})
	s.SuspendSendMsg(true)
	require.True(t, s.DirectSendMsg(codec.Msg("a"), false))

	done := make(chan error, 1)
	go func() { done <- s.safeDirectSend(context.Background(), codec.Msg("b")) }()
	time.Sleep(10 * time.Millisecond)
	s.finish()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSocketClosed)
	case <-time.After(waitFor):
		t.Fatal("safe send ignored the close")
	}
}

func TestSendErrorsDoNotStopTheWriter(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.writeErr = errors.New("boom")

	for i := 0; i < 3; i++ {
		require.True(t, s.DirectSendMsg(codec.Msg("x"), false))
	}
	require.Eventually(t, func() bool { return s.sendErrs.Load() == 3 }, waitFor, tick)
	assert.Equal(t, uint64(3), s.Stat().SendErrors)
	assert.Zero(t, s.Stat().SendMsgs)
}

func TestReaderParksOnFullDispatchQueue(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) {
		c.MaxDispatchQueueLen = 1
		c.DispatchRetryInterval = 5 * time.Millisecond
	})
	s.gate = make(chan struct{})

	s.appendTemp(msgs("a", "b", "c"))
	require.False(t, s.dispatchMsg(false))

	done := make(chan struct{})
	resumed := make(chan bool, 1)
	go func() { resumed <- s.waitAdmitted(done) }()

	require.Eventually(t, func() bool { return s.Stat().RecvParked }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, s.handledMsgs())
	assert.Equal(t, 1, s.PendingDispatchMsgNum())

	close(s.gate)
	select {
	case ok := <-resumed:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("reader was never resumed")
	}

	require.Eventually(t, func() bool { return len(s.handledMsgs()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b", "c"}, s.handledMsgs())
	// a head refused for room is not offered to onMsg again
	assert.Equal(t, int32(3), s.onMsgCalls.Load())
	assert.False(t, s.Stat().RecvParked)
	assert.Equal(t, uint64(1), s.Stat().RecvPauses)
}

func TestParkedReaderLeavesOnDone(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) { c.MaxDispatchQueueLen = 1 })
	s.gate = make(chan struct{})
	defer close(s.gate)

	s.appendTemp(msgs("a", "b", "c"))
	require.False(t, s.dispatchMsg(false))

	done := make(chan struct{})
	resumed := make(chan bool, 1)
	go func() { resumed <- s.waitAdmitted(done) }()
	require.Eventually(t, func() bool { return s.Stat().RecvParked }, waitFor, tick)

	close(done)
	select {
	case ok := <-resumed:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("parked reader ignored done")
	}
}

func TestForcedDispatchIgnoresRoom(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) { c.MaxDispatchQueueLen = 1 })
	s.SuspendDispatchMsg(true)

	s.appendTemp(msgs("a", "b", "c"))
	assert.False(t, s.dispatchMsg(false))
	assert.Equal(t, 1, s.PendingDispatchMsgNum())
	assert.True(t, s.dispatchMsg(true))
	assert.Equal(t, 3, s.PendingDispatchMsgNum())
}

func TestSuspendDispatch(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.SuspendDispatchMsg(true)
	require.True(t, s.IsDispatchSuspended())
	assert.True(t, s.Timer().IsTimerRunning(timer.TimerSuspendDispatch))

	s.appendTemp(msgs("x", "y", "z"))
	require.True(t, s.dispatchMsg(false))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, s.handledMsgs())
	assert.Zero(t, s.onMsgCalls.Load())
	assert.Equal(t, 3, s.PendingDispatchMsgNum())

	m, ok := s.PeekFirstPendingDispatchMsg()
	require.True(t, ok)
	assert.Equal(t, "x", string(m))
	m, ok = s.PopFirstPendingDispatchMsg()
	require.True(t, ok)
	assert.Equal(t, "x", string(m))

	s.SuspendDispatchMsg(false)
	assert.False(t, s.Timer().IsTimerRunning(timer.TimerSuspendDispatch))
	require.Eventually(t, func() bool { return len(s.handledMsgs()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"y", "z"}, s.handledMsgs())

	s.SuspendDispatchMsg(true)
	s.appendTemp(msgs("w"))
	s.dispatchMsg(false)
	assert.Equal(t, msgs("w"), s.PopAllPendingDispatchMsg())
	assert.Zero(t, s.PendingDispatchMsgNum())
}

func TestSuspendKeepAliveAdmitsWaitingMessages(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) {
		c.MaxDispatchQueueLen = 1
		c.SuspendKeepAlive = 10 * time.Millisecond
	})
	s.SuspendDispatchMsg(true)
	s.appendTemp(msgs("x", "y", "z"))
	require.False(t, s.dispatchMsg(false))
	require.Equal(t, 1, s.PendingDispatchMsgNum())

	for _, want := range []string{"x", "y", "z"} {
		require.Eventually(t, func() bool { return s.PendingDispatchMsgNum() == 1 }, waitFor, tick)
		m, ok := s.PopFirstPendingDispatchMsg()
		require.True(t, ok)
		assert.Equal(t, want, string(m))
	}
	assert.Zero(t, s.onMsgCalls.Load())
	assert.Empty(t, s.handledMsgs())

	s.SuspendDispatchMsg(false)
	assert.False(t, s.Timer().IsTimerRunning(timer.TimerSuspendDispatch))
}

func TestTimersRunOnPump(t *testing.T) {
	pump := newTestPump(t, 1)
	s := newFakeSock(t, pump, nil)

	busy := make(chan struct{})
	require.True(t, pump.Post(func() { <-busy }))

	var fired atomic.Int32
	s.Timer().SetTimer(timer.TimerUserBegin, time.Millisecond, func(timer.ID) bool {
		fired.Add(1)
		return false
	})
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fired.Load(), "timer ran beside the only busy worker")

	close(busy)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
}

func TestDispatchRateLimit(t *testing.T) {
	s := newFakeSock(t, nil, func(c *SocketCfg) {
		c.DispatchQPS = 20
		c.DispatchBurst = 1
	})

	start := time.Now()
	s.appendTemp(msgs("1", "2", "3", "4", "5"))
	s.dispatchMsg(false)

	require.Eventually(t, func() bool { return len(s.handledMsgs()) == 5 }, waitFor, tick)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, s.handledMsgs())
}

func TestDispatchAfterLinkDown(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.gate = make(chan struct{})

	s.appendTemp(msgs("a", "b"))
	s.dispatchMsg(false)
	require.Eventually(t, func() bool { return s.inHandle.Load() == 1 }, waitFor, tick)

	s.setStatus(StatusClosing)
	close(s.gate)

	require.Eventually(t, func() bool { return len(s.handledMsgs()) == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), s.linkDowns.Load())
}

func TestHoldWhileDispatching(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.gate = make(chan struct{})
	require.True(t, s.IsUnique())

	s.appendTemp(msgs("a"))
	s.dispatchMsg(false)
	require.Eventually(t, func() bool { return s.inHandle.Load() == 1 }, waitFor, tick)
	assert.False(t, s.IsUnique())

	close(s.gate)
	require.Eventually(t, s.IsUnique, waitFor, tick)
}

func TestLifecycle(t *testing.T) {
	s := newFakeSock(t, nil, nil)
	s.setStatus(StatusIdle)

	assert.True(t, s.start(func() bool { return true }))
	assert.False(t, s.start(func() bool { return true }), "started twice")
	assert.True(t, s.Started())

	s.Timer().SetTimer(timer.TimerHeartbeatCheck, time.Hour, func(timer.ID) bool { return true })
	require.True(t, s.finish())
	assert.False(t, s.finish())
	assert.False(t, s.Timer().IsTimerRunning(timer.TimerHeartbeatCheck))
	assert.True(t, s.Obsoleted())
	assert.Equal(t, StatusClosed, s.Status())
	select {
	case <-s.Closed():
	default:
		t.Fatal("Closed not signalled")
	}
	assert.False(t, s.start(func() bool { return true }), "started after close")

	s.SetID(42)
	s.reset(nil)
	assert.Equal(t, uint64(42), s.ID())
	assert.Equal(t, StatusIdle, s.Status())
	assert.False(t, s.isClosed())
	assert.True(t, s.start(func() bool { return true }))

	s.finish()
	s.reset(nil)
	assert.False(t, s.start(func() bool { return false }))
	assert.False(t, s.Started())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "open", StatusOpen.String())
	assert.Equal(t, "closing", StatusClosing.String())
	assert.Equal(t, "closed", StatusClosed.String())
	assert.Equal(t, "unknown", Status(99).String())
}
