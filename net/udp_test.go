package net

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/stnet/codec"
)

type udpRecorder struct {
	UDPHandlerBase

	echo bool

	mu    sync.Mutex
	msgs  []string
	peers []*net.UDPAddr
	sent  atomic.Int32
}

func (r *udpRecorder) OnMsgHandle(s *UDPSocket, msg codec.UDPMsg, linkDown bool) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(msg.Data))
	r.peers = append(r.peers, msg.Peer)
	r.mu.Unlock()
	if r.echo && !linkDown {
		s.SendMsg(msg.Peer, msg.Data)
	}
}

func (r *udpRecorder) OnMsgSend(*UDPSocket, codec.UDPMsg) {
	r.sent.Add(1)
}

func (r *udpRecorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func startUDP(t *testing.T, h UDPHandler) *UDPSocket {
	t.Helper()
	pump := newTestPump(t, 2)
	s := NewUDPSocket(pump, nil, "127.0.0.1:0", h)
	require.True(t, s.Start())
	t.Cleanup(s.ForceClose)
	return s
}

func TestUDPEcho(t *testing.T) {
	server := startUDP(t, &udpRecorder{echo: true})
	rec := &udpRecorder{}
	client := startUDP(t, rec)

	peer := server.LocalAddr().(*net.UDPAddr)
	require.True(t, client.SendMsg(peer, []byte("ping")))
	require.True(t, client.SendMsg(peer, []byte("pi"), []byte("ng2")))

	require.Eventually(t, func() bool { return len(rec.got()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"ping", "ping2"}, rec.got())
	rec.mu.Lock()
	assert.Equal(t, peer.Port, rec.peers[0].Port)
	rec.mu.Unlock()
	assert.Equal(t, int32(2), rec.sent.Load())
	assert.Equal(t, uint64(2), server.Stat().RecvMsgs)
}

func TestUDPSendRejects(t *testing.T) {
	s := startUDP(t, nil)
	peer := s.LocalAddr().(*net.UDPAddr)

	assert.False(t, s.SendMsg(nil, []byte("x")))
	assert.False(t, s.SendNativeMsg(nil, []byte("x")))
	assert.False(t, s.SendMsg(peer))
	assert.False(t, s.SendMsg(peer, make([]byte, codec.MaxUDPPayload+1)))
	assert.Error(t, s.SafeSendMsg(context.Background(), nil, []byte("x")))
	assert.True(t, s.SendMsgOverflow(true, peer, []byte("x")))
	assert.True(t, s.SendNativeMsg(peer, []byte("x")))
}

func TestUDPSafeSend(t *testing.T) {
	rec := &udpRecorder{}
	server := startUDP(t, rec)
	client := startUDP(t, nil)

	require.NoError(t, client.SafeSendMsg(context.Background(), server.LocalAddr().(*net.UDPAddr), []byte("safe")))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, waitFor, tick)
}

func TestUDPCloseFinishes(t *testing.T) {
	s := startUDP(t, nil)
	assert.True(t, s.Started())
	assert.False(t, s.Start(), "started twice")

	s.ForceClose()
	select {
	case <-s.Closed():
	case <-time.After(waitFor):
		t.Fatal("udp socket did not close")
	}
	assert.Equal(t, StatusClosed, s.Status())
	assert.True(t, s.Obsoleted())

	s.Reset()
	assert.Equal(t, StatusIdle, s.Status())
	assert.True(t, s.Start())
	s.GracefulClose()
	<-s.Closed()
}

func TestUDPRecvRetryBacksOff(t *testing.T) {
	assert.Equal(t, udpRetryMin, recvRetryDelay(1))
	assert.Equal(t, 2*udpRetryMin, recvRetryDelay(2))
	assert.Equal(t, 8*udpRetryMin, recvRetryDelay(4))
	assert.Equal(t, udpRetryMax, recvRetryDelay(100))
	for fails := 1; fails < 20; fails++ {
		assert.LessOrEqual(t, recvRetryDelay(fails), recvRetryDelay(fails+1))
	}

	done := make(chan struct{})
	assert.True(t, sleepOrDone(time.Millisecond, done))
	close(done)
	start := time.Now()
	assert.False(t, sleepOrDone(time.Hour, done))
	assert.Less(t, time.Since(start), time.Second)
}

func TestUDPBindFailure(t *testing.T) {
	s := NewUDPSocket(nil, nil, "127.0.0.1:99999", nil)
	assert.False(t, s.Start())
	assert.False(t, s.Started())
}

func TestUDPService(t *testing.T) {
	pump := newTestPump(t, 2)
	rec := &udpRecorder{}
	svc := NewUDPService("test-udp", pump, nil, rec)
	require.NoError(t, pump.AddService(svc))
	t.Cleanup(func() { _ = pump.RemoveService(svc.Name()) })

	a, err := svc.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	b, err := svc.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Size())

	found, ok := svc.FindObject(b.ID())
	require.True(t, ok)
	assert.Same(t, b, found)

	require.True(t, a.SendMsg(b.LocalAddr().(*net.UDPAddr), []byte("hi")))
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, waitFor, tick)

	_, err = svc.CreateSocket("127.0.0.1:99999")
	assert.Error(t, err)
	assert.Equal(t, 2, svc.Size())

	a.ForceClose()
	require.Eventually(t, func() bool { return svc.Size() == 1 }, waitFor, tick)
	assert.Len(t, svc.ListAllObject(), 1)
	assert.Equal(t, 2, svc.ClosedObjectSize())

	require.NoError(t, pump.RemoveService(svc.Name()))
	require.Eventually(t, func() bool { return svc.Size() == 0 }, waitFor, tick)
}

func TestUDPServiceBindsOnInit(t *testing.T) {
	pump := newTestPump(t, 2)
	svc := NewUDPService("init-udp", pump, nil, nil)

	s, err := svc.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	assert.False(t, s.Started())

	require.NoError(t, svc.Init())
	defer svc.Uninit()
	assert.True(t, s.Started())
	assert.NotNil(t, s.LocalAddr())
}
