package net

import (
	"sync/atomic"
	"time"
)

// Stat is a snapshot of the counters of one socket.
type Stat struct {
	SendMsgs  uint64
	SendBytes uint64
	RecvMsgs  uint64
	RecvBytes uint64
	// DispatchMsgs counts OnMsgHandle calls.
	DispatchMsgs uint64
	// HandledInline counts messages OnMsg consumed by returning false.
	HandledInline uint64
	Heartbeats    uint64
	SendErrors    uint64
	// RecvPauses counts how often the reader parked on a full dispatch queue.
	RecvPauses uint64

	LastSendTime time.Time
	LastRecvTime time.Time

	// MaxInFlightWrites is the highest number of concurrent writes seen.
	MaxInFlightWrites int32
	RecvParked        bool
}

type socketStat struct {
	sendMsgs      atomic.Uint64
	sendBytes     atomic.Uint64
	recvMsgs      atomic.Uint64
	recvBytes     atomic.Uint64
	dispatchMsgs  atomic.Uint64
	handledInline atomic.Uint64
	heartbeats    atomic.Uint64
	sendErrors    atomic.Uint64
	recvPauses    atomic.Uint64
	lastSend      atomic.Int64
	lastRecv      atomic.Int64
}

func (x *socketStat) reset() {
	x.sendMsgs.Store(0)
	x.sendBytes.Store(0)
	x.recvMsgs.Store(0)
	x.recvBytes.Store(0)
	x.dispatchMsgs.Store(0)
	x.handledInline.Store(0)
	x.heartbeats.Store(0)
	x.sendErrors.Store(0)
	x.recvPauses.Store(0)
	now := time.Now().UnixNano()
	x.lastSend.Store(now)
	x.lastRecv.Store(now)
}

func (x *socketStat) onSend(n int) {
	x.sendMsgs.Add(1)
	x.sendBytes.Add(uint64(n))
	x.lastSend.Store(time.Now().UnixNano())
}

func (x *socketStat) onRecv(n int) {
	x.recvBytes.Add(uint64(n))
	x.lastRecv.Store(time.Now().UnixNano())
}

// touch marks both directions active, used when a connection opens.
func (x *socketStat) touch() {
	now := time.Now().UnixNano()
	x.lastSend.Store(now)
	x.lastRecv.Store(now)
}

func (x *socketStat) sinceSend() time.Duration {
	return time.Duration(time.Now().UnixNano() - x.lastSend.Load())
}

func (x *socketStat) sinceRecv() time.Duration {
	return time.Duration(time.Now().UnixNano() - x.lastRecv.Load())
}

func (x *socketStat) snapshot() Stat {
	return Stat{
		SendMsgs:      x.sendMsgs.Load(),
		SendBytes:     x.sendBytes.Load(),
		RecvMsgs:      x.recvMsgs.Load(),
		RecvBytes:     x.recvBytes.Load(),
		DispatchMsgs:  x.dispatchMsgs.Load(),
		HandledInline: x.handledInline.Load(),
		Heartbeats:    x.heartbeats.Load(),
		SendErrors:    x.sendErrors.Load(),
		RecvPauses:    x.recvPauses.Load(),
		LastSendTime:  time.Unix(0, x.lastSend.Load()),
		LastRecvTime:  time.Unix(0, x.lastRecv.Load()),
	}
}
