// Package net implements asynchronous TCP and UDP sockets with pluggable
// framing, ordered per-socket sending and dispatching, reader backpressure,
// heartbeat, graceful close and client reconnect, plus the Server, Client
// and UDPService that keep sockets in an object pool.
package net

import "github.com/lcx/stnet/codec"

// TCPHandler receives the events of TCP sockets. Callbacks of one socket
// never overlap for OnMsgHandle; OnMsg runs on the reader of the socket and
// must not block.
type TCPHandler interface {
	// OnConnect runs once the connection is up, before the first read.
	OnConnect(s *TCPSocket)
	// OnMsg decides what happens to an inbound message: false means it was
	// handled right here, true queues it for OnMsgHandle.
	OnMsg(s *TCPSocket, msg codec.Msg) bool
	// OnMsgHandle handles a queued message on the pump. linkDown is set
	// when the connection is already gone.
	OnMsgHandle(s *TCPSocket, msg codec.Msg, linkDown bool)
	// OnMsgSend runs after msg was written.
	OnMsgSend(s *TCPSocket, msg codec.Msg)
	// OnAllMsgSend runs when the outbound queue became empty; msg is the
	// last message written.
	OnAllMsgSend(s *TCPSocket, msg codec.Msg)
	// OnRecvError reports a connection lost without a local close.
	OnRecvError(s *TCPSocket, err error)
	// OnSendError reports a failed write; the message is not retried.
	OnSendError(s *TCPSocket, msg codec.Msg, err error)
	// OnUnpackError reports a framing error, the connection is closed next.
	OnUnpackError(s *TCPSocket)
	// OnClose runs once the socket is closed for good.
	OnClose(s *TCPSocket)
}

// TCPHandlerBase implements every TCPHandler callback as a no-op and
// queues every message. Embed it and override what you need.
type TCPHandlerBase struct{}

func (TCPHandlerBase) OnConnect(*TCPSocket) {}
func (TCPHandlerBase) OnMsg(*TCPSocket, codec.Msg) bool { return true }
func (TCPHandlerBase) OnMsgHandle(*TCPSocket, codec.Msg, bool) {}
func (TCPHandlerBase) OnMsgSend(*TCPSocket, codec.Msg) {}
func (TCPHandlerBase) OnAllMsgSend(*TCPSocket, codec.Msg) {}
func (TCPHandlerBase) OnRecvError(*TCPSocket, error) {}
func (TCPHandlerBase) OnSendError(*TCPSocket, codec.Msg, error) {}
func (TCPHandlerBase) OnUnpackError(*TCPSocket) {}
func (TCPHandlerBase) OnClose(*TCPSocket) {}

// UDPHandler receives the events of UDP sockets.
type UDPHandler interface {
	OnMsg(s *UDPSocket, msg codec.UDPMsg) bool
	OnMsgHandle(s *UDPSocket, msg codec.UDPMsg, linkDown bool)
	OnMsgSend(s *UDPSocket, msg codec.UDPMsg)
	OnAllMsgSend(s *UDPSocket, msg codec.UDPMsg)
	// OnRecvError reports a failed read; the socket keeps reading.
	OnRecvError(s *UDPSocket, err error)
	OnSendError(s *UDPSocket, msg codec.UDPMsg, err error)
}

// UDPHandlerBase implements every UDPHandler callback as a no-op and
// queues every message.
type UDPHandlerBase struct{}

func (UDPHandlerBase) OnMsg(*UDPSocket, codec.UDPMsg) bool { return true }
func (UDPHandlerBase) OnMsgHandle(*UDPSocket, codec.UDPMsg, bool) {}
func (UDPHandlerBase) OnMsgSend(*UDPSocket, codec.UDPMsg) {}
func (UDPHandlerBase) OnAllMsgSend(*UDPSocket, codec.UDPMsg) {}
func (UDPHandlerBase) OnRecvError(*UDPSocket, error) {}
func (UDPHandlerBase) OnSendError(*UDPSocket, codec.UDPMsg, error) {}
