package net

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/log"
	"github.com/lcx/stnet/metrics"
	"github.com/lcx/stnet/service"
	"github.com/lcx/stnet/timer"
)

var (
	ErrUnpack           = errors.New("unpack failed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

type closeReason int

const (
	closeByUser closeReason = iota
	closeByPeer
	closeByUnpack
	closeByHeartbeat
)

// tcpOwner is the ServerSocket or Connector a TCPSocket belongs to.
type tcpOwner interface {
	// onConnClosed runs on the reader once the connection is gone.
	onConnClosed(reason closeReason, err error)
}

// packerRef pairs a packer with its packed heartbeat so both swap together.
type packerRef struct {
	codec.Packer
	heartbeat codec.Msg
}

// TCPSocket is a stream socket. It is embedded by ServerSocket and
// Connector, which decide what happens when the connection ends.
type TCPSocket struct {
	socket[codec.Msg]

	owner       tcpOwner
	side        string
	handler     TCPHandler
	packer      atomic.Pointer[packerRef]
	newUnpacker codec.UnpackerFactory
	unpacker    codec.Unpacker

	connMu     sync.Mutex
	conn       *net.TCPConn
	connDone   chan struct{}
	localAddr  net.Addr
	remoteAddr net.Addr

	closing    atomic.Bool
	peerClosed atomic.Bool
	userClosed atomic.Bool
	deadLink   atomic.Bool
}

func (s *TCPSocket) initTCP(owner tcpOwner, side string, pump *service.Pump, cfg *SocketCfg,
	handler TCPHandler, o *options) {
	if handler == nil {
		handler = TCPHandlerBase{}
	}
	s.owner = owner
	s.side = side
	s.handler = handler
	s.init(s, pump, cfg)
	if o.logger != nil {
		s.logger = log.NewSocketLogger(o.logger, 0)
	}

	packer := o.packer
	if packer == nil {
		packer = codec.NewLengthPacker(&s.cfg.Frame)
	}
	s.newUnpacker = o.newUnpacker
	if s.newUnpacker == nil {
		s.newUnpacker = codec.LengthUnpackerFactory(&s.cfg.Frame)
	}
	s.SetPacker(packer)
	s.unpacker = s.newUnpacker()
}

// resetTCP reinitializes a closed socket for reuse with cfg.
func (s *TCPSocket) resetTCP(cfg *SocketCfg) {
	s.reset(cfg)
	s.unpacker.ResetState()
	s.connMu.Lock()
	s.conn = nil
	s.connDone = nil
	s.localAddr = nil
	s.remoteAddr = nil
	s.connMu.Unlock()
	s.closing.Store(false)
	s.peerClosed.Store(false)
	s.userClosed.Store(false)
	s.deadLink.Store(false)
}

// Packer returns the packer in use.
func (s *TCPSocket) Packer() codec.Packer {
	return s.packer.Load().Packer
}

// SetPacker replaces the packer; messages already queued keep their framing.
func (s *TCPSocket) SetPacker(p codec.Packer) {
	s.packer.Store(&packerRef{Packer: p, heartbeat: codec.PackHeartbeat(p, &s.cfg.Frame)})
}

// Unpacker returns the unpacker of the connection.
func (s *TCPSocket) Unpacker() codec.Unpacker {
	return s.unpacker
}

// SetUnpacker replaces the unpacker. It is only safe from OnMsg, which runs
// on the reader between two parses.
func (s *TCPSocket) SetUnpacker(u codec.Unpacker) {
	s.unpacker = u
}

// LocalAddr returns the local address of the last connection.
func (s *TCPSocket) LocalAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.localAddr
}

// RemoteAddr returns the peer address of the last connection.
func (s *TCPSocket) RemoteAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.remoteAddr
}

// IsClosing reports a graceful close in progress.
func (s *TCPSocket) IsClosing() bool {
	return s.closing.Load()
}

// SendMsg packs parts into one message and queues it; false when the parts
// are rejected by the packer or the outbound queue is full.
func (s *TCPSocket) SendMsg(parts ...[]byte) bool {
	return s.DirectSendMsg(s.Packer().Pack(false, parts...), false)
}

// SendMsgOverflow is SendMsg that may grow the queue past its limit.
func (s *TCPSocket) SendMsgOverflow(canOverflow bool, parts ...[]byte) bool {
	return s.DirectSendMsg(s.Packer().Pack(false, parts...), canOverflow)
}

// SendNativeMsg queues parts without framing them.
func (s *TCPSocket) SendNativeMsg(parts ...[]byte) bool {
	return s.DirectSendMsg(s.Packer().Pack(true, parts...), false)
}

// SafeSendMsg blocks until the message is queued, the socket closes or ctx
// is done. It must not be called from a socket callback.
func (s *TCPSocket) SafeSendMsg(ctx context.Context, parts ...[]byte) error {
	return s.safeDirectSend(ctx, s.Packer().Pack(false, parts...))
}

// SafeSendNativeMsg is SafeSendMsg without framing.
func (s *TCPSocket) SafeSendNativeMsg(ctx context.Context, parts ...[]byte) error {
	return s.safeDirectSend(ctx, s.Packer().Pack(true, parts...))
}

// attach binds a freshly established connection.
func (s *TCPSocket) attach(conn *net.TCPConn) {
	if s.cfg.NoDelay {
		_ = conn.SetNoDelay(true)
	}
	if s.cfg.RecvBufferSize > 0 {
		_ = conn.SetReadBuffer(s.cfg.RecvBufferSize)
	}
	if s.cfg.SendBufferSize > 0 {
		_ = conn.SetWriteBuffer(s.cfg.SendBufferSize)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connDone = make(chan struct{})
	s.localAddr = conn.LocalAddr()
	s.remoteAddr = conn.RemoteAddr()
	s.connMu.Unlock()

	s.closing.Store(false)
	s.peerClosed.Store(false)
	s.deadLink.Store(false)
	s.unpacker.ResetState()
}

func (s *TCPSocket) connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// open starts I/O on the attached connection.
func (s *TCPSocket) open() {
	s.connMu.Lock()
	conn, done := s.conn, s.connDone
	s.connMu.Unlock()
	if conn == nil {
		return
	}

	s.setStatus(StatusOpen)
	s.stat.touch()
	s.logger.Debug().Str("side", s.side).Stringer("remote", s.RemoteAddr()).Msg("connection open")
	s.handler.OnConnect(s)
	s.startHeartbeat()

	s.Hold()
	s.goSafe("recv", func() { s.recvLoop(conn, done) })
	s.doSend()
}

// closeConn closes the current connection; the reader then finishes it.
func (s *TCPSocket) closeConn() {
	s.connMu.Lock()
	conn, done := s.conn, s.connDone
	s.conn = nil
	s.connDone = nil
	s.connMu.Unlock()

	if conn != nil {
		close(done)
		_ = conn.Close()
	}
}

// forceClose closes the connection right away.
func (s *TCPSocket) forceClose() {
	s.userClosed.Store(true)
	s.timer.StopTimer(timer.TimerHeartbeatCheck)
	s.closeConn()
}

// gracefulClose shuts the send side down and waits for the peer to close
// its side, at most GracefulCloseTimeout, before closing the connection.
// With sync it blocks the caller; otherwise TimerAsyncShutdown polls.
func (s *TCPSocket) gracefulClose(sync bool) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil || s.Status() != StatusOpen || !s.closing.CompareAndSwap(false, true) {
		s.forceClose()
		return
	}
	s.userClosed.Store(true)
	s.setStatus(StatusClosing)
	s.timer.StopTimer(timer.TimerHeartbeatCheck)
	if err := conn.CloseWrite(); err != nil {
		s.forceClose()
		return
	}

	deadline := time.Now().Add(s.cfg.GracefulCloseTimeout)
	if sync {
		for !s.peerClosed.Load() && time.Now().Before(deadline) {
			time.Sleep(s.cfg.GracefulClosePoll)
		}
		s.forceClose()
		return
	}
	s.timer.SetTimer(timer.TimerAsyncShutdown, s.cfg.GracefulClosePoll, func(timer.ID) bool {
		if s.peerClosed.Load() || !time.Now().Before(deadline) {
			s.forceClose()
			return false
		}
		return true
	})
}

func (s *TCPSocket) recvLoop(conn *net.TCPConn, done chan struct{}) {
	defer s.Unhold()

	err := s.readLoop(conn, done)

	reason := closeByPeer
	switch {
	case s.closing.Load():
		s.peerClosed.Store(true)
		reason = closeByUser
	case s.userClosed.Load():
		reason = closeByUser
	case errors.Is(err, ErrUnpack):
		reason = closeByUnpack
	case s.deadLink.Load():
		reason = closeByHeartbeat
		err = ErrHeartbeatTimeout
	}

	s.setStatus(StatusClosing)
	s.closeConn()
	s.timer.StopTimer(timer.TimerHeartbeatCheck)
	s.timer.StopTimer(timer.TimerDispatchMsg)
	s.timer.StopTimer(timer.TimerAsyncShutdown)

	if reason == closeByPeer || reason == closeByHeartbeat {
		s.logger.Info().Str("side", s.side).Stringer("remote", s.RemoteAddr()).Err(err).Msg("connection lost")
		s.handler.OnRecvError(s, err)
	}
	metrics.IncrCounterWithDimGroup("net", "connection_close_total", 1, metrics.Dimension{"side": s.side})
	s.owner.onConnClosed(reason, err)
}

// readLoop runs read cycles until the connection fails. Parsed messages
// are handed to dispatchMsg; while they do not fit the dispatch queue the
// loop parks instead of reading.
func (s *TCPSocket) readLoop(conn *net.TCPConn, done chan struct{}) error {
	var msgs []codec.Msg
	for {
		buf := s.unpacker.PrepareNextRecv()
		if len(buf) == 0 {
			s.unpackFailed()
			return ErrUnpack
		}

		total := 0
		var err error
		for total < len(buf) {
			if s.cfg.ReadTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
			var n int
			n, err = conn.Read(buf[total:])
			total += n
			if err != nil || s.unpacker.CompletionCondition(nil, total) == 0 {
				break
			}
		}

		if total > 0 {
			s.stat.onRecv(total)
			msgs = msgs[:0]
			ok := s.unpacker.ParseMsg(total, &msgs)
			s.appendTemp(msgs)
			if !ok {
				// frames parsed before the bad header are still delivered
				s.dispatchMsg(true)
				s.unpackFailed()
				return ErrUnpack
			}
		}
		if err != nil {
			s.dispatchMsg(true)
			return err
		}
		if !s.dispatchMsg(false) && !s.waitAdmitted(done) {
			return net.ErrClosed
		}
	}
}

func (s *TCPSocket) unpackFailed() {
	s.logger.Warn().Str("side", s.side).Stringer("remote", s.RemoteAddr()).Msg("unpack failed, closing connection")
	metrics.IncrCounterWithDimGroup("net", "unpack_error_total", 1, metrics.Dimension{"side": s.side})
	s.handler.OnUnpackError(s)
}

func (s *TCPSocket) startHeartbeat() {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	s.timer.SetTimer(timer.TimerHeartbeatCheck, interval, func(timer.ID) bool {
		return s.checkHeartbeat(interval)
	})
}

// checkHeartbeat closes a link silent for HeartbeatMaxAbsence intervals and,
// on the sending side, probes a link idle for one interval.
func (s *TCPSocket) checkHeartbeat(interval time.Duration) bool {
	if s.Status() != StatusOpen {
		return false
	}
	if s.stat.sinceRecv() >= interval*time.Duration(s.cfg.HeartbeatMaxAbsence) {
		s.logger.Warn().Str("side", s.side).Stringer("remote", s.RemoteAddr()).Dur("silence", s.stat.sinceRecv()).Msg("heartbeat timeout")
		metrics.IncrCounterWithDimGroup("net", "heartbeat_timeout_total", 1, metrics.Dimension{"side": s.side})
		s.deadLink.Store(true)
		s.closeConn()
		return false
	}
	if s.cfg.HeartbeatSend && s.stat.sinceSend() >= interval && s.PendingSendMsgNum() == 0 {
		s.DirectSendMsg(s.packer.Load().heartbeat, true)
	}
	return true
}

// isOwnHeartbeat matches the probe queued by checkHeartbeat by identity, so a
// native message with the same bytes still reaches OnMsgSend.
func (s *TCPSocket) isOwnHeartbeat(msg codec.Msg) bool {
	hb := s.packer.Load().heartbeat
	return len(msg) > 0 && len(msg) == len(hb) && &msg[0] == &hb[0]
}

func (s *TCPSocket) isSendAllowed() bool {
	return s.Status() == StatusOpen && !s.closing.Load()
}

func (s *TCPSocket) writeMsg(msg codec.Msg) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err := conn.Write(msg)
	return err
}

// isHeartbeat consumes heartbeat frames, which carry no data, and the
// in-band payload only while heartbeats are enabled.
func (s *TCPSocket) isHeartbeat(msg codec.Msg) bool {
	return codec.IsHeartbeatFrame(msg) || (s.cfg.HeartbeatInterval > 0 && s.cfg.Frame.IsHeartbeat(msg))
}

func (s *TCPSocket) onMsg(msg codec.Msg) bool {
	return s.handler.OnMsg(s, msg)
}

func (s *TCPSocket) onMsgHandle(msg codec.Msg, linkDown bool) {
	s.handler.OnMsgHandle(s, msg, linkDown)
}

func (s *TCPSocket) onMsgSend(msg codec.Msg) {
	if !s.isOwnHeartbeat(msg) {
		s.handler.OnMsgSend(s, msg)
	}
}

func (s *TCPSocket) onAllMsgSend(msg codec.Msg) {
	s.handler.OnAllMsgSend(s, msg)
}

func (s *TCPSocket) onSendError(msg codec.Msg, err error) {
	s.logger.Debug().Str("side", s.side).Int("size", msg.Size()).Err(err).Msg("send failed")
	metrics.IncrCounterWithDimGroup("net", "send_error_total", 1, metrics.Dimension{"side": s.side})
	s.handler.OnSendError(s, msg, err)
}
