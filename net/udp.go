package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/config"
	"github.com/lcx/stnet/log"
	"github.com/lcx/stnet/metrics"
	"github.com/lcx/stnet/pool"
	"github.com/lcx/stnet/service"
)

// UDPSocket is a datagram socket bound to one local address. Every datagram
// is one message; messages to and from any number of peers share the
// queues of the socket. Closing is immediate.
type UDPSocket struct {
	socket[codec.UDPMsg]

	service     *UDPService
	udpCfg      UDPCfg
	handler     UDPHandler
	packer      codec.Packer
	newUnpacker codec.UnpackerFactory
	unpacker    codec.Unpacker
	bindAddr    atomic.Pointer[string]

	connMu    sync.Mutex
	conn      *net.UDPConn
	connDone  chan struct{}
	localAddr net.Addr
}

// NewUDPSocket creates a socket to be bound to addr outside of any
// UDPService. nil cfg means DefaultUDPCfg.
func NewUDPSocket(pump *service.Pump, cfg *UDPCfg, addr string, handler UDPHandler, opts ...Option) *UDPSocket {
	if cfg == nil {
		cfg = DefaultUDPCfg()
	}
	return newUDPSocket(nil, pump, cfg, addr, handler, newOptions(opts))
}

func newUDPSocket(svc *UDPService, pump *service.Pump, cfg *UDPCfg, addr string, handler UDPHandler, o *options) *UDPSocket {
	if handler == nil {
		handler = UDPHandlerBase{}
	}
	s := &UDPSocket{service: svc, udpCfg: *cfg, handler: handler}
	s.init(s, pump, &cfg.Socket)
	if o.logger != nil {
		s.logger = log.NewSocketLogger(o.logger, 0)
	}

	s.packer = o.packer
	if s.packer == nil {
		s.packer = codec.NewStreamPacker(cfg.MaxDatagram)
	}
	s.newUnpacker = o.newUnpacker
	if s.newUnpacker == nil {
		s.newUnpacker = codec.UDPUnpackerFactory(cfg.MaxDatagram)
	}
	s.unpacker = s.newUnpacker()
	s.SetBindAddr(addr)
	return s
}

// BindAddr returns the address the socket binds on Start.
func (s *UDPSocket) BindAddr() string {
	if p := s.bindAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// SetBindAddr changes the address bound by the next Start.
func (s *UDPSocket) SetBindAddr(addr string) {
	s.bindAddr.Store(&addr)
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.localAddr
}

// Start binds the socket and begins reading.
func (s *UDPSocket) Start() bool {
	return s.start(func() bool {
		lc := listenConfig(s.udpCfg.ReuseAddr, s.udpCfg.ReusePort)
		pc, err := lc.ListenPacket(context.Background(), "udp", s.BindAddr())
		if err != nil {
			s.logger.Error().Str("addr", s.BindAddr()).Err(err).Msg("udp bind failed")
			metrics.IncrCounterWithGroup("net", "udp_bind_error_total", 1)
			return false
		}
		conn := pc.(*net.UDPConn)
		if s.cfg.RecvBufferSize > 0 {
			_ = conn.SetReadBuffer(s.cfg.RecvBufferSize)
		}
		if s.cfg.SendBufferSize > 0 {
			_ = conn.SetWriteBuffer(s.cfg.SendBufferSize)
		}

		done := make(chan struct{})
		s.connMu.Lock()
		s.conn = conn
		s.connDone = done
		s.localAddr = conn.LocalAddr()
		s.connMu.Unlock()

		s.setStatus(StatusOpen)
		s.stat.touch()
		s.unpacker.ResetState()
		s.Hold()
		s.goSafe("recv", func() { s.recvLoop(conn, done) })
		s.doSend()
		return true
	})
}

// ForceClose closes the socket.
func (s *UDPSocket) ForceClose() {
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

// GracefulClose is ForceClose; datagram sockets have nothing to shut down.
func (s *UDPSocket) GracefulClose() {
	s.ForceClose()
}

// Reset implements pool.Object.
func (s *UDPSocket) Reset() {
	var cfg *SocketCfg
	if s.service != nil {
		c := s.service.Cfg()
		s.udpCfg = c
		cfg = &c.Socket
	}
	s.reset(cfg)
	s.unpacker.ResetState()
	s.connMu.Lock()
	s.localAddr = nil
	s.connMu.Unlock()
}

// SendMsg packs parts and queues them for peer.
func (s *UDPSocket) SendMsg(peer *net.UDPAddr, parts ...[]byte) bool {
	return s.SendMsgOverflow(false, peer, parts...)
}

// SendMsgOverflow is SendMsg that may grow the queue past its limit.
func (s *UDPSocket) SendMsgOverflow(canOverflow bool, peer *net.UDPAddr, parts ...[]byte) bool {
	if peer == nil {
		return false
	}
	return s.DirectSendMsg(codec.NewUDPMsg(peer, s.packer.Pack(false, parts...)), canOverflow)
}

// SendNativeMsg queues parts for peer without framing.
func (s *UDPSocket) SendNativeMsg(peer *net.UDPAddr, parts ...[]byte) bool {
	if peer == nil {
		return false
	}
	return s.DirectSendMsg(codec.NewUDPMsg(peer, s.packer.Pack(true, parts...)), false)
}

// SafeSendMsg blocks until the datagram is queued, the socket closes or
// ctx is done.
func (s *UDPSocket) SafeSendMsg(ctx context.Context, peer *net.UDPAddr, parts ...[]byte) error {
	if peer == nil {
		return errors.New("nil peer")
	}
	return s.safeDirectSend(ctx, codec.NewUDPMsg(peer, s.packer.Pack(false, parts...)))
}

func (s *UDPSocket) recvLoop(conn *net.UDPConn, done chan struct{}) {
	defer s.Unhold()

	var msgs []codec.Msg
	batch := make([]codec.UDPMsg, 0, 1)
	fails := 0
	for {
		buf := s.unpacker.PrepareNextRecv()
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			closed := errors.Is(err, net.ErrClosed)
			select {
			case <-done:
				closed = true
			default:
			}
			if closed {
				break
			}
			fails++
			s.logger.Debug().Err(err).Int("fails", fails).Msg("udp recv failed")
			s.handler.OnRecvError(s, err)
			if !sleepOrDone(recvRetryDelay(fails), done) {
				break
			}
			continue
		}
		fails = 0

		s.stat.onRecv(n)
		msgs = msgs[:0]
		s.unpacker.ParseMsg(n, &msgs)
		batch = batch[:0]
		for _, m := range msgs {
			batch = append(batch, codec.NewUDPMsg(peer, m))
		}
		s.appendTemp(batch)
		if !s.dispatchMsg(false) && !s.waitAdmitted(done) {
			break
		}
	}

	s.dispatchMsg(true)
	s.finish()
	s.logger.Debug().Str("addr", s.BindAddr()).Msg("udp socket closed")
	if s.service != nil {
		s.service.onSocketClosed(s)
	}
}

// Consecutive receive errors back off from udpRetryMin, doubling up to
// udpRetryMax.
const (
	udpRetryMin = 5 * time.Millisecond
	udpRetryMax = time.Second
)

func recvRetryDelay(fails int) time.Duration {
	d := udpRetryMin
	for i := 1; i < fails && d < udpRetryMax; i++ {
		d *= 2
	}
	return min(d, udpRetryMax)
}

// sleepOrDone waits d and reports false if done fired first.
func sleepOrDone(d time.Duration, done <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

func (s *UDPSocket) isSendAllowed() bool {
	return s.Status() == StatusOpen
}

func (s *UDPSocket) writeMsg(msg codec.UDPMsg) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.WriteToUDP(msg.Data, msg.Peer)
	return err
}

func (s *UDPSocket) isHeartbeat(codec.UDPMsg) bool {
	return false
}

func (s *UDPSocket) onMsg(msg codec.UDPMsg) bool {
	return s.handler.OnMsg(s, msg)
}

func (s *UDPSocket) onMsgHandle(msg codec.UDPMsg, linkDown bool) {
	s.handler.OnMsgHandle(s, msg, linkDown)
}

func (s *UDPSocket) onMsgSend(msg codec.UDPMsg) {
	s.handler.OnMsgSend(s, msg)
}

func (s *UDPSocket) onAllMsgSend(msg codec.UDPMsg) {
	s.handler.OnAllMsgSend(s, msg)
}

func (s *UDPSocket) onSendError(msg codec.UDPMsg, err error) {
	s.logger.Debug().Stringer("peer", msg.Peer).Err(err).Msg("udp send failed")
	metrics.IncrCounterWithDimGroup("net", "send_error_total", 1, metrics.Dimension{"side": "udp"})
	s.handler.OnSendError(s, msg, err)
}

// UDPService keeps UDP sockets in an object pool and starts and stops them
// with the pump.
type UDPService struct {
	name    string
	pump    *service.Pump
	handler UDPHandler
	opts    *options

	cfgMu sync.RWMutex
	cfg   UDPCfg

	pool    *pool.ObjectPool[*UDPSocket]
	running atomic.Bool
}

// NewUDPService creates a service named name. nil cfg means DefaultUDPCfg.
func NewUDPService(name string, pump *service.Pump, cfg *UDPCfg, handler UDPHandler, opts ...Option) *UDPService {
	if cfg == nil {
		cfg = DefaultUDPCfg()
	}
	u := &UDPService{
		name:    name,
		pump:    pump,
		handler: handler,
		opts:    newOptions(opts),
		cfg:     *cfg,
	}
	u.pool = pool.New(name, &u.cfg.Pool, func() *UDPSocket {
		cfg := u.Cfg()
		return newUDPSocket(u, u.pump, &cfg, "", u.handler, u.opts)
	})
	u.pool.SetExecutor(pumpExecutor(pump))
	return u
}

// NewUDPServiceWithConfigManager creates a service from the configuration
// named name.
func NewUDPServiceWithConfigManager(name string, pump *service.Pump, cm config.ConfigManager,
	handler UDPHandler, opts ...Option) (*UDPService, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultUDPCfg()
	if err := cm.LoadConfig(name, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s config: %w", name, err)
	}
	return NewUDPService(name, pump, cfg, handler, opts...), nil
}

// Cfg returns the configuration in effect.
func (u *UDPService) Cfg() UDPCfg {
	u.cfgMu.RLock()
	defer u.cfgMu.RUnlock()
	return u.cfg
}

// Name implements service.Service.
func (u *UDPService) Name() string {
	return u.name
}

// Init implements service.Service: every socket binds and starts reading.
func (u *UDPService) Init() error {
	u.running.Store(true)
	u.pool.Start()
	var failed []string
	u.pool.DoToAll(func(s *UDPSocket) {
		if !s.Start() && !s.Started() {
			failed = append(failed, s.BindAddr())
		}
	})
	if len(failed) > 0 {
		log.Warn().Str("udp", u.name).Strs("addrs", failed).Msg("udp sockets failed to bind")
	}
	return nil
}

// Uninit implements service.Service: every socket closes.
func (u *UDPService) Uninit() error {
	u.running.Store(false)
	u.pool.DoToAll(func(s *UDPSocket) {
		s.ForceClose()
	})
	u.pool.Stop()
	return nil
}

// CreateSocket creates a socket bound to addr. On a running service it
// binds right away and fails if binding fails.
func (u *UDPService) CreateSocket(addr string) (*UDPSocket, error) {
	s, ok := u.pool.CreateObject()
	if !ok {
		return nil, fmt.Errorf("udp %s: socket limit reached", u.name)
	}
	s.SetBindAddr(addr)
	if !u.pool.AddObject(s) {
		return nil, fmt.Errorf("udp %s: socket limit reached", u.name)
	}
	if u.running.Load() && !s.Start() {
		u.pool.DelObject(s)
		return nil, fmt.Errorf("udp %s: bind %s failed", u.name, addr)
	}
	return s, nil
}

func (u *UDPService) onSocketClosed(s *UDPSocket) {
	u.pool.DelObject(s)
}

// FindObject returns the socket with the given id.
func (u *UDPService) FindObject(id uint64) (*UDPSocket, bool) {
	return u.pool.FindObject(id)
}

// ListAllObject returns the live sockets.
func (u *UDPService) ListAllObject() []*UDPSocket {
	return u.pool.ListAllObject()
}

// Size returns the number of live sockets.
func (u *UDPService) Size() int {
	return u.pool.Size()
}

// ClosedObjectSize returns the number of sockets in quarantine.
func (u *UDPService) ClosedObjectSize() int {
	return u.pool.ClosedObjectSize()
}
