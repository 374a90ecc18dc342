package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/config"
	"github.com/lcx/stnet/log"
	"github.com/lcx/stnet/metrics"
	"github.com/lcx/stnet/pool"
	"github.com/lcx/stnet/service"
)

// Server accepts TCP connections and keeps one ServerSocket per connection
// in an object pool. It is a service.Service: the pump starts and stops it.
type Server struct {
	name    string
	pump    *service.Pump
	handler TCPHandler
	opts    *options
	frame   codec.FrameCfg

	cfgMu   sync.RWMutex
	cfg     ServerCfg
	limiter atomic.Pointer[FunnelLimiter]

	pool *pool.ObjectPool[*ServerSocket]

	lnMu     sync.Mutex
	listener *net.TCPListener
	wg       sync.WaitGroup
}

// NewServer creates a server named name. nil cfg means DefaultServerCfg.
func NewServer(name string, pump *service.Pump, cfg *ServerCfg, handler TCPHandler, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultServerCfg()
	}
	s := &Server{
		name:    name,
		pump:    pump,
		handler: handler,
		opts:    newOptions(opts),
		frame:   cfg.Socket.Frame,
		cfg:     *cfg,
	}
	// one stateless packer serves every socket and broadcasts
	if s.opts.packer == nil {
		s.opts.packer = codec.NewLengthPacker(&s.frame)
	}
	if s.opts.newUnpacker == nil {
		s.opts.newUnpacker = codec.LengthUnpackerFactory(&s.frame)
	}
	if cfg.AcceptQPS > 0 {
		s.limiter.Store(NewFunnelLimiter(cfg.AcceptQPS))
	}
	s.pool = pool.New(name, &s.cfg.Pool, func() *ServerSocket { return newServerSocket(s) })
	s.pool.SetExecutor(pumpExecutor(pump))
	return s
}

// NewServerWithConfigManager creates a server from the configuration named
// name and follows its hot reloads.
func NewServerWithConfigManager(name string, pump *service.Pump, cm config.ConfigManager,
	handler TCPHandler, opts ...Option) (*Server, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultServerCfg()
	if err := cm.LoadConfig(name, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s config: %w", name, err)
	}
	s := NewServer(name, pump, cfg, handler, opts...)
	cm.AddChangeListener(s)
	return s, nil
}

// GetConfigName implements config.ConfigChangeListener.
func (s *Server) GetConfigName() string {
	return s.name
}

// OnConfigChanged implements config.ConfigChangeListener. The connection
// limit, the accept rate and the socket settings of connections accepted
// from now on follow the new configuration; the address, the framing and
// the pool settings need a restart.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != s.name {
		return nil
	}
	newCfg, ok := newConfig.(*ServerCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for server %s", s.name)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.cfgMu.Lock()
	old := s.cfg
	s.cfg.MaxConnections = newCfg.MaxConnections
	s.cfg.AcceptQPS = newCfg.AcceptQPS
	s.cfg.Socket = newCfg.Socket
	s.cfg.Socket.Frame = s.frame
	s.cfgMu.Unlock()

	if newCfg.AcceptQPS == 0 {
		s.limiter.Store(nil)
	} else if l := s.limiter.Load(); l != nil {
		l.Reload(newCfg.AcceptQPS)
	} else {
		s.limiter.Store(NewFunnelLimiter(newCfg.AcceptQPS))
	}

	if newCfg.Addr != old.Addr || newCfg.Pool != old.Pool || newCfg.Socket.Frame != s.frame {
		log.Warn().Str("server", s.name).Msg("addr, pool and frame changes take effect after restart")
	}
	log.Info().Str("server", s.name).Int("maxConnections", newCfg.MaxConnections).Msg("server configuration updated")
	return nil
}

// Cfg returns the configuration in effect.
func (s *Server) Cfg() ServerCfg {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) socketCfg() *SocketCfg {
	cfg := s.Cfg().Socket
	return &cfg
}

// Name implements service.Service.
func (s *Server) Name() string {
	return s.name
}

// Init implements service.Service: it listens and starts accepting.
func (s *Server) Init() error {
	cfg := s.Cfg()
	lc := listenConfig(cfg.ReuseAddr, cfg.ReusePort)
	ln, err := lc.Listen(context.Background(), "tcp", cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "server_start_error_total", 1, metrics.Dimension{"server": s.name})
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	s.lnMu.Lock()
	s.listener = ln.(*net.TCPListener)
	s.lnMu.Unlock()

	s.pool.Start()
	s.wg.Add(1)
	go s.serve(s.listener)

	log.Info().Str("server", s.name).Stringer("addr", ln.Addr()).Msg("server listening")
	return nil
}

// Uninit implements service.Service: it stops accepting and force closes
// every connection.
func (s *Server) Uninit() error {
	s.lnMu.Lock()
	ln := s.listener
	s.listener = nil
	s.lnMu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		s.wg.Wait()
	}
	s.DisconnectAll(false)
	s.pool.Stop()
	log.Info().Str("server", s.name).Msg("server stopped")
	return err
}

// Addr returns the listening address, nil when not listening.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(ln *net.TCPListener) {
	defer s.wg.Done()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Str("server", s.name).Err(err).Msg("accept failed")
			}
			return
		}
		if l := s.limiter.Load(); l != nil {
			l.Take()
		}
		s.accept(conn)
	}
}

func (s *Server) accept(conn *net.TCPConn) {
	reject := func(reason string) {
		log.Warn().Str("server", s.name).Stringer("remote", conn.RemoteAddr()).Str("reason", reason).Msg("connection rejected")
		metrics.IncrCounterWithDimGroup("net", "connection_reject_total", 1, metrics.Dimension{"reason": reason})
		_ = conn.Close()
	}

	if s.pool.Size() >= s.Cfg().MaxConnections {
		reject("max_connections")
		return
	}
	sock, ok := s.pool.CreateObject()
	if !ok {
		reject("pool_full")
		return
	}
	sock.attach(conn)
	if !s.pool.AddObject(sock) {
		reject("pool_full")
		return
	}

	metrics.IncrCounterWithDimGroup("net", "connection_accept_total", 1, metrics.Dimension{"server": s.name})
	metrics.UpdateGaugeWithDimGroup("net", "current_connections", metrics.Value(s.pool.Size()), metrics.Dimension{"server": s.name})
	sock.Start()
}

// onSocketClosed moves a closed socket into the staging set of the pool.
func (s *Server) onSocketClosed(sock *ServerSocket) {
	s.pool.DelObject(sock)
	metrics.UpdateGaugeWithDimGroup("net", "current_connections", metrics.Value(s.pool.Size()), metrics.Dimension{"server": s.name})
}

// Packer returns the packer shared by the sockets of the server.
func (s *Server) Packer() codec.Packer {
	return s.opts.packer
}

// BroadcastMsg packs parts once and queues the message on every live
// socket. It returns how many sockets accepted it.
func (s *Server) BroadcastMsg(parts ...[]byte) int {
	return s.broadcast(s.opts.packer.Pack(false, parts...), false)
}

// BroadcastNativeMsg is BroadcastMsg without framing.
func (s *Server) BroadcastNativeMsg(parts ...[]byte) int {
	return s.broadcast(s.opts.packer.Pack(true, parts...), false)
}

func (s *Server) broadcast(msg codec.Msg, canOverflow bool) int {
	if msg.Empty() {
		return 0
	}
	n := 0
	s.pool.DoToAll(func(sock *ServerSocket) {
		if sock.DirectSendMsg(msg, canOverflow) {
			n++
		}
	})
	return n
}

// SafeBroadcastMsg queues the message on every live socket, waiting for
// room where needed. Sockets closing meanwhile are skipped.
func (s *Server) SafeBroadcastMsg(ctx context.Context, parts ...[]byte) error {
	msg := s.opts.packer.Pack(false, parts...)
	if msg.Empty() {
		return ErrEmptyMsg
	}
	var result *multierror.Error
	for _, sock := range s.pool.ListAllObject() {
		err := sock.safeDirectSend(ctx, msg)
		if err == nil || errors.Is(err, ErrSocketClosed) {
			continue
		}
		result = multierror.Append(result, fmt.Errorf("socket %d: %w", sock.ID(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return result.ErrorOrNil()
}

// SendMsgTo queues a message on the socket with the given id.
func (s *Server) SendMsgTo(id uint64, parts ...[]byte) bool {
	sock, ok := s.pool.FindObject(id)
	if !ok {
		return false
	}
	return sock.SendMsg(parts...)
}

// FindObject returns the live socket with the given id.
func (s *Server) FindObject(id uint64) (*ServerSocket, bool) {
	return s.pool.FindObject(id)
}

// FindObjectByAddr returns the live socket whose peer is ip:port.
func (s *Server) FindObjectByAddr(ip string, port int) (*ServerSocket, bool) {
	want := net.ParseIP(ip)
	return s.pool.FindIf(func(sock *ServerSocket) bool {
		addr, ok := sock.RemoteAddr().(*net.TCPAddr)
		return ok && addr.Port == port && addr.IP.Equal(want)
	})
}

// ListAllObject returns the live sockets.
func (s *Server) ListAllObject() []*ServerSocket {
	return s.pool.ListAllObject()
}

// Size returns the number of live sockets.
func (s *Server) Size() int {
	return s.pool.Size()
}

// ClosedObjectSize returns the number of sockets in quarantine.
func (s *Server) ClosedObjectSize() int {
	return s.pool.ClosedObjectSize()
}

// Pool exposes the socket pool.
func (s *Server) Pool() *pool.ObjectPool[*ServerSocket] {
	return s.pool
}

// DisconnectAll closes every live socket, gracefully in the background or
// right away.
func (s *Server) DisconnectAll(graceful bool) {
	s.pool.DoToAll(func(sock *ServerSocket) {
		if graceful {
			sock.GracefulClose(false)
		} else {
			sock.ForceClose()
		}
	})
}

// ServerSocket is the TCP socket of one accepted connection. When the
// connection ends it asks its server to move it into quarantine.
type ServerSocket struct {
	TCPSocket
	server *Server
}

func newServerSocket(srv *Server) *ServerSocket {
	s := &ServerSocket{server: srv}
	s.initTCP(s, "server", srv.pump, srv.socketCfg(), srv.handler, srv.opts)
	return s
}

// Server returns the owning server.
func (s *ServerSocket) Server() *Server {
	return s.server
}

// Start begins reading the accepted connection.
func (s *ServerSocket) Start() bool {
	return s.start(func() bool {
		if !s.connected() {
			return false
		}
		s.open()
		return true
	})
}

// ForceClose closes the connection right away.
func (s *ServerSocket) ForceClose() {
	s.forceClose()
}

// GracefulClose closes the send side first and waits for the peer.
func (s *ServerSocket) GracefulClose(sync bool) {
	s.gracefulClose(sync)
}

// Reset implements pool.Object; the socket picks up the current settings
// of its server.
func (s *ServerSocket) Reset() {
	s.resetTCP(s.server.socketCfg())
}

func (s *ServerSocket) onConnClosed(reason closeReason, err error) {
	s.finish()
	s.logger.Debug().Str("server", s.server.name).Int("reason", int(reason)).Err(err).Msg("server socket closed")
	s.handler.OnClose(&s.TCPSocket)
	s.server.onSocketClosed(s)
}
