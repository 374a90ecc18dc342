package net

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lcx/stnet/metrics"
	"github.com/lcx/stnet/service"
	"github.com/lcx/stnet/timer"
)

// Connector is the client side TCP socket. It dials asynchronously and,
// unless told otherwise, reconnects after ReconnectInterval whenever the
// connection fails or is lost.
type Connector struct {
	TCPSocket

	client    *Client
	clientCfg ClientCfg
	addr      atomic.Pointer[string]
	reconnect atomic.Bool
	attempts  atomic.Uint64

	dialMu     sync.Mutex
	dialCancel context.CancelFunc
}

// NewConnector creates a connector to addr outside of any Client.
// nil cfg means DefaultClientCfg.
func NewConnector(pump *service.Pump, cfg *ClientCfg, addr string, handler TCPHandler, opts ...Option) *Connector {
	if cfg == nil {
		cfg = DefaultClientCfg()
	}
	return newConnector(nil, pump, cfg, addr, handler, newOptions(opts))
}

func newConnector(client *Client, pump *service.Pump, cfg *ClientCfg, addr string, handler TCPHandler, o *options) *Connector {
	c := &Connector{client: client, clientCfg: *cfg}
	c.initTCP(c, "client", pump, &cfg.Socket, handler, o)
	c.SetServerAddr(addr)
	return c
}

// ServerAddr returns the address dialed.
func (c *Connector) ServerAddr() string {
	if p := c.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// SetServerAddr changes the address used by the next dial.
func (c *Connector) SetServerAddr(addr string) {
	c.addr.Store(&addr)
}

// Reconnects returns how many reconnects were scheduled since the last reset.
func (c *Connector) Reconnects() uint64 {
	return c.attempts.Load()
}

// IsConnected reports an open connection.
func (c *Connector) IsConnected() bool {
	return c.Status() == StatusOpen
}

// Start begins dialing.
func (c *Connector) Start() bool {
	return c.start(func() bool {
		c.reconnect.Store(c.clientCfg.ReconnectInterval > 0)
		c.userClosed.Store(false)
		c.setStatus(StatusConnecting)
		c.Hold()
		c.goSafe("connect", c.connect)
		return true
	})
}

// Reset implements pool.Object.
func (c *Connector) Reset() {
	cfg := c.clientCfg.Socket
	if c.client != nil {
		c.clientCfg = c.client.Cfg()
		cfg = c.clientCfg.Socket
	}
	c.resetTCP(&cfg)
	c.reconnect.Store(false)
	c.attempts.Store(0)
}

func (c *Connector) connect() {
	defer c.Unhold()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.dialMu.Lock()
	if c.userClosed.Load() {
		c.dialMu.Unlock()
		c.afterDisconnect(closeByUser)
		return
	}
	c.dialCancel = cancel
	c.dialMu.Unlock()

	d := net.Dialer{Timeout: c.clientCfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.ServerAddr())

	c.dialMu.Lock()
	c.dialCancel = nil
	if err != nil {
		c.dialMu.Unlock()
		c.logger.Info().Str("addr", c.ServerAddr()).Err(err).Msg("connect failed")
		metrics.IncrCounterWithDimGroup("net", "connect_error_total", 1, metrics.Dimension{"side": c.side})
		reason := closeByPeer
		if c.userClosed.Load() {
			reason = closeByUser
		}
		c.afterDisconnect(reason)
		return
	}
	if c.userClosed.Load() {
		c.dialMu.Unlock()
		_ = conn.Close()
		c.afterDisconnect(closeByUser)
		return
	}
	c.attach(conn.(*net.TCPConn))
	c.dialMu.Unlock()

	c.logger.Info().Str("addr", c.ServerAddr()).Msg("connected")
	metrics.IncrCounterWithDimGroup("net", "connect_total", 1, metrics.Dimension{"side": c.side})
	c.open()
}

// ForceClose closes the connection right away. With reconnect a new
// connection is dialed after ReconnectInterval; without it reconnecting
// stops for good.
func (c *Connector) ForceClose(reconnect bool) {
	c.reconnect.Store(reconnect && c.clientCfg.ReconnectInterval > 0)

	c.dialMu.Lock()
	c.userClosed.Store(true)
	cancel := c.dialCancel
	connected := c.connected()
	c.dialMu.Unlock()

	switch {
	case connected:
		c.forceClose()
	case cancel != nil:
		// the dial fails and the connect routine finishes
		cancel()
	case c.Started():
		c.timer.StopTimer(timer.TimerReconnect)
		c.afterDisconnect(closeByUser)
	}
}

// GracefulClose closes the send side first and waits for the server, then
// reconnects if asked to.
func (c *Connector) GracefulClose(reconnect, sync bool) {
	c.reconnect.Store(reconnect && c.clientCfg.ReconnectInterval > 0)
	if !c.connected() {
		c.ForceClose(reconnect)
		return
	}
	c.gracefulClose(sync)
}

func (c *Connector) onConnClosed(reason closeReason, _ error) {
	c.afterDisconnect(reason)
}

// afterDisconnect either schedules the next dial or closes the connector
// for good. Unpack errors never reconnect.
func (c *Connector) afterDisconnect(reason closeReason) {
	if c.reconnect.Load() && reason != closeByUnpack && c.Started() && !c.isClosed() {
		c.setStatus(StatusConnecting)
		c.userClosed.Store(false)
		c.unpacker.ResetState()
		n := c.attempts.Add(1)
		metrics.IncrCounterWithDimGroup("net", "reconnect_total", 1, metrics.Dimension{"side": c.side})
		c.logger.Debug().Str("addr", c.ServerAddr()).Uint64("attempt", n).Dur("after", c.clientCfg.ReconnectInterval).Msg("reconnect scheduled")
		c.timer.SetTimer(timer.TimerReconnect, c.clientCfg.ReconnectInterval, func(timer.ID) bool {
			c.Hold()
			c.goSafe("connect", c.connect)
			return false
		})
		return
	}

	if !c.finish() {
		return
	}
	c.logger.Debug().Str("addr", c.ServerAddr()).Int("reason", int(reason)).Msg("connector closed")
	c.handler.OnClose(&c.TCPSocket)
	if c.client != nil {
		c.client.onConnectorClosed(c)
	}
}
