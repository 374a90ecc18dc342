package net

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/config"
	"github.com/lcx/stnet/log"
	"github.com/lcx/stnet/metrics"
	"github.com/lcx/stnet/pool"
	"github.com/lcx/stnet/service"
)

// Client keeps a pool of Connectors sharing one configuration, packer and
// handler. It is a service.Service: connectors created before the pump
// starts are started by Init.
type Client struct {
	name    string
	pump    *service.Pump
	handler TCPHandler
	opts    *options

	cfgMu sync.RWMutex
	cfg   ClientCfg

	pool    *pool.ObjectPool[*Connector]
	running atomic.Bool
}

// NewClient creates a client named name. nil cfg means DefaultClientCfg.
func NewClient(name string, pump *service.Pump, cfg *ClientCfg, handler TCPHandler, opts ...Option) *Client {
	if cfg == nil {
		cfg = DefaultClientCfg()
	}
	c := &Client{
		name:    name,
		pump:    pump,
		handler: handler,
		opts:    newOptions(opts),
		cfg:     *cfg,
	}
	if c.opts.packer == nil {
		frame := cfg.Socket.Frame
		c.opts.packer = codec.NewLengthPacker(&frame)
	}
	c.pool = pool.New(name, &c.cfg.Pool, func() *Connector {
		cfg := c.Cfg()
		return newConnector(c, c.pump, &cfg, "", c.handler, c.opts)
	})
	c.pool.SetExecutor(pumpExecutor(pump))
	return c
}

// NewClientWithConfigManager creates a client from the configuration named
// name and follows its hot reloads.
func NewClientWithConfigManager(name string, pump *service.Pump, cm config.ConfigManager,
	handler TCPHandler, opts ...Option) (*Client, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultClientCfg()
	if err := cm.LoadConfig(name, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s config: %w", name, err)
	}
	c := NewClient(name, pump, cfg, handler, opts...)
	cm.AddChangeListener(c)
	return c, nil
}

// GetConfigName implements config.ConfigChangeListener.
func (c *Client) GetConfigName() string {
	return c.name
}

// OnConfigChanged implements config.ConfigChangeListener. Connectors
// created or reset from now on use the new timing and socket settings.
func (c *Client) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != c.name {
		return nil
	}
	newCfg, ok := newConfig.(*ClientCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for client %s", c.name)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid client configuration: %w", err)
	}

	c.cfgMu.Lock()
	poolCfg, frame := c.cfg.Pool, c.cfg.Socket.Frame
	c.cfg = *newCfg
	c.cfg.Pool = poolCfg
	c.cfg.Socket.Frame = frame
	c.cfgMu.Unlock()

	log.Info().Str("client", c.name).Msg("client configuration updated")
	return nil
}

// Cfg returns the configuration in effect.
func (c *Client) Cfg() ClientCfg {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Name implements service.Service.
func (c *Client) Name() string {
	return c.name
}

// Init implements service.Service: every connector starts dialing.
func (c *Client) Init() error {
	c.running.Store(true)
	c.pool.Start()
	c.pool.DoToAll(func(conn *Connector) {
		conn.Start()
	})
	log.Info().Str("client", c.name).Int("connectors", c.pool.Size()).Msg("client started")
	return nil
}

// Uninit implements service.Service: every connector closes without
// reconnecting.
func (c *Client) Uninit() error {
	c.running.Store(false)
	c.pool.DoToAll(func(conn *Connector) {
		conn.ForceClose(false)
	})
	c.pool.Stop()
	log.Info().Str("client", c.name).Msg("client stopped")
	return nil
}

// CreateClient creates a connector to addr and adds it to the client. On a
// running client it starts dialing right away.
func (c *Client) CreateClient(addr string) (*Connector, error) {
	conn, ok := c.pool.CreateObject()
	if !ok {
		return nil, fmt.Errorf("client %s: connector limit reached", c.name)
	}
	conn.SetServerAddr(addr)
	if !c.AddClient(conn) {
		return nil, fmt.Errorf("client %s: connector limit reached", c.name)
	}
	return conn, nil
}

// AddClient adds conn to the client and starts it if the client runs.
func (c *Client) AddClient(conn *Connector) bool {
	if conn == nil || !c.pool.AddObject(conn) {
		return false
	}
	metrics.UpdateGaugeWithDimGroup("net", "connectors", metrics.Value(c.pool.Size()), metrics.Dimension{"client": c.name})
	if c.running.Load() {
		conn.Start()
	}
	return true
}

// DelClient closes conn for good and moves it into quarantine.
func (c *Client) DelClient(conn *Connector) bool {
	if conn == nil {
		return false
	}
	conn.ForceClose(false)
	return c.del(conn)
}

func (c *Client) del(conn *Connector) bool {
	ok := c.pool.DelObject(conn)
	metrics.UpdateGaugeWithDimGroup("net", "connectors", metrics.Value(c.pool.Size()), metrics.Dimension{"client": c.name})
	return ok
}

// onConnectorClosed drops a connector that stopped for good.
func (c *Client) onConnectorClosed(conn *Connector) {
	c.del(conn)
}

// BroadcastMsg packs parts once and queues the message on every connector.
// It returns how many connectors accepted it.
func (c *Client) BroadcastMsg(parts ...[]byte) int {
	msg := c.opts.packer.Pack(false, parts...)
	if msg.Empty() {
		return 0
	}
	n := 0
	c.pool.DoToAll(func(conn *Connector) {
		if conn.DirectSendMsg(msg, false) {
			n++
		}
	})
	return n
}

// FindObject returns the connector with the given id.
func (c *Client) FindObject(id uint64) (*Connector, bool) {
	return c.pool.FindObject(id)
}

// ListAllObject returns the live connectors.
func (c *Client) ListAllObject() []*Connector {
	return c.pool.ListAllObject()
}

// Size returns the number of live connectors.
func (c *Client) Size() int {
	return c.pool.Size()
}

// ClosedObjectSize returns the number of connectors in quarantine.
func (c *Client) ClosedObjectSize() int {
	return c.pool.ClosedObjectSize()
}
