package net

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/stnet/codec"
	"github.com/lcx/stnet/pool"
)

// SocketCfg holds the per-connection settings shared by every socket kind.
type SocketCfg struct {
	// MaxSendQueueLen bounds the outbound queue for non-overflowing sends.
	MaxSendQueueLen int `mapstructure:"maxSendQueueLen"`
	// MaxDispatchQueueLen bounds the dispatch queue. When it is full the
	// socket stops reading.
	MaxDispatchQueueLen int `mapstructure:"maxDispatchQueueLen"`

	// DispatchRetryInterval is how often a parked reader retries to move
	// parsed messages into the dispatch queue.
	DispatchRetryInterval time.Duration `mapstructure:"dispatchRetryInterval"`
	// SuspendKeepAlive is how often held back messages are admitted again
	// while dispatching is suspended.
	SuspendKeepAlive time.Duration `mapstructure:"suspendKeepAlive"`
	// SafeSendPollInterval is the sleep between SafeSendMsg attempts.
	SafeSendPollInterval time.Duration `mapstructure:"safeSendPollInterval"`

	// DispatchQPS throttles OnMsgHandle per socket, 0 disables.
	DispatchQPS   float64 `mapstructure:"dispatchQPS"`
	DispatchBurst int     `mapstructure:"dispatchBurst"`

	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// RecvBufferSize and SendBufferSize set the kernel socket buffers, 0
	// keeps the system default.
	RecvBufferSize int  `mapstructure:"recvBufferSize"`
	SendBufferSize int  `mapstructure:"sendBufferSize"`
	NoDelay        bool `mapstructure:"noDelay"`

	GracefulCloseTimeout time.Duration `mapstructure:"gracefulCloseTimeout"`
	GracefulClosePoll    time.Duration `mapstructure:"gracefulClosePoll"`

	// HeartbeatInterval enables the liveness check, 0 disables it.
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	// HeartbeatMaxAbsence is how many silent intervals make a link dead.
	HeartbeatMaxAbsence int `mapstructure:"heartbeatMaxAbsence"`
	// HeartbeatSend makes this side send the probe after an idle interval.
	HeartbeatSend bool `mapstructure:"heartbeatSend"`

	Frame codec.FrameCfg `mapstructure:"frame"`
}

// DefaultSocketCfg returns the default socket configuration.
func DefaultSocketCfg() *SocketCfg {
	return &SocketCfg{
		MaxSendQueueLen:       1024,
		MaxDispatchQueueLen:   1024,
		DispatchRetryInterval: 50 * time.Millisecond,
		SuspendKeepAlive:      24 * time.Hour,
		SafeSendPollInterval:  50 * time.Millisecond,
		NoDelay:               true,
		GracefulCloseTimeout:  5 * time.Second,
		GracefulClosePoll:     10 * time.Millisecond,
		HeartbeatMaxAbsence:   3,
		Frame:                 *codec.DefaultFrameCfg(),
	}
}

// GetName implements config.Config.
func (c *SocketCfg) GetName() string {
	return "socket"
}

// Validate implements config.Config.
func (c *SocketCfg) Validate() error {
	if c.MaxSendQueueLen <= 0 || c.MaxDispatchQueueLen <= 0 {
		return errors.New("maxSendQueueLen and maxDispatchQueueLen must be positive")
	}
	if c.DispatchRetryInterval <= 0 || c.SuspendKeepAlive <= 0 || c.SafeSendPollInterval <= 0 {
		return errors.New("dispatchRetryInterval, suspendKeepAlive and safeSendPollInterval must be positive")
	}
	if c.DispatchQPS < 0 {
		return errors.New("dispatchQPS must not be negative")
	}
	if c.GracefulCloseTimeout < 0 || c.GracefulClosePoll <= 0 {
		return errors.New("invalid graceful close timing")
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("heartbeatInterval must not be negative")
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatMaxAbsence <= 0 {
		return errors.New("heartbeatMaxAbsence must be positive when heartbeat is on")
	}
	if err := c.Frame.Validate(); err != nil {
		return fmt.Errorf("frame: %w", err)
	}
	return nil
}

// ServerCfg configures a TCP Server.
type ServerCfg struct {
	Addr           string `mapstructure:"addr"`
	MaxConnections int    `mapstructure:"maxConnections"`
	// AcceptQPS paces the accept loop, 0 disables.
	AcceptQPS int  `mapstructure:"acceptQPS"`
	ReuseAddr bool `mapstructure:"reuseAddr"`
	ReusePort bool `mapstructure:"reusePort"`

	Socket SocketCfg    `mapstructure:"socket"`
	Pool   pool.PoolCfg `mapstructure:"pool"`
}

// DefaultServerCfg returns a server listening on all interfaces at port 5050.
func DefaultServerCfg() *ServerCfg {
	return &ServerCfg{
		Addr:           ":5050",
		MaxConnections: 4096,
		ReuseAddr:      true,
		Socket:         *DefaultSocketCfg(),
		Pool:           *pool.DefaultPoolCfg(),
	}
}

// GetName implements config.Config.
func (c *ServerCfg) GetName() string {
	return "server"
}

// Validate implements config.Config.
func (c *ServerCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.MaxConnections <= 0 {
		return errors.New("maxConnections must be positive")
	}
	if c.AcceptQPS < 0 {
		return errors.New("acceptQPS must not be negative")
	}
	if err := c.Socket.Validate(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return nil
}

// ClientCfg configures a Client and its connectors.
type ClientCfg struct {
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// ReconnectInterval is the fixed delay before a reconnect attempt, 0
	// disables reconnecting.
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`

	Socket SocketCfg    `mapstructure:"socket"`
	Pool   pool.PoolCfg `mapstructure:"pool"`
}

// DefaultClientCfg returns the default client configuration.
func DefaultClientCfg() *ClientCfg {
	return &ClientCfg{
		ConnectTimeout:    5 * time.Second,
		ReconnectInterval: 500 * time.Millisecond,
		Socket:            *DefaultSocketCfg(),
		Pool:              *pool.DefaultPoolCfg(),
	}
}

// GetName implements config.Config.
func (c *ClientCfg) GetName() string {
	return "client"
}

// Validate implements config.Config.
func (c *ClientCfg) Validate() error {
	if c.ConnectTimeout < 0 || c.ReconnectInterval < 0 {
		return errors.New("connectTimeout and reconnectInterval must not be negative")
	}
	if err := c.Socket.Validate(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return nil
}

// UDPCfg configures a UDPService and its sockets.
type UDPCfg struct {
	ReuseAddr bool `mapstructure:"reuseAddr"`
	ReusePort bool `mapstructure:"reusePort"`
	// MaxDatagram is the receive buffer of one socket.
	MaxDatagram int `mapstructure:"maxDatagram"`

	Socket SocketCfg    `mapstructure:"socket"`
	Pool   pool.PoolCfg `mapstructure:"pool"`
}

// DefaultUDPCfg returns the default UDP configuration.
func DefaultUDPCfg() *UDPCfg {
	return &UDPCfg{
		ReuseAddr:   true,
		MaxDatagram: codec.MaxUDPPayload,
		Socket:      *DefaultSocketCfg(),
		Pool:        *pool.DefaultPoolCfg(),
	}
}

// GetName implements config.Config.
func (c *UDPCfg) GetName() string {
	return "udp"
}

// Validate implements config.Config.
func (c *UDPCfg) Validate() error {
	if c.MaxDatagram <= 0 || c.MaxDatagram > codec.MaxUDPPayload {
		return fmt.Errorf("maxDatagram must be in (0, %d]", codec.MaxUDPPayload)
	}
	if err := c.Socket.Validate(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	return nil
}
