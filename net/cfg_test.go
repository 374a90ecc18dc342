package net

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/stnet/codec"
)

func TestDefaultCfgsAreValid(t *testing.T) {
	require.NoError(t, DefaultSocketCfg().Validate())
	require.NoError(t, DefaultServerCfg().Validate())
	require.NoError(t, DefaultClientCfg().Validate())
	require.NoError(t, DefaultUDPCfg().Validate())

	assert.Equal(t, "socket", DefaultSocketCfg().GetName())
	assert.Equal(t, "server", DefaultServerCfg().GetName())
	assert.Equal(t, "client", DefaultClientCfg().GetName())
	assert.Equal(t, "udp", DefaultUDPCfg().GetName())
}

func TestSocketCfgValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SocketCfg)
	}{
		{"zero send queue", func(c *SocketCfg) { c.MaxSendQueueLen = 0 }},
		{"zero dispatch queue", func(c *SocketCfg) { c.MaxDispatchQueueLen = 0 }},
		{"zero retry interval", func(c *SocketCfg) { c.DispatchRetryInterval = 0 }},
		{"negative qps", func(c *SocketCfg) { c.DispatchQPS = -1 }},
		{"zero close poll", func(c *SocketCfg) { c.GracefulClosePoll = 0 }},
		{"negative heartbeat", func(c *SocketCfg) { c.HeartbeatInterval = -time.Second }},
		{"heartbeat without absence", func(c *SocketCfg) {
			c.HeartbeatInterval = time.Second
			c.HeartbeatMaxAbsence = 0
		}},
		{"bad frame", func(c *SocketCfg) { c.Frame.MaxMsgLen = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSocketCfg()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestServerCfgValidate(t *testing.T) {
	cfg := DefaultServerCfg()
	cfg.Addr = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultServerCfg()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultServerCfg()
	cfg.Socket.MaxSendQueueLen = 0
	assert.ErrorContains(t, cfg.Validate(), "socket")

	cfg = DefaultServerCfg()
	cfg.Pool.MaxObjectNum = 0
	assert.ErrorContains(t, cfg.Validate(), "pool")
}

func TestClientAndUDPCfgValidate(t *testing.T) {
	cfg := DefaultClientCfg()
	cfg.ReconnectInterval = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultClientCfg()
	cfg.ReconnectInterval = 0
	assert.NoError(t, cfg.Validate(), "0 disables reconnecting")

	udp := DefaultUDPCfg()
	udp.MaxDatagram = codec.MaxUDPPayload + 1
	assert.Error(t, udp.Validate())
	udp.MaxDatagram = 0
	assert.Error(t, udp.Validate())
}
