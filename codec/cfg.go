package codec

import (
	"errors"
	"math"
)

// Header sizes of the default length framing.
const (
	HeaderSize     = 2
	HugeHeaderSize = 4
)

// Frame size ceilings.
const (
	DefaultMaxMsgLen = 4000
	HugeMaxMsgLen    = 16 << 20
)

// FrameCfg describes the framing shared by a packer / unpacker pair.
type FrameCfg struct {
	// HugeMsg switches the length header from 2 to 4 bytes.
	HugeMsg bool `mapstructure:"hugeMsg"`

	// MaxMsgLen is the largest frame, header included, that may be packed
	// or accepted. Default 4000, or 16MiB in huge mode.
	MaxMsgLen int `mapstructure:"maxMsgLen"`

	// HeartbeatPayload is an in-band probe body for packers that have no
	// frame of their own for heartbeats. Empty by default; when set, inbound
	// messages equal to it are consumed while heartbeats are enabled.
	HeartbeatPayload string `mapstructure:"heartbeatPayload"`
}

// DefaultFrameCfg returns the 2-byte header framing with a 4000 byte ceiling.
func DefaultFrameCfg() *FrameCfg {
	return &FrameCfg{
		MaxMsgLen: DefaultMaxMsgLen,
	}
}

// HugeFrameCfg returns the 4-byte header framing with a 16MiB ceiling.
func HugeFrameCfg() *FrameCfg {
	return &FrameCfg{
		HugeMsg:   true,
		MaxMsgLen: HugeMaxMsgLen,
	}
}

// GetName implements config.Config.
func (c *FrameCfg) GetName() string {
	return "frame"
}

// Validate implements config.Config.
func (c *FrameCfg) Validate() error {
	if c.MaxMsgLen <= c.HeaderSize() {
		return errors.New("maxMsgLen must exceed the header size")
	}
	if !c.HugeMsg && c.MaxMsgLen > math.MaxUint16 {
		return errors.New("maxMsgLen does not fit a 2-byte header, enable hugeMsg")
	}
	if c.HugeMsg && int64(c.MaxMsgLen) > math.MaxUint32 {
		return errors.New("maxMsgLen does not fit a 4-byte header")
	}
	if len(c.HeartbeatPayload)+c.HeaderSize() > c.MaxMsgLen {
		return errors.New("heartbeat payload exceeds maxMsgLen")
	}
	return nil
}

// HeaderSize returns the length header width in bytes.
func (c *FrameCfg) HeaderSize() int {
	if c.HugeMsg {
		return HugeHeaderSize
	}
	return HeaderSize
}

// IsHeartbeat reports whether m is the in-band heartbeat payload.
func (c *FrameCfg) IsHeartbeat(m Msg) bool {
	return c != nil && c.HeartbeatPayload != "" && string(m) == c.HeartbeatPayload
}

func (c *FrameCfg) orDefault() *FrameCfg {
	if c == nil {
		return DefaultFrameCfg()
	}
	return c
}
