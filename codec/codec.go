// Package codec frames application messages on a byte stream.
//
// A Packer turns message parts into one wire-ready buffer, an Unpacker
// consumes raw reads and yields complete messages. Packers are stateless and
// may be shared by any number of sockets. Unpackers carry per-connection
// parse state and must never be shared: sockets take an UnpackerFactory and
// build their own instance.
package codec

// Packer builds one outbound message from parts.
// An empty result means the parts were rejected and nothing must be sent.
type Packer interface {
	Pack(native bool, parts ...[]byte) Msg
}

// HeartbeatPacker is implemented by packers that know how to frame the
// heartbeat probe themselves. The frame must decode to an empty message on
// the matching unpacker; Pack never yields one, so it cannot collide with
// application data.
type HeartbeatPacker interface {
	PackHeartbeat() Msg
}

// IsHeartbeatFrame reports whether m was decoded from a heartbeat frame.
func IsHeartbeatFrame(m Msg) bool {
	return len(m) == 0
}

// Unpacker is the incremental decoder of one connection.
//
// A read cycle is: PrepareNextRecv returns the span the next read lands in;
// after every read CompletionCondition is asked how many more bytes are
// wanted (0 means stop reading, a unit is ready or an error occurred);
// ParseMsg then consumes the bytes read in this cycle and appends every
// complete message to out. ParseMsg returns false on a framing error, after
// ResetState; messages appended before the error stay in out.
type Unpacker interface {
	ResetState()
	ParseMsg(bytesTransferred int, out *[]Msg) bool
	CompletionCondition(err error, bytesTransferred int) int
	PrepareNextRecv() []byte
}

// UnpackerFactory creates a fresh Unpacker for one connection.
type UnpackerFactory func() Unpacker

// PackHeartbeat frames the heartbeat probe with p, falling back to the
// in-band payload of cfg when p has no heartbeat frame.
func PackHeartbeat(p Packer, cfg *FrameCfg) Msg {
	if hp, ok := p.(HeartbeatPacker); ok {
		if hb := hp.PackHeartbeat(); !hb.Empty() {
			return hb
		}
	}
	if cfg == nil || cfg.HeartbeatPayload == "" {
		return nil
	}
	return p.Pack(false, []byte(cfg.HeartbeatPayload))
}

// totalLen sums the part lengths, reporting false if any part is nil.
func totalLen(parts [][]byte) (int, bool) {
	total := 0
	for _, p := range parts {
		if p == nil {
			return 0, false
		}
		total += len(p)
	}
	return total, true
}
