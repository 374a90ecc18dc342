package codec

import "encoding/binary"

// LengthPacker prefixes every message with a big-endian length header that
// counts the header itself plus the body.
type LengthPacker struct {
	cfg *FrameCfg
}

// NewLengthPacker creates the default packer; nil cfg means DefaultFrameCfg.
func NewLengthPacker(cfg *FrameCfg) *LengthPacker {
	return &LengthPacker{cfg: cfg.orDefault()}
}

// Pack implements Packer. With native set the header is omitted and the
// parts are sent as they are.
func (p *LengthPacker) Pack(native bool, parts ...[]byte) Msg {
	body, ok := totalLen(parts)
	if !ok || body == 0 {
		return nil
	}

	total := body
	if !native {
		total += p.cfg.HeaderSize()
	}
	if total > p.cfg.MaxMsgLen {
		return nil
	}

	msg := make(Msg, total)
	off := 0
	if !native {
		putHeader(msg, p.cfg.HugeMsg, total)
		off = p.cfg.HeaderSize()
	}
	for _, part := range parts {
		off += copy(msg[off:], part)
	}
	return msg
}

// PackHeartbeat implements HeartbeatPacker. The heartbeat is a bare header
// whose length covers only itself.
func (p *LengthPacker) PackHeartbeat() Msg {
	hb := make(Msg, p.cfg.HeaderSize())
	putHeader(hb, p.cfg.HugeMsg, len(hb))
	return hb
}

func putHeader(b []byte, huge bool, n int) {
	if huge {
		binary.BigEndian.PutUint32(b, uint32(n))
	} else {
		binary.BigEndian.PutUint16(b, uint16(n))
	}
}

func readHeader(b []byte, huge bool) int {
	if huge {
		return int(binary.BigEndian.Uint32(b))
	}
	return int(binary.BigEndian.Uint16(b))
}

// LengthUnpacker decodes LengthPacker frames. It reads into a buffer of
// MaxMsgLen bytes, so a valid frame always fits.
type LengthUnpacker struct {
	cfg       *FrameCfg
	buf       []byte
	remainLen int
	curMsgLen int // -1 while awaiting the header
}

// NewLengthUnpacker creates a decoder for one connection.
func NewLengthUnpacker(cfg *FrameCfg) *LengthUnpacker {
	cfg = cfg.orDefault()
	return &LengthUnpacker{
		cfg:       cfg,
		buf:       make([]byte, cfg.MaxMsgLen),
		curMsgLen: -1,
	}
}

// LengthUnpackerFactory returns a factory building LengthUnpackers for cfg.
func LengthUnpackerFactory(cfg *FrameCfg) UnpackerFactory {
	return func() Unpacker { return NewLengthUnpacker(cfg) }
}

// ResetState implements Unpacker.
func (u *LengthUnpacker) ResetState() {
	u.remainLen = 0
	u.curMsgLen = -1
}

// validLen accepts a bare header as well, which is the heartbeat frame.
func (u *LengthUnpacker) validLen(n int) bool {
	return n >= u.cfg.HeaderSize() && n <= u.cfg.MaxMsgLen
}

// CompletionCondition implements Unpacker.
func (u *LengthUnpacker) CompletionCondition(err error, bytesTransferred int) int {
	if err != nil {
		return 0
	}

	dataLen := u.remainLen + bytesTransferred
	hdr := u.cfg.HeaderSize()
	if u.curMsgLen < 0 && dataLen >= hdr {
		u.curMsgLen = readHeader(u.buf, u.cfg.HugeMsg)
		if !u.validLen(u.curMsgLen) {
			// let ParseMsg report it
			return 0
		}
	}
	if u.curMsgLen < 0 {
		return hdr - dataLen
	}
	if dataLen >= u.curMsgLen {
		return 0
	}
	return u.curMsgLen - dataLen
}

// ParseMsg implements Unpacker.
func (u *LengthUnpacker) ParseMsg(bytesTransferred int, out *[]Msg) bool {
	hdr := u.cfg.HeaderSize()
	next := 0
	u.remainLen += bytesTransferred

	ok := true
	for ok {
		if u.curMsgLen >= 0 {
			if !u.validLen(u.curMsgLen) {
				ok = false
			} else if u.remainLen >= u.curMsgLen {
				msg := make(Msg, u.curMsgLen-hdr)
				copy(msg, u.buf[next+hdr:next+u.curMsgLen])
				*out = append(*out, msg)
				u.remainLen -= u.curMsgLen
				next += u.curMsgLen
				u.curMsgLen = -1
			} else {
				break
			}
		} else if u.remainLen >= hdr {
			u.curMsgLen = readHeader(u.buf[next:], u.cfg.HugeMsg)
		} else {
			break
		}
	}

	if !ok {
		u.ResetState()
		return false
	}
	if u.remainLen > 0 && next > 0 {
		copy(u.buf, u.buf[next:next+u.remainLen])
	}
	return true
}

// PrepareNextRecv implements Unpacker.
func (u *LengthUnpacker) PrepareNextRecv() []byte {
	return u.buf[u.remainLen:]
}
