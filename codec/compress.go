package codec

import (
	"github.com/klauspost/compress/s2"
)

// CompressPacker compresses the joined parts with s2 before handing them to
// the wrapped packer, so the frame ceiling applies to the compressed size.
type CompressPacker struct {
	inner Packer
}

// NewCompressPacker wraps inner.
func NewCompressPacker(inner Packer) *CompressPacker {
	return &CompressPacker{inner: inner}
}

// Pack implements Packer. native messages are passed through uncompressed.
func (p *CompressPacker) Pack(native bool, parts ...[]byte) Msg {
	if native {
		return p.inner.Pack(native, parts...)
	}
	total, ok := totalLen(parts)
	if !ok || total == 0 {
		return nil
	}
	raw := make([]byte, 0, total)
	for _, part := range parts {
		raw = append(raw, part...)
	}
	return p.inner.Pack(false, s2.Encode(nil, raw))
}

// PackHeartbeat implements HeartbeatPacker by passing the heartbeat frame of
// the wrapped packer through uncompressed.
func (p *CompressPacker) PackHeartbeat() Msg {
	if hp, ok := p.inner.(HeartbeatPacker); ok {
		return hp.PackHeartbeat()
	}
	return nil
}

// CompressUnpacker decompresses every message the wrapped unpacker yields.
// A message that fails to decode, or would decode past maxDecodedLen, is a
// framing error.
type CompressUnpacker struct {
	inner         Unpacker
	maxDecodedLen int
	scratch       []Msg
}

// NewCompressUnpacker wraps inner; maxDecodedLen 0 means HugeMaxMsgLen.
func NewCompressUnpacker(inner Unpacker, maxDecodedLen int) *CompressUnpacker {
	if maxDecodedLen <= 0 {
		maxDecodedLen = HugeMaxMsgLen
	}
	return &CompressUnpacker{inner: inner, maxDecodedLen: maxDecodedLen}
}

// CompressUnpackerFactory wraps every unpacker built by inner.
func CompressUnpackerFactory(inner UnpackerFactory, maxDecodedLen int) UnpackerFactory {
	return func() Unpacker { return NewCompressUnpacker(inner(), maxDecodedLen) }
}

// ResetState implements Unpacker.
func (u *CompressUnpacker) ResetState() {
	u.inner.ResetState()
	u.scratch = u.scratch[:0]
}

// CompletionCondition implements Unpacker.
func (u *CompressUnpacker) CompletionCondition(err error, bytesTransferred int) int {
	return u.inner.CompletionCondition(err, bytesTransferred)
}

// PrepareNextRecv implements Unpacker.
func (u *CompressUnpacker) PrepareNextRecv() []byte {
	return u.inner.PrepareNextRecv()
}

// ParseMsg implements Unpacker.
func (u *CompressUnpacker) ParseMsg(bytesTransferred int, out *[]Msg) bool {
	u.scratch = u.scratch[:0]
	ok := u.inner.ParseMsg(bytesTransferred, &u.scratch)
	for _, m := range u.scratch {
		if IsHeartbeatFrame(m) {
			*out = append(*out, m)
			continue
		}
		n, err := s2.DecodedLen(m)
		if err != nil || n > u.maxDecodedLen {
			u.ResetState()
			return false
		}
		decoded, err := s2.Decode(make([]byte, n), m)
		if err != nil {
			u.ResetState()
			return false
		}
		*out = append(*out, decoded)
	}
	u.scratch = u.scratch[:0]
	return ok
}
