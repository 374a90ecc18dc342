package codec

// FixedLengthPacker frames nothing: every message is exactly size bytes.
type FixedLengthPacker struct {
	size int
}

// NewFixedLengthPacker creates a packer for size-byte messages.
func NewFixedLengthPacker(size int) *FixedLengthPacker {
	return &FixedLengthPacker{size: size}
}

// Pack implements Packer. Parts not adding up to exactly size are rejected.
func (p *FixedLengthPacker) Pack(_ bool, parts ...[]byte) Msg {
	total, ok := totalLen(parts)
	if !ok || total == 0 || total != p.size {
		return nil
	}
	msg := make(Msg, 0, total)
	for _, part := range parts {
		msg = append(msg, part...)
	}
	return msg
}

// FixedLengthUnpacker cuts the stream into size-byte messages.
type FixedLengthUnpacker struct {
	size      int
	buf       []byte
	remainLen int
}

// NewFixedLengthUnpacker creates a decoder for size-byte messages.
// Its buffer holds batch messages, at least one.
func NewFixedLengthUnpacker(size, batch int) *FixedLengthUnpacker {
	if batch < 1 {
		batch = 1
	}
	return &FixedLengthUnpacker{size: size, buf: make([]byte, size*batch)}
}

// FixedLengthUnpackerFactory returns a factory for FixedLengthUnpackers.
func FixedLengthUnpackerFactory(size, batch int) UnpackerFactory {
	return func() Unpacker { return NewFixedLengthUnpacker(size, batch) }
}

// ResetState implements Unpacker.
func (u *FixedLengthUnpacker) ResetState() {
	u.remainLen = 0
}

// CompletionCondition implements Unpacker.
func (u *FixedLengthUnpacker) CompletionCondition(err error, bytesTransferred int) int {
	if err != nil {
		return 0
	}
	dataLen := u.remainLen + bytesTransferred
	if dataLen >= u.size {
		return 0
	}
	return u.size - dataLen
}

// ParseMsg implements Unpacker.
func (u *FixedLengthUnpacker) ParseMsg(bytesTransferred int, out *[]Msg) bool {
	if u.size <= 0 {
		u.ResetState()
		return false
	}
	u.remainLen += bytesTransferred
	next := 0
	for u.remainLen >= u.size {
		msg := make(Msg, u.size)
		copy(msg, u.buf[next:next+u.size])
		*out = append(*out, msg)
		next += u.size
		u.remainLen -= u.size
	}
	if u.remainLen > 0 && next > 0 {
		copy(u.buf, u.buf[next:next+u.remainLen])
	}
	return true
}

// PrepareNextRecv implements Unpacker.
func (u *FixedLengthUnpacker) PrepareNextRecv() []byte {
	return u.buf[u.remainLen:]
}
