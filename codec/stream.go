package codec

// StreamPacker concatenates parts without any framing.
type StreamPacker struct {
	maxMsgLen int
}

// NewStreamPacker creates a raw packer; messages above maxMsgLen are rejected.
func NewStreamPacker(maxMsgLen int) *StreamPacker {
	if maxMsgLen <= 0 {
		maxMsgLen = DefaultMaxMsgLen
	}
	return &StreamPacker{maxMsgLen: maxMsgLen}
}

// Pack implements Packer; native makes no difference.
func (p *StreamPacker) Pack(_ bool, parts ...[]byte) Msg {
	total, ok := totalLen(parts)
	if !ok || total == 0 || total > p.maxMsgLen {
		return nil
	}
	msg := make(Msg, 0, total)
	for _, part := range parts {
		msg = append(msg, part...)
	}
	return msg
}

// StreamUnpacker turns every read into one message.
type StreamUnpacker struct {
	buf []byte
}

// NewStreamUnpacker creates a raw decoder reading at most bufSize bytes at a time.
func NewStreamUnpacker(bufSize int) *StreamUnpacker {
	if bufSize <= 0 {
		bufSize = DefaultMaxMsgLen
	}
	return &StreamUnpacker{buf: make([]byte, bufSize)}
}

// StreamUnpackerFactory returns a factory for StreamUnpackers.
func StreamUnpackerFactory(bufSize int) UnpackerFactory {
	return func() Unpacker { return NewStreamUnpacker(bufSize) }
}

// ResetState implements Unpacker.
func (u *StreamUnpacker) ResetState() {}

// CompletionCondition implements Unpacker; any data completes the read.
func (u *StreamUnpacker) CompletionCondition(err error, bytesTransferred int) int {
	if err != nil || bytesTransferred > 0 {
		return 0
	}
	return len(u.buf)
}

// ParseMsg implements Unpacker.
func (u *StreamUnpacker) ParseMsg(bytesTransferred int, out *[]Msg) bool {
	if bytesTransferred > 0 {
		msg := make(Msg, bytesTransferred)
		copy(msg, u.buf[:bytesTransferred])
		*out = append(*out, msg)
	}
	return true
}

// PrepareNextRecv implements Unpacker.
func (u *StreamUnpacker) PrepareNextRecv() []byte {
	return u.buf
}

// MaxUDPPayload is the largest IPv4 UDP payload.
const MaxUDPPayload = 65507

// UDPUnpacker treats each datagram as one message. It keeps no state between
// datagrams.
type UDPUnpacker struct {
	StreamUnpacker
}

// NewUDPUnpacker creates a datagram decoder; bufSize 0 means MaxUDPPayload.
func NewUDPUnpacker(bufSize int) *UDPUnpacker {
	if bufSize <= 0 {
		bufSize = MaxUDPPayload
	}
	return &UDPUnpacker{StreamUnpacker: StreamUnpacker{buf: make([]byte, bufSize)}}
}

// UDPUnpackerFactory returns a factory for UDPUnpackers.
func UDPUnpackerFactory(bufSize int) UnpackerFactory {
	return func() Unpacker { return NewUDPUnpacker(bufSize) }
}

// CompletionCondition implements Unpacker; a datagram is always complete,
// including an empty one.
func (u *UDPUnpacker) CompletionCondition(error, int) int {
	return 0
}
