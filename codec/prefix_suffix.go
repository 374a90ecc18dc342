package codec

import "bytes"

// PrefixSuffixPacker frames a message as prefix, body, suffix.
// Bodies containing the suffix cannot be delimited and are rejected.
type PrefixSuffixPacker struct {
	prefix, suffix []byte
	maxMsgLen      int
}

// NewPrefixSuffixPacker creates a delimiter packer. suffix must not be empty.
func NewPrefixSuffixPacker(prefix, suffix string, maxMsgLen int) *PrefixSuffixPacker {
	if maxMsgLen <= 0 {
		maxMsgLen = DefaultMaxMsgLen
	}
	return &PrefixSuffixPacker{prefix: []byte(prefix), suffix: []byte(suffix), maxMsgLen: maxMsgLen}
}

// Pack implements Packer. native sends the parts without delimiters.
func (p *PrefixSuffixPacker) Pack(native bool, parts ...[]byte) Msg {
	body, ok := totalLen(parts)
	if !ok || body == 0 || len(p.suffix) == 0 {
		return nil
	}
	total := body
	if !native {
		total += len(p.prefix) + len(p.suffix)
	}
	if total > p.maxMsgLen {
		return nil
	}

	msg := make(Msg, 0, total)
	if !native {
		msg = append(msg, p.prefix...)
	}
	for _, part := range parts {
		msg = append(msg, part...)
	}
	if !native {
		if bytes.Contains(msg[len(p.prefix):], p.suffix) {
			return nil
		}
		msg = append(msg, p.suffix...)
	}
	return msg
}

// PrefixSuffixUnpacker decodes PrefixSuffixPacker frames.
type PrefixSuffixUnpacker struct {
	prefix, suffix []byte
	buf            []byte
	remainLen      int
}

// NewPrefixSuffixUnpacker creates a decoder whose buffer holds maxMsgLen bytes.
func NewPrefixSuffixUnpacker(prefix, suffix string, maxMsgLen int) *PrefixSuffixUnpacker {
	if maxMsgLen <= 0 {
		maxMsgLen = DefaultMaxMsgLen
	}
	return &PrefixSuffixUnpacker{prefix: []byte(prefix), suffix: []byte(suffix), buf: make([]byte, maxMsgLen)}
}

// PrefixSuffixUnpackerFactory returns a factory for PrefixSuffixUnpackers.
func PrefixSuffixUnpackerFactory(prefix, suffix string, maxMsgLen int) UnpackerFactory {
	return func() Unpacker { return NewPrefixSuffixUnpacker(prefix, suffix, maxMsgLen) }
}

// ResetState implements Unpacker.
func (u *PrefixSuffixUnpacker) ResetState() {
	u.remainLen = 0
}

// CompletionCondition implements Unpacker. Reading stops as soon as one
// suffix is present or the buffer is full.
func (u *PrefixSuffixUnpacker) CompletionCondition(err error, bytesTransferred int) int {
	if err != nil {
		return 0
	}
	dataLen := u.remainLen + bytesTransferred
	if dataLen >= len(u.buf) {
		return 0
	}
	least := len(u.prefix) + len(u.suffix)
	if dataLen > least && bytes.Contains(u.buf[len(u.prefix):dataLen], u.suffix) {
		return 0
	}
	return len(u.buf) - dataLen
}

// ParseMsg implements Unpacker.
func (u *PrefixSuffixUnpacker) ParseMsg(bytesTransferred int, out *[]Msg) bool {
	u.remainLen += bytesTransferred
	next := 0
	for u.remainLen > 0 {
		data := u.buf[next : next+u.remainLen]
		if len(data) < len(u.prefix) {
			if !bytes.HasPrefix(u.prefix, data) {
				u.ResetState()
				return false
			}
			break
		}
		if !bytes.HasPrefix(data, u.prefix) {
			u.ResetState()
			return false
		}
		end := bytes.Index(data[len(u.prefix):], u.suffix)
		if end < 0 {
			if u.remainLen >= len(u.buf) {
				// a frame larger than the buffer
				u.ResetState()
				return false
			}
			break
		}
		if end == 0 {
			u.ResetState()
			return false
		}
		body := data[len(u.prefix) : len(u.prefix)+end]
		msg := make(Msg, len(body))
		copy(msg, body)
		*out = append(*out, msg)

		frame := len(u.prefix) + end + len(u.suffix)
		next += frame
		u.remainLen -= frame
	}
	if u.remainLen > 0 && next > 0 {
		copy(u.buf, u.buf[next:next+u.remainLen])
	}
	return true
}

// PrepareNextRecv implements Unpacker.
func (u *PrefixSuffixUnpacker) PrepareNextRecv() []byte {
	return u.buf[u.remainLen:]
}
