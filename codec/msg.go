package codec

import "net"

// Msg is one framed outbound buffer or one decoded inbound message.
type Msg []byte

// Empty reports whether m carries no bytes.
func (m Msg) Empty() bool { return len(m) == 0 }

// Size returns the number of bytes.
func (m Msg) Size() int { return len(m) }

// Data returns the bytes.
func (m Msg) Data() []byte { return m }

// UDPMsg is a datagram together with the peer it came from or goes to.
type UDPMsg struct {
	Peer *net.UDPAddr
	Data Msg
}

// NewUDPMsg pairs data with peer.
func NewUDPMsg(peer *net.UDPAddr, data Msg) UDPMsg {
	return UDPMsg{Peer: peer, Data: data}
}

// Empty reports whether the datagram carries no bytes.
func (m UDPMsg) Empty() bool { return len(m.Data) == 0 }

// Size returns the number of payload bytes.
func (m UDPMsg) Size() int { return len(m.Data) }
