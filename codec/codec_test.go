package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feed mimics a socket read cycle: it copies at most chunk bytes per read
// into the span the unpacker offers and parses once the unpacker is satisfied
// or the input runs out.
func feed(t *testing.T, u Unpacker, data []byte, chunk int) ([]Msg, bool) {
	t.Helper()
	var out []Msg
	for len(data) > 0 {
		buf := u.PrepareNextRecv()
		require.NotEmpty(t, buf)
		got := 0
		for len(data) > 0 {
			n := chunk
			if n > len(data) {
				n = len(data)
			}
			if n > len(buf)-got {
				n = len(buf) - got
			}
			copy(buf[got:], data[:n])
			data = data[n:]
			got += n
			if u.CompletionCondition(nil, got) == 0 || got == len(buf) {
				break
			}
		}
		if !u.ParseMsg(got, &out) {
			return out, false
		}
	}
	return out, true
}

func TestLengthRoundTrip(t *testing.T) {
	cfg := DefaultFrameCfg()
	p := NewLengthPacker(cfg)

	for _, size := range []int{1, 2, 5, 100, cfg.MaxMsgLen - cfg.HeaderSize()} {
		body := bytes.Repeat([]byte{byte(size)}, size)
		msg := p.Pack(false, body)
		require.Equal(t, size+HeaderSize, msg.Size(), size)
		assert.EqualValues(t, size+HeaderSize, binary.BigEndian.Uint16(msg))

		u := NewLengthUnpacker(cfg)
		out, ok := feed(t, u, msg, len(msg))
		require.True(t, ok)
		require.Len(t, out, 1)
		assert.Equal(t, Msg(body), out[0])
	}
}

func TestLengthPackRejects(t *testing.T) {
	cfg := DefaultFrameCfg()
	p := NewLengthPacker(cfg)

	assert.True(t, p.Pack(false).Empty())
	assert.True(t, p.Pack(false, []byte{}).Empty())
	assert.True(t, p.Pack(false, []byte("a"), nil).Empty())
	assert.True(t, p.Pack(false, make([]byte, cfg.MaxMsgLen-1)).Empty())
	assert.False(t, p.Pack(true, make([]byte, cfg.MaxMsgLen)).Empty())
	assert.True(t, p.Pack(true, make([]byte, cfg.MaxMsgLen+1)).Empty())
}

func TestLengthPackJoinsParts(t *testing.T) {
	p := NewLengthPacker(nil)
	msg := p.Pack(false, []byte("he"), []byte("llo"))
	assert.Equal(t, Msg("\x00\x07hello"), msg)

	native := p.Pack(true, []byte("he"), []byte("llo"))
	assert.Equal(t, Msg("hello"), native)
}

func TestLengthStickPackage(t *testing.T) {
	p := NewLengthPacker(nil)
	a := p.Pack(false, []byte("first"))
	b := p.Pack(false, []byte("second message"))
	wire := append(append([]byte{}, a...), b...)

	u := NewLengthUnpacker(nil)
	out := []Msg{}
	buf := u.PrepareNextRecv()
	copy(buf, wire)
	require.True(t, u.ParseMsg(len(wire), &out))
	assert.Equal(t, []Msg{Msg("first"), Msg("second message")}, out)
}

func TestLengthSplitReads(t *testing.T) {
	p := NewLengthPacker(nil)
	var wire []byte
	var want []Msg
	for _, s := range []string{"a", "bc", "hello world", "xyz"} {
		wire = append(wire, p.Pack(false, []byte(s))...)
		want = append(want, Msg(s))
	}

	for _, chunk := range []int{1, 2, 3, 7} {
		out, ok := feed(t, NewLengthUnpacker(nil), wire, chunk)
		require.True(t, ok, chunk)
		assert.Equal(t, want, out, chunk)
	}
}

func TestLengthOversizedHeader(t *testing.T) {
	cfg := DefaultFrameCfg()
	u := NewLengthUnpacker(cfg)

	bad := make([]byte, 8)
	binary.BigEndian.PutUint16(bad, uint16(cfg.MaxMsgLen+1))
	copy(u.PrepareNextRecv(), bad)
	assert.Zero(t, u.CompletionCondition(nil, len(bad)))

	var out []Msg
	assert.False(t, u.ParseMsg(len(bad), &out))
	assert.Empty(t, out)

	// the state was reset and the unpacker works again
	good := NewLengthPacker(cfg).Pack(false, []byte("ok"))
	out2, ok := feed(t, u, good, len(good))
	require.True(t, ok)
	assert.Equal(t, []Msg{Msg("ok")}, out2)
}

func TestLengthUndersizedHeader(t *testing.T) {
	u := NewLengthUnpacker(nil)
	var out []Msg
	n := copy(u.PrepareNextRecv(), []byte{0, 1, 'x'})
	assert.False(t, u.ParseMsg(n, &out))
	assert.Empty(t, out)
}

func TestLengthPartialSuccessKept(t *testing.T) {
	p := NewLengthPacker(nil)
	wire := append([]byte{}, p.Pack(false, []byte("good"))...)
	wire = append(wire, 0xff, 0xff, 1, 2, 3)

	u := NewLengthUnpacker(nil)
	n := copy(u.PrepareNextRecv(), wire)
	var out []Msg
	assert.False(t, u.ParseMsg(n, &out))
	assert.Equal(t, []Msg{Msg("good")}, out)
}

func TestLengthHugeMode(t *testing.T) {
	cfg := HugeFrameCfg()
	require.NoError(t, cfg.Validate())
	p := NewLengthPacker(cfg)

	body := bytes.Repeat([]byte("z"), 70000)
	msg := p.Pack(false, body)
	require.Equal(t, len(body)+HugeHeaderSize, msg.Size())
	assert.EqualValues(t, len(body)+HugeHeaderSize, binary.BigEndian.Uint32(msg))

	out, ok := feed(t, NewLengthUnpacker(cfg), msg, 4096)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, Msg(body), out[0])
}

func TestCompletionConditionOnError(t *testing.T) {
	for _, u := range []Unpacker{
		NewLengthUnpacker(nil),
		NewFixedLengthUnpacker(4, 1),
		NewPrefixSuffixUnpacker("<", ">", 64),
		NewStreamUnpacker(16),
		NewUDPUnpacker(16),
	} {
		assert.Zero(t, u.CompletionCondition(io.EOF, 0))
	}
}

func TestFixedLength(t *testing.T) {
	p := NewFixedLengthPacker(4)
	assert.True(t, p.Pack(false, []byte("abc")).Empty())
	assert.True(t, p.Pack(false, []byte("abcde")).Empty())
	msg := p.Pack(false, []byte("ab"), []byte("cd"))
	require.Equal(t, Msg("abcd"), msg)

	wire := []byte("abcdefghij")
	out, ok := feed(t, NewFixedLengthUnpacker(4, 2), wire, 3)
	require.True(t, ok)
	assert.Equal(t, []Msg{Msg("abcd"), Msg("efgh")}, out)
}

func TestPrefixSuffix(t *testing.T) {
	p := NewPrefixSuffixPacker("<<", ">>", 64)
	assert.Equal(t, Msg("<<hi>>"), p.Pack(false, []byte("hi")))
	assert.Equal(t, Msg("hi"), p.Pack(true, []byte("hi")))
	assert.True(t, p.Pack(false, []byte("a>>b")).Empty())
	assert.True(t, p.Pack(false, make([]byte, 61)).Empty())

	wire := []byte("<<one>><<two>><<three>>")
	for _, chunk := range []int{1, 4, len(wire)} {
		out, ok := feed(t, NewPrefixSuffixUnpacker("<<", ">>", 64), wire, chunk)
		require.True(t, ok, chunk)
		assert.Equal(t, []Msg{Msg("one"), Msg("two"), Msg("three")}, out, chunk)
	}
}

func TestPrefixSuffixErrors(t *testing.T) {
	_, ok := feed(t, NewPrefixSuffixUnpacker("<<", ">>", 64), []byte("xx<<a>>"), 16)
	assert.False(t, ok)

	out, ok := feed(t, NewPrefixSuffixUnpacker("<<", ">>", 64), []byte("<<a>><<>>"), 16)
	assert.False(t, ok)
	assert.Equal(t, []Msg{Msg("a")}, out)

	// a frame that never ends within the buffer
	_, ok = feed(t, NewPrefixSuffixUnpacker("<", ">", 8), []byte("<aaaaaaaaaaa"), 16)
	assert.False(t, ok)
}

func TestStream(t *testing.T) {
	p := NewStreamPacker(8)
	assert.Equal(t, Msg("abc"), p.Pack(false, []byte("a"), []byte("bc")))
	assert.True(t, p.Pack(false, make([]byte, 9)).Empty())

	u := NewStreamUnpacker(8)
	assert.NotZero(t, u.CompletionCondition(nil, 0))
	assert.Zero(t, u.CompletionCondition(nil, 1))
	out, ok := feed(t, u, []byte("0123456789"), 5)
	require.True(t, ok)
	assert.Equal(t, []Msg{Msg("01234"), Msg("56789")}, out)
}

func TestUDPUnpacker(t *testing.T) {
	u := NewUDPUnpacker(0)
	assert.Len(t, u.PrepareNextRecv(), MaxUDPPayload)

	var out []Msg
	n := copy(u.PrepareNextRecv(), "datagram")
	assert.Zero(t, u.CompletionCondition(nil, n))
	require.True(t, u.ParseMsg(n, &out))
	require.True(t, u.ParseMsg(0, &out))
	assert.Equal(t, []Msg{Msg("datagram")}, out)
}

func TestCompressRoundTrip(t *testing.T) {
	cfg := DefaultFrameCfg()
	p := NewCompressPacker(NewLengthPacker(cfg))
	body := bytes.Repeat([]byte("compressible "), 1000)
	require.Greater(t, len(body), cfg.MaxMsgLen)

	msg := p.Pack(false, body[:5000], body[5000:])
	require.False(t, msg.Empty())
	assert.Less(t, msg.Size(), cfg.MaxMsgLen)

	second := p.Pack(false, []byte("x"))
	wire := append(append([]byte{}, msg...), second...)

	u := CompressUnpackerFactory(LengthUnpackerFactory(cfg), 0)()
	out, ok := feed(t, u, wire, 100)
	require.True(t, ok)
	require.Len(t, out, 2)
	assert.Equal(t, Msg(body), out[0])
	assert.Equal(t, Msg("x"), out[1])

	// native passes through untouched
	assert.Equal(t, Msg("raw"), p.Pack(true, []byte("raw")))
	assert.True(t, p.Pack(false, nil).Empty())
}

func TestCompressRejectsGarbage(t *testing.T) {
	lp := NewLengthPacker(nil)
	wire := lp.Pack(false, []byte{0xff, 0xff, 0xff, 0xff, 0xff})

	u := NewCompressUnpacker(NewLengthUnpacker(nil), 0)
	_, ok := feed(t, u, wire, len(wire))
	assert.False(t, ok)

	// decoded size above the limit
	big := NewCompressPacker(NewLengthPacker(nil)).Pack(false, make([]byte, 2048))
	_, ok = feed(t, NewCompressUnpacker(NewLengthUnpacker(nil), 1024), big, len(big))
	assert.False(t, ok)
}

type fixedHeartbeat struct{ *LengthPacker }

func (fixedHeartbeat) PackHeartbeat() Msg { return Msg("custom") }

func TestHeartbeat(t *testing.T) {
	cfg := DefaultFrameCfg()
	p := NewLengthPacker(cfg)

	hb := PackHeartbeat(p, cfg)
	assert.Equal(t, Msg{0, HeaderSize}, hb)
	assert.Equal(t, Msg{0, 0, 0, HugeHeaderSize}, NewLengthPacker(HugeFrameCfg()).PackHeartbeat())

	wire := append(append([]byte{}, hb...), p.Pack(false, []byte("x"))...)
	wire = append(wire, hb...)
	for _, chunk := range []int{1, len(wire)} {
		out, ok := feed(t, NewLengthUnpacker(cfg), wire, chunk)
		require.True(t, ok, chunk)
		require.Len(t, out, 3, chunk)
		assert.True(t, IsHeartbeatFrame(out[0]))
		assert.Equal(t, Msg("x"), out[1])
		assert.True(t, IsHeartbeatFrame(out[2]))
	}
	assert.False(t, IsHeartbeatFrame(Msg("hello")))

	// without a payload nothing in band is a heartbeat
	assert.False(t, cfg.IsHeartbeat(Msg("\x00hb")))
	assert.False(t, cfg.IsHeartbeat(Msg("")))
	assert.True(t, PackHeartbeat(hidePackHeartbeat(cfg), cfg).Empty())

	inBand := &FrameCfg{MaxMsgLen: 100, HeartbeatPayload: "\x00hb"}
	assert.Equal(t, Msg("\x00\x05\x00hb"), PackHeartbeat(hidePackHeartbeat(inBand), inBand))
	assert.True(t, inBand.IsHeartbeat(Msg("\x00hb")))

	assert.Equal(t, Msg("custom"), PackHeartbeat(fixedHeartbeat{p}, cfg))
}

func TestCompressHeartbeatPassesThrough(t *testing.T) {
	cfg := DefaultFrameCfg()
	p := NewCompressPacker(NewLengthPacker(cfg))
	hb := PackHeartbeat(p, cfg)
	assert.Equal(t, Msg{0, HeaderSize}, hb)

	wire := append(append([]byte{}, hb...), p.Pack(false, []byte("data"))...)
	out, ok := feed(t, CompressUnpackerFactory(LengthUnpackerFactory(cfg), 0)(), wire, 64)
	require.True(t, ok)
	require.Len(t, out, 2)
	assert.True(t, IsHeartbeatFrame(out[0]))
	assert.Equal(t, Msg("data"), out[1])

	// a packer without a heartbeat frame falls back to the payload
	inBand := &FrameCfg{MaxMsgLen: 100, HeartbeatPayload: "ping"}
	assert.Nil(t, NewCompressPacker(hidePackHeartbeat(inBand)).PackHeartbeat())
}

// hidePackHeartbeat wraps a LengthPacker so that it no longer exposes
// PackHeartbeat.
func hidePackHeartbeat(cfg *FrameCfg) Packer {
	return struct{ Packer }{NewLengthPacker(cfg)}
}

func TestFrameCfgValidate(t *testing.T) {
	assert.NoError(t, DefaultFrameCfg().Validate())
	assert.Equal(t, "frame", DefaultFrameCfg().GetName())
	assert.Error(t, (&FrameCfg{MaxMsgLen: 2}).Validate())
	assert.Error(t, (&FrameCfg{MaxMsgLen: 70000}).Validate())
	assert.NoError(t, (&FrameCfg{MaxMsgLen: 70000, HugeMsg: true}).Validate())
	assert.Error(t, (&FrameCfg{MaxMsgLen: 5, HeartbeatPayload: "toolong"}).Validate())
}

func TestMsg(t *testing.T) {
	var m Msg
	assert.True(t, m.Empty())
	m = Msg("abc")
	assert.Equal(t, 3, m.Size())
	assert.Equal(t, []byte("abc"), m.Data())

	um := NewUDPMsg(nil, Msg("xy"))
	assert.False(t, um.Empty())
	assert.Equal(t, 2, um.Size())
	assert.True(t, UDPMsg{}.Empty())
}

var errBoom = errors.New("boom")

func TestLengthCompletionWantsMore(t *testing.T) {
	u := NewLengthUnpacker(nil)
	assert.Equal(t, 1, u.CompletionCondition(nil, 1))
	assert.Zero(t, u.CompletionCondition(errBoom, 1))
}
