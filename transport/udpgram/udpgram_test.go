package udpgram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/wire"
)

func newLoopbackPair(t *testing.T) (*Tran, *Tran) {
	t.Helper()
	a, err := New(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	b, err := New(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func rxWait(t *testing.T, tr *Tran, want int) []transport.RxPacket {
	t.Helper()
	rx := make([]transport.RxPacket, 16)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := tr.RxBurst(rx)
		require.NoError(t, err)
		if n >= want {
			return rx[:n]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("did not receive %d packets in time", want)
	return nil
}

func TestInlineRoundtrip(t *testing.T) {
	a, b := newLoopbackPair(t)
	route, err := a.Resolve(b.LocalAddr())
	require.NoError(t, err)

	payload := []byte("tiny") // below the inline threshold
	hdr := &wire.PktHeader{Magic: wire.Magic, Flags: wire.FlagReq, Seq: 1,
		PktTotal: 1, PayloadLen: uint16(len(payload))}
	sent, err := a.TxBurst([]transport.TxPacket{{Route: route, Hdr: hdr, Payload: payload}})
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	assert.Equal(t, 1, a.ReclaimTxCompletions())

	got := rxWait(t, b, 1)
	assert.Equal(t, uint32(1), got[0].Hdr.Seq)
	assert.Equal(t, payload, got[0].Payload)
}

func TestVectoredRoundtrip(t *testing.T) {
	a, b := newLoopbackPair(t)
	route, err := a.Resolve(b.LocalAddr())
	require.NoError(t, err)

	payload := make([]byte, a.MTU()-wire.HeaderSize) // forces the sendmsg path
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	hdr := &wire.PktHeader{Magic: wire.Magic, Flags: wire.FlagResp, Seq: 2,
		PktTotal: 1, PayloadLen: uint16(len(payload))}
	_, err = a.TxBurst([]transport.TxPacket{{Route: route, Hdr: hdr, Payload: payload}})
	require.NoError(t, err)

	got := rxWait(t, b, 1)
	assert.Equal(t, payload, got[0].Payload)
}

func TestForeignDatagramsDropped(t *testing.T) {
	a, b := newLoopbackPair(t)
	route, err := a.Resolve(b.LocalAddr())
	require.NoError(t, err)

	// Garbage with the wrong magic must never surface.
	garbage := make([]byte, 64)
	hdr := &wire.PktHeader{Magic: 0x1234, PktTotal: 1, PayloadLen: 64 - wire.HeaderSize}
	_, err = a.TxBurst([]transport.TxPacket{{Route: route, Hdr: hdr,
		Payload: garbage[wire.HeaderSize:]}})
	require.NoError(t, err)

	good := &wire.PktHeader{Magic: wire.Magic, Flags: wire.FlagReq, Seq: 3, PktTotal: 1}
	_, err = a.TxBurst([]transport.TxPacket{{Route: route, Hdr: good}})
	require.NoError(t, err)

	got := rxWait(t, b, 1)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(3), got[0].Hdr.Seq)
}

func TestMTUValidation(t *testing.T) {
	_, err := New(Config{ListenAddr: "127.0.0.1:0", MTU: wire.HeaderSize})
	assert.Error(t, err)
}
