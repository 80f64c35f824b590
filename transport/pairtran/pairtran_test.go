package pairtran

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/wire"
)

func TestDeliveryAndCompletions(t *testing.T) {
	n := NewNetwork(DefaultMTU)
	a := n.Endpoint("a")
	b := n.Endpoint("b")

	route, err := a.Resolve("b")
	require.NoError(t, err)

	payload := []byte("hello across the fake fabric")
	hdr := &wire.PktHeader{Magic: wire.Magic, Flags: wire.FlagReq, Seq: 42,
		PktTotal: 1, PayloadLen: uint16(len(payload))}
	sent, err := a.TxBurst([]transport.TxPacket{{Route: route, Hdr: hdr, Payload: payload}})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, a.ReclaimTxCompletions())
	assert.Equal(t, 0, a.ReclaimTxCompletions())

	rx := make([]transport.RxPacket, 8)
	got, err := b.RxBurst(rx)
	require.NoError(t, err)
	require.Equal(t, 1, got)
	assert.Equal(t, uint32(42), rx[0].Hdr.Seq)
	assert.Equal(t, payload, rx[0].Payload)
}

func TestDropHookCountsAsSent(t *testing.T) {
	n := NewNetwork(DefaultMTU)
	a := n.Endpoint("a")
	b := n.Endpoint("b")
	route, err := a.Resolve("b")
	require.NoError(t, err)

	dropped := 0
	a.SetDropFn(func(hdr *wire.PktHeader) bool {
		dropped++
		return hdr.Seq%2 == 0
	})

	for seq := uint32(0); seq < 4; seq++ {
		hdr := &wire.PktHeader{Magic: wire.Magic, Flags: wire.FlagReq, Seq: seq, PktTotal: 1}
		sent, err := a.TxBurst([]transport.TxPacket{{Route: route, Hdr: hdr}})
		require.NoError(t, err)
		assert.Equal(t, 1, sent)
	}
	assert.Equal(t, 4, dropped)

	rx := make([]transport.RxPacket, 8)
	got, err := b.RxBurst(rx)
	require.NoError(t, err)
	require.Equal(t, 2, got)
	assert.Equal(t, uint32(1), rx[0].Hdr.Seq)
	assert.Equal(t, uint32(3), rx[1].Hdr.Seq)
}

func TestResolveUnknownAddr(t *testing.T) {
	n := NewNetwork(DefaultMTU)
	a := n.Endpoint("a")
	_, err := a.Resolve("nope")
	assert.Error(t, err)
}

func TestRxPayloadValidUntilNextBurst(t *testing.T) {
	n := NewNetwork(DefaultMTU)
	a := n.Endpoint("a")
	b := n.Endpoint("b")
	route, err := a.Resolve("b")
	require.NoError(t, err)

	payload := []byte("mutable")
	hdr := &wire.PktHeader{Magic: wire.Magic, Flags: wire.FlagReq, PktTotal: 1,
		PayloadLen: uint16(len(payload))}
	_, err = a.TxBurst([]transport.TxPacket{{Route: route, Hdr: hdr, Payload: payload}})
	require.NoError(t, err)

	// The sender may reuse its buffer immediately: delivery copied it.
	payload[0] = 'X'

	rx := make([]transport.RxPacket, 1)
	got, err := b.RxBurst(rx)
	require.NoError(t, err)
	require.Equal(t, 1, got)
	assert.Equal(t, "mutable", string(rx[0].Payload))
}
