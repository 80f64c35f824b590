// Package transport defines the interface between the talon endpoint and
// the NIC-facing packet drivers. Implementations ship burst-oriented
// packet I/O with a fixed MTU and operate on memory registered through
// RegisterRegion.
package transport

import (
	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/wire"
)

// Route is the transport-level address of a remote endpoint's datapath.
// Routes are resolved once per session and reused for every packet.
type Route interface {
	String() string
}

// RegionKey identifies a registered memory region.
type RegionKey uint32

// TxPacket describes one packet to transmit. Payload must point into a
// registered region (or be at most the transport's inline size, in which
// case the transport may copy it).
type TxPacket struct {
	Route   Route
	Hdr     *wire.PktHeader
	Payload []byte
}

// RxPacket is a received packet. Payload references transport-owned
// memory and is valid only until the next RxBurst call.
type RxPacket struct {
	Hdr     wire.PktHeader
	Payload []byte
}

// Transport is the NIC abstraction the endpoint drives.
//
// TxBurst enqueues packets onto the send ring and returns the number
// accepted. Send completions are reported in order via
// ReclaimTxCompletions. RxBurst fills pkts with received packets whose
// magic matched; per-session packet order is preserved by the underlying
// fabric, cross-session order is unspecified.
//
// All methods except TxBurst must be called from the owning endpoint's
// goroutine; TxBurst is safe for concurrent use.
type Transport interface {
	// MTU returns the maximum packet size including the wire header.
	MTU() int
	// InlineSize returns the threshold up to which payloads are copied
	// inline instead of being read from registered memory.
	InlineSize() int
	// LocalAddr returns the address remote endpoints resolve to reach
	// this transport.
	LocalAddr() string
	Resolve(addr string) (Route, error)
	RegisterRegion(mem []byte) (RegionKey, error)
	TxBurst(pkts []TxPacket) (int, error)
	RxBurst(pkts []RxPacket) (int, error)
	ReclaimTxCompletions() int
	Close() error
}

// MaxData returns the per-packet payload capacity of t.
func MaxData(t Transport) int {
	return t.MTU() - wire.HeaderSize
}

// ErrResolve wraps address resolution failures.
var ErrResolve = errors.New("cannot resolve datapath address")
