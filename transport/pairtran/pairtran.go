// Package pairtran is an in-process transport for tests and single-host
// benchmarks. A Network connects named transports through bounded
// in-memory queues and offers per-transport drop hooks so packet loss
// can be injected deterministically.
package pairtran

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/wire"
)

const (
	// DefaultMTU mirrors a 4096-byte fabric MTU.
	DefaultMTU = 4096
	// DefaultInline mirrors a 120-byte NIC inline threshold.
	DefaultInline = 120
	// DefaultQueueDepth bounds each receive ring.
	DefaultQueueDepth = 1024
)

// DropFn inspects an outgoing packet; returning true discards it.
type DropFn func(hdr *wire.PktHeader) bool

type rxSlot struct {
	hdr     wire.PktHeader
	payload []byte
}

// Network is a registry of connected in-process transports.
type Network struct {
	mtx   sync.Mutex
	mtu   int
	trans map[string]*Tran
}

func NewNetwork(mtu int) *Network {
	if mtu <= wire.HeaderSize {
		mtu = DefaultMTU
	}
	return &Network{mtu: mtu, trans: make(map[string]*Tran)}
}

// Endpoint attaches a new transport under the given address.
func (n *Network) Endpoint(addr string) *Tran {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.trans[addr]; ok {
		panic("pairtran: address already in use: " + addr)
	}
	t := &Tran{
		net:   n,
		addr:  addr,
		queue: make([]rxSlot, 0, DefaultQueueDepth),
	}
	n.trans[addr] = t
	return t
}

func (n *Network) lookup(addr string) *Tran {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.trans[addr]
}

type route struct {
	addr string
}

func (r route) String() string { return r.addr }

// Tran implements transport.Transport over the in-process network.
type Tran struct {
	net  *Network
	addr string

	mtx       sync.Mutex
	queue     []rxSlot
	scratch   [][]byte // payload backing for the last RxBurst
	unclaimed int      // tx completions not yet reclaimed
	closed    bool

	dropMtx sync.Mutex
	dropFn  DropFn
}

var _ transport.Transport = (*Tran)(nil)

// SetDropFn installs a transmit-side drop hook. Pass nil to clear.
func (t *Tran) SetDropFn(fn DropFn) {
	t.dropMtx.Lock()
	t.dropFn = fn
	t.dropMtx.Unlock()
}

func (t *Tran) MTU() int          { return t.net.mtu }
func (t *Tran) InlineSize() int   { return DefaultInline }
func (t *Tran) LocalAddr() string { return t.addr }

func (t *Tran) Resolve(addr string) (transport.Route, error) {
	if t.net.lookup(addr) == nil {
		return nil, errors.Wrapf(transport.ErrResolve, "pairtran %q", addr)
	}
	return route{addr}, nil
}

func (t *Tran) RegisterRegion(mem []byte) (transport.RegionKey, error) {
	// Memory registration is a no-op for in-process delivery.
	return 0, nil
}

func (t *Tran) TxBurst(pkts []transport.TxPacket) (int, error) {
	t.mtx.Lock()
	if t.closed {
		t.mtx.Unlock()
		return 0, errors.New("pairtran: transport closed")
	}
	t.mtx.Unlock()

	sent := 0
	for i := range pkts {
		p := &pkts[i]
		t.dropMtx.Lock()
		drop := t.dropFn != nil && t.dropFn(p.Hdr)
		t.dropMtx.Unlock()
		// A dropped packet still consumed a send-ring slot.
		sent++
		if drop {
			continue
		}
		r, ok := p.Route.(route)
		if !ok {
			return sent, errors.Errorf("pairtran: foreign route %T", p.Route)
		}
		dst := t.net.lookup(r.addr)
		if dst == nil {
			continue // peer went away, packet is lost
		}
		dst.deliver(p)
	}
	t.mtx.Lock()
	t.unclaimed += sent
	t.mtx.Unlock()
	return sent, nil
}

func (t *Tran) deliver(p *transport.TxPacket) {
	if p.Hdr.Magic != wire.Magic {
		return // foreign packet, dropped at RX like on a real fabric
	}
	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed || len(t.queue) >= DefaultQueueDepth {
		return // tail drop
	}
	t.queue = append(t.queue, rxSlot{hdr: *p.Hdr, payload: payload})
}

func (t *Tran) RxBurst(pkts []transport.RxPacket) (int, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := len(t.queue)
	if n > len(pkts) {
		n = len(pkts)
	}
	t.scratch = t.scratch[:0]
	for i := 0; i < n; i++ {
		pkts[i].Hdr = t.queue[i].hdr
		pkts[i].Payload = t.queue[i].payload
		t.scratch = append(t.scratch, t.queue[i].payload)
	}
	t.queue = t.queue[:copy(t.queue, t.queue[n:])]
	return n, nil
}

func (t *Tran) ReclaimTxCompletions() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := t.unclaimed
	t.unclaimed = 0
	return n
}

func (t *Tran) Close() error {
	t.mtx.Lock()
	t.closed = true
	t.queue = nil
	t.mtx.Unlock()
	t.net.mtx.Lock()
	delete(t.net.trans, t.addr)
	t.net.mtx.Unlock()
	return nil
}
