// Package udpgram implements the talon transport over a UDP socket. It
// stands in for a lossless-fabric driver on commodity networks: packets
// can be lost or reordered across sessions, which the endpoint's
// retransmission machinery tolerates.
//
// Payloads above the inline threshold are handed to the kernel as a
// (header, payload) iovec pair via sendmsg, so the payload is read
// directly from the registered message buffer. Smaller payloads are
// copied into a transmit scratch buffer, mirroring NIC inline sends.
package udpgram

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/wire"
)

const (
	DefaultMTU    = 4096
	DefaultInline = 120

	rxBurstCap = 64
)

type Config struct {
	// ListenAddr is the UDP address to bind the datapath socket to,
	// e.g. "127.0.0.1:0".
	ListenAddr string
	MTU        int
	InlineSize int
}

type route struct {
	udp *net.UDPAddr
	sa  unix.Sockaddr
}

func (r *route) String() string { return r.udp.String() }

type Tran struct {
	conn    *net.UDPConn
	mtu     int
	inline  int
	rxBufs  [][]byte
	txMtx   sync.Mutex // guards txInl and pending: TxBurst is concurrency-safe
	txInl   []byte
	pending int // accepted sends not yet reported as completions
}

var _ transport.Transport = (*Tran)(nil)

func New(cfg Config) (*Tran, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.InlineSize == 0 {
		cfg.InlineSize = DefaultInline
	}
	if cfg.MTU <= wire.HeaderSize {
		return nil, errors.Errorf("MTU %d does not fit the packet header", cfg.MTU)
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolve listen address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind datapath socket")
	}
	t := &Tran{
		conn:   conn,
		mtu:    cfg.MTU,
		inline: cfg.InlineSize,
		rxBufs: make([][]byte, rxBurstCap),
		txInl:  make([]byte, cfg.MTU),
	}
	for i := range t.rxBufs {
		t.rxBufs[i] = make([]byte, cfg.MTU)
	}
	return t, nil
}

func (t *Tran) MTU() int          { return t.mtu }
func (t *Tran) InlineSize() int   { return t.inline }
func (t *Tran) LocalAddr() string { return t.conn.LocalAddr().String() }

func (t *Tran) Resolve(addr string) (transport.Route, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(transport.ErrResolve, "udpgram %q: %s", addr, err)
	}
	var sa unix.Sockaddr
	if ip4 := ua.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: ua.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: ua.Port}
		copy(sa6.Addr[:], ua.IP.To16())
		sa = sa6
	}
	return &route{udp: ua, sa: sa}, nil
}

func (t *Tran) RegisterRegion(mem []byte) (transport.RegionKey, error) {
	// The kernel pins pages during sendmsg; no explicit registration.
	return 0, nil
}

func (t *Tran) TxBurst(pkts []transport.TxPacket) (int, error) {
	t.txMtx.Lock()
	defer t.txMtx.Unlock()
	var hdr [wire.HeaderSize]byte
	sent := 0
	for i := range pkts {
		p := &pkts[i]
		r, ok := p.Route.(*route)
		if !ok {
			return sent, errors.Errorf("udpgram: foreign route %T", p.Route)
		}
		p.Hdr.Marshal(hdr[:])
		var err error
		if len(p.Payload) <= t.inline {
			// inline path: single linear buffer
			n := copy(t.txInl, hdr[:])
			n += copy(t.txInl[n:], p.Payload)
			_, err = t.conn.WriteToUDP(t.txInl[:n], r.udp)
		} else {
			err = t.sendVectored(hdr[:], p.Payload, r.sa)
		}
		if err != nil {
			// Datagram sockets drop on overrun; the RTO machinery
			// recovers. Only hard socket errors abort the burst.
			if isTransient(err) {
				sent++
				continue
			}
			return sent, errors.Wrap(err, "udpgram tx")
		}
		sent++
	}
	t.pending += sent
	return sent, nil
}

func (t *Tran) sendVectored(hdr, payload []byte, sa unix.Sockaddr) error {
	rc, err := t.conn.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	err = rc.Write(func(fd uintptr) bool {
		_, sendErr = unix.SendmsgBuffers(int(fd), [][]byte{hdr, payload}, nil, sa, 0)
		if sendErr == unix.EAGAIN || sendErr == unix.EWOULDBLOCK {
			return false // wait for writability
		}
		return true
	})
	if err != nil {
		return err
	}
	return sendErr
}

func isTransient(err error) bool {
	ne, ok := errors.Cause(err).(net.Error)
	return ok && ne.Temporary()
}

func (t *Tran) RxBurst(pkts []transport.RxPacket) (int, error) {
	// Non-blocking drain: recvfrom with MSG_DONTWAIT reports EAGAIN once
	// the socket's receive queue is empty.
	rc, err := t.conn.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "udpgram rx")
	}
	max := len(pkts)
	if max > len(t.rxBufs) {
		max = len(t.rxBufs)
	}
	got := 0
	for got < max {
		buf := t.rxBufs[got]
		var n int
		var rerr error
		if err := rc.Read(func(fd uintptr) bool {
			n, _, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
			return true // never wait for readability
		}); err != nil {
			return got, errors.Wrap(err, "udpgram rx")
		}
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			break
		}
		if rerr != nil {
			return got, errors.Wrap(rerr, "udpgram rx")
		}
		if n < wire.HeaderSize {
			continue // runt, drop
		}
		var hdr wire.PktHeader
		hdr.Unmarshal(buf[:wire.HeaderSize])
		if hdr.Magic != wire.Magic {
			continue
		}
		if int(hdr.PayloadLen) != n-wire.HeaderSize {
			continue // truncated on the wire, drop
		}
		pkts[got].Hdr = hdr
		pkts[got].Payload = buf[wire.HeaderSize:n]
		got++
	}
	return got, nil
}

func (t *Tran) ReclaimTxCompletions() int {
	// UDP sends complete when the kernel accepts the datagram, which is
	// synchronous with TxBurst.
	t.txMtx.Lock()
	defer t.txMtx.Unlock()
	n := t.pending
	t.pending = 0
	return n
}

func (t *Tran) Close() error {
	return t.conn.Close()
}
