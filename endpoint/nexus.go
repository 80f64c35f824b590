package endpoint

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/logger"
	"github.com/talonrpc/talonrpc/sm"
)

const smInboxDepth = 64

// reqHandlerReg is one entry in the Nexus request-handler table.
type reqHandlerReg struct {
	fn         ReqFunc
	background bool
}

// ReqFuncOpt modifies a handler registration.
type ReqFuncOpt func(*reqHandlerReg)

// Background dispatches the handler to the endpoint's background worker
// pool instead of running it inline on the datapath goroutine.
func Background() ReqFuncOpt {
	return func(r *reqHandlerReg) { r.background = true }
}

// Nexus is the process-global registry shared by all endpoints: it owns
// the management listener, the request-handler table, and the
// per-endpoint SM inboxes. It is the only object in this package that
// may be touched from multiple goroutines.
type Nexus struct {
	uri  string
	conn *net.UDPConn
	log  logger.Logger

	mtx       sync.Mutex
	endpoints map[uint8]chan *sm.Msg

	handlersMtx sync.Mutex
	handlers    [256]*reqHandlerReg
	frozen      int32 // set once any endpoint runs its event loop

	stop chan struct{}
	wg   sync.WaitGroup
}

// NexusOpt modifies Nexus construction.
type NexusOpt func(*Nexus)

func WithLogger(log logger.Logger) NexusOpt {
	return func(n *Nexus) { n.log = log }
}

// NewNexus binds the management listener on uri ("host:port") and
// starts the SM listener goroutine.
func NewNexus(uri string, opts ...NexusOpt) (*Nexus, error) {
	laddr, err := net.ResolveUDPAddr("udp", uri)
	if err != nil {
		return nil, errors.Wrapf(ErrBadURI, "nexus listen uri %q: %s", uri, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "bind management listener")
	}
	n := &Nexus{
		uri:       conn.LocalAddr().String(),
		conn:      conn,
		log:       logger.NewNullLogger(),
		endpoints: make(map[uint8]chan *sm.Msg),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.wg.Add(1)
	go n.listen()
	return n, nil
}

// URI returns the management listener address other processes connect
// to.
func (n *Nexus) URI() string { return n.uri }

// RegisterReqFunc installs the handler for reqType. Registration must
// complete before any endpoint runs an event loop; afterwards the table
// is read-only and the hot path reads it without locks.
func (n *Nexus) RegisterReqFunc(reqType uint8, fn ReqFunc, opts ...ReqFuncOpt) error {
	if fn == nil {
		return errors.New("nil request handler")
	}
	if atomic.LoadInt32(&n.frozen) != 0 {
		return errors.New("handler registration after an event loop has run")
	}
	reg := &reqHandlerReg{fn: fn}
	for _, opt := range opts {
		opt(reg)
	}
	n.handlersMtx.Lock()
	defer n.handlersMtx.Unlock()
	if n.handlers[reqType] != nil {
		return errors.Errorf("request type %d already registered", reqType)
	}
	n.handlers[reqType] = reg
	return nil
}

func (n *Nexus) freeze() {
	atomic.StoreInt32(&n.frozen, 1)
}

func (n *Nexus) handler(reqType uint8) *reqHandlerReg {
	// No lock: the table is frozen before the first event loop runs.
	return n.handlers[reqType]
}

func (n *Nexus) registerEndpoint(id uint8, inbox chan *sm.Msg) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return errors.Errorf("endpoint id %d already registered", id)
	}
	n.endpoints[id] = inbox
	return nil
}

func (n *Nexus) deregisterEndpoint(id uint8) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.endpoints, id)
}

func (n *Nexus) inbox(id uint8) chan *sm.Msg {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.endpoints[id]
}

// send delivers an SM message to dstURI. Messages to this process
// short-circuit the socket.
func (n *Nexus) send(dstURI string, m *sm.Msg) error {
	if dstURI == n.uri {
		n.deliver(m)
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp", dstURI)
	if err != nil {
		return errors.Wrapf(ErrBadURI, "sm destination %q: %s", dstURI, err)
	}
	buf, err := sm.Marshal(m)
	if err != nil {
		return err
	}
	_, err = n.conn.WriteToUDP(buf, raddr)
	return errors.Wrap(err, "sm send")
}

func (n *Nexus) deliver(m *sm.Msg) {
	inbox := n.inbox(m.DstEndpointID)
	if inbox == nil {
		if m.Type.IsReq() {
			nack := m.Response(n.uri, sm.ErrInvalidRemoteEndpoint)
			if err := n.send(m.SenderURI, nack); err != nil {
				n.log.WithError(err).Warn("cannot nack sm request for unknown endpoint")
			}
		} else {
			n.log.WithField("dst", m.DstEndpointID).Debug("dropping sm response for unknown endpoint")
		}
		return
	}
	select {
	case inbox <- m:
	default:
		// Inbox full. Requests are retried by the sender; dropping
		// here is safe.
		n.log.WithField("dst", m.DstEndpointID).Warn("sm inbox full, dropping message")
	}
}

func (n *Nexus) listen() {
	defer n.wg.Done()
	buf := make([]byte, 64<<10)
	for {
		nb, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			n.log.WithError(err).Warn("management listener read error")
			continue
		}
		m, err := sm.Unmarshal(buf[:nb])
		if err != nil {
			n.log.WithError(err).Debug("dropping malformed sm datagram")
			continue
		}
		n.deliver(m)
	}
}

// Close shuts down the management listener. All endpoints must have
// been closed first.
func (n *Nexus) Close() error {
	n.mtx.Lock()
	remaining := len(n.endpoints)
	n.mtx.Unlock()
	if remaining > 0 {
		return errors.Errorf("%d endpoints still registered", remaining)
	}
	close(n.stop)
	err := n.conn.Close()
	n.wg.Wait()
	return errors.Wrap(err, "close management listener")
}
