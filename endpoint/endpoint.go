// Package endpoint implements the talon RPC engine: a per-goroutine
// endpoint that owns sessions, drives a transport's packet rings,
// multiplexes request/response exchanges onto per-session windows, and
// invokes user callbacks from its event loop.
//
// An Endpoint is strictly owned by the goroutine that created it. All
// datapath operations must run on that goroutine; the only exceptions
// are EnqueueResponse from a background handler (routed through the
// worker's SPSC ring) and the Nexus SM listener (routed through the
// endpoint's inbox).
package endpoint

import (
	"net"

	"github.com/petermattis/goid"
	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/bufpool"
	"github.com/talonrpc/talonrpc/logger"
	"github.com/talonrpc/talonrpc/sm"
	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/wire"
)

const rxBurstSize = 32

type contEntry struct {
	h    *RespHandle
	cont ContFunc
	tag  uint64
}

// Endpoint is the per-goroutine RPC engine.
type Endpoint struct {
	id    uint8
	nexus *Nexus
	tran  transport.Transport
	pool  *bufpool.Pool
	cfg   Config
	log   logger.Logger

	ownerGoid int64
	inUserCb  bool // reentrancy flag: inside handler or continuation
	closed    bool

	maxData  int
	sessions []*session
	inbox    chan *sm.Msg
	dupCache *sm.DupCache

	txBatch   []transport.TxPacket
	rxPkts    []transport.RxPacket
	contQ     []contEntry
	respBatch []*ReqHandle

	wheel      *timerWheel
	routeCache map[string]transport.Route

	workers []*bgWorker
	bgRR    int

	faults faultState
}

// NewEndpoint constructs an endpoint bound to nexus. Must be called on
// the goroutine that will run the event loop.
func NewEndpoint(nexus *Nexus, cfg Config) (*Endpoint, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxData := transport.MaxData(cfg.Transport)
	maxShift := fittingShiftFor(cfg.MaxMsgSize + wire.HeaderSize)
	pool := bufpool.New(7, maxShift, cfg.PoolChunksPerClass, bufpool.Allocate)
	if region := pool.RegisteredRegion(); region != nil {
		if _, err := cfg.Transport.RegisterRegion(region); err != nil {
			return nil, errors.Wrap(err, "register buffer pool region")
		}
	}

	e := &Endpoint{
		id:         cfg.ID,
		nexus:      nexus,
		tran:       cfg.Transport,
		pool:       pool,
		cfg:        cfg,
		log:        cfg.Log.WithField("endpoint_id", cfg.ID),
		ownerGoid:  goid.Get(),
		maxData:    maxData,
		sessions:   make([]*session, 0, 8),
		inbox:      make(chan *sm.Msg, smInboxDepth),
		dupCache:   sm.NewDupCache(256),
		rxPkts:     make([]transport.RxPacket, rxBurstSize),
		wheel:      newTimerWheel(cfg.RetransmitTimeout/4, timeNow()),
		routeCache: make(map[string]transport.Route),
	}
	if err := nexus.registerEndpoint(cfg.ID, e.inbox); err != nil {
		return nil, err
	}
	e.startWorkers(cfg.NumBgWorkers)
	e.log.WithField("data_addr", cfg.Transport.LocalAddr()).Info("endpoint created")
	return e, nil
}

func fittingShiftFor(size int) uint {
	shift := uint(7)
	for (1 << shift) < size {
		shift++
	}
	return shift
}

// ID returns the endpoint identifier.
func (e *Endpoint) ID() uint8 { return e.id }

// DataAddr returns the transport address remote endpoints send packets
// to.
func (e *Endpoint) DataAddr() string { return e.tran.LocalAddr() }

func (e *Endpoint) inCreator() bool {
	return goid.Get() == e.ownerGoid
}

// assertOwner aborts on datapath calls from foreign goroutines. The
// check is skipped unless DatapathChecks is set.
func (e *Endpoint) assertOwner(op string) {
	if e.cfg.DatapathChecks && !e.inCreator() {
		panic("endpoint: " + op + " called from a goroutine other than the endpoint's creator")
	}
}

// --- message buffer API ---

// AllocMsgBuffer allocates a message buffer from the endpoint's
// registered pool.
func (e *Endpoint) AllocMsgBuffer(size int) (*bufpool.MsgBuffer, error) {
	if size > e.cfg.MaxMsgSize {
		return nil, ErrMsgTooLarge
	}
	return e.pool.AllocMsg(size)
}

// FreeMsgBuffer returns a buffer to the pool. The buffer must not be
// part of an in-flight exchange.
func (e *Endpoint) FreeMsgBuffer(m *bufpool.MsgBuffer) {
	e.pool.FreeMsg(m)
}

// ResizeMsgBuffer shrinks (or re-grows up to the original allocation)
// the buffer's payload.
func (e *Endpoint) ResizeMsgBuffer(m *bufpool.MsgBuffer, size int) error {
	return m.Resize(size)
}

// --- session API ---

// CreateSession initiates a client session to the endpoint remoteID at
// the management URI remoteURI. Returns the local session number. The
// session becomes usable when the SM handler observes SMEventConnected.
func (e *Endpoint) CreateSession(remoteURI string, remoteID uint8) (int, error) {
	if !e.inCreator() || e.inUserCb {
		return -1, ErrForbiddenContext
	}
	if e.closed {
		return -1, ErrEndpointClosed
	}
	if _, _, err := net.SplitHostPort(remoteURI); err != nil {
		return -1, errors.Wrapf(ErrBadURI, "%q", remoteURI)
	}

	num := -1
	for i := range e.sessions {
		if e.sessions[i] == nil {
			num = i
			break
		}
	}
	if num == -1 {
		if len(e.sessions) >= e.cfg.MaxSessions {
			return -1, ErrOutOfSessions
		}
		e.sessions = append(e.sessions, nil)
		num = len(e.sessions) - 1
	}

	s := &session{
		localNum:         uint16(num),
		isClient:         true,
		state:            StateConnectInProgress,
		remoteURI:        remoteURI,
		remoteEndpointID: remoteID,
		remoteSessNum:    sm.NoSession(),
		window:           e.cfg.WindowSize,
		slots:            make([]sslot, e.cfg.WindowSize),
	}
	e.sessions[num] = s

	req := sm.NewReq(sm.Msg{
		Type:             sm.ConnectReq,
		SenderURI:        e.nexus.URI(),
		SenderEndpointID: e.id,
		DstEndpointID:    remoteID,
		ClientSessNum:    s.localNum,
		ServerSessNum:    sm.NoSession(),
		WindowSize:       e.cfg.WindowSize,
		DataAddr:         e.tran.LocalAddr(),
	})
	e.sendSMReq(s, req)
	e.log.WithField("session", num).WithField("remote", remoteURI).Debug("connect initiated")
	return num, nil
}

// DestroySession initiates teardown of a client session. In-flight
// exchanges complete with empty responses once the disconnect handshake
// (or its retry budget) finishes.
func (e *Endpoint) DestroySession(sessNum int) error {
	if !e.inCreator() || e.inUserCb {
		return ErrForbiddenContext
	}
	s := e.sessionByNum(sessNum)
	if s == nil || !s.isClient {
		return ErrInvalidSessionNum
	}
	switch s.state {
	case StateError:
		e.abortInFlight(s)
		e.freeSession(s)
		return nil
	case StateConnected:
		s.state = StateDisconnectInProgress
		req := sm.NewReq(sm.Msg{
			Type:             sm.DisconnectReq,
			SenderURI:        e.nexus.URI(),
			SenderEndpointID: e.id,
			DstEndpointID:    s.remoteEndpointID,
			ClientSessNum:    s.localNum,
			ServerSessNum:    s.remoteSessNum,
		})
		e.sendSMReq(s, req)
		return nil
	default:
		return ErrSessionNotConnected
	}
}

// IsConnected reports whether the session is in the connected state.
func (e *Endpoint) IsConnected(sessNum int) bool {
	s := e.sessionByNum(sessNum)
	return s != nil && s.isConnected()
}

// WindowFreeSlots returns the number of idle exchange slots on the
// session.
func (e *Endpoint) WindowFreeSlots(sessNum int) int {
	s := e.sessionByNum(sessNum)
	if s == nil {
		return 0
	}
	return s.freeSlots()
}

func (e *Endpoint) sessionByNum(num int) *session {
	if num < 0 || num >= len(e.sessions) {
		return nil
	}
	return e.sessions[num]
}

func (e *Endpoint) freeSession(s *session) {
	e.sessions[s.localNum] = nil
}

// abortInFlight completes every busy client slot with an empty response.
func (e *Endpoint) abortInFlight(s *session) {
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.busy || sl.cont == nil {
			continue
		}
		e.completeExchange(s, sl, true)
	}
}

// resolveRoute resolves a datapath address, with a per-endpoint cache.
// The resolve-server-rinfo fault forces the slow path once.
func (e *Endpoint) resolveRoute(addr string) (transport.Route, error) {
	if e.faults.resolveServerRinfo {
		e.faults.resolveServerRinfo = false
		delete(e.routeCache, addr)
	}
	if r, ok := e.routeCache[addr]; ok {
		return r, nil
	}
	r, err := e.tran.Resolve(addr)
	if err != nil {
		return nil, err
	}
	e.routeCache[addr] = r
	return r, nil
}

// Close tears down the endpoint: all sessions are dropped, background
// workers stopped, and the transport closed. Must be called on the
// creator goroutine; calling from a request handler or continuation is
// fatal.
func (e *Endpoint) Close() error {
	if e.inUserCb {
		panic("endpoint: Close called from within a request handler or continuation")
	}
	if !e.inCreator() {
		panic("endpoint: Close called from a goroutine other than the endpoint's creator")
	}
	if e.closed {
		return nil
	}
	e.closed = true

	// Best-effort disconnects for connected client sessions; peers
	// also recover via their own timeouts.
	for _, s := range e.sessions {
		if s == nil || !s.isClient || s.state != StateConnected {
			continue
		}
		m := sm.NewReq(sm.Msg{
			Type:             sm.DisconnectReq,
			SenderURI:        e.nexus.URI(),
			SenderEndpointID: e.id,
			DstEndpointID:    s.remoteEndpointID,
			ClientSessNum:    s.localNum,
			ServerSessNum:    s.remoteSessNum,
		})
		if err := e.nexus.send(s.remoteURI, m); err != nil {
			e.log.WithError(err).Debug("best-effort disconnect failed")
		}
	}
	for i := range e.sessions {
		e.sessions[i] = nil
	}

	e.stopWorkers()
	e.nexus.deregisterEndpoint(e.id)
	err := e.tran.Close()
	if uerr := e.pool.Unmap(); err == nil {
		err = uerr
	}
	e.log.Info("endpoint closed")
	return err
}
