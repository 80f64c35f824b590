package endpoint

import (
	"time"

	"github.com/talonrpc/talonrpc/bufpool"
	"github.com/talonrpc/talonrpc/sm"
	"github.com/talonrpc/talonrpc/transport"
)

type SessionState int

const (
	StateConnectInProgress SessionState = iota + 1
	StateConnected
	StateDisconnectInProgress
	StateResetInProgress
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateConnectInProgress:
		return "connect-in-progress"
	case StateConnected:
		return "connected"
	case StateDisconnectInProgress:
		return "disconnect-in-progress"
	case StateResetInProgress:
		return "reset-in-progress"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// pendingSM tracks the single in-flight SM exchange of a session.
type pendingSM struct {
	msg      *sm.Msg
	deadline time.Time
	tries    int
}

// session is one side of a connected endpoint pair. Sessions hold their
// own table index, never a pointer back to the endpoint.
type session struct {
	localNum uint16
	isClient bool
	state    SessionState

	remoteURI        string
	remoteEndpointID uint8
	remoteSessNum    uint16
	remoteDataAddr   string
	route            transport.Route

	window  int
	credits int
	seqNext uint32
	slots   []sslot

	pending      *pendingSM
	connectTries int
}

func (s *session) isConnected() bool { return s.state == StateConnected }

// freeSlots returns the number of idle exchange slots.
func (s *session) freeSlots() int {
	n := 0
	for i := range s.slots {
		if !s.slots[i].busy {
			n++
		}
	}
	return n
}

func (s *session) slotForSeq(seq uint32) *sslot {
	return &s.slots[int(seq)%s.window]
}

// sslot is a per-session exchange slot. At most one exchange occupies a
// slot at a time; the slot for sequence number q is q mod window, so
// both sides agree on slot placement without negotiation.
type sslot struct {
	busy    bool
	seq     uint32
	reqType uint8

	// client side
	req          *bufpool.MsgBuffer
	resp         *bufpool.MsgBuffer
	cont         ContFunc
	tag          uint64
	reqPktsTotal int
	txNext       int
	respRxNext   int
	respPktsTotal int
	lastTxTime   time.Time
	retransmits  int

	// server side
	srvReq           *bufpool.MsgBuffer
	srvReqRxNext     int
	srvReqPktsTotal  int
	srvResp          *bufpool.MsgBuffer
	srvRespTxNext    int
	srvRespPktsTotal int
	handle           *ReqHandle
	responded        bool
	handlerRunning   bool
}

func (sl *sslot) reset() {
	*sl = sslot{}
}
