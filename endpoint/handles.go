package endpoint

import (
	"sync/atomic"

	"github.com/talonrpc/talonrpc/bufpool"
)

// ContFunc is the client continuation invoked when an exchange
// completes. It runs on the endpoint's goroutine and must not block.
// A zero-length response payload signals that the endpoint could not
// complete the exchange.
type ContFunc func(h *RespHandle, userCtx interface{}, tag uint64)

// ReqFunc is a user-registered request handler.
type ReqFunc func(h *ReqHandle, userCtx interface{})

// RespHandle gives a continuation access to the response of a completed
// exchange. The handle is valid until the continuation returns; the
// response buffer ownership reverts to the user at that point.
type RespHandle struct {
	e        *Endpoint
	sessNum  uint16
	slotIdx  int
	seq      uint32
	resp     *bufpool.MsgBuffer
	released bool
}

// Resp returns the response buffer. A zero Size means failure.
func (h *RespHandle) Resp() *bufpool.MsgBuffer { return h.resp }

// Endpoint returns the endpoint that completed the exchange.
func (h *RespHandle) Endpoint() *Endpoint { return h.e }

// ReqHandle represents one received request. It is handed to the
// registered handler; the handler must call EnqueueResponse exactly once.
type ReqHandle struct {
	e       *Endpoint
	sessNum uint16
	slotIdx int
	seq     uint32
	reqType uint8

	req *bufpool.MsgBuffer

	// PreResp is a preallocated response buffer sized for a single
	// packet. Handlers producing small responses resize it and set
	// PreRespUsed instead of allocating.
	PreResp     *bufpool.MsgBuffer
	PreRespUsed bool

	// DynResp is the handler-allocated response buffer when PreResp is
	// not used. Freed by the endpoint after the response retires.
	DynResp *bufpool.MsgBuffer

	fn        ReqFunc
	worker    *bgWorker
	responded int32
}

// Endpoint returns the endpoint that received the request. Handlers
// use it to enqueue their response.
func (h *ReqHandle) Endpoint() *Endpoint { return h.e }

// ReqType returns the request type the sender stamped.
func (h *ReqHandle) ReqType() uint8 { return h.reqType }

// Req returns the reassembled request buffer. It is valid until
// EnqueueResponse is called.
func (h *ReqHandle) Req() *bufpool.MsgBuffer { return h.req }

func (h *ReqHandle) respBuf() *bufpool.MsgBuffer {
	if h.PreRespUsed {
		return h.PreResp
	}
	return h.DynResp
}

func (h *ReqHandle) markResponded() {
	if !atomic.CompareAndSwapInt32(&h.responded, 0, 1) {
		panic("endpoint: EnqueueResponse called more than once for a request handle")
	}
}
