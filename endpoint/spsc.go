package endpoint

import "sync/atomic"

// handleRing is a bounded wait-free single-producer/single-consumer
// queue of request handles. One side is always the endpoint goroutine,
// the other a background worker; no locks are involved on either path.
type handleRing struct {
	buf  []*ReqHandle
	mask uint64
	head uint64 // consumer position, atomically published
	tail uint64 // producer position, atomically published
}

func newHandleRing(capacity int) *handleRing {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("handleRing capacity must be a positive power of two")
	}
	return &handleRing{
		buf:  make([]*ReqHandle, capacity),
		mask: uint64(capacity - 1),
	}
}

// push appends h. Producer side only. Returns false when full.
func (r *handleRing) push(h *ReqHandle) bool {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head)
	if tail-head == uint64(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = h
	atomic.StoreUint64(&r.tail, tail+1)
	return true
}

// pop removes the oldest handle. Consumer side only. Returns nil when
// empty.
func (r *handleRing) pop() *ReqHandle {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if head == tail {
		return nil
	}
	h := r.buf[head&r.mask]
	r.buf[head&r.mask] = nil
	atomic.StoreUint64(&r.head, head+1)
	return h
}
