package bufpool

import (
	"github.com/pkg/errors"

	"github.com/talonrpc/talonrpc/wire"
)

var (
	// ErrPoolExhausted is returned by AllocMsg when no registered buffer
	// is available.
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	// ErrMsgTooLarge is returned by AllocMsg when size exceeds the
	// largest pool class.
	ErrMsgTooLarge = errors.New("message larger than maximum pool class")
	// ErrResizeGrow is returned by Resize when growing beyond the
	// original allocation.
	ErrResizeGrow = errors.New("message buffers can only be resized downwards")
)

// MsgBuffer is a request or response payload container. It reserves
// wire.HeaderSize bytes of headroom in front of the payload so the first
// packet of a message can be transmitted as a single contiguous region.
//
// Ownership: the user owns a MsgBuffer between Alloc and EnqueueRequest /
// EnqueueResponse. Client request and response buffers return to the user
// when the continuation runs; a server response buffer does not return:
// the endpoint frees it when the server slot retires.
type MsgBuffer struct {
	buf     Buffer
	maxSize int
	size    int
}

// AllocMsg allocates a message buffer with a payload capacity of size
// bytes.
func (p *Pool) AllocMsg(size int) (*MsgBuffer, error) {
	if size < 0 {
		return nil, errors.Errorf("negative message size %d", size)
	}
	total := uint(size) + wire.HeaderSize
	if fittingShift(total) > p.maxShift {
		return nil, ErrMsgTooLarge
	}
	buf := p.Get(total)
	if !buf.Valid() {
		return nil, ErrPoolExhausted
	}
	return &MsgBuffer{buf: buf, maxSize: size, size: size}, nil
}

// FreeMsg returns the message buffer to the pool.
func (p *Pool) FreeMsg(m *MsgBuffer) {
	if m == nil {
		return
	}
	m.buf.Free()
	m.size = 0
	m.maxSize = 0
}

// Payload returns the current payload region.
func (m *MsgBuffer) Payload() []byte {
	full := m.buf.Bytes()
	return full[wire.HeaderSize : wire.HeaderSize+m.size]
}

// PayloadCap returns the full payload capacity region, independent of
// the current Resize state. Reassembly writes through this view before
// the final size is known.
func (m *MsgBuffer) PayloadCap() []byte {
	full := m.buf.Bytes()
	return full[wire.HeaderSize : wire.HeaderSize+m.maxSize]
}

// HdrRoom returns the packet-header headroom preceding the payload.
func (m *MsgBuffer) HdrRoom() []byte {
	return m.buf.Bytes()[:wire.HeaderSize]
}

// Size returns the current payload size.
func (m *MsgBuffer) Size() int { return m.size }

// MaxSize returns the payload capacity at allocation time.
func (m *MsgBuffer) MaxSize() int { return m.maxSize }

// Resize shrinks (or re-grows up to the original allocation) the visible
// payload.
func (m *MsgBuffer) Resize(size int) error {
	if size < 0 || size > m.maxSize {
		return ErrResizeGrow
	}
	m.size = size
	return nil
}

// NumPkts returns the number of MTU-sized packets needed to carry the
// payload, given the per-packet data capacity.
func (m *MsgBuffer) NumPkts(maxData int) int {
	if m.size == 0 {
		return 1
	}
	return (m.size + maxData - 1) / maxData
}
