package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRingFIFO(t *testing.T) {
	r := newHandleRing(4)
	h1, h2 := &ReqHandle{seq: 1}, &ReqHandle{seq: 2}
	require.True(t, r.push(h1))
	require.True(t, r.push(h2))
	assert.Same(t, h1, r.pop())
	assert.Same(t, h2, r.pop())
	assert.Nil(t, r.pop())
}

func TestHandleRingFullAndWrap(t *testing.T) {
	r := newHandleRing(2)
	require.True(t, r.push(&ReqHandle{seq: 1}))
	require.True(t, r.push(&ReqHandle{seq: 2}))
	assert.False(t, r.push(&ReqHandle{seq: 3}))

	assert.Equal(t, uint32(1), r.pop().seq)
	require.True(t, r.push(&ReqHandle{seq: 3}))
	assert.Equal(t, uint32(2), r.pop().seq)
	assert.Equal(t, uint32(3), r.pop().seq)
}

func TestHandleRingRejectsBadCapacity(t *testing.T) {
	assert.Panics(t, func() { newHandleRing(3) })
	assert.Panics(t, func() { newHandleRing(0) })
}

func TestHandleRingCrossGoroutine(t *testing.T) {
	r := newHandleRing(64)
	const n = 10000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			for !r.push(&ReqHandle{seq: uint32(i)}) {
			}
		}
	}()
	var got uint32
	for got < n {
		h := r.pop()
		if h == nil {
			continue
		}
		require.Equal(t, got, h.seq, "SPSC ordering violated")
		got++
	}
	<-done
}

func TestTimerWheelFiresAfterDelay(t *testing.T) {
	base := timeNow()
	w := newTimerWheel(1e6, base) // 1ms tick

	var fired []uint32
	w.add(3e6, wheelEntry{seq: 1})
	w.add(10e6, wheelEntry{seq: 2})

	w.advance(base.Add(2e6), func(e wheelEntry) { fired = append(fired, e.seq) })
	assert.Empty(t, fired)

	w.advance(base.Add(5e6), func(e wheelEntry) { fired = append(fired, e.seq) })
	assert.Equal(t, []uint32{1}, fired)

	w.advance(base.Add(12e6), func(e wheelEntry) { fired = append(fired, e.seq) })
	assert.Equal(t, []uint32{1, 2}, fired)
}

func TestTimerWheelLongDelayRounds(t *testing.T) {
	base := timeNow()
	w := newTimerWheel(1e6, base)

	// Beyond one wheel revolution (64 ticks).
	var fired int
	w.add(100e6, wheelEntry{seq: 9})
	for i := 1; i <= 99; i++ {
		w.advance(base.Add(time.Duration(i)*1e6), func(wheelEntry) { fired++ })
	}
	assert.Equal(t, 0, fired)
	for i := 100; i <= 140; i++ {
		w.advance(base.Add(time.Duration(i)*1e6), func(wheelEntry) { fired++ })
	}
	assert.Equal(t, 1, fired)
}
