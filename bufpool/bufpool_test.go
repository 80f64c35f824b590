package bufpool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonrpc/talonrpc/wire"
)

func TestPoolAllocBehavior(t *testing.T) {

	type testcase struct {
		poolMinShift, poolMaxShift uint
		behavior                   NoFitBehavior
		get                        uint
		expShiftBufLen             int64 // -1 if panic expected
	}

	tcs := []testcase{
		{
			15, 20, Allocate,
			1 << 14, 1 << 14,
		},
		{
			15, 20, Allocate,
			1 << 22, 1 << 22,
		},
		{
			15, 20, Panic,
			1 << 16, 1 << 16,
		},
		{
			15, 20, Panic,
			1 << 14, -1,
		},
		{
			15, 20, Panic,
			1 << 22, -1,
		},
		{
			15, 20, Panic,
			(1 << 15) + 23, 1 << 16,
		},
		{
			15, 20, Panic,
			0, -1, // 0 maps to shift 0, below the pool range
		},
		{
			15, 20, Allocate,
			0, 0,
		},
		{
			15, 20, AllocateSmaller,
			1 << 14, 1 << 14,
		},
		{
			15, 20, AllocateSmaller,
			1 << 22, -1,
		},
	}

	for i := range tcs {
		tc := tcs[i]
		t.Run(fmt.Sprintf("[%d,%d] behav=%s Get(%d) exp=%d", tc.poolMinShift, tc.poolMaxShift, tc.behavior, tc.get, tc.expShiftBufLen), func(t *testing.T) {
			pool := New(tc.poolMinShift, tc.poolMaxShift, 0, tc.behavior)
			if tc.expShiftBufLen == -1 {
				assert.Panics(t, func() {
					pool.Get(tc.get)
				})
				return
			}
			buf := pool.Get(tc.get)
			assert.True(t, uint(len(buf.Bytes())) == tc.get)
			assert.True(t, int64(len(buf.shiftBuf)) == tc.expShiftBufLen)
		})
	}
}

func TestFittingShift(t *testing.T) {
	assert.Equal(t, uint(16), fittingShift(1+1<<15))
	assert.Equal(t, uint(15), fittingShift(1<<15))
}

func TestFreeFromPoolRangeDoesNotPanic(t *testing.T) {
	pool := New(15, 20, 0, Allocate)
	buf := pool.Get(1 << 16)
	assert.NotPanics(t, func() {
		buf.Free()
	})
}

func TestFreeFromOutOfPoolRangeDoesNotPanic(t *testing.T) {
	pool := New(15, 20, 0, Allocate)
	buf := pool.Get(1 << 23)
	assert.NotPanics(t, func() {
		buf.Free()
	})
}

func TestBoundedPoolExhaustsThenRecycles(t *testing.T) {
	pool := New(10, 12, 2, Panic)
	defer func() { _ = pool.Unmap() }()

	a := pool.Get(1 << 10)
	b := pool.Get(1 << 10)
	require.True(t, a.Valid())
	require.True(t, b.Valid())

	c := pool.Get(1 << 10)
	assert.False(t, c.Valid())

	a.Free()
	d := pool.Get(1 << 10)
	assert.True(t, d.Valid())
}

func TestSlabBacksRegisteredRegion(t *testing.T) {
	pool := New(10, 11, 4, Panic)
	defer func() { _ = pool.Unmap() }()
	region := pool.RegisteredRegion()
	require.NotNil(t, region)
	assert.Equal(t, 4<<10+4<<11, len(region))
}

func TestMsgBufferHeadroomAndResize(t *testing.T) {
	pool := New(6, 16, 0, Allocate)
	m, err := pool.AllocMsg(1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, m.Size())
	assert.Equal(t, 1000, m.MaxSize())
	assert.Equal(t, wire.HeaderSize, len(m.HdrRoom()))

	require.NoError(t, m.Resize(10))
	assert.Equal(t, 10, len(m.Payload()))
	require.NoError(t, m.Resize(1000))
	assert.Error(t, m.Resize(1001))
	assert.Error(t, m.Resize(-1))
	pool.FreeMsg(m)
}

func TestMsgBufferTooLarge(t *testing.T) {
	pool := New(6, 12, 0, Allocate)
	_, err := pool.AllocMsg(1 << 13)
	assert.Equal(t, ErrMsgTooLarge, err)
}

func TestMsgBufferNumPkts(t *testing.T) {
	pool := New(6, 16, 0, Allocate)
	m, err := pool.AllocMsg(4096)
	require.NoError(t, err)
	assert.Equal(t, 4, m.NumPkts(1024))
	require.NoError(t, m.Resize(0))
	assert.Equal(t, 1, m.NumPkts(1024))
	require.NoError(t, m.Resize(1025))
	assert.Equal(t, 2, m.NumPkts(1024))
}
