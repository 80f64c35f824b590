package endpoint_test

import (
	"testing"
	"time"

	"github.com/petermattis/goid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonrpc/talonrpc/endpoint"
)

func TestBackgroundHandlerEcho(t *testing.T) {
	var handlerGoid int64
	register := func(n *endpoint.Nexus) error {
		return n.RegisterReqFunc(reqTypeBgEcho, func(h *endpoint.ReqHandle, _ interface{}) {
			handlerGoid = goid.Get()
			req := h.Req().Payload()
			require.NoError(t, h.PreResp.Resize(len(req)))
			copy(h.PreResp.Payload(), req)
			h.PreRespUsed = true
			h.Endpoint().EnqueueResponse(h)
		}, endpoint.Background())
	}
	p := newPair(t, pairOpts{
		register:  register,
		serverCfg: func(c *endpoint.Config) { c.NumBgWorkers = 2 },
	})
	sn := p.connect(t)

	req, err := p.client.AllocMsgBuffer(32)
	require.NoError(t, err)
	copy(req.Payload(), "background echo payload!")
	resp, err := p.client.AllocMsgBuffer(32)
	require.NoError(t, err)

	done := false
	cont := func(h *endpoint.RespHandle, _ interface{}, _ uint64) {
		done = true
		assert.Equal(t, req.Payload(), h.Resp().Payload())
	}
	require.NoError(t, p.client.EnqueueRequest(sn, reqTypeBgEcho, req, resp, cont, 0))
	p.pumpUntil(t, 2*time.Second, func() bool { return done })

	// The handler ran off the datapath goroutine.
	assert.NotZero(t, handlerGoid)
	assert.NotEqual(t, goid.Get(), handlerGoid)
}

func TestBackgroundHandlersPipelined(t *testing.T) {
	register := func(n *endpoint.Nexus) error {
		return n.RegisterReqFunc(reqTypeBgEcho, func(h *endpoint.ReqHandle, _ interface{}) {
			time.Sleep(time.Millisecond) // long handler off the datapath
			require.NoError(t, h.PreResp.Resize(h.Req().Size()))
			copy(h.PreResp.Payload(), h.Req().Payload())
			h.PreRespUsed = true
			h.Endpoint().EnqueueResponse(h)
		}, endpoint.Background())
	}
	p := newPair(t, pairOpts{
		register:  register,
		serverCfg: func(c *endpoint.Config) { c.NumBgWorkers = 1; c.WindowSize = 4 },
		clientCfg: func(c *endpoint.Config) {
			c.WindowSize = 4
			c.RetransmitTimeout = 100 * time.Millisecond
		},
	})
	sn := p.connect(t)

	const n = 4
	completions := 0
	for i := 0; i < n; i++ {
		req, err := p.client.AllocMsgBuffer(8)
		require.NoError(t, err)
		resp, err := p.client.AllocMsgBuffer(8)
		require.NoError(t, err)
		cont := func(h *endpoint.RespHandle, _ interface{}, _ uint64) { completions++ }
		require.NoError(t, p.client.EnqueueRequest(sn, reqTypeBgEcho, req, resp, cont, uint64(i)))
	}
	p.pumpUntil(t, 5*time.Second, func() bool { return completions == n })
}
