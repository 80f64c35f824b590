package endpoint_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talonrpc/talonrpc/bufpool"
	"github.com/talonrpc/talonrpc/endpoint"
	"github.com/talonrpc/talonrpc/transport/pairtran"
	"github.com/talonrpc/talonrpc/wire"
)

const (
	reqTypeEcho      uint8 = 1
	reqTypeBlackhole uint8 = 2 // never registered, requests vanish
	reqTypeBgEcho    uint8 = 3
)

// testPair is two endpoints (client id 1, server id 2) on one nexus,
// connected through an in-process packet network. Both endpoints are
// created on the test goroutine, so the test may pump both loops.
type testPair struct {
	nexus  *endpoint.Nexus
	net    *pairtran.Network
	client *endpoint.Endpoint
	server *endpoint.Endpoint
	ctran  *pairtran.Tran
	strans *pairtran.Tran
}

type pairOpts struct {
	clientCfg func(*endpoint.Config)
	serverCfg func(*endpoint.Config)
	register  func(n *endpoint.Nexus) error
}

func registerEcho(n *endpoint.Nexus) error {
	return n.RegisterReqFunc(reqTypeEcho, func(h *endpoint.ReqHandle, _ interface{}) {
		req := h.Req().Payload()
		if len(req) <= h.PreResp.MaxSize() {
			if err := h.PreResp.Resize(len(req)); err != nil {
				panic(err)
			}
			copy(h.PreResp.Payload(), req)
			h.PreRespUsed = true
		} else {
			dyn, err := h.Endpoint().AllocMsgBuffer(len(req))
			if err != nil {
				panic(err)
			}
			copy(dyn.Payload(), req)
			h.DynResp = dyn
		}
		h.Endpoint().EnqueueResponse(h)
	})
}

func newPair(t *testing.T, opts pairOpts) *testPair {
	t.Helper()
	nexus, err := endpoint.NewNexus("127.0.0.1:0")
	require.NoError(t, err)

	if opts.register != nil {
		require.NoError(t, opts.register(nexus))
	} else {
		require.NoError(t, registerEcho(nexus))
	}

	network := pairtran.NewNetwork(pairtran.DefaultMTU)
	ctran := network.Endpoint("client")
	strans := network.Endpoint("server")

	ccfg := endpoint.Config{
		ID: 1, Transport: ctran,
		RetransmitTimeout: 2 * time.Millisecond,
		MaxRetransmits:    10,
		SMRetryInterval:   5 * time.Millisecond,
		DatapathChecks:    true,
	}
	scfg := endpoint.Config{
		ID: 2, Transport: strans,
		RetransmitTimeout: 2 * time.Millisecond,
		MaxRetransmits:    10,
		SMRetryInterval:   5 * time.Millisecond,
		DatapathChecks:    true,
	}
	if opts.clientCfg != nil {
		opts.clientCfg(&ccfg)
	}
	if opts.serverCfg != nil {
		opts.serverCfg(&scfg)
	}

	client, err := endpoint.NewEndpoint(nexus, ccfg)
	require.NoError(t, err)
	server, err := endpoint.NewEndpoint(nexus, scfg)
	require.NoError(t, err)

	p := &testPair{nexus: nexus, net: network, client: client, server: server,
		ctran: ctran, strans: strans}
	t.Cleanup(func() {
		// Misuse tests leave an endpoint in a state where Close itself
		// is fatal; keep teardown quiet.
		closeQuietly := func(e *endpoint.Endpoint) {
			defer func() { _ = recover() }()
			_ = e.Close()
		}
		closeQuietly(p.client)
		closeQuietly(p.server)
		_ = p.nexus.Close()
	})
	return p
}

// pumpUntil drives both event loops until cond holds or the deadline
// expires.
func (p *testPair) pumpUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p.client.RunEventLoopOnce()
		p.server.RunEventLoopOnce()
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached before timeout")
}

func (p *testPair) connect(t *testing.T) int {
	t.Helper()
	sn, err := p.client.CreateSession(p.nexus.URI(), p.server.ID())
	require.NoError(t, err)
	p.pumpUntil(t, time.Second, func() bool { return p.client.IsConnected(sn) })
	return sn
}

func TestEchoRoundtrip(t *testing.T) {
	p := newPair(t, pairOpts{})
	sn := p.connect(t)

	req, err := p.client.AllocMsgBuffer(64)
	require.NoError(t, err)
	resp, err := p.client.AllocMsgBuffer(64)
	require.NoError(t, err)
	for i := range req.Payload() {
		req.Payload()[i] = byte(i)
	}

	var done bool
	var gotTag uint64
	var got []byte
	cont := func(h *endpoint.RespHandle, _ interface{}, tag uint64) {
		done = true
		gotTag = tag
		got = append([]byte(nil), h.Resp().Payload()...)
	}
	require.NoError(t, p.client.EnqueueRequest(sn, reqTypeEcho, req, resp, cont, 7))

	p.pumpUntil(t, time.Second, func() bool { return done })
	assert.Equal(t, uint64(7), gotTag)
	require.Len(t, got, 64)
	assert.Equal(t, req.Payload(), got)

	p.client.FreeMsgBuffer(req)
	p.client.FreeMsgBuffer(resp)
}

func TestLargeRequestSingleHandlerInvocation(t *testing.T) {
	const size = 64 << 10

	var handlerCalls int
	register := func(n *endpoint.Nexus) error {
		return n.RegisterReqFunc(reqTypeEcho, func(h *endpoint.ReqHandle, _ interface{}) {
			handlerCalls++
			req := h.Req().Payload()
			if len(req) != size {
				t.Errorf("handler saw %d bytes, want %d", len(req), size)
			}
			// check the concatenated payload survived segmentation
			for i := 0; i < len(req); i += 4097 {
				if req[i] != byte(i) {
					t.Errorf("payload corrupted at offset %d", i)
					break
				}
			}
			require.NoError(t, h.PreResp.Resize(8))
			copy(h.PreResp.Payload(), "complete")
			h.PreRespUsed = true
			h.Endpoint().EnqueueResponse(h)
		})
	}
	p := newPair(t, pairOpts{register: register})
	sn := p.connect(t)

	req, err := p.client.AllocMsgBuffer(size)
	require.NoError(t, err)
	for i := 0; i < size; i++ {
		req.Payload()[i] = byte(i)
	}
	resp, err := p.client.AllocMsgBuffer(64)
	require.NoError(t, err)

	var done bool
	cont := func(h *endpoint.RespHandle, _ interface{}, _ uint64) {
		done = true
		assert.Equal(t, "complete", string(h.Resp().Payload()))
	}
	require.NoError(t, p.client.EnqueueRequest(sn, reqTypeEcho, req, resp, cont, 0))

	p.pumpUntil(t, 2*time.Second, func() bool { return done })
	assert.Equal(t, 1, handlerCalls)
}

func TestCreditBound(t *testing.T) {
	p := newPair(t, pairOpts{
		clientCfg: func(c *endpoint.Config) { c.WindowSize = 2 },
		serverCfg: func(c *endpoint.Config) { c.WindowSize = 2 },
	})
	sn := p.connect(t)

	alloc := func() (*bufpool.MsgBuffer, *bufpool.MsgBuffer) {
		req, err := p.client.AllocMsgBuffer(16)
		require.NoError(t, err)
		resp, err := p.client.AllocMsgBuffer(16)
		require.NoError(t, err)
		return req, resp
	}
	nop := func(*endpoint.RespHandle, interface{}, uint64) {}

	// Blackhole requests never complete, pinning both window slots.
	r1, s1 := alloc()
	r2, s2 := alloc()
	r3, s3 := alloc()
	require.NoError(t, p.client.EnqueueRequest(sn, reqTypeBlackhole, r1, s1, nop, 0))
	require.NoError(t, p.client.EnqueueRequest(sn, reqTypeBlackhole, r2, s2, nop, 0))
	assert.Equal(t, endpoint.ErrNoCredits, p.client.EnqueueRequest(sn, reqTypeBlackhole, r3, s3, nop, 0))
	assert.Equal(t, 0, p.client.WindowFreeSlots(sn))
}

func TestPerSessionFIFOSubmissionOrder(t *testing.T) {
	p := newPair(t, pairOpts{
		clientCfg: func(c *endpoint.Config) {
			c.WindowSize = 4
			// Keep retransmission out of the picture.
			c.RetransmitTimeout = time.Second
		},
	})

	var seqs []uint32
	p.ctran.SetDropFn(func(hdr *wire.PktHeader) bool {
		if hdr.IsReq() {
			seqs = append(seqs, hdr.Seq)
		}
		return false
	})

	sn := p.connect(t)
	nop := func(*endpoint.RespHandle, interface{}, uint64) {}
	for i := 0; i < 3; i++ {
		req, err := p.client.AllocMsgBuffer(8)
		require.NoError(t, err)
		resp, err := p.client.AllocMsgBuffer(8)
		require.NoError(t, err)
		require.NoError(t, p.client.EnqueueRequest(sn, reqTypeEcho, req, resp, nop, uint64(i)))
	}
	p.pumpUntil(t, time.Second, func() bool { return len(seqs) >= 3 })
	for i := 1; i < len(seqs); i++ {
		assert.True(t, seqs[i-1] <= seqs[i], "request packets out of submission order: %v", seqs)
	}
}

func TestSessionNotConnectedAndValidation(t *testing.T) {
	p := newPair(t, pairOpts{})

	req, err := p.client.AllocMsgBuffer(8)
	require.NoError(t, err)
	resp, err := p.client.AllocMsgBuffer(8)
	require.NoError(t, err)
	nop := func(*endpoint.RespHandle, interface{}, uint64) {}

	// Unknown session number.
	assert.Equal(t, endpoint.ErrInvalidSessionNum,
		p.client.EnqueueRequest(42, reqTypeEcho, req, resp, nop, 0))

	// Session exists but the handshake has not completed.
	sn, err := p.client.CreateSession(p.nexus.URI(), p.server.ID())
	require.NoError(t, err)
	assert.Equal(t, endpoint.ErrSessionNotConnected,
		p.client.EnqueueRequest(sn, reqTypeEcho, req, resp, nop, 0))

	// Malformed URI.
	_, err = p.client.CreateSession("no-port", 2)
	assert.Equal(t, endpoint.ErrBadURI, errors.Cause(err))

	// Oversized allocation.
	_, err = p.client.AllocMsgBuffer(128 << 20)
	assert.Equal(t, endpoint.ErrMsgTooLarge, err)
}

func TestConnectToUnknownEndpointFails(t *testing.T) {
	var events []endpoint.SMEvent
	p := newPair(t, pairOpts{
		clientCfg: func(c *endpoint.Config) {
			c.SMHandler = func(sessNum int, ev endpoint.SMEvent) {
				events = append(events, ev)
			}
		},
	})
	sn, err := p.client.CreateSession(p.nexus.URI(), 99)
	require.NoError(t, err)
	p.pumpUntil(t, time.Second, func() bool { return len(events) > 0 })
	assert.Equal(t, endpoint.SMEventConnectFailed, events[0])
	assert.False(t, p.client.IsConnected(sn))
}

func TestOutOfSessions(t *testing.T) {
	p := newPair(t, pairOpts{
		clientCfg: func(c *endpoint.Config) { c.MaxSessions = 1 },
	})
	_, err := p.client.CreateSession(p.nexus.URI(), p.server.ID())
	require.NoError(t, err)
	_, err = p.client.CreateSession(p.nexus.URI(), p.server.ID())
	assert.Equal(t, endpoint.ErrOutOfSessions, err)
}

func TestDestroySessionWhileBusy(t *testing.T) {
	p := newPair(t, pairOpts{
		clientCfg: func(c *endpoint.Config) {
			c.WindowSize = 4
			c.RetransmitTimeout = time.Minute // no RTO interference
		},
	})
	sn := p.connect(t)

	var empties int
	cont := func(h *endpoint.RespHandle, _ interface{}, _ uint64) {
		if h.Resp().Size() == 0 {
			empties++
		}
	}
	for i := 0; i < 3; i++ {
		req, err := p.client.AllocMsgBuffer(8)
		require.NoError(t, err)
		resp, err := p.client.AllocMsgBuffer(8)
		require.NoError(t, err)
		require.NoError(t, p.client.EnqueueRequest(sn, reqTypeBlackhole, req, resp, cont, uint64(i)))
	}

	require.NoError(t, p.client.DestroySession(sn))
	p.pumpUntil(t, time.Second, func() bool { return empties == 3 })
	assert.False(t, p.client.IsConnected(sn))
}

func TestLeaderRedirect(t *testing.T) {
	const reqTypeKV uint8 = 9
	nexus, err := endpoint.NewNexus("127.0.0.1:0")
	require.NoError(t, err)

	// Wrong server answers with a 1-byte redirect marker, the leader
	// echoes the payload.
	require.NoError(t, nexus.RegisterReqFunc(reqTypeKV, func(h *endpoint.ReqHandle, ctx interface{}) {
		leader := ctx.(bool)
		if !leader {
			require.NoError(t, h.PreResp.Resize(1))
			h.PreResp.Payload()[0] = 0xff // redirect
		} else {
			req := h.Req().Payload()
			require.NoError(t, h.PreResp.Resize(len(req)))
			copy(h.PreResp.Payload(), req)
		}
		h.PreRespUsed = true
		h.Endpoint().EnqueueResponse(h)
	}))

	network := pairtran.NewNetwork(pairtran.DefaultMTU)
	mk := func(id uint8, addr string, leader bool) *endpoint.Endpoint {
		e, err := endpoint.NewEndpoint(nexus, endpoint.Config{
			ID: id, Transport: network.Endpoint(addr), UserCtx: leader,
			RetransmitTimeout: 2 * time.Millisecond,
		})
		require.NoError(t, err)
		return e
	}
	client := mk(1, "client", false)
	follower := mk(2, "follower", false)
	leader := mk(3, "leader", true)
	defer func() {
		client.Close()
		follower.Close()
		leader.Close()
		require.NoError(t, nexus.Close())
	}()

	pump := func(cond func() bool) {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && !cond() {
			client.RunEventLoopOnce()
			follower.RunEventLoopOnce()
			leader.RunEventLoopOnce()
		}
		require.True(t, cond())
	}

	snFollower, err := client.CreateSession(nexus.URI(), 2)
	require.NoError(t, err)
	snLeader, err := client.CreateSession(nexus.URI(), 3)
	require.NoError(t, err)
	pump(func() bool { return client.IsConnected(snFollower) && client.IsConnected(snLeader) })

	req, err := client.AllocMsgBuffer(16)
	require.NoError(t, err)
	copy(req.Payload(), "put k v")
	resp, err := client.AllocMsgBuffer(16)
	require.NoError(t, err)

	redirected := false
	done := false
	cont := func(h *endpoint.RespHandle, _ interface{}, _ uint64) {
		pl := h.Resp().Payload()
		if len(pl) == 1 && pl[0] == 0xff {
			redirected = true
			return
		}
		done = true
	}

	require.NoError(t, client.EnqueueRequest(snFollower, reqTypeKV, req, resp, cont, 0))
	pump(func() bool { return redirected })

	// Retarget the leader session and retry.
	require.NoError(t, client.EnqueueRequest(snLeader, reqTypeKV, req, resp, cont, 0))
	pump(func() bool { return done })
}
