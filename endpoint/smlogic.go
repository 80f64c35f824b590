package endpoint

import (
	"github.com/talonrpc/talonrpc/sm"
)

// sendSMReq transmits an SM request and installs it as the session's
// single in-flight SM exchange.
func (e *Endpoint) sendSMReq(s *session, m *sm.Msg) {
	s.pending = &pendingSM{
		msg:      m,
		deadline: timeNow().Add(e.cfg.SMRetryInterval),
		tries:    0,
	}
	if err := e.nexus.send(s.remoteURI, m); err != nil {
		// The retry machinery picks it up.
		e.log.WithError(err).Debug("sm send failed, will retry")
	}
}

// handleSM processes one management message from the endpoint's inbox.
func (e *Endpoint) handleSM(m *sm.Msg) {
	debugf("sm: %s from %s ep=%d", m.Type, m.SenderURI, m.SenderEndpointID)
	switch m.Type {
	case sm.ConnectReq:
		e.handleConnectReq(m)
	case sm.ConnectResp:
		e.handleConnectResp(m)
	case sm.DisconnectReq:
		e.handleDisconnectReq(m)
	case sm.DisconnectResp:
		e.handleDisconnectResp(m)
	case sm.FaultDropTxRemote:
		e.faults.dropTxLocalCountdown += m.Countdown
	case sm.FaultResetPeerReq:
		e.handleResetPeerReq(m)
	case sm.FaultResetPeerResp:
		e.handleResetPeerResp(m)
	}
}

// replySM sends an SM response and records it for duplicate detection.
func (e *Endpoint) replySM(req *sm.Msg, resp *sm.Msg) {
	e.dupCache.Record(req.Token, resp)
	if err := e.nexus.send(req.SenderURI, resp); err != nil {
		e.log.WithError(err).Warn("sm response send failed")
	}
}

// replayIfDuplicate re-sends the recorded response for a retried
// request. Returns true when the request was a duplicate.
func (e *Endpoint) replayIfDuplicate(m *sm.Msg) bool {
	resp, ok := e.dupCache.Lookup(m.Token)
	if !ok {
		return false
	}
	prom.smDuplicates.Inc()
	if err := e.nexus.send(m.SenderURI, resp); err != nil {
		e.log.WithError(err).Warn("sm duplicate replay failed")
	}
	return true
}

func (e *Endpoint) handleConnectReq(m *sm.Msg) {
	if e.replayIfDuplicate(m) {
		return
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
			e.replySM(m, m.Response(e.nexus.URI(), sm.ErrOutOfSessions))
			return
		}
		e.sessions = append(e.sessions, nil)
		num = len(e.sessions) - 1
	}

	route, err := e.resolveRoute(m.DataAddr)
	if err != nil {
		e.log.WithError(err).Warn("cannot resolve client datapath address")
		e.replySM(m, m.Response(e.nexus.URI(), sm.ErrRouteResolution))
		return
	}

	window := m.WindowSize
	if window < 1 || window > e.cfg.WindowSize {
		window = e.cfg.WindowSize
	}

	s := &session{
		localNum:         uint16(num),
		isClient:         false,
		state:            StateConnected,
		remoteURI:        m.SenderURI,
		remoteEndpointID: m.SenderEndpointID,
		remoteSessNum:    m.ClientSessNum,
		remoteDataAddr:   m.DataAddr,
		route:            route,
		window:           window,
		slots:            make([]sslot, window),
	}
	e.sessions[num] = s

	resp := m.Response(e.nexus.URI(), sm.NoError)
	resp.ServerSessNum = s.localNum
	resp.WindowSize = window
	resp.DataAddr = e.tran.LocalAddr()
	e.replySM(m, resp)

	if e.cfg.SMHandler != nil {
		e.cfg.SMHandler(num, SMEventConnected)
	}
	e.log.WithField("session", num).WithField("peer", m.SenderURI).Info("server session connected")
}

func (e *Endpoint) handleConnectResp(m *sm.Msg) {
	s := e.sessionByNum(int(m.ClientSessNum))
	if s == nil || !s.isClient || s.state != StateConnectInProgress {
		return
	}
	if s.pending == nil || s.pending.msg.Token != m.Token {
		return // stale response from an earlier attempt
	}
	s.pending = nil

	if m.ErrCode != sm.NoError {
		if m.ErrCode == sm.ErrInvalidRemoteEndpoint && e.cfg.RetryConnectOnInvalidRemoteID &&
			s.connectTries < e.cfg.SMRetryBudget {
			s.connectTries++
			backoff := e.cfg.SMRetryInterval << uint(s.connectTries)
			req := sm.NewReq(*s.pendingConnectTemplate(e))
			s.pending = &pendingSM{msg: req, deadline: timeNow().Add(backoff), tries: 0}
			e.log.WithField("session", s.localNum).WithField("try", s.connectTries).
				Info("connect nacked with invalid remote endpoint, backing off")
			return
		}
		s.state = StateError
		e.log.WithField("session", s.localNum).WithField("code", m.ErrCode.String()).
			Warn("connect rejected")
		if e.cfg.SMHandler != nil {
			e.cfg.SMHandler(int(s.localNum), SMEventConnectFailed)
		}
		return
	}

	route, err := e.resolveRoute(m.DataAddr)
	if err != nil {
		s.state = StateError
		e.log.WithError(err).Warn("cannot resolve server datapath address")
		if e.cfg.SMHandler != nil {
			e.cfg.SMHandler(int(s.localNum), SMEventConnectFailed)
		}
		return
	}

	s.remoteSessNum = m.ServerSessNum
	s.remoteDataAddr = m.DataAddr
	s.route = route
	if m.WindowSize >= 1 && m.WindowSize < s.window {
		s.window = m.WindowSize
		s.slots = make([]sslot, s.window)
	}
	s.credits = s.window
	s.state = StateConnected
	if e.cfg.SMHandler != nil {
		e.cfg.SMHandler(int(s.localNum), SMEventConnected)
	}
	e.log.WithField("session", s.localNum).Info("session connected")
}

// pendingConnectTemplate rebuilds the connect request for a retry.
func (s *session) pendingConnectTemplate(e *Endpoint) *sm.Msg {
	return &sm.Msg{
		Type:             sm.ConnectReq,
		SenderURI:        e.nexus.URI(),
		SenderEndpointID: e.id,
		DstEndpointID:    s.remoteEndpointID,
		ClientSessNum:    s.localNum,
		ServerSessNum:    sm.NoSession(),
		WindowSize:       e.cfg.WindowSize,
		DataAddr:         e.tran.LocalAddr(),
	}
}

func (e *Endpoint) handleDisconnectReq(m *sm.Msg) {
	if e.replayIfDuplicate(m) {
		return
	}
	s := e.sessionByNum(int(m.ServerSessNum))
	if s != nil && !s.isClient && s.remoteSessNum == m.ClientSessNum {
		e.teardownServerSession(s)
	}
	// Ack even when the session is already gone: the client's first
	// disconnect may have raced our teardown.
	e.replySM(m, m.Response(e.nexus.URI(), sm.NoError))
}

func (e *Endpoint) teardownServerSession(s *session) {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.srvReq != nil && !sl.handlerRunning {
			e.pool.FreeMsg(sl.srvReq)
		}
		if sl.srvResp != nil {
			e.pool.FreeMsg(sl.srvResp)
		}
		// Handles still out with a background worker keep their
		// buffers; processResponse drops them when it finds the
		// session gone.
		if !sl.handlerRunning {
			sl.reset()
		}
	}
	e.freeSession(s)
	if e.cfg.SMHandler != nil {
		e.cfg.SMHandler(int(s.localNum), SMEventDisconnected)
	}
	e.log.WithField("session", s.localNum).Info("server session disconnected")
}

func (e *Endpoint) handleDisconnectResp(m *sm.Msg) {
	s := e.sessionByNum(int(m.ClientSessNum))
	if s == nil || !s.isClient || s.state != StateDisconnectInProgress {
		return
	}
	if s.pending == nil || s.pending.msg.Token != m.Token {
		return
	}
	s.pending = nil
	e.finishDisconnect(s)
}

// finishDisconnect aborts in-flight exchanges with empty responses and
// frees the session.
func (e *Endpoint) finishDisconnect(s *session) {
	e.abortInFlight(s)
	e.freeSession(s)
	if e.cfg.SMHandler != nil {
		e.cfg.SMHandler(int(s.localNum), SMEventDisconnected)
	}
	e.log.WithField("session", s.localNum).Info("session disconnected")
}

func (e *Endpoint) handleResetPeerReq(m *sm.Msg) {
	if e.replayIfDuplicate(m) {
		return
	}
	s := e.sessionByNum(int(m.ServerSessNum))
	if s != nil && !s.isClient && s.remoteSessNum == m.ClientSessNum {
		// Pass through reset-in-progress: discard datapath state, keep
		// the session.
		s.state = StateResetInProgress
		for i := range s.slots {
			sl := &s.slots[i]
			if sl.srvReq != nil && !sl.handlerRunning {
				e.pool.FreeMsg(sl.srvReq)
			}
			if sl.srvResp != nil {
				e.pool.FreeMsg(sl.srvResp)
			}
			if !sl.handlerRunning {
				sl.reset()
			}
		}
		s.state = StateConnected
		if e.cfg.SMHandler != nil {
			e.cfg.SMHandler(int(s.localNum), SMEventReset)
		}
		e.log.WithField("session", s.localNum).Info("server session reset by peer fault")
	}
	e.replySM(m, m.Response(e.nexus.URI(), sm.NoError))
}

func (e *Endpoint) handleResetPeerResp(m *sm.Msg) {
	s := e.sessionByNum(int(m.ClientSessNum))
	if s == nil || !s.isClient || s.state != StateResetInProgress {
		return
	}
	if s.pending == nil || s.pending.msg.Token != m.Token {
		return
	}
	s.pending = nil
	// Abort exchanges the peer discarded, then resume normal service.
	e.abortInFlight(s)
	s.state = StateConnected
	if e.cfg.SMHandler != nil {
		e.cfg.SMHandler(int(s.localNum), SMEventReset)
	}
}
