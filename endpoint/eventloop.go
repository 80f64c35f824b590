package endpoint

import (
	"time"
)

// RunEventLoop pumps the endpoint for the given duration, measured
// against the monotonic clock. Calling it from within a request handler
// or continuation is fatal.
func (e *Endpoint) RunEventLoop(d time.Duration) {
	e.checkLoopEntry()
	deadline := timeNow().Add(d)
	for timeNow().Before(deadline) {
		e.runOnce()
	}
}

// RunEventLoopOnce runs exactly one iteration of the event loop.
func (e *Endpoint) RunEventLoopOnce() {
	e.checkLoopEntry()
	e.runOnce()
}

func (e *Endpoint) checkLoopEntry() {
	if e.inUserCb {
		panic("endpoint: event loop reentered from a request handler or continuation")
	}
	if !e.inCreator() {
		panic("endpoint: event loop run from a goroutine other than the endpoint's creator")
	}
	if e.closed {
		panic("endpoint: event loop on a closed endpoint")
	}
	e.nexus.freeze()
}

// runOnce is one scheduler iteration:
//
//  1. drain an RX burst and advance RX state machines
//  2. reclaim TX completions
//  3. process at most one SM inbox message; drive SM retries
//  4. fire due retransmit timers
//  5. flush pending responses (batching policy) and the TX list
//  6. run queued continuations
func (e *Endpoint) runOnce() {
	newReqs := e.pollRx()

	if n := e.tran.ReclaimTxCompletions(); n > 0 {
		prom.txCompletions.Add(float64(n))
	}

	select {
	case m := <-e.inbox:
		e.handleSM(m)
	default:
	}
	e.driveSMRetries()

	e.wheel.advance(timeNow(), e.onTimerFire)

	e.drainBgResponses()
	if len(e.respBatch) > 0 && (newReqs == 0 || len(e.respBatch) >= e.cfg.ResponseBatchSize) {
		e.flushRespBatch()
	}
	e.flushTx()

	e.runContinuations()
}

// onTimerFire revalidates a retransmit entry against the slot state and
// retransmits or fails the exchange.
func (e *Endpoint) onTimerFire(w wheelEntry) {
	s := e.sessionByNum(int(w.sessNum))
	if s == nil || !s.isClient {
		return
	}
	sl := &s.slots[w.slotIdx]
	if !sl.busy || sl.seq != w.seq || sl.cont == nil {
		return // completed or aborted, stale entry
	}
	if !s.isConnected() {
		return
	}

	sl.retransmits++
	if sl.retransmits > e.cfg.MaxRetransmits {
		e.log.WithField("session", s.localNum).WithField("seq", sl.seq).
			Warn("retransmit budget exhausted, failing session")
		e.failSession(s)
		return
	}
	prom.retransmits.Inc()
	if sl.respRxNext > 0 {
		// Part of the response arrived; ask only for the rest.
		e.stageReqForResp(s, sl, sl.respRxNext)
	} else {
		// No response progress: rewind and retransmit the request.
		e.stageReqPkts(s, sl, 0)
	}
	sl.lastTxTime = timeNow()
	e.wheel.add(e.cfg.RetransmitTimeout, wheelEntry{
		sessNum: s.localNum, slotIdx: w.slotIdx, seq: sl.seq,
	})
}

// failSession moves a client session to the error state and aborts all
// in-flight exchanges with empty responses.
func (e *Endpoint) failSession(s *session) {
	if s.state == StateError {
		return
	}
	s.state = StateError
	s.pending = nil
	e.abortInFlight(s)
	if e.cfg.SMHandler != nil {
		e.cfg.SMHandler(int(s.localNum), SMEventError)
	}
}

// driveSMRetries resends timed-out SM requests and enforces the retry
// budget.
func (e *Endpoint) driveSMRetries() {
	now := timeNow()
	for _, s := range e.sessions {
		if s == nil || s.pending == nil || now.Before(s.pending.deadline) {
			continue
		}
		p := s.pending
		if p.tries >= e.cfg.SMRetryBudget {
			e.onSMRetryExhausted(s)
			continue
		}
		p.tries++
		p.deadline = now.Add(e.cfg.SMRetryInterval)
		prom.smRetries.Inc()
		if err := e.nexus.send(s.remoteURI, p.msg); err != nil {
			e.log.WithError(err).Warn("sm retry send failed")
		}
	}
}

func (e *Endpoint) onSMRetryExhausted(s *session) {
	msgType := s.pending.msg.Type
	s.pending = nil
	e.log.WithField("session", s.localNum).WithField("type", msgType.String()).
		Warn("sm retry budget exhausted")
	switch s.state {
	case StateConnectInProgress:
		s.state = StateError
		if e.cfg.SMHandler != nil {
			e.cfg.SMHandler(int(s.localNum), SMEventConnectFailed)
		}
	case StateDisconnectInProgress:
		// Peer unreachable: finish the teardown locally.
		e.finishDisconnect(s)
	case StateResetInProgress:
		s.state = StateConnected
	default:
		e.failSession(s)
	}
}
