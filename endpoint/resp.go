package endpoint

// EnqueueResponse submits the response for a request handle. Foreground
// handlers call it on the endpoint goroutine and the response is staged
// directly (subject to batching); background handlers call it from
// their worker goroutine and the handle travels back over the worker's
// SPSC ring.
//
// Calling EnqueueResponse more than once per handle is fatal.
func (e *Endpoint) EnqueueResponse(h *ReqHandle) {
	h.markResponded()
	if h.respBuf() == nil {
		panic("endpoint: EnqueueResponse without a response buffer (set PreRespUsed or DynResp)")
	}
	if e.inCreator() {
		e.processResponse(h)
		return
	}
	if h.worker == nil {
		panic("endpoint: EnqueueResponse from a foreign goroutine outside a background handler")
	}
	for !h.worker.out.push(h) {
		// Ring full: the endpoint drains every loop iteration, so this
		// resolves quickly.
		h.worker.backoff()
	}
}

// processResponse runs on the endpoint goroutine and applies the
// response to the slot, deferring transmission per the batching policy.
func (e *Endpoint) processResponse(h *ReqHandle) {
	s := e.sessionByNum(int(h.sessNum))
	if s == nil || s.isClient {
		// Session torn down while the handler ran.
		e.dropResponse(h)
		return
	}
	sl := &s.slots[h.slotIdx]
	if !sl.busy || sl.seq != h.seq {
		e.dropResponse(h)
		return
	}

	resp := h.respBuf()
	e.pool.FreeMsg(h.req)
	if h.PreRespUsed {
		e.pool.FreeMsg(h.DynResp)
	} else {
		e.pool.FreeMsg(h.PreResp)
	}
	sl.handle = nil
	sl.handlerRunning = false
	sl.srvReq = nil
	sl.srvResp = resp
	sl.srvRespPktsTotal = resp.NumPkts(e.maxData)
	sl.srvRespTxNext = 0

	e.respBatch = append(e.respBatch, h)
	if len(e.respBatch) >= e.cfg.ResponseBatchSize {
		e.flushRespBatch()
	}
}

func (e *Endpoint) dropResponse(h *ReqHandle) {
	e.pool.FreeMsg(h.req)
	e.pool.FreeMsg(h.PreResp)
	e.pool.FreeMsg(h.DynResp)
}

// flushRespBatch stages the packets of all pending responses.
func (e *Endpoint) flushRespBatch() {
	for _, h := range e.respBatch {
		s := e.sessionByNum(int(h.sessNum))
		if s == nil || s.isClient {
			continue
		}
		sl := &s.slots[h.slotIdx]
		if !sl.busy || sl.seq != h.seq || sl.srvResp == nil {
			continue
		}
		e.stageRespPkts(s, sl, 0)
		sl.responded = true
	}
	e.respBatch = e.respBatch[:0]
}

// ReleaseResponse frees the slot of a completed client exchange and
// returns its credit. Implicitly called when a continuation returns
// without releasing.
func (e *Endpoint) ReleaseResponse(h *RespHandle) {
	e.assertOwner("ReleaseResponse")
	if h.released {
		return
	}
	h.released = true
	s := e.sessionByNum(int(h.sessNum))
	if s == nil {
		return
	}
	sl := &s.slots[h.slotIdx]
	if !sl.busy || sl.seq != h.seq {
		return
	}
	wasConnected := s.isConnected()
	if wasConnected && sl.respRxNext == sl.respPktsTotal && sl.respPktsTotal > 0 {
		e.stageCreditReturn(s, sl.seq)
	}
	sl.reset()
	if s.credits < s.window {
		s.credits++
	}
}

// runContinuations drains the continuation queue. Continuations run
// with the reentrancy flag set; returning without an explicit
// ReleaseResponse releases implicitly.
func (e *Endpoint) runContinuations() {
	if len(e.contQ) == 0 {
		return
	}
	// Continuations may enqueue further requests, which may complete
	// and append to contQ again; swap the queue out first.
	queue := e.contQ
	e.contQ = nil
	for _, entry := range queue {
		e.inUserCb = true
		entry.cont(entry.h, e.cfg.UserCtx, entry.tag)
		e.inUserCb = false
		if !entry.h.released {
			e.ReleaseResponse(entry.h)
		}
	}
}
