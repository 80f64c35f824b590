package endpoint

import (
	"github.com/talonrpc/talonrpc/wire"
)

// pollRx drains one receive burst and advances the per-slot state
// machines. Returns the number of new complete requests materialized
// (input to the response batching policy).
func (e *Endpoint) pollRx() int {
	n, err := e.tran.RxBurst(e.rxPkts)
	if err != nil {
		e.log.WithError(err).Error("rx burst failed")
		return 0
	}
	prom.rxPkts.Add(float64(n))
	newReqs := 0
	for i := 0; i < n; i++ {
		pkt := &e.rxPkts[i]
		hdr := &pkt.Hdr
		s := e.sessionByNum(int(hdr.DstSession))
		if s == nil {
			debugf("rx: no session %d, dropping %s", hdr.DstSession, hdr)
			continue
		}
		switch {
		case hdr.IsReq() && !s.isClient:
			if e.handleReqPkt(s, hdr, pkt.Payload) {
				newReqs++
			}
		case hdr.IsResp() && s.isClient:
			e.handleRespPkt(s, hdr, pkt.Payload)
		case hdr.IsCreditReturn() && !s.isClient:
			e.handleCreditReturn(s, hdr)
		case hdr.IsReqForResp() && !s.isClient:
			e.handleReqForResp(s, hdr)
		default:
			debugf("rx: flag/role mismatch, dropping %s", hdr)
		}
	}
	return newReqs
}

// handleReqPkt advances a server slot's request reassembly. Returns
// true when the request became complete and a handler was dispatched.
func (e *Endpoint) handleReqPkt(s *session, hdr *wire.PktHeader, payload []byte) bool {
	if !s.isConnected() {
		return false
	}
	sl := s.slotForSeq(hdr.Seq)

	if sl.busy && sl.seq == hdr.Seq {
		if sl.handle != nil || sl.handlerRunning || sl.responded {
			// Duplicate of a fully received request. A duplicate of
			// the final packet means the client lost our response.
			if sl.responded && int(hdr.PktIdx) == sl.srvReqPktsTotal-1 {
				prom.respRetransmits.Inc()
				e.stageRespPkts(s, sl, 0)
			}
			return false
		}
		if int(hdr.PktIdx) != sl.srvReqRxNext {
			debugf("rx: out-of-order req pkt %d (want %d)", hdr.PktIdx, sl.srvReqRxNext)
			return false
		}
		return e.appendReqPkt(s, sl, hdr, payload)
	}

	if sl.busy && sl.seq != hdr.Seq {
		if hdr.Seq < sl.seq {
			return false // stale exchange
		}
		if !sl.responded {
			// The previous exchange on this slot is still being
			// handled; the window should have prevented this.
			debugf("rx: slot overrun seq=%d (busy with %d)", hdr.Seq, sl.seq)
			return false
		}
		e.retireServerSlot(sl)
	}

	if hdr.PktIdx != 0 {
		// First packet of a new exchange must open it; earlier packets
		// were lost and the client will retransmit from 0.
		return false
	}

	maxPkts := (e.cfg.MaxMsgSize + e.maxData - 1) / e.maxData
	if hdr.PktTotal == 0 || int(hdr.PktTotal) > maxPkts {
		e.log.WithField("session", s.localNum).Warn("request exceeds max message size, dropping")
		return false
	}
	// The last packet may be short, so cap the allocation at the
	// configured ceiling rather than whole packets.
	capacity := int(hdr.PktTotal) * e.maxData
	if capacity > e.cfg.MaxMsgSize {
		capacity = e.cfg.MaxMsgSize
	}
	req, err := e.pool.AllocMsg(capacity)
	if err != nil {
		// Transient resource pressure: drop, the client retransmits.
		prom.rxNoBufs.Inc()
		return false
	}
	sl.busy = true
	sl.seq = hdr.Seq
	sl.reqType = hdr.ReqType
	sl.srvReq = req
	sl.srvReqRxNext = 0
	sl.srvReqPktsTotal = int(hdr.PktTotal)
	sl.responded = false
	sl.handle = nil
	return e.appendReqPkt(s, sl, hdr, payload)
}

func (e *Endpoint) appendReqPkt(s *session, sl *sslot, hdr *wire.PktHeader, payload []byte) bool {
	room := sl.srvReq.PayloadCap()
	off := sl.srvReqRxNext * e.maxData
	if off+len(payload) > len(room) {
		// Peer exceeded the negotiated ceiling mid-message; malformed.
		e.pool.FreeMsg(sl.srvReq)
		sl.reset()
		return false
	}
	copy(room[off:], payload)
	sl.srvReqRxNext++
	if sl.srvReqRxNext < sl.srvReqPktsTotal {
		return false
	}
	actual := (sl.srvReqPktsTotal-1)*e.maxData + int(hdr.PayloadLen)
	if err := sl.srvReq.Resize(actual); err != nil {
		e.pool.FreeMsg(sl.srvReq)
		sl.reset()
		return false
	}
	return e.dispatchRequest(s, sl)
}

// dispatchRequest materializes the ReqHandle and runs or queues the
// registered handler.
func (e *Endpoint) dispatchRequest(s *session, sl *sslot) bool {
	reg := e.nexus.handler(sl.reqType)
	if reg == nil {
		e.log.WithField("req_type", sl.reqType).Warn("no handler registered, dropping request")
		e.pool.FreeMsg(sl.srvReq)
		sl.reset()
		return false
	}
	preResp, err := e.pool.AllocMsg(e.maxData)
	if err != nil {
		prom.rxNoBufs.Inc()
		e.pool.FreeMsg(sl.srvReq)
		sl.reset()
		return false
	}
	h := &ReqHandle{
		e:       e,
		sessNum: s.localNum,
		slotIdx: int(sl.seq) % s.window,
		seq:     sl.seq,
		reqType: sl.reqType,
		req:     sl.srvReq,
		PreResp: preResp,
		fn:      reg.fn,
	}
	sl.handle = h
	if reg.background && len(e.workers) > 0 {
		sl.handlerRunning = true
		e.dispatchToWorker(h)
		return true
	}
	sl.handlerRunning = true
	e.inUserCb = true
	reg.fn(h, e.cfg.UserCtx)
	e.inUserCb = false
	return true
}

// handleRespPkt advances a client slot's response reassembly.
func (e *Endpoint) handleRespPkt(s *session, hdr *wire.PktHeader, payload []byte) {
	sl := s.slotForSeq(hdr.Seq)
	if !sl.busy || sl.seq != hdr.Seq || sl.cont == nil {
		debugf("rx: stale resp pkt %s", hdr)
		return
	}
	if sl.respPktsTotal == 0 {
		sl.respPktsTotal = int(hdr.PktTotal)
	}
	if int(hdr.PktIdx) != sl.respRxNext {
		debugf("rx: out-of-order resp pkt %d (want %d)", hdr.PktIdx, sl.respRxNext)
		return
	}
	actualSoFar := sl.respRxNext*e.maxData + int(hdr.PayloadLen)
	if actualSoFar > sl.resp.MaxSize() {
		// The user's response buffer cannot hold the response; the
		// exchange cannot complete.
		e.log.WithField("session", s.localNum).Warn("response exceeds user buffer, failing exchange")
		e.completeExchange(s, sl, true)
		return
	}
	copy(sl.resp.PayloadCap()[sl.respRxNext*e.maxData:], payload)
	sl.respRxNext++
	if sl.respRxNext < sl.respPktsTotal {
		return
	}
	if err := sl.resp.Resize(actualSoFar); err != nil {
		panic("endpoint: reassembled response larger than allocation")
	}
	e.completeExchange(s, sl, false)
}

// completeExchange queues the slot's continuation. With failed=true the
// response is emptied to signal that the endpoint could not complete
// the exchange.
func (e *Endpoint) completeExchange(s *session, sl *sslot, failed bool) {
	if failed {
		if err := sl.resp.Resize(0); err != nil {
			panic("endpoint: cannot empty response buffer")
		}
	}
	h := &RespHandle{
		e:       e,
		sessNum: s.localNum,
		slotIdx: int(sl.seq) % s.window,
		seq:     sl.seq,
		resp:    sl.resp,
	}
	e.contQ = append(e.contQ, contEntry{h: h, cont: sl.cont, tag: sl.tag})
	// The slot stays busy until the continuation releases the handle;
	// mark it completed so RTO entries become no-ops.
	sl.cont = nil
	prom.completions.Inc()
}

// handleCreditReturn retires a responded server slot: the client
// consumed the response.
func (e *Endpoint) handleCreditReturn(s *session, hdr *wire.PktHeader) {
	sl := s.slotForSeq(hdr.Seq)
	if !sl.busy || sl.seq != hdr.Seq || !sl.responded {
		return
	}
	e.retireServerSlot(sl)
}

// handleReqForResp retransmits response packets the client is missing.
func (e *Endpoint) handleReqForResp(s *session, hdr *wire.PktHeader) {
	sl := s.slotForSeq(hdr.Seq)
	if !sl.busy || sl.seq != hdr.Seq || !sl.responded {
		return
	}
	from := int(hdr.PktIdx)
	if from >= sl.srvRespPktsTotal {
		return
	}
	prom.respRetransmits.Inc()
	e.stageRespPkts(s, sl, from)
}

func (e *Endpoint) retireServerSlot(sl *sslot) {
	if sl.srvResp != nil {
		e.pool.FreeMsg(sl.srvResp)
	}
	sl.reset()
}
