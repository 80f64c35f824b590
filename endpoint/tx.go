package endpoint

import (
	"github.com/talonrpc/talonrpc/bufpool"
	"github.com/talonrpc/talonrpc/transport"
	"github.com/talonrpc/talonrpc/wire"
)

// EnqueueRequest submits a request on a connected client session.
// req ownership moves to the endpoint until the continuation fires;
// resp is written into as response packets arrive. Never blocks:
// returns ErrNoCredits or ErrSlotBusy instead.
func (e *Endpoint) EnqueueRequest(sessNum int, reqType uint8, req, resp *bufpool.MsgBuffer,
	cont ContFunc, tag uint64) error {

	e.assertOwner("EnqueueRequest")
	if req == nil || resp == nil || cont == nil {
		panic("endpoint: EnqueueRequest with nil request, response, or continuation")
	}
	s := e.sessionByNum(sessNum)
	if s == nil || !s.isClient {
		return ErrInvalidSessionNum
	}
	if !s.isConnected() {
		return ErrSessionNotConnected
	}
	if req.Size() > e.cfg.MaxMsgSize {
		return ErrMsgTooLarge
	}
	if s.credits == 0 {
		prom.creditStalls.Inc()
		return ErrNoCredits
	}
	sl := s.slotForSeq(s.seqNext)
	if sl.busy {
		return ErrSlotBusy
	}

	seq := s.seqNext
	s.seqNext++
	s.credits--

	sl.busy = true
	sl.seq = seq
	sl.reqType = reqType
	sl.req = req
	sl.resp = resp
	sl.cont = cont
	sl.tag = tag
	sl.reqPktsTotal = req.NumPkts(e.maxData)
	sl.txNext = 0
	sl.respRxNext = 0
	sl.respPktsTotal = 0
	sl.retransmits = 0

	e.stageReqPkts(s, sl, 0)
	sl.lastTxTime = timeNow()
	e.wheel.add(e.cfg.RetransmitTimeout, wheelEntry{
		sessNum: s.localNum, slotIdx: int(seq) % s.window, seq: seq,
	})
	return nil
}

// stageReqPkts appends request packets [from, reqPktsTotal) to the TX
// batch. Per-session FIFO holds because staging happens in submission
// order and the batch flushes in order.
func (e *Endpoint) stageReqPkts(s *session, sl *sslot, from int) {
	payload := sl.req.Payload()
	for i := from; i < sl.reqPktsTotal; i++ {
		lo := i * e.maxData
		hi := lo + e.maxData
		if hi > len(payload) {
			hi = len(payload)
		}
		e.stagePkt(s, &wire.PktHeader{
			Magic:      wire.Magic,
			Flags:      wire.FlagReq,
			ReqType:    sl.reqType,
			DstSession: s.remoteSessNum,
			SrcSession: s.localNum,
			Seq:        sl.seq,
			PktIdx:     uint16(i),
			PktTotal:   uint16(sl.reqPktsTotal),
			PayloadLen: uint16(hi - lo),
		}, payload[lo:hi])
	}
	if from < sl.reqPktsTotal {
		sl.txNext = sl.reqPktsTotal
	}
}

// stageRespPkts appends response packets [from, srvRespPktsTotal).
func (e *Endpoint) stageRespPkts(s *session, sl *sslot, from int) {
	payload := sl.srvResp.Payload()
	for i := from; i < sl.srvRespPktsTotal; i++ {
		lo := i * e.maxData
		hi := lo + e.maxData
		if hi > len(payload) {
			hi = len(payload)
		}
		e.stagePkt(s, &wire.PktHeader{
			Magic:      wire.Magic,
			Flags:      wire.FlagResp,
			ReqType:    sl.reqType,
			DstSession: s.remoteSessNum,
			SrcSession: s.localNum,
			Seq:        sl.seq,
			PktIdx:     uint16(i),
			PktTotal:   uint16(sl.srvRespPktsTotal),
			Credits:    1,
			PayloadLen: uint16(hi - lo),
		}, payload[lo:hi])
	}
	sl.srvRespTxNext = sl.srvRespPktsTotal
}

// stageCreditReturn tells the server the response for seq was consumed
// so it can retire the slot.
func (e *Endpoint) stageCreditReturn(s *session, seq uint32) {
	e.stagePkt(s, &wire.PktHeader{
		Magic:      wire.Magic,
		Flags:      wire.FlagCreditReturn,
		DstSession: s.remoteSessNum,
		SrcSession: s.localNum,
		Seq:        seq,
		PktTotal:   1,
		Credits:    1,
	}, nil)
}

// stageReqForResp asks the server to retransmit the response starting
// at packet index from.
func (e *Endpoint) stageReqForResp(s *session, sl *sslot, from int) {
	e.stagePkt(s, &wire.PktHeader{
		Magic:      wire.Magic,
		Flags:      wire.FlagReqForResp,
		ReqType:    sl.reqType,
		DstSession: s.remoteSessNum,
		SrcSession: s.localNum,
		Seq:        sl.seq,
		PktIdx:     uint16(from),
		PktTotal:   1,
	}, nil)
}

func (e *Endpoint) stagePkt(s *session, hdr *wire.PktHeader, payload []byte) {
	e.txBatch = append(e.txBatch, transport.TxPacket{
		Route:   s.route,
		Hdr:     hdr,
		Payload: payload,
	})
}

// flushTx hands the staged batch to the transport, honoring the local
// drop-TX fault countdown.
func (e *Endpoint) flushTx() {
	if len(e.txBatch) == 0 {
		return
	}
	batch := e.txBatch
	if n := e.faults.dropTxLocalCountdown; n > 0 {
		kept := batch[:0]
		for i := range batch {
			if e.faults.dropTxLocalCountdown > 0 {
				e.faults.dropTxLocalCountdown--
				prom.txDropped.Inc()
				continue
			}
			kept = append(kept, batch[i])
		}
		batch = kept
	}
	for len(batch) > 0 {
		n, err := e.tran.TxBurst(batch)
		if err != nil {
			e.log.WithError(err).Error("tx burst failed")
			break
		}
		if n == 0 {
			break // send ring full, retry next iteration
		}
		prom.txPkts.Add(float64(n))
		batch = batch[n:]
	}
	e.txBatch = e.txBatch[:0]
}
