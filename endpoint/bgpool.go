package endpoint

import (
	"runtime"
	"time"
)

const bgRingDepth = 256

// bgWorker runs long request handlers off the datapath. The endpoint
// pushes handles into in and drains completed handles from out; both
// rings are SPSC, so neither side ever takes a lock.
type bgWorker struct {
	idx  int
	e    *Endpoint
	in   *handleRing
	out  *handleRing
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func (e *Endpoint) startWorkers(n int) {
	for i := 0; i < n; i++ {
		w := &bgWorker{
			idx:  i,
			e:    e,
			in:   newHandleRing(bgRingDepth),
			out:  newHandleRing(bgRingDepth),
			wake: make(chan struct{}, 1),
			stop: make(chan struct{}),
			done: make(chan struct{}),
		}
		e.workers = append(e.workers, w)
		go w.run()
	}
}

func (e *Endpoint) stopWorkers() {
	for _, w := range e.workers {
		close(w.stop)
	}
	for _, w := range e.workers {
		<-w.done
	}
	e.workers = nil
}

// dispatchToWorker hands a request to a background worker, round-robin.
func (e *Endpoint) dispatchToWorker(h *ReqHandle) {
	w := e.workers[e.bgRR%len(e.workers)]
	e.bgRR++
	h.worker = w
	for !w.in.push(h) {
		// Worker backlog full: drain what it already finished, then
		// retry. Never blocks for long because handlers are bounded by
		// the ring depth.
		e.drainWorkerOut(w)
		runtime.Gosched()
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// drainBgResponses collects completed handles from all workers.
func (e *Endpoint) drainBgResponses() {
	for _, w := range e.workers {
		e.drainWorkerOut(w)
	}
}

func (e *Endpoint) drainWorkerOut(w *bgWorker) {
	for {
		h := w.out.pop()
		if h == nil {
			return
		}
		e.processResponse(h)
	}
}

func (w *bgWorker) run() {
	defer close(w.done)
	for {
		h := w.in.pop()
		if h == nil {
			select {
			case <-w.wake:
				continue
			case <-w.stop:
				return
			}
		}
		// Background handlers may only produce responses and release
		// handles; event-loop operations on the endpoint are rejected
		// by the owner checks.
		h.fn(h, w.e.cfg.UserCtx)
	}
}

func (w *bgWorker) backoff() {
	time.Sleep(10 * time.Microsecond)
}
