// Package bench is the talon echo benchmark: a server endpoint echoing
// requests and a client endpoint measuring round-trip latency and
// throughput over real UDP transports.
package bench

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/talonrpc/talonrpc/bufpool"
	"github.com/talonrpc/talonrpc/config"
	"github.com/talonrpc/talonrpc/endpoint"
	"github.com/talonrpc/talonrpc/logger"
	"github.com/talonrpc/talonrpc/transport/udpgram"
	"github.com/talonrpc/talonrpc/version"
)

// EchoReqType is the request type served by the bench server.
const EchoReqType uint8 = 1

func endpointConfig(cfg *config.Config, log logger.Logger) (endpoint.Config, error) {
	tran, err := udpgram.New(udpgram.Config{
		ListenAddr: cfg.Endpoint.DataListen,
		MTU:        cfg.Endpoint.MTU,
		InlineSize: cfg.Endpoint.InlineSize,
	})
	if err != nil {
		return endpoint.Config{}, errors.Wrap(err, "create datapath transport")
	}
	return endpoint.Config{
		ID:                            cfg.Endpoint.ID,
		Transport:                     tran,
		WindowSize:                    cfg.Endpoint.WindowSize,
		MaxMsgSize:                    cfg.Endpoint.MaxMsgSize,
		RetransmitTimeout:             cfg.Endpoint.RetransmitTimeout,
		NumBgWorkers:                  cfg.Endpoint.NumBgWorkers,
		ResponseBatchSize:             cfg.Endpoint.ResponseBatchSize,
		DatapathChecks:                cfg.Endpoint.DatapathChecks,
		RetryConnectOnInvalidRemoteID: cfg.Endpoint.RetryConnectOnInvalidRemoteID,
		Log:                           log,
	}, nil
}

// RunServer runs the echo server until ctx is canceled.
func RunServer(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	nexus, err := endpoint.NewNexus(cfg.Nexus.Listen, endpoint.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = nexus.Close() }()

	if err := nexus.RegisterReqFunc(EchoReqType, echoHandler); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Bench.MetricsListen != "" {
		if err := endpoint.PrometheusRegister(prometheus.DefaultRegisterer); err != nil {
			return errors.Wrap(err, "register endpoint metrics")
		}
		version.PrometheusRegister(prometheus.DefaultRegisterer)
		srv := &http.Server{Addr: cfg.Bench.MetricsListen, Handler: promhttp.Handler()}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		log.WithField("addr", cfg.Bench.MetricsListen).Info("metrics listener up")
	}

	g.Go(func() error {
		// The endpoint must live on the goroutine that pumps it.
		ecfg, err := endpointConfig(cfg, log)
		if err != nil {
			return err
		}
		ep, err := endpoint.NewEndpoint(nexus, ecfg)
		if err != nil {
			return err
		}
		defer func() { _ = ep.Close() }()
		log.WithField("uri", nexus.URI()).WithField("data", ep.DataAddr()).
			Info("bench server ready")
		for ctx.Err() == nil {
			ep.RunEventLoop(100 * time.Millisecond)
		}
		return nil
	})

	return g.Wait()
}

func echoHandler(h *endpoint.ReqHandle, _ interface{}) {
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
			// Pool pressure: answer with an empty response instead of
			// stalling the exchange until the client times out.
			if err := h.PreResp.Resize(0); err != nil {
				panic(err)
			}
			h.PreRespUsed = true
			h.Endpoint().EnqueueResponse(h)
			return
		}
		copy(dyn.Payload(), req)
		h.DynResp = dyn
	}
	h.Endpoint().EnqueueResponse(h)
}

// Report summarizes a client run.
type Report struct {
	Completed int
	Failed    int
	Elapsed   time.Duration
	MsgSize   int

	P50, P95, P99, Max time.Duration
}

// Throughput returns completed exchanges per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Completed) / r.Elapsed.Seconds()
}

func (r *Report) Print(w io.Writer) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "talon bench: %d exchanges of %d bytes in %s\n",
		r.Completed, r.MsgSize, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  throughput: %.0f req/s\n", r.Throughput())
	fmt.Fprintf(w, "  latency: p50=%s p95=%s p99=%s max=%s\n", r.P50, r.P95, r.P99, r.Max)
	if r.Failed > 0 {
		_, _ = color.New(color.FgRed).Fprintf(w, "  failed exchanges: %d\n", r.Failed)
	}
}

type benchExchange struct {
	req, resp *bufpool.MsgBuffer
	start     time.Time
}

// RunClient connects to the bench server and drives echo exchanges for
// the configured duration.
func RunClient(ctx context.Context, cfg *config.Config, log logger.Logger) (*Report, error) {
	ecfg, err := endpointConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	nexus, err := endpoint.NewNexus(cfg.Nexus.Listen, endpoint.WithLogger(log))
	if err != nil {
		return nil, err
	}
	defer func() { _ = nexus.Close() }()
	ep, err := endpoint.NewEndpoint(nexus, ecfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ep.Close() }()

	sn, err := ep.CreateSession(cfg.Bench.RemoteURI, cfg.Bench.RemoteEndpointID)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	connectDeadline := time.Now().Add(5 * time.Second)
	for !ep.IsConnected(sn) {
		if time.Now().After(connectDeadline) {
			return nil, errors.Errorf("connect to %s timed out", cfg.Bench.RemoteURI)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ep.RunEventLoopOnce()
	}
	log.WithField("session", sn).Info("connected to bench server")

	concurrency := cfg.Bench.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if free := ep.WindowFreeSlots(sn); concurrency > free {
		concurrency = free
	}

	var (
		latencies   []float64
		report      = Report{MsgSize: cfg.Bench.MsgSize}
		outstanding int
		start       = time.Now()
		stopAt      = start.Add(cfg.Bench.Duration)
	)

	exchanges := make([]*benchExchange, concurrency)
	for i := range exchanges {
		req, err := ep.AllocMsgBuffer(cfg.Bench.MsgSize)
		if err != nil {
			return nil, err
		}
		resp, err := ep.AllocMsgBuffer(cfg.Bench.MsgSize)
		if err != nil {
			return nil, err
		}
		exchanges[i] = &benchExchange{req: req, resp: resp}
	}

	var fire func(i int) error
	cont := func(h *endpoint.RespHandle, _ interface{}, tag uint64) {
		outstanding--
		ex := exchanges[tag]
		if h.Resp().Size() == 0 {
			report.Failed++
		} else {
			report.Completed++
			latencies = append(latencies, float64(time.Since(ex.start).Nanoseconds()))
		}
		if time.Now().Before(stopAt) && ctx.Err() == nil {
			if err := fire(int(tag)); err != nil {
				log.WithError(err).Warn("re-enqueue failed")
			}
		}
	}
	fire = func(i int) error {
		ex := exchanges[i]
		ex.start = time.Now()
		if err := ep.EnqueueRequest(sn, EchoReqType, ex.req, ex.resp, cont, uint64(i)); err != nil {
			return err
		}
		outstanding++
		return nil
	}

	for i := 0; i < concurrency; i++ {
		if err := fire(i); err != nil {
			return nil, errors.Wrap(err, "enqueue initial request")
		}
	}
	for outstanding > 0 && ctx.Err() == nil {
		ep.RunEventLoopOnce()
	}
	report.Elapsed = time.Since(start)

	if len(latencies) > 0 {
		pctl := func(p float64) time.Duration {
			v, err := stats.Percentile(latencies, p)
			if err != nil {
				return 0
			}
			return time.Duration(v)
		}
		report.P50 = pctl(50)
		report.P95 = pctl(95)
		report.P99 = pctl(99)
		if v, err := stats.Max(latencies); err == nil {
			report.Max = time.Duration(v)
		}
	}
	return &report, nil
}
