package endpoint

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	txPkts          prometheus.Counter
	txCompletions   prometheus.Counter
	txDropped       prometheus.Counter
	rxPkts          prometheus.Counter
	rxNoBufs        prometheus.Counter
	retransmits     prometheus.Counter
	respRetransmits prometheus.Counter
	completions     prometheus.Counter
	creditStalls    prometheus.Counter
	smRetries       prometheus.Counter
	smDuplicates    prometheus.Counter
}

func init() {
	prom.txPkts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "tx_pkts",
		Help: "datapath packets handed to the transport",
	})
	prom.txCompletions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "tx_completions",
		Help: "send completions reclaimed from the transport",
	})
	prom.txDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "tx_dropped_fault",
		Help: "packets discarded by the drop-TX fault countdown",
	})
	prom.rxPkts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "rx_pkts",
		Help: "datapath packets received",
	})
	prom.rxNoBufs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "rx_no_bufs",
		Help: "requests dropped for lack of pool buffers",
	})
	prom.retransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "retransmits",
		Help: "client-side request retransmissions",
	})
	prom.respRetransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "resp_retransmits",
		Help: "server-side response retransmissions",
	})
	prom.completions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "completions",
		Help: "exchanges completed (successfully or not)",
	})
	prom.creditStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "credit_stalls",
		Help: "EnqueueRequest calls rejected for lack of credits",
	})
	prom.smRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "sm_retries",
		Help: "session-management request retransmissions",
	})
	prom.smDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "talon", Subsystem: "endpoint", Name: "sm_duplicates",
		Help: "duplicate session-management requests answered from the cache",
	})
}

// PrometheusRegister registers this package's metrics with r.
func PrometheusRegister(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.txPkts, prom.txCompletions, prom.txDropped,
		prom.rxPkts, prom.rxNoBufs,
		prom.retransmits, prom.respRetransmits,
		prom.completions, prom.creditStalls,
		prom.smRetries, prom.smDuplicates,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
