package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	talonVersion string // set by build infrastructure
)

type VersionInformation struct {
	Version       string
	RuntimeGo     string
	RuntimeGOOS   string
	RuntimeGOARCH string
}

func NewVersionInformation() *VersionInformation {
	return &VersionInformation{
		Version:       talonVersion,
		RuntimeGo:     runtime.Version(),
		RuntimeGOOS:   runtime.GOOS,
		RuntimeGOARCH: runtime.GOARCH,
	}
}

func (i *VersionInformation) String() string {
	return fmt.Sprintf("talon version=%s go=%s GOOS=%s GOARCH=%s",
		i.Version, i.RuntimeGo, i.RuntimeGOOS, i.RuntimeGOARCH)
}

var prometheusMetric = prometheus.NewUntypedFunc(
	prometheus.UntypedOpts{
		Namespace: "talon",
		Subsystem: "version",
		Name:      "info",
		Help:      "talon version information",
		ConstLabels: map[string]string{
			"raw":          talonVersion,
			"version_info": NewVersionInformation().String(),
		},
	},
	func() float64 { return 1 },
)

func PrometheusRegister(r prometheus.Registerer) {
	r.MustRegister(prometheusMetric)
}
