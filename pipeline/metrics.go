package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.dedis.ch/isoloir"
)

// defines prometheus metrics
var (
	promSagas = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isoloir_pipeline_sagas_total",
		Help: "total number of finished sagas by result",
	}, []string{"result"})

	promSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isoloir_pipeline_steps_total",
		Help: "total number of executed saga steps",
	}, []string{"step"})

	promRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "isoloir_pipeline_retries_total",
		Help: "total number of retried saga operations",
	})
)

func init() {
	isoloir.PromCollectors = append(isoloir.PromCollectors,
		promSagas, promSteps, promRetries)
}
