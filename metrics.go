package xferdisk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xferdisk_bytes_read",
		Help: "The total number of bytes read from the transfer endpoint",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xferdisk_bytes_written",
		Help: "The total number of bytes written to the transfer endpoint",
	})

	bytesZeroed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xferdisk_bytes_zeroed",
		Help: "The total number of bytes zeroed, by how the zero was carried out",
	}, []string{"mode"})

	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xferdisk_requests_total",
		Help: "The total number of requests sent to the transfer endpoint",
	}, []string{"op", "code"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xferdisk_request_time",
		Help:    "Time spent waiting on transfer endpoint requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xferdisk_sessions",
		Help: "The total number of sessions closed, by outcome",
	}, []string{"result"})
)

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}

	return m.GetCounter().GetValue()
}
