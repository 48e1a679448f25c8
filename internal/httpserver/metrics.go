package httpserver

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Read outcomes recorded by pastebin_paste_reads_total.
const (
	readOK          = "ok"
	readUnavailable = "unavailable"
	readError       = "error"
)

type metrics struct {
	registry *prometheus.Registry
	created  prometheus.Counter
	reads    *prometheus.CounterVec
	requests *prometheus.HistogramVec
}

func newMetrics(reg *prometheus.Registry) (*metrics, error) {
	m := &metrics{
		registry: reg,
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pastebin",
			Name:      "pastes_created_total",
			Help:      "Pastes stored successfully.",
		}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pastebin",
			Name:      "paste_reads_total",
			Help:      "Paste reads by outcome.",
		}, []string{"result"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pastebin",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	for _, c := range []prometheus.Collector{m.created, m.reads, m.requests} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) pasteCreated() {
	if m != nil {
		m.created.Inc()
	}
}

func (m *metrics) pasteRead(result string) {
	if m != nil {
		m.reads.WithLabelValues(result).Inc()
	}
}
