package chunkable

import (
	"context"
	"net"
	"net/http"

	"github.com/palantir/stacktrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	decodedBytes  prometheus.Counter
	encodedChunks prometheus.Counter
	connections   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkable",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "number of requests per body framing",
		}, []string{"framing"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chunkable",
			Subsystem: "server",
			Name:      "failures_total",
			Help:      "number of failed requests per error kind",
		}, []string{"kind"}),
		decodedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkable",
			Subsystem: "chunks",
			Name:      "decoded_bytes_total",
			Help:      "number of request body bytes read",
		}),
		encodedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chunkable",
			Subsystem: "chunks",
			Name:      "encoded_chunks_total",
			Help:      "number of response chunks written, last-chunk excluded",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chunkable",
			Subsystem: "server",
			Name:      "connections",
			Help:      "number of connections being processed",
		}),
	}
	m.registry.MustRegister(m.requests, m.failures, m.decodedBytes, m.encodedChunks, m.connections)
	return m
}

// serve exposes the metrics on listen at /metrics, until ctx is done.
func (m *metrics) serve(ctx context.Context, listen string) error {
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return stacktrace.Propagate(err, "unable to listen to %s for metrics", listen)
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	logInfo("[-] Metrics available at http://%s/metrics", l.Addr())
	err = http.Serve(l, mux)
	if err != nil && ctx.Err() == nil {
		return stacktrace.Propagate(err, "error while serving metrics")
	}
	return nil
}
