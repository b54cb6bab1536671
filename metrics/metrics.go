// Package metrics exposes Prometheus instrumentation for the experiment
// ledger service.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashbots/abnet/common"
)

// Ledger operation counters. Registered on the default registry so every
// component increments the same series.
var (
	ExperimentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abnet",
		Name:      "experiments_created_total",
		Help:      "Number of experiments created.",
	})

	JoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abnet",
		Name:      "joins_total",
		Help:      "Number of successful anonymous joins.",
	})

	SubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abnet",
		Name:      "submissions_total",
		Help:      "Number of accepted metric submissions.",
	})

	DecryptionsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "abnet",
		Name:      "decryptions_resolved_total",
		Help:      "Number of decryption tickets resolved with a verified result.",
	})

	RejectedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abnet",
		Name:      "rejected_requests_total",
		Help:      "Number of rejected ledger requests by reason.",
	}, []string{"reason"})

	ServiceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "abnet",
		Name:      "service_info",
		Help:      "Service identity; the value is always 1.",
	}, []string{"service", "version"})
)

// MetricsServer serves the Prometheus scrape endpoint on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address, labeling the
// info series with the service name. The address may be empty when metrics
// are disabled; the server is then inert.
func New(name, listenAddr string) (*MetricsServer, error) {
	ServiceInfo.WithLabelValues(name, common.Version).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe starts serving the scrape endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
