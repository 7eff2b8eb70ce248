// Package metrics exposes pass counters on an HTTP endpoint next to a
// plain liveness check.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	registry *prometheus.Registry

	Passes         *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	DNSWrites      *prometheus.CounterVec
	PeersResponded *prometheus.GaugeVec
	PassDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxdnsd",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"app", "result"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxdnsd",
			Name:      "election_outcomes_total",
			Help:      "Election outcomes by kind.",
		}, []string{"app", "outcome"}),
		DNSWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxdnsd",
			Name:      "dns_writes_total",
			Help:      "Writes issued to the DNS provider.",
		}, []string{"app", "action"}),
		PeersResponded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fluxdnsd",
			Name:      "peers_responded",
			Help:      "Peers that answered the last location query.",
		}, []string{"app"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fluxdnsd",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"app"}),
	}
	m.registry.MustRegister(
		m.Passes,
		m.Outcomes,
		m.DNSWrites,
		m.PeersResponded,
		m.PassDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type healthResponse struct {
	OK     bool   `json:"ok"`
	Uptime string `json:"uptime"`
}

// Handler serves /metrics and /health. Health only says the process is
// up; it is not a status API.
func (m *Metrics) Handler() http.Handler {
	started := time.Now()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(healthResponse{
			OK:     true,
			Uptime: time.Since(started).Round(time.Second).String(),
		})
	})
	return mux
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
