package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promCollectors struct {
	registry    *prometheus.Registry
	jobs        *prometheus.CounterVec
	signals     *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	inflight    prometheus.Gauge
	queueDepth  prometheus.Gauge
	attempts    prometheus.Histogram
	tickSeconds *prometheus.HistogramVec
}

func newPromCollectors() *promCollectors {
	p := &promCollectors{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmbot_jobs_total",
			Help: "Swap jobs that reached a terminal state.",
		}, []string{"kind", "state"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmbot_signals_total",
			Help: "Bot evaluations by decision.",
		}, []string{"decision"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmbot_alerts_total",
			Help: "Operator alerts raised by severity.",
		}, []string{"severity"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_inflight_wallets",
			Help: "Wallets with a job currently executing.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_queue_depth",
			Help: "Pending swap jobs across all wallets.",
		}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmbot_job_attempts",
			Help:    "Submission attempts used per finished job.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		}),
		tickSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmbot_tick_seconds",
			Help:    "Duration of scheduler and range-monitor ticks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
	}
	p.registry.MustRegister(
		p.jobs, p.signals, p.alerts, p.inflight, p.queueDepth, p.attempts, p.tickSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the tracker's Prometheus registry.
func (m *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is cancelled.
func (m *Tracker) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	slog.Info("metrics_server_listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
