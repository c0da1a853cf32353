// Package metrics exposes counters about injection over HTTP. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keymapper"

type Metrics struct {
	Registry *prometheus.Registry

	injected     *prometheus.CounterVec
	allocated    prometheus.Gauge
	applications *prometheus.CounterVec
	ticks        prometheus.Counter
}

func New() *Metrics {
	m := Metrics{
		Registry: prometheus.NewRegistry(),
		injected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injected_events_total",
			Help:      "Events written to virtual devices.",
		}, []string{"kind"}),
		allocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocated_keycodes",
			Help:      "Keycodes invented for symbols the host layout lacks.",
		}),
		applications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layout_applications_total",
			Help:      "Attempts to apply a generated layout to a device.",
		}, []string{"result"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_ticks_total",
			Help:      "Iterations of the stick event loop.",
		}),
	}
	m.Registry.MustRegister(
		m.injected,
		m.allocated,
		m.applications,
		m.ticks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &m
}

// Injected counts one event of the given kind, such as "key" or "move".
func (m *Metrics) Injected(kind string) {
	if m == nil {
		return
	}
	m.injected.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetAllocated(n int) {
	if m == nil {
		return
	}
	m.allocated.Set(float64(n))
}

// Applied records the outcome of a layout application.
func (m *Metrics) Applied(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.applications.WithLabelValues(result).Inc()
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// Serve exposes the registry at /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdown)
	}()

	logger.Info("serving metrics", "addr", lis.Addr().String())
	err = server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
