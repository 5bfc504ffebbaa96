// Package metrics exposes capture statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/petems/avcapture/internal/audio"
	"github.com/petems/avcapture/internal/recorder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the registry. Values are read from their sources at
// scrape time, so nothing is updated on the delivery thread.
type Metrics struct {
	reg *prometheus.Registry
	f   promauto.Factory
	log zerolog.Logger
}

// New registers delivery counters read from delivery, and the
// running-state gauge read from running.
func New(delivery func() audio.DeliveryStats, running func() bool, log zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{reg: reg, f: f, log: log.With().Str("component", "metrics").Logger()}

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "avcapture_buffers_delivered_total",
		Help: "Buffers handed to the registered sink",
	}, func() float64 { return float64(delivery().Delivered) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "avcapture_bytes_delivered_total",
		Help: "Bytes handed to the registered sink",
	}, func() float64 { return float64(delivery().Bytes) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "avcapture_buffers_dropped_total",
		Help: "Buffers dropped for lack of a sink or outside a running capture",
	}, func() float64 { return float64(delivery().Dropped) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "avcapture_callback_violations_total",
		Help: "Buffers rejected for breaking the callback contract",
	}, func() float64 { return float64(delivery().Violations) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "avcapture_capture_running",
		Help: "1 while capture is running",
	}, func() float64 {
		if running() {
			return 1
		}
		return 0
	})

	return m
}

// WatchRecorder adds the recorder's counters.
func (m *Metrics) WatchRecorder(stats func() recorder.Stats) {
	m.f.NewCounterFunc(prometheus.CounterOpts{
		Name: "avcapture_recorder_bytes_written_total",
		Help: "Bytes written by the recorder",
	}, func() float64 { return float64(stats().Bytes) })
	m.f.NewCounterFunc(prometheus.CounterOpts{
		Name: "avcapture_recorder_buffers_dropped_total",
		Help: "Buffers the recorder dropped because its queue was full",
	}, func() float64 { return float64(stats().Dropped) })
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		m.reg, promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}),
	)
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	m.log.Info().Str("addr", addr).Msg("Exposing prometheus metrics")
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := hs.Shutdown(ctx); err != nil {
			m.log.Debug().Err(err).Msg("Failed to shut down metrics listener")
		}
	}()
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
