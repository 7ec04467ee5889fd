package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/dat-gateway/internal/events"
)

// PrometheusSink turns lifecycle events into gateway_archive_* collectors.
type PrometheusSink struct {
	opens        *prometheus.CounterVec
	openDuration *prometheus.HistogramVec
	readiness    *prometheus.CounterVec
	settle       *prometheus.HistogramVec
	hits         prometheus.Counter
	evictions    *prometheus.CounterVec
	resident     prometheus.Gauge
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_archive_opens_total",
			Help: "Archive opens partitioned by result.",
		}, []string{"result"}),
		openDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_archive_open_duration_seconds",
			Help:    "Time spent in the network open call.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),
		readiness: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_archive_readiness_total",
			Help: "How opened archives settled: confirmed by the network or best effort after the grace period.",
		}, []string{"outcome"}),
		settle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_archive_settle_seconds",
			Help:    "Time from open to readiness decision.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 3, 5},
		}, []string{"outcome"}),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_archive_cache_hits_total",
			Help: "Acquisitions served from an already cached handle.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_archive_evictions_total",
			Help: "Cache evictions partitioned by reason.",
		}, []string{"reason"}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_archive_open_handles",
			Help: "Handles opened and not yet closed.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.opens,
		s.openDuration,
		s.readiness,
		s.settle,
		s.hits,
		s.evictions,
		s.resident,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindOpened:
			s.opens.WithLabelValues("success").Inc()
			s.openDuration.WithLabelValues("success").Observe(evt.Dur.Seconds())
			s.resident.Inc()
		case events.KindOpenFailed:
			s.opens.WithLabelValues("error").Inc()
			s.openDuration.WithLabelValues("error").Observe(evt.Dur.Seconds())
		case events.KindReady:
			s.readiness.WithLabelValues("confirmed").Inc()
			s.settle.WithLabelValues("confirmed").Observe(evt.Dur.Seconds())
		case events.KindBestEffort:
			s.readiness.WithLabelValues("best_effort").Inc()
			s.settle.WithLabelValues("best_effort").Observe(evt.Dur.Seconds())
		case events.KindHit:
			s.hits.Inc()
		case events.KindEvicted:
			s.evictions.WithLabelValues(string(evt.Reason)).Inc()
		case events.KindClosed:
			s.resident.Dec()
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
