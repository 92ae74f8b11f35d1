package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scraper-intel/internal/progress"
)

// PrometheusSink exports job lifecycle metrics derived from progress events.
type PrometheusSink struct {
	events     *prometheus.CounterVec
	jobsActive prometheus.Gauge
	jobRuntime *prometheus.HistogramVec
	retries    prometheus.Counter

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_job_events_total",
			Help: "Job lifecycle events by type.",
		}, []string{"type"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intel_jobs_running",
			Help: "Jobs currently between started and a terminal event.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intel_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intel_job_retries_total",
			Help: "Scrape attempts beyond the first.",
		}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{s.events, s.jobsActive, s.jobRuntime, s.retries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Type)).Inc()
		switch {
		case evt.Type == progress.EventStarted:
			if _, ok := s.running[evt.JobID]; !ok {
				s.running[evt.JobID] = struct{}{}
				s.jobsActive.Inc()
			}
		case evt.Type == progress.EventProgress && evt.Attempt > 1:
			s.retries.Inc()
		case evt.Type.Terminal():
			if _, ok := s.running[evt.JobID]; ok {
				delete(s.running, evt.JobID)
				s.jobsActive.Dec()
			}
			if evt.Duration > 0 {
				s.jobRuntime.WithLabelValues(string(evt.Type)).Observe(evt.Duration.Seconds())
			}
		}
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
