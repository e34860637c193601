package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/curious-surfer/internal/progress"
)

// PrometheusSink exports session progress as Prometheus collectors.
type PrometheusSink struct {
	sessionsStarted prometheus.Counter
	sessionsRunning prometheus.Gauge
	sessionRuntime  prometheus.Histogram
	siteDuration    *prometheus.HistogramVec
	siteOutcome     prometheus.Histogram
	jobScore        prometheus.Histogram

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surfer_sessions_started_total",
			Help: "Exploration sessions started.",
		}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surfer_sessions_running",
			Help: "Exploration sessions currently running.",
		}),
		sessionRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "surfer_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}),
		siteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surfer_site_duration_seconds",
			Help:    "Time spent on one site, by stage.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		siteOutcome: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "surfer_site_outcome_score",
			Help:    "Success score recorded per visited site.",
			Buckets: []float64{0.1, 0.3, 0.4, 0.8, 0.9, 1},
		}),
		jobScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "surfer_job_relevance_score",
			Help:    "Relevance score of found jobs.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.sessionsStarted, s.sessionsRunning, s.sessionRuntime,
		s.siteDuration, s.siteOutcome, s.jobScore,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessionsStarted.Inc()
			if s.track(evt.SessionID, true) {
				s.sessionsRunning.Inc()
			}
		case progress.StageSessionDone:
			if evt.Dur > 0 {
				s.sessionRuntime.Observe(evt.Dur.Seconds())
			}
			if s.track(evt.SessionID, false) {
				s.sessionsRunning.Dec()
			}
		case progress.StageSiteDone, progress.StageSiteError:
			result := "done"
			if evt.Stage == progress.StageSiteError {
				result = "error"
			}
			if evt.Dur > 0 {
				s.siteDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
			}
			s.siteOutcome.Observe(evt.Outcome)
		case progress.StageJobFound:
			s.jobScore.Observe(float64(evt.Score))
		}
	}
	return nil
}

// track marks a session running or finished and reports whether the state changed.
func (s *PrometheusSink) track(id string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	if start {
		s.running[id] = struct{}{}
		return !ok
	}
	delete(s.running, id)
	return ok
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
