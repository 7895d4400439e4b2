package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus. It owns collectors for
// runs started/finished/running, verified resources and faults.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runRuntime   *prometheus.HistogramVec

	verified       *prometheus.CounterVec
	verifiedBytes  *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	faults         prometheus.Counter
	poolInstances  prometheus.Gauge
	leaked         prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkcheck_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkcheck_runs_finished_total",
			Help: "Total crawl runs finished partitioned by final state.",
		}, []string{"state"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkcheck_runs_running",
			Help: "Current number of running crawls.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkcheck_run_runtime_seconds",
			Help:    "Wall time per finished crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"state"}),
		verified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkcheck_progress_verified_total",
			Help: "Verified resources partitioned by scope and status class.",
		}, []string{"scope", "status_class"}),
		verifiedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkcheck_progress_bytes_total",
			Help: "Bytes reported by verified resources per scope.",
		}, []string{"scope"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkcheck_progress_verify_seconds",
			Help:    "Verification duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkcheck_faults_total",
			Help: "Fault events raised by crawl runs.",
		}),
		poolInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkcheck_progress_pool_instances",
			Help: "Renderer instances after the most recent pool resize.",
		}),
		leaked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkcheck_pool_leaked_instances_total",
			Help: "Renderer instances not disposed at pool shutdown.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runRuntime,
		s.verified,
		s.verifiedBytes,
		s.verifyDuration,
		s.faults,
		s.poolInstances,
		s.leaked,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.KindRunDone:
		state := evt.State
		if state == "" {
			state = "unknown"
		}
		s.runsFinished.WithLabelValues(state).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(state).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.KindResourceVerified:
		s.handleVerified(evt)
	case progress.KindFault:
		s.faults.Inc()
	case progress.KindPoolResized:
		s.poolInstances.Set(float64(evt.Count))
	case progress.KindPoolLeak:
		if evt.Count > 0 {
			s.leaked.Add(float64(evt.Count))
		}
	}
}

func (s *PrometheusSink) handleVerified(evt progress.Event) {
	scope := scopeLabel(evt.Internal)
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.verified.WithLabelValues(scope, statusClass).Inc()
	if evt.Bytes > 0 {
		s.verifiedBytes.WithLabelValues(scope).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.verifyDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
}

func scopeLabel(internal bool) string {
	if internal {
		return "internal"
	}
	return "external"
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
