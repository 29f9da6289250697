// Package metrics exposes pipeline counters for Prometheus. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Lianghan-Zhang/ecse-test/pkg/ecse"
	"github.com/Lianghan-Zhang/ecse-test/pkg/mvemit"
	"github.com/Lianghan-Zhang/ecse-test/pkg/prune"
)

const namespace = "ecse"

type Metrics struct {
	JoinSets      *prometheus.CounterVec
	Pruned        *prometheus.CounterVec
	Candidates    *prometheus.CounterVec
	GroupDuration prometheus.Histogram
	RunsInFlight  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JoinSets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joinsets_total",
			Help:      "JoinSets seen per pipeline stage.",
		}, []string{"stage"}),
		Pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_total",
			Help:      "JoinSets removed per pruning rule.",
		}, []string{"rule"}),
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Emitted view candidates by status.",
		}, []string{"status"}),
		GroupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_duration_seconds",
			Help:      "Time to run the algebra and pruning for one fact group.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Advisor runs currently executing.",
		}),
	}
	reg.MustRegister(m.JoinSets, m.Pruned, m.Candidates, m.GroupDuration, m.RunsInFlight)
	return m
}

// ObserveGroup records one finished fact group.
func (m *Metrics) ObserveGroup(g ecse.GroupResult) {
	if m == nil {
		return
	}
	s := g.Result.Stats
	for stage, n := range map[string]int{
		"input":                 s.InputCount,
		"rejected":              s.Rejected,
		"after_equiv_1":         s.AfterEquiv1,
		"intersections":         s.IntersectionsGenerated,
		"unions":                s.UnionsGenerated,
		"after_equiv_2":         s.AfterEquiv2,
		"after_superset_subset": s.AfterSupersetSubset,
		"kept":                  g.Pruned.Stats.Output,
	} {
		m.JoinSets.WithLabelValues(stage).Add(float64(n))
	}
	m.Pruned.WithLabelValues(string(prune.RuleB)).Add(float64(g.Pruned.Stats.PrunedB))
	m.Pruned.WithLabelValues(string(prune.RuleC)).Add(float64(g.Pruned.Stats.PrunedC))
	m.Pruned.WithLabelValues(string(prune.RuleD)).Add(float64(g.Pruned.Stats.PrunedD))
	m.GroupDuration.Observe(g.Duration.Seconds())
}

func (m *Metrics) ObserveCandidates(cands []mvemit.Candidate) {
	if m == nil {
		return
	}
	for _, c := range cands {
		m.Candidates.WithLabelValues(string(c.Status)).Inc()
	}
}

// RunStarted bumps the in-flight gauge and returns the matching decrement.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.RunsInFlight.Inc()
	return m.RunsInFlight.Dec
}
