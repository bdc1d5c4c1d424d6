package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const MetricPrefix = "pilotmatch_"

// MatchMetrics implements matching.MetricsSink on prometheus counters.
type MatchMetrics struct {
	attempts *prometheus.CounterVec
	matched  *prometheus.CounterVec
	noMatch  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func ExposeMatchMetrics() *MatchMetrics {
	m := &MatchMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "match_attempts_total",
			Help: "Number of match attempts",
		}, []string{"site"}),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_matched_total",
			Help: "Number of jobs handed to resources",
		}, []string{"site"}),
		noMatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "no_match_total",
			Help: "Number of match attempts that found no eligible job",
		}, []string{"site"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "match_errors_total",
			Help: "Number of failed match attempts by error kind",
		}, []string{"site", "kind"}),
	}
	prometheus.MustRegister(m.attempts, m.matched, m.noMatch, m.errors)
	return m
}

func (m *MatchMetrics) RecordMatchAttempt(site string) {
	m.attempts.WithLabelValues(site).Inc()
}

func (m *MatchMetrics) RecordMatched(site string) {
	m.matched.WithLabelValues(site).Inc()
}

func (m *MatchMetrics) RecordNoMatch(site string) {
	m.noMatch.WithLabelValues(site).Inc()
}

func (m *MatchMetrics) RecordMatchError(site string, kind string) {
	m.errors.WithLabelValues(site, kind).Inc()
}
