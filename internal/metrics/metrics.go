// Package metrics declares the Prometheus vectors this gate exposes,
// following the teacher's internal/metrics: a flat struct of CounterVec and
// HistogramVec fields built in New and registered once via
// prometheus.MustRegister.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter and histogram the gate records.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	SyncTotal       *prometheus.CounterVec
	PushValidations *prometheus.CounterVec
	ForwardSeconds  *prometheus.HistogramVec
	CGISeconds      *prometheus.HistogramVec
	RejectedTotal   *prometheus.CounterVec
}

// New builds and registers the gate's metric vectors.
func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_push_gate_requests_total",
			Help: "HTTP requests received by repo and kind (info-refs-receive, info-refs-upload, receive-pack, upload-pack, other)",
		}, []string{"repo", "kind"}),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_push_gate_sync_total",
			Help: "upstream mirror sync attempts by repo and result (ok, error)",
		}, []string{"repo", "result"}),
		PushValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_push_gate_push_validations_total",
			Help: "push validation outcomes by repo and result (accepted, rejected)",
		}, []string{"repo", "result"}),
		ForwardSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_push_gate_forward_seconds",
			Help:    "time spent forwarding accepted ref updates to upstream",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo"}),
		CGISeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "git_push_gate_cgi_seconds",
			Help:    "time spent in the git http-backend CGI child by repo and kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"repo", "kind"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "git_push_gate_rejected_total",
			Help: "rejected ref updates by repo and reason",
		}, []string{"repo", "reason"}),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.SyncTotal,
		m.PushValidations,
		m.ForwardSeconds,
		m.CGISeconds,
		m.RejectedTotal,
	)
	return m
}
