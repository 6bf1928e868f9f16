package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/armadaproject/corral/internal/controller/locks"
	"github.com/armadaproject/corral/pkg/api"
)

const (
	namespace = "corral"
	subsystem = "controller"
)

var (
	journalSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "journal_sync_duration_seconds",
		Help:      "Time taken to make the journal durable",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	schedulingCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "scheduling_cycle_duration_seconds",
		Help:      "Time taken by a scheduling pass",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted by the controller",
	})
	jobsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_ended_total",
		Help:      "Jobs that reached a terminal state",
	}, []string{"state"})
	launchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "launch_failures_total",
		Help:      "Launch messages refused by, or never delivered to, an agent",
	}, []string{"code"})
	credentialRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "credential_rejections_total",
		Help:      "Launches refused by an agent because of the step credential",
	})
)

var (
	jobStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "jobs"),
		"Jobs known to the controller by state",
		[]string{"state"}, nil,
	)
	nodeStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "nodes"),
		"Nodes by state",
		[]string{"state"}, nil,
	)
	queuedWorkDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "queued_work"),
		"Work items waiting for a worker",
		nil, nil,
	)
)

// StateCollector reports job and node state counts at scrape time.
type StateCollector struct {
	c *Controller
}

func (c *Controller) MetricsCollector() prometheus.Collector {
	return &StateCollector{c: c}
}

func (s *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobStateDesc
	ch <- nodeStateDesc
	ch <- queuedWorkDesc
}

func (s *StateCollector) Collect(ch chan<- prometheus.Metric) {
	unlock := s.c.locks.Lock(locks.ReadAll)
	defer unlock()

	jobs := map[api.JobState]int{}
	for _, job := range s.c.jobDb.ReadTxn().GetAll() {
		jobs[job.State()]++
	}
	for state, n := range jobs {
		ch <- prometheus.MustNewConstMetric(jobStateDesc, prometheus.GaugeValue, float64(n), state.String())
	}

	nodes := map[api.NodeState]int{}
	for _, n := range s.c.nodeDb.Nodes() {
		nodes[n.State]++
	}
	for state, n := range nodes {
		ch <- prometheus.MustNewConstMetric(nodeStateDesc, prometheus.GaugeValue, float64(n), state.String())
	}
	ch <- prometheus.MustNewConstMetric(queuedWorkDesc, prometheus.GaugeValue, float64(s.c.pool.Queued()))
}
