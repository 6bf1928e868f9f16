package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "corral"
	subsystem = "agent"
)

var (
	launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "launches_total",
		Help:      "Step launch requests by result",
	}, []string{"kind", "result"})
	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tasks_running",
		Help:      "Task processes started and not yet reaped",
	})
	signalsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "signals_sent_total",
		Help:      "Signals delivered to step process groups",
	}, []string{"signal"})
	reportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "report_failures_total",
		Help:      "Messages to the controller that failed after every retry",
	}, []string{"kind"})
)
