package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

type task struct {
	run      func()
	interval time.Duration
	name     string
	stop     chan struct{}
	latency  prometheus.Histogram
}

// BackgroundTaskManager runs functions periodically on their own goroutines, recording how long each run takes.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	clock         clock.WithTicker
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		clock:         clock.RealClock{},
		wg:            &sync.WaitGroup{},
	}
}

// WithClock replaces the clock used to time task intervals; intended for tests.
func (m *BackgroundTaskManager) WithClock(c clock.WithTicker) *BackgroundTaskManager {
	m.clock = c
	return m
}

// Register runs backgroundTask immediately and then every interval until StopAll is called.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	histogram := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + metricName + "_latency_seconds",
			Help:    "Background loop " + metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})
	if m.registerer != nil {
		m.registerer.MustRegister(histogram)
	}
	task := &task{
		run:      backgroundTask,
		interval: interval,
		name:     metricName,
		stop:     make(chan struct{}),
		latency:  histogram,
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for them to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOnce(task)
		ticker := m.clock.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
			case <-task.stop:
				return
			}
			m.runOnce(task)
		}
	}()
}

func (m *BackgroundTaskManager) runOnce(task *task) {
	start := m.clock.Now()
	task.run()
	task.latency.Observe(m.clock.Since(start).Seconds())
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stop)
	}
	m.tasks = nil
}
