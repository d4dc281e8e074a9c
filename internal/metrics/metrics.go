// Package metrics exposes queue, scheduler and worker state to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"octoflow/internal/domain"
	"octoflow/internal/queue"
	"octoflow/internal/scheduler"
)

const namespace = "octoflow"

type QueueSource interface {
	Stats() queue.Stats
}

type SchedulerSource interface {
	Status() scheduler.Status
}

// Metrics owns a registry. Queue and scheduler figures are read at scrape
// time; worker outcomes are pushed through ObserveJob.
type Metrics struct {
	reg *prometheus.Registry

	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

func New(q QueueSource, s SchedulerSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		&stateCollector{queue: q, sched: s},
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs finished by the worker pool, by outcome and type.",
		}, []string{"status", "type"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler run time per job type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func (m *Metrics) ObserveJob(jobType string, status domain.JobStatus, took time.Duration) {
	m.processed.WithLabelValues(string(status), jobType).Inc()
	m.duration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

var (
	jobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "jobs"),
		"Jobs currently tracked by the queue, by status.",
		[]string{"status"}, nil)
	jobsTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "jobs_tracked"),
		"All jobs currently tracked by the queue.",
		nil, nil)
	depthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "depth"),
		"Pending jobs waiting in each priority sub-queue.",
		[]string{"priority"}, nil)
	triggersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "triggers"),
		"Triggers registered with the scheduler engine.",
		nil, nil)
	schedulerUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "scheduler", "running"),
		"1 when the scheduler engine is running.",
		nil, nil)
)

type stateCollector struct {
	queue QueueSource
	sched SchedulerSource
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- jobsTotalDesc
	ch <- depthDesc
	ch <- triggersDesc
	ch <- schedulerUpDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.queue.Stats()
	byStatus := map[domain.JobStatus]int{
		domain.JobPending:   st.PendingJobs,
		domain.JobRunning:   st.RunningJobs,
		domain.JobCompleted: st.CompletedJobs,
		domain.JobFailed:    st.FailedJobs,
		domain.JobCancelled: st.CancelledJobs,
	}
	for status, n := range byStatus {
		ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(jobsTotalDesc, prometheus.GaugeValue, float64(st.TotalJobs))

	depth := map[domain.JobPriority]int{
		domain.PriorityUrgent: st.QueueUrgent,
		domain.PriorityHigh:   st.QueueHigh,
		domain.PriorityNormal: st.QueueNormal,
		domain.PriorityLow:    st.QueueLow,
	}
	for p, n := range depth {
		ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(n), p.String())
	}

	if c.sched == nil {
		return
	}
	ss := c.sched.Status()
	ch <- prometheus.MustNewConstMetric(triggersDesc, prometheus.GaugeValue, float64(ss.JobCount))
	up := 0.0
	if ss.Running {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(schedulerUpDesc, prometheus.GaugeValue, up)
}
