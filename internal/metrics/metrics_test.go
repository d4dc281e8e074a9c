package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octoflow/internal/domain"
	"octoflow/internal/queue"
	"octoflow/internal/scheduler"
)

type staticScheduler scheduler.Status

func (s staticScheduler) Status() scheduler.Status { return scheduler.Status(s) }

func seededQueue(t *testing.T) *queue.JobQueue {
	t.Helper()
	q := queue.New(nil)
	for _, p := range []domain.JobPriority{domain.PriorityUrgent, domain.PriorityNormal, domain.PriorityLow} {
		require.NoError(t, q.Enqueue(&domain.Job{Type: "t", Priority: p}))
	}
	job := q.Dequeue(true)
	require.NotNil(t, job)
	require.True(t, q.UpdateJobStatus(job.ID, domain.JobFailed))
	return q
}

func TestStateCollector(t *testing.T) {
	c := &stateCollector{queue: seededQueue(t), sched: staticScheduler{Running: true, JobCount: 3, TaskJobsCount: 3}}

	expected := `
# HELP octoflow_queue_depth Pending jobs waiting in each priority sub-queue.
# TYPE octoflow_queue_depth gauge
octoflow_queue_depth{priority="high"} 0
octoflow_queue_depth{priority="low"} 1
octoflow_queue_depth{priority="normal"} 1
octoflow_queue_depth{priority="urgent"} 0
# HELP octoflow_jobs Jobs currently tracked by the queue, by status.
# TYPE octoflow_jobs gauge
octoflow_jobs{status="cancelled"} 0
octoflow_jobs{status="completed"} 0
octoflow_jobs{status="failed"} 1
octoflow_jobs{status="pending"} 2
octoflow_jobs{status="running"} 0
# HELP octoflow_jobs_tracked All jobs currently tracked by the queue.
# TYPE octoflow_jobs_tracked gauge
octoflow_jobs_tracked 3
# HELP octoflow_scheduler_triggers Triggers registered with the scheduler engine.
# TYPE octoflow_scheduler_triggers gauge
octoflow_scheduler_triggers 3
# HELP octoflow_scheduler_running 1 when the scheduler engine is running.
# TYPE octoflow_scheduler_running gauge
octoflow_scheduler_running 1
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestObserveJob(t *testing.T) {
	m := New(queue.New(nil), staticScheduler{})
	m.ObserveJob("ping", domain.JobCompleted, 20*time.Millisecond)
	m.ObserveJob("ping", domain.JobCompleted, 30*time.Millisecond)
	m.ObserveJob("ping", domain.JobFailed, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.processed.WithLabelValues("completed", "ping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues("failed", "ping")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(seededQueue(t), staticScheduler{Running: true})
	m.ObserveJob("ping", domain.JobCompleted, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `octoflow_queue_depth{priority="low"} 1`)
	assert.Contains(t, text, `octoflow_jobs_processed_total{status="completed",type="ping"} 1`)
	assert.Contains(t, text, "go_goroutines")
}
