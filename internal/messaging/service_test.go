package messaging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octoflow/internal/domain"
	"octoflow/internal/queue"
)

func newService(t *testing.T) (*Service, *queue.JobQueue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs_backup.json")
	q := queue.New(queue.NewFileBackup(path))
	return NewService(q), q, path
}

func TestSendMessageCarriesCorrelationID(t *testing.T) {
	svc, q, _ := newService(t)
	msg := domain.Message{Type: "scheduled_task", Payload: map[string]any{"task_id": "t1"}, CorrelationID: "task_t1"}

	id, err := svc.SendMessage(msg)
	require.NoError(t, err)

	job, ok := q.GetJobStatus(id)
	require.True(t, ok)
	assert.Equal(t, "scheduled_task", job.Type)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, "task_t1", job.CorrelationID())
	assert.Equal(t, "t1", job.Payload["task_id"])
}

func TestSendMessageGeneratesCorrelationID(t *testing.T) {
	svc, _, _ := newService(t)
	id, err := svc.SendMessageWithPriority(domain.Message{Type: "ping"}, domain.PriorityUrgent)
	require.NoError(t, err)

	job, ok := svc.GetJobStatus(id)
	require.True(t, ok)
	assert.NotEmpty(t, job.CorrelationID())
	assert.Equal(t, domain.PriorityUrgent, job.Priority)
}

func TestSubmitJobAndPassThroughs(t *testing.T) {
	svc, q, _ := newService(t)
	job := &domain.Job{Type: "report", Priority: domain.PriorityHigh}
	id, err := svc.SubmitJob(job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, id)

	_, err = svc.SubmitJob(&domain.Job{Type: "bad", Priority: domain.JobPriority(42)})
	assert.ErrorIs(t, err, queue.ErrInvalidPriority)

	assert.Len(t, svc.GetJobsByStatus(domain.JobPending), 1)
	assert.True(t, svc.CancelJob(id))
	assert.False(t, svc.CancelJob(id))
	assert.Len(t, svc.GetJobsByStatus(domain.JobCancelled), 1)

	_, ok := svc.GetJobStatus("missing")
	assert.False(t, ok)
	assert.Nil(t, q.Dequeue(true))
}

func TestQueueStatsIncludeServiceInfo(t *testing.T) {
	svc, _, _ := newService(t)
	svc.RegisterHandler("b", HandlerFunc(func(context.Context, domain.Job) (map[string]any, error) { return nil, nil }))
	svc.RegisterHandler("a", HandlerFunc(func(context.Context, domain.Job) (map[string]any, error) { return nil, nil }))
	_, err := svc.SendMessage(domain.NewMessage("a", nil))
	require.NoError(t, err)

	stats := svc.GetQueueStats()
	assert.Equal(t, "stopped", stats.ServiceStatus)
	assert.Equal(t, 2, stats.RegisteredHandlers)
	assert.Equal(t, []string{"a", "b"}, stats.MessageTypes)
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.QueueNormal)

	svc.Start()
	assert.Equal(t, "running", svc.GetQueueStats().ServiceStatus)

	_, ok := svc.Handler("a")
	assert.True(t, ok)
	_, ok = svc.Handler("zzz")
	assert.False(t, ok)
}

func TestStartRestoresAndStopPersists(t *testing.T) {
	svc, _, path := newService(t)
	svc.Start()
	id, err := svc.SendMessage(domain.NewMessage("scheduled_task", map[string]any{"task_id": "x"}))
	require.NoError(t, err)
	svc.Stop()
	svc.Stop()
	assert.False(t, svc.IsRunning())

	next := NewService(queue.New(queue.NewFileBackup(path)))
	next.Start()
	next.Start()
	job, ok := next.GetJobStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 1, next.GetQueueStats().TotalJobs, "a second Start must not restore twice")
}

func TestHealthCheck(t *testing.T) {
	svc, q, _ := newService(t)
	h := svc.HealthCheck()
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.NotEmpty(t, h.Error)

	svc.Start()
	h = svc.HealthCheck()
	assert.Equal(t, StatusHealthy, h.Status)
	require.NotNil(t, h.Queue)
	require.NotNil(t, h.Handlers)

	for i := 0; i <= DegradedFailedJobs; i++ {
		j := &domain.Job{Type: "t"}
		require.NoError(t, q.Enqueue(j))
		require.True(t, q.UpdateJobStatus(j.ID, domain.JobFailed))
	}
	h = svc.HealthCheck()
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, DegradedFailedJobs+1, h.Queue.FailedJobs)
}

func TestRunCleanup(t *testing.T) {
	svc, q, _ := newService(t)
	j := &domain.Job{Type: "t"}
	require.NoError(t, q.Enqueue(j))
	require.True(t, q.UpdateJobStatus(j.ID, domain.JobCompleted, queue.WithCompletedAt(time.Now().Add(-time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunCleanup(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := q.GetJobStatus(j.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
