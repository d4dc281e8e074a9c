package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octoflow/internal/domain"
	"octoflow/internal/messaging"
	"octoflow/internal/queue"
)

type recorder struct {
	mu  sync.Mutex
	got map[domain.JobStatus]int
}

func (r *recorder) ObserveJob(_ string, status domain.JobStatus, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = map[domain.JobStatus]int{}
	}
	r.got[status]++
}

func (r *recorder) count(s domain.JobStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[s]
}

func TestPoolReportsOutcomes(t *testing.T) {
	q := queue.New(nil)
	svc := messaging.NewService(q)
	svc.RegisterHandler("ok", messaging.HandlerFunc(func(_ context.Context, j domain.Job) (map[string]any, error) {
		return map[string]any{"echo": j.Payload["v"]}, nil
	}))
	svc.RegisterHandler("boom", messaging.HandlerFunc(func(context.Context, domain.Job) (map[string]any, error) {
		return nil, errors.New("exploded")
	}))
	svc.RegisterHandler("panic", messaging.HandlerFunc(func(context.Context, domain.Job) (map[string]any, error) {
		panic("bad handler")
	}))

	okID, err := svc.SendMessage(domain.NewMessage("ok", map[string]any{"v": "x"}))
	require.NoError(t, err)
	boomID, err := svc.SendMessage(domain.NewMessage("boom", nil))
	require.NoError(t, err)
	panicID, err := svc.SendMessage(domain.NewMessage("panic", nil))
	require.NoError(t, err)
	unknownID, err := svc.SendMessage(domain.NewMessage("mystery", nil))
	require.NoError(t, err)

	rec := &recorder{}
	pool := NewPool(q, svc, 2, 5*time.Millisecond, WithTimeout(time.Second), WithObserver(rec))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.CompletedJobs == 1 && s.FailedJobs == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	job, _ := q.GetJobStatus(okID)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, map[string]any{"echo": "x"}, job.Result)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	job, _ = q.GetJobStatus(boomID)
	assert.Equal(t, domain.JobFailed, job.Status)
	assert.Equal(t, "exploded", job.Error)
	assert.Zero(t, job.RetryCount, "failed jobs are not retried")

	job, _ = q.GetJobStatus(panicID)
	assert.Contains(t, job.Error, "handler panic")

	job, _ = q.GetJobStatus(unknownID)
	assert.Contains(t, job.Error, "no handler")

	assert.Equal(t, 1, rec.count(domain.JobCompleted))
	assert.Equal(t, 3, rec.count(domain.JobFailed))
}

func TestPoolHonoursConcurrencyLimit(t *testing.T) {
	q := queue.New(nil)
	svc := messaging.NewService(q)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	svc.RegisterHandler("slow", messaging.HandlerFunc(func(context.Context, domain.Job) (map[string]any, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}))
	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(domain.NewMessage("slow", nil))
		require.NoError(t, err)
	}

	pool := NewPool(q, svc, 2, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Stats().RunningJobs == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, q.Stats().RunningJobs)
	assert.Equal(t, 3, q.Stats().PendingJobs)

	close(release)
	require.Eventually(t, func() bool { return q.Stats().CompletedJobs == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}
