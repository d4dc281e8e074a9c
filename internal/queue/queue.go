// Package queue holds the in-process priority job queue. Every mutation is
// written through to a Backup so pending work survives a restart.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
)

var (
	ErrInvalidPriority = errors.New("invalid job priority")
	ErrDuplicateJob    = errors.New("job id already queued")
)

// Stats is the counter snapshot plus the current depth of each sub-queue.
type Stats struct {
	Counters
	QueueUrgent int `json:"queue_urgent"`
	QueueHigh   int `json:"queue_high"`
	QueueNormal int `json:"queue_normal"`
	QueueLow    int `json:"queue_low"`
}

type Option func(*JobQueue)

// WithRequeueRunning makes Restore put jobs that were running when the
// snapshot was taken back to pending.
func WithRequeueRunning() Option {
	return func(q *JobQueue) { q.requeueRunning = true }
}

// JobQueue keeps one FIFO per priority level. A job sits in a sub-queue iff
// its status is pending.
type JobQueue struct {
	mu     sync.Mutex
	queues map[domain.JobPriority][]*domain.Job
	jobs   map[string]*domain.Job
	stats  Counters
	rr     int

	backup         Backup
	requeueRunning bool
}

// New returns an empty queue. A nil backup disables persistence.
func New(backup Backup, opts ...Option) *JobQueue {
	q := &JobQueue{
		queues: make(map[domain.JobPriority][]*domain.Job, len(domain.Priorities)),
		jobs:   make(map[string]*domain.Job),
		backup: backup,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue fills the job's defaults and queues it. job is only modified when
// it is accepted.
func (q *JobQueue) Enqueue(job *domain.Job) error {
	priority := job.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return ErrInvalidPriority
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; ok && job.ID != "" {
		return ErrDuplicateJob
	}

	job.Priority = priority
	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = domain.DefaultMaxRetries
	}
	job.Status = domain.JobPending

	stored := job.Clone()
	q.jobs[stored.ID] = &stored
	q.queues[stored.Priority] = append(q.queues[stored.Priority], &stored)
	q.stats.TotalJobs++
	q.stats.PendingJobs++
	q.persistLocked()
	return nil
}

// Dequeue pops the next pending job and marks it running. With priority set
// the most urgent non-empty level wins; otherwise levels take turns. It
// returns nil when nothing is pending and never blocks.
func (q *JobQueue) Dequeue(priority bool) *domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job *domain.Job
	if priority {
		for _, p := range domain.Priorities {
			if job = q.popLocked(p); job != nil {
				break
			}
		}
	} else {
		n := len(domain.Priorities)
		for i := 0; i < n; i++ {
			idx := (q.rr + i) % n
			if job = q.popLocked(domain.Priorities[idx]); job != nil {
				q.rr = (idx + 1) % n
				break
			}
		}
	}
	if job == nil {
		return nil
	}
	q.setStatusLocked(job, domain.JobRunning, update{})
	q.persistLocked()
	out := job.Clone()
	return &out
}

func (q *JobQueue) GetJobStatus(id string) (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return j.Clone(), true
}

// GetJobsByStatus returns matching jobs oldest first.
func (q *JobQueue) GetJobsByStatus(status domain.JobStatus) []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Job
	for _, j := range q.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out
}

type update struct {
	startedAt   *time.Time
	completedAt *time.Time
	result      map[string]any
	errMsg      *string
	retryCount  *int
	metadata    map[string]any
}

// UpdateOption overrides a field alongside a status change.
type UpdateOption func(*update)

func WithStartedAt(t time.Time) UpdateOption   { return func(u *update) { u.startedAt = &t } }
func WithCompletedAt(t time.Time) UpdateOption { return func(u *update) { u.completedAt = &t } }
func WithResult(r map[string]any) UpdateOption { return func(u *update) { u.result = r } }
func WithError(msg string) UpdateOption        { return func(u *update) { u.errMsg = &msg } }
func WithRetryCount(n int) UpdateOption        { return func(u *update) { u.retryCount = &n } }

// WithMetadata merges keys into the job's metadata.
func WithMetadata(m map[string]any) UpdateOption { return func(u *update) { u.metadata = m } }

// UpdateJobStatus is the single path for status changes reported by workers.
// It returns false for an unknown id or an invalid status.
func (q *JobQueue) UpdateJobStatus(id string, status domain.JobStatus, opts ...UpdateOption) bool {
	if !status.Valid() {
		return false
	}
	var u update
	for _, o := range opts {
		o(&u)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	q.setStatusLocked(job, status, u)
	q.persistLocked()
	return true
}

// CancelJob cancels a pending job. Any other status is left untouched.
func (q *JobQueue) CancelJob(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.Status != domain.JobPending {
		return false
	}
	q.setStatusLocked(job, domain.JobCancelled, update{})
	q.persistLocked()
	return true
}

func (q *JobQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Counters:    q.stats,
		QueueUrgent: len(q.queues[domain.PriorityUrgent]),
		QueueHigh:   len(q.queues[domain.PriorityHigh]),
		QueueNormal: len(q.queues[domain.PriorityNormal]),
		QueueLow:    len(q.queues[domain.PriorityLow]),
	}
}

// CleanupCompletedJobs drops terminal jobs that finished more than maxAge ago.
func (q *JobQueue) CleanupCompletedJobs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, j := range q.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		if b := q.stats.bucket(j.Status); b != nil && *b > 0 {
			*b--
		}
		q.stats.TotalJobs--
		delete(q.jobs, id)
		removed++
	}
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// Persist writes the current table to the backup.
func (q *JobQueue) Persist() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persistLocked()
}

// Restore loads the backup into the queue. Jobs already present are kept,
// pending jobs go back into their sub-queues oldest first and the counters
// are recomputed from the resulting table. It returns the number of jobs
// read from the backup.
func (q *JobQueue) Restore() int {
	if q.backup == nil {
		return 0
	}
	snap, ok, err := q.backup.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to restore jobs")
		return 0
	}
	if !ok {
		log.Info().Msg("no job backup found, starting with empty queue")
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*domain.Job
	restored := 0
	requeued := 0
	for id, rec := range snap.Jobs {
		if _, exists := q.jobs[id]; exists {
			continue
		}
		if !rec.Status.Valid() || !rec.Priority.Valid() {
			log.Warn().Str("job_id", id).Str("status", string(rec.Status)).Msg("skipping invalid job record")
			continue
		}
		j := rec
		j.ID = id
		if j.Status == domain.JobRunning && q.requeueRunning {
			j.Status = domain.JobPending
			j.StartedAt = nil
			requeued++
		}
		q.jobs[id] = &j
		if j.Status == domain.JobPending {
			pending = append(pending, &j)
		}
		restored++
	}

	sort.Slice(pending, func(a, b int) bool { return lessJob(pending[a], pending[b]) })
	for _, j := range pending {
		q.queues[j.Priority] = append(q.queues[j.Priority], j)
	}
	q.recountLocked()
	log.Info().Int("restored", restored).Int("pending", len(pending)).Int("requeued", requeued).Msg("restored jobs from backup")
	return restored
}

func (q *JobQueue) popLocked(p domain.JobPriority) *domain.Job {
	sq := q.queues[p]
	if len(sq) == 0 {
		return nil
	}
	job := sq[0]
	sq[0] = nil
	q.queues[p] = sq[1:]
	return job
}

func (q *JobQueue) removeFromQueueLocked(job *domain.Job) {
	sq := q.queues[job.Priority]
	for i, j := range sq {
		if j == job {
			q.queues[job.Priority] = append(sq[:i:i], sq[i+1:]...)
			return
		}
	}
}

func (q *JobQueue) setStatusLocked(job *domain.Job, status domain.JobStatus, u update) {
	old := job.Status
	now := time.Now()

	if old == domain.JobPending && status != domain.JobPending {
		q.removeFromQueueLocked(job)
	}
	if old != domain.JobPending && status == domain.JobPending {
		q.queues[job.Priority] = append(q.queues[job.Priority], job)
	}

	job.Status = status
	switch {
	case status == domain.JobRunning && u.startedAt == nil:
		job.StartedAt = &now
	case status.Terminal() && u.completedAt == nil:
		job.CompletedAt = &now
	}
	if u.startedAt != nil {
		job.StartedAt = u.startedAt
	}
	if u.completedAt != nil {
		job.CompletedAt = u.completedAt
	}
	if u.result != nil {
		job.Result = u.result
	}
	if u.errMsg != nil {
		job.Error = *u.errMsg
	}
	if u.retryCount != nil {
		job.RetryCount = *u.retryCount
	}
	if len(u.metadata) > 0 {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(u.metadata))
		}
		for k, v := range u.metadata {
			job.Metadata[k] = v
		}
	}

	if b := q.stats.bucket(old); b != nil && *b > 0 {
		*b--
	}
	if b := q.stats.bucket(status); b != nil {
		*b++
	}
}

func (q *JobQueue) recountLocked() {
	q.stats = Counters{TotalJobs: len(q.jobs)}
	for _, j := range q.jobs {
		if b := q.stats.bucket(j.Status); b != nil {
			*b++
		}
	}
}

// persistLocked runs after the in-memory change so a failed write never
// leaves a half-applied job behind. Failures are logged and the queue keeps
// working from memory.
func (q *JobQueue) persistLocked() {
	if q.backup == nil {
		return
	}
	snap := Snapshot{
		Jobs:      make(map[string]domain.Job, len(q.jobs)),
		Timestamp: time.Now(),
		Stats:     q.stats,
	}
	for id, j := range q.jobs {
		snap.Jobs[id] = j.Clone()
	}
	if err := q.backup.Save(snap); err != nil {
		log.Error().Err(err).Int("jobs", len(snap.Jobs)).Msg("failed to back up jobs")
	}
}

func lessJob(a, b *domain.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortJobs(js []domain.Job) {
	sort.Slice(js, func(a, b int) bool { return lessJob(&js[a], &js[b]) })
}
