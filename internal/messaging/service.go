// Package messaging is the facade other components use to put work on the
// job queue and ask about it.
package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
	"octoflow/internal/queue"
)

// DegradedFailedJobs is the failed-job count above which the service reports
// itself degraded.
const DegradedFailedJobs = 10

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Queue is the part of queue.JobQueue the service relies on.
type Queue interface {
	Enqueue(job *domain.Job) error
	GetJobStatus(id string) (domain.Job, bool)
	GetJobsByStatus(status domain.JobStatus) []domain.Job
	CancelJob(id string) bool
	Stats() queue.Stats
	CleanupCompletedJobs(maxAge time.Duration) int
	Persist()
	Restore() int
}

// Handler executes jobs of one message type. Handlers are only stored here;
// running them is up to whoever dequeues the job.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, job domain.Job) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) (map[string]any, error) {
	return f(ctx, job)
}

type QueueStats struct {
	queue.Stats
	ServiceStatus      string   `json:"service_status"`
	RegisteredHandlers int      `json:"registered_handlers"`
	MessageTypes       []string `json:"message_types"`
}

type HandlerInfo struct {
	Count int      `json:"count"`
	Types []string `json:"types"`
}

type Health struct {
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
	Service   string       `json:"service,omitempty"`
	Queue     *queue.Stats `json:"queue,omitempty"`
	Handlers  *HandlerInfo `json:"handlers,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type Service struct {
	queue Queue

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
}

func NewService(q Queue) *Service {
	return &Service{queue: q, handlers: make(map[string]Handler)}
}

func (s *Service) RegisterHandler(messageType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[messageType] = h
}

func (s *Service) Handler(messageType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[messageType]
	return h, ok
}

// MessageTypes lists registered message types in sorted order.
func (s *Service) MessageTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SendMessage enqueues msg as a normal-priority job and returns the job id.
func (s *Service) SendMessage(msg domain.Message) (string, error) {
	return s.SendMessageWithPriority(msg, domain.PriorityNormal)
}

func (s *Service) SendMessageWithPriority(msg domain.Message, p domain.JobPriority) (string, error) {
	job := msg.ToJob(p)
	if err := s.queue.Enqueue(job); err != nil {
		return "", err
	}
	log.Debug().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Str("correlation_id", job.CorrelationID()).
		Msg("message enqueued")
	return job.ID, nil
}

func (s *Service) SubmitJob(job *domain.Job) (string, error) {
	if err := s.queue.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Service) GetJobStatus(id string) (domain.Job, bool) { return s.queue.GetJobStatus(id) }

func (s *Service) CancelJob(id string) bool { return s.queue.CancelJob(id) }

func (s *Service) GetJobsByStatus(status domain.JobStatus) []domain.Job {
	return s.queue.GetJobsByStatus(status)
}

func (s *Service) GetQueueStats() QueueStats {
	types := s.MessageTypes()
	status := "stopped"
	if s.IsRunning() {
		status = "running"
	}
	return QueueStats{
		Stats:              s.queue.Stats(),
		ServiceStatus:      status,
		RegisteredHandlers: len(types),
		MessageTypes:       types,
	}
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start restores queued work from the backup. Calling it again is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	n := s.queue.Restore()
	log.Info().Int("restored_jobs", n).Msg("messaging service started")
}

// Stop flushes the queue to its backup. Calling it again is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.queue.Persist()
	log.Info().Msg("messaging service stopped")
}

func (s *Service) HealthCheck() Health {
	now := time.Now()
	if !s.IsRunning() {
		return Health{Status: StatusUnhealthy, Error: "service is not running", Timestamp: now}
	}
	stats := s.queue.Stats()
	status := StatusHealthy
	if stats.FailedJobs > DegradedFailedJobs {
		status = StatusDegraded
	}
	types := s.MessageTypes()
	return Health{
		Status:    status,
		Service:   "running",
		Queue:     &stats,
		Handlers:  &HandlerInfo{Count: len(types), Types: types},
		Timestamp: now,
	}
}

// RunCleanup drops aged terminal jobs every interval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context, every, maxAge time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.queue.CleanupCompletedJobs(maxAge); n > 0 {
				log.Info().Int("removed", n).Dur("max_age", maxAge).Msg("cleaned up finished jobs")
			}
		}
	}
}
