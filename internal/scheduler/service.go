package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
)

// Sender is where fired triggers deliver their messages.
type Sender interface {
	SendMessage(msg domain.Message) (string, error)
}

type Status struct {
	Running       bool `json:"running"`
	JobCount      int  `json:"job_count"`
	TaskJobsCount int  `json:"task_jobs_count"`
}

// Service turns tasks into triggers. It owns only the task id to trigger id
// mapping; task definitions live with the caller.
type Service struct {
	sender Sender
	engine Engine

	mu       sync.Mutex
	taskJobs map[string]TriggerID
}

func NewService(sender Sender, engine Engine) *Service {
	return &Service{
		sender:   sender,
		engine:   engine,
		taskJobs: make(map[string]TriggerID),
	}
}

func (s *Service) Start() {
	s.engine.Start()
	log.Info().Str("location", s.engine.Location().String()).Msg("scheduler started")
}

func (s *Service) Stop() {
	s.engine.Stop()
	log.Info().Msg("scheduler stopped")
}

// ScheduleTask registers a trigger for task, replacing any trigger the task
// already had. It reports false when the task's timing cannot be scheduled.
func (s *Service) ScheduleTask(task domain.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.register(task)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to schedule task")
		return false
	}
	if old, ok := s.taskJobs[task.ID]; ok {
		s.engine.Cancel(old)
	}
	s.taskJobs[task.ID] = id

	ev := log.Info().Str("task_id", task.ID).Str("trigger_id", string(id))
	if info, ok := s.engine.Trigger(id); ok {
		ev = ev.Str("spec", info.Spec).Time("next_run", info.NextRun)
	}
	ev.Msg("task scheduled")
	return true
}

func (s *Service) register(task domain.Task) (TriggerID, error) {
	taskID := task.ID
	fire := func() { s.executeTask(taskID) }

	switch task.TaskType {
	case domain.TaskScheduled:
		return s.engine.AddOneShot(task.ScheduledAt, fire)
	case domain.TaskRepeated:
		spec, err := cronSpec(task, s.engine.Location())
		if err != nil {
			return "", err
		}
		return s.engine.AddCron(spec, fire)
	default:
		return "", fmt.Errorf("unknown task type %q", task.TaskType)
	}
}

// cronSpec derives a five-field cron spec for a repeated task. Fixed
// intervals take their minute, hour and day from ScheduledAt in loc.
func cronSpec(task domain.Task, loc *time.Location) (string, error) {
	at := task.ScheduledAt.In(loc)
	switch task.RepeatInterval {
	case domain.RepeatDaily:
		return fmt.Sprintf("%d %d * * *", at.Minute(), at.Hour()), nil
	case domain.RepeatWeekly:
		return fmt.Sprintf("%d %d * * %d", at.Minute(), at.Hour(), int(at.Weekday())), nil
	case domain.RepeatMonthly:
		return fmt.Sprintf("%d %d %d * *", at.Minute(), at.Hour(), at.Day()), nil
	case domain.RepeatCustom:
		if strings.TrimSpace(task.CronExpression) == "" {
			return "", errors.New("custom repeat interval without cron expression")
		}
		return task.CronExpression, nil
	default:
		return "", fmt.Errorf("invalid repeat interval %q", task.RepeatInterval)
	}
}

func (s *Service) executeTask(taskID string) {
	msg := domain.Message{
		Type:          domain.MessageScheduledTask,
		Payload:       map[string]any{"task_id": taskID},
		Timestamp:     time.Now(),
		CorrelationID: "task_" + taskID,
	}
	jobID, err := s.sender.SendMessage(msg)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to enqueue scheduled task")
		return
	}
	log.Info().Str("task_id", taskID).Str("job_id", jobID).Msg("scheduled task enqueued")
}

func (s *Service) CancelTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.taskJobs[taskID]
	if !ok {
		return false
	}
	s.engine.Cancel(id)
	delete(s.taskJobs, taskID)
	log.Info().Str("task_id", taskID).Msg("task trigger cancelled")
	return true
}

func (s *Service) PauseTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.taskJobs[taskID]
	if !ok {
		return false
	}
	return s.engine.Pause(id)
}

// ResumeTask reactivates a paused trigger. When the engine no longer holds
// it, as for a one-shot that expired while paused, the mapping is dropped.
func (s *Service) ResumeTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.taskJobs[taskID]
	if !ok {
		return false
	}
	if !s.engine.Resume(id) {
		delete(s.taskJobs, taskID)
		log.Info().Str("task_id", taskID).Msg("task trigger expired while paused")
		return false
	}
	return true
}

// IsTaskScheduled reports whether the task still has a live trigger. Fired
// one-shot triggers are pruned from the mapping here.
func (s *Service) IsTaskScheduled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.taskJobs[taskID]
	if !ok {
		return false
	}
	if _, alive := s.engine.Trigger(id); !alive {
		delete(s.taskJobs, taskID)
		return false
	}
	return true
}

func (s *Service) GetTaskJob(taskID string) (TriggerInfo, bool) {
	s.mu.Lock()
	id, ok := s.taskJobs[taskID]
	s.mu.Unlock()
	if !ok {
		return TriggerInfo{}, false
	}
	return s.engine.Trigger(id)
}

func (s *Service) Status() Status {
	s.mu.Lock()
	n := len(s.taskJobs)
	s.mu.Unlock()
	return Status{
		Running:       s.engine.Running(),
		JobCount:      s.engine.Len(),
		TaskJobsCount: n,
	}
}
