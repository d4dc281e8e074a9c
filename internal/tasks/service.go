// Package tasks owns task definitions and keeps the scheduler's triggers in
// step with them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
	"octoflow/internal/store"
)

const DefaultLimit = 100

// Scheduler is the part of scheduler.Service the task service drives.
type Scheduler interface {
	ScheduleTask(task domain.Task) bool
	CancelTask(taskID string) bool
	PauseTask(taskID string) bool
	ResumeTask(taskID string) bool
}

type Filter = store.Filter

// TaskUpdate is a partial update. Nil fields are left unchanged.
type TaskUpdate struct {
	Name           *string                `json:"name,omitempty"`
	Description    *string                `json:"description,omitempty"`
	TaskType       *domain.TaskType       `json:"task_type,omitempty"`
	Payload        map[string]any         `json:"payload,omitempty"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	RepeatInterval *domain.RepeatInterval `json:"repeat_interval,omitempty"`
	CronExpression *string                `json:"cron_expression,omitempty"`
	IsActive       *bool                  `json:"is_active,omitempty"`
}

func (u TaskUpdate) timingChanged() bool {
	return u.ScheduledAt != nil || u.RepeatInterval != nil || u.CronExpression != nil || u.TaskType != nil
}

func (u TaskUpdate) apply(t *domain.Task) {
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.TaskType != nil {
		t.TaskType = *u.TaskType
	}
	if u.Payload != nil {
		t.Payload = u.Payload
	}
	if u.ScheduledAt != nil {
		t.ScheduledAt = *u.ScheduledAt
	}
	if u.RepeatInterval != nil {
		t.RepeatInterval = *u.RepeatInterval
	}
	if u.CronExpression != nil {
		t.CronExpression = *u.CronExpression
	}
	if u.IsActive != nil {
		t.IsActive = *u.IsActive
	}
}

// Service keeps the stored task and its trigger in step. mu is held from the
// store read through the scheduler call by every method that changes either.
type Service struct {
	store store.TaskStore
	sched Scheduler
	now   func() time.Time

	mu sync.Mutex
}

func NewService(st store.TaskStore, sched Scheduler) *Service {
	return &Service{store: st, sched: sched, now: time.Now}
}

// CreateTask validates and stores task, then schedules it when active. A
// task that cannot be scheduled is still stored.
func (s *Service) CreateTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if err := validate(task, true, now); err != nil {
		return domain.Task{}, err
	}
	if task.ID == "" {
		task.ID = "tsk_" + uuid.NewString()
	}
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := s.store.Create(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("create task %s: %w", task.ID, err)
	}
	log.Info().Str("task_id", task.ID).Str("name", task.Name).Str("task_type", string(task.TaskType)).Msg("task created")

	if task.IsActive && !s.sched.ScheduleTask(task) {
		log.Warn().Str("task_id", task.ID).Msg("task stored but not scheduled")
	}
	return task, nil
}

func (s *Service) GetTasks(ctx context.Context, f Filter) ([]domain.Task, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.List(ctx, f)
}

// GetTask returns nil when no task has id.
func (s *Service) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Service) GetTaskCount(ctx context.Context, f Filter) (int, error) {
	return s.store.Count(ctx, f)
}

// UpdateTask merges u into the stored task. Changing any timing field drops
// the current trigger and, for active tasks, registers a fresh one. It
// returns nil when no task has id.
func (s *Service) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	task := cur.Clone()
	u.apply(&task)
	if err := validate(task, u.ScheduledAt != nil, now); err != nil {
		return nil, err
	}
	task.UpdatedAt = now

	if err := s.store.Update(ctx, task); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}

	switch {
	case u.timingChanged():
		s.sched.CancelTask(id)
		if task.IsActive {
			s.sched.ScheduleTask(task)
		}
	case u.IsActive != nil && *u.IsActive:
		s.sched.ScheduleTask(task)
	case u.IsActive != nil:
		s.sched.CancelTask(id)
	}
	log.Info().Str("task_id", id).Bool("is_active", task.IsActive).Msg("task updated")
	return &task, nil
}

// DeleteTask removes the task and its trigger. It reports false when no
// task has id.
func (s *Service) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	s.sched.CancelTask(id)
	log.Info().Str("task_id", id).Msg("task deleted")
	return true, nil
}

// setActive must be called with mu held.
func (s *Service) setActive(ctx context.Context, id string, active bool) (*domain.Task, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.IsActive = active
	t.UpdatedAt = s.now()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return &t, nil
}

// PauseTask deactivates the task and suspends its trigger, keeping it
// around for ResumeTask.
func (s *Service) PauseTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.setActive(ctx, id, false)
	if t == nil || err != nil {
		return false, err
	}
	return s.sched.PauseTask(id), nil
}

// ResumeTask reactivates the task. If the scheduler no longer holds a
// trigger for it, as after CancelTask, a new one is registered.
func (s *Service) ResumeTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.setActive(ctx, id, true)
	if t == nil || err != nil {
		return false, err
	}
	if s.sched.ResumeTask(id) {
		return true, nil
	}
	return s.sched.ScheduleTask(*t), nil
}

// CancelTask deactivates the task and drops its trigger. The definition
// stays in the store.
func (s *Service) CancelTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.setActive(ctx, id, false)
	if t == nil || err != nil {
		return false, err
	}
	return s.sched.CancelTask(id), nil
}

// RestoreSchedules registers triggers for every active stored task. One-time
// tasks whose time has passed are skipped.
func (s *Service) RestoreSchedules(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := true
	list, err := s.store.List(ctx, Filter{IsActive: &active})
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}
	now := s.now()
	n := 0
	for _, t := range list {
		if t.TaskType == domain.TaskScheduled && !t.ScheduledAt.After(now) {
			log.Debug().Str("task_id", t.ID).Time("scheduled_at", t.ScheduledAt).Msg("skipping expired one-time task")
			continue
		}
		if s.sched.ScheduleTask(t) {
			n++
		}
	}
	log.Info().Int("restored", n).Int("active", len(list)).Msg("task schedules restored")
	return n, nil
}
