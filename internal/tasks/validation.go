package tasks

import (
	"errors"
	"strings"
	"time"

	"octoflow/internal/domain"
)

var ErrValidation = errors.New("invalid task")

// ValidationError names the offending field. It matches ErrValidation with
// errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error { return &ValidationError{Field: field, Message: msg} }

// validate checks the task invariants. When requireFuture is set a
// one-time task must be scheduled after now.
func validate(t domain.Task, requireFuture bool, now time.Time) error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name", "is required")
	}
	if t.TaskType == "" {
		return invalid("task_type", "is required")
	}
	if !t.TaskType.Valid() {
		return invalid("task_type", "must be scheduled or repeated")
	}
	if t.ScheduledAt.IsZero() {
		return invalid("scheduled_at", "is required")
	}
	if t.RepeatInterval != "" && !t.RepeatInterval.Valid() {
		return invalid("repeat_interval", "must be daily, weekly, monthly or custom")
	}
	if t.TaskType == domain.TaskRepeated && t.RepeatInterval == "" {
		return invalid("repeat_interval", "is required for repeated tasks")
	}
	// The expression itself is parsed when the trigger is registered.
	if t.RepeatInterval == domain.RepeatCustom && strings.TrimSpace(t.CronExpression) == "" {
		return invalid("cron_expression", "is required for custom repeat intervals")
	}
	if requireFuture && t.TaskType == domain.TaskScheduled && !t.ScheduledAt.After(now) {
		return invalid("scheduled_at", "must be in the future for one-time tasks")
	}
	return nil
}
