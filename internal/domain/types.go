package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobPriority orders dequeueing. Higher values win.
type JobPriority int

const (
	PriorityLow JobPriority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Priorities lists every level from most to least urgent.
var Priorities = []JobPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

var priorityNames = map[JobPriority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p JobPriority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p JobPriority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (JobPriority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p JobPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *JobPriority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

const DefaultMaxRetries = 3

// Job is a unit of asynchronous work tracked by the queue.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    JobPriority    `json:"priority"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	Metadata    map[string]any `json:"metadata"`
}

func NewJobID() string { return "job_" + uuid.NewString() }

func (j *Job) IsRetryable() bool {
	return j.RetryCount < j.MaxRetries && j.Status != JobCancelled
}

func (j *Job) CanStart() bool { return j.Status == JobPending }

// CorrelationID returns the correlation id recorded in metadata, if any.
func (j *Job) CorrelationID() string {
	if j.Metadata == nil {
		return ""
	}
	s, _ := j.Metadata["correlation_id"].(string)
	return s
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() Job {
	c := *j
	c.Payload = cloneMap(j.Payload)
	c.Result = cloneMap(j.Result)
	c.Metadata = cloneMap(j.Metadata)
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return c
}

// MessageScheduledTask is the message type emitted when a task trigger fires.
const MessageScheduledTask = "scheduled_task"

// Message is the ephemeral envelope that becomes a Job.
type Message struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

func NewMessage(typ string, payload map[string]any) Message {
	return Message{Type: typ, Payload: payload, Timestamp: time.Now(), CorrelationID: uuid.NewString()}
}

func (m Message) ToJob(priority JobPriority) *Job {
	corr := m.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
	}
	return &Job{
		ID:         NewJobID(),
		Type:       m.Type,
		Payload:    m.Payload,
		Priority:   priority,
		Status:     JobPending,
		CreatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
		Metadata:   map[string]any{"correlation_id": corr},
	}
}

type TaskType string

const (
	TaskScheduled TaskType = "scheduled"
	TaskRepeated  TaskType = "repeated"
)

func (t TaskType) Valid() bool { return t == TaskScheduled || t == TaskRepeated }

type RepeatInterval string

const (
	RepeatDaily   RepeatInterval = "daily"
	RepeatWeekly  RepeatInterval = "weekly"
	RepeatMonthly RepeatInterval = "monthly"
	RepeatCustom  RepeatInterval = "custom"
)

func (r RepeatInterval) Valid() bool {
	switch r {
	case RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatCustom:
		return true
	}
	return false
}

// Task is a user-defined schedule that produces Jobs when its trigger fires.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	TaskType       TaskType       `json:"task_type"`
	Payload        map[string]any `json:"payload"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	RepeatInterval RepeatInterval `json:"repeat_interval,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (t Task) IsRecurring() bool { return t.TaskType == TaskRepeated }

func (t Task) HasCustomSchedule() bool {
	return t.RepeatInterval == RepeatCustom && t.CronExpression != ""
}

func (t Task) Clone() Task {
	c := t
	c.Payload = cloneMap(t.Payload)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
