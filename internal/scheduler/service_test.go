package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"octoflow/internal/domain"
)

type fakeTrigger struct {
	kind   TriggerKind
	spec   string
	at     time.Time
	fn     func()
	paused bool
}

// fakeEngine records triggers and lets tests fire them by hand.
type fakeEngine struct {
	loc        *time.Location
	seq        int
	triggers   map[TriggerID]*fakeTrigger
	running    bool
	rejectCron bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{loc: time.UTC, triggers: make(map[TriggerID]*fakeTrigger)}
}

func (f *fakeEngine) add(t *fakeTrigger) TriggerID {
	f.seq++
	id := TriggerID(fmt.Sprintf("fake:%d", f.seq))
	f.triggers[id] = t
	return id
}

func (f *fakeEngine) AddOneShot(at time.Time, fn func()) (TriggerID, error) {
	return f.add(&fakeTrigger{kind: KindOneShot, at: at, spec: at.Format(time.RFC3339), fn: fn}), nil
}

func (f *fakeEngine) AddCron(spec string, fn func()) (TriggerID, error) {
	if f.rejectCron {
		return "", errors.New("bad spec")
	}
	return f.add(&fakeTrigger{kind: KindCron, spec: spec, fn: fn}), nil
}

func (f *fakeEngine) Cancel(id TriggerID) bool {
	_, ok := f.triggers[id]
	delete(f.triggers, id)
	return ok
}

func (f *fakeEngine) Pause(id TriggerID) bool {
	t, ok := f.triggers[id]
	if ok {
		t.paused = true
	}
	return ok
}

func (f *fakeEngine) Resume(id TriggerID) bool {
	t, ok := f.triggers[id]
	if ok {
		t.paused = false
	}
	return ok
}

func (f *fakeEngine) Trigger(id TriggerID) (TriggerInfo, bool) {
	t, ok := f.triggers[id]
	if !ok {
		return TriggerInfo{}, false
	}
	return TriggerInfo{ID: id, Kind: t.kind, Spec: t.spec, Paused: t.paused}, true
}

func (f *fakeEngine) Len() int                 { return len(f.triggers) }
func (f *fakeEngine) Location() *time.Location { return f.loc }
func (f *fakeEngine) Start()                   { f.running = true }
func (f *fakeEngine) Stop()                    { f.running = false }
func (f *fakeEngine) Running() bool            { return f.running }

func (f *fakeEngine) fire(t *testing.T, id TriggerID) {
	t.Helper()
	tr, ok := f.triggers[id]
	require.True(t, ok, "trigger %s not registered", id)
	if tr.paused {
		return
	}
	tr.fn()
	if tr.kind == KindOneShot {
		delete(f.triggers, id)
	}
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []domain.Message
	err  error
}

func (f *fakeSender) SendMessage(msg domain.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.msgs = append(f.msgs, msg)
	return fmt.Sprintf("job_%d", len(f.msgs)), nil
}

func (f *fakeSender) sent() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.msgs...)
}

func newTestService() (*Service, *fakeEngine, *fakeSender) {
	eng := newFakeEngine()
	snd := &fakeSender{}
	return NewService(snd, eng), eng, snd
}

func triggerOf(t *testing.T, s *Service, taskID string) TriggerID {
	t.Helper()
	info, ok := s.GetTaskJob(taskID)
	require.True(t, ok)
	return info.ID
}

func TestDailyTaskFiresOneMessage(t *testing.T) {
	svc, eng, snd := newTestService()
	task := domain.Task{
		ID:             "t1",
		Name:           "nightly",
		TaskType:       domain.TaskRepeated,
		RepeatInterval: domain.RepeatDaily,
		ScheduledAt:    time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC),
		IsActive:       true,
	}
	require.True(t, svc.ScheduleTask(task))

	info, ok := svc.GetTaskJob("t1")
	require.True(t, ok)
	assert.Equal(t, KindCron, info.Kind)
	assert.Equal(t, "0 3 * * *", info.Spec)

	eng.fire(t, info.ID)
	msgs := snd.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageScheduledTask, msgs[0].Type)
	assert.Equal(t, map[string]any{"task_id": "t1"}, msgs[0].Payload)
	assert.Equal(t, "task_t1", msgs[0].CorrelationID)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestCronSpec(t *testing.T) {
	// 2024-01-01 is a Monday.
	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name     string
		interval domain.RepeatInterval
		cron     string
		loc      *time.Location
		want     string
		wantErr  bool
	}{
		{name: "daily", interval: domain.RepeatDaily, loc: time.UTC, want: "30 9 * * *"},
		{name: "weekly", interval: domain.RepeatWeekly, loc: time.UTC, want: "30 9 * * 1"},
		{name: "monthly", interval: domain.RepeatMonthly, loc: time.UTC, want: "30 9 1 * *"},
		{name: "custom", interval: domain.RepeatCustom, cron: "*/5 * * * *", loc: time.UTC, want: "*/5 * * * *"},
		{name: "custom without expression", interval: domain.RepeatCustom, loc: time.UTC, wantErr: true},
		{name: "missing interval", loc: time.UTC, wantErr: true},
		{name: "location shifts hour", interval: domain.RepeatDaily, loc: time.FixedZone("plus2", 2*3600), want: "30 11 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cronSpec(domain.Task{
				TaskType:       domain.TaskRepeated,
				RepeatInterval: tt.interval,
				CronExpression: tt.cron,
				ScheduledAt:    at,
			}, tt.loc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScheduledTaskIsOneShot(t *testing.T) {
	svc, eng, snd := newTestService()
	at := time.Now().Add(10 * time.Minute)
	require.True(t, svc.ScheduleTask(domain.Task{ID: "once", TaskType: domain.TaskScheduled, ScheduledAt: at}))

	id := triggerOf(t, svc, "once")
	assert.Equal(t, at, eng.triggers[id].at)
	assert.True(t, svc.IsTaskScheduled("once"))

	eng.fire(t, id)
	assert.Len(t, snd.sent(), 1)
	assert.False(t, svc.IsTaskScheduled("once"), "a fired one-shot is no longer scheduled")
	assert.Equal(t, 0, svc.Status().TaskJobsCount)
}

func TestScheduleTaskFailures(t *testing.T) {
	svc, eng, _ := newTestService()
	assert.False(t, svc.ScheduleTask(domain.Task{ID: "x", TaskType: domain.TaskRepeated, ScheduledAt: time.Now()}))
	assert.False(t, svc.ScheduleTask(domain.Task{ID: "y", TaskType: "sometimes", ScheduledAt: time.Now()}))

	eng.rejectCron = true
	assert.False(t, svc.ScheduleTask(domain.Task{ID: "z", TaskType: domain.TaskRepeated, RepeatInterval: domain.RepeatDaily, ScheduledAt: time.Now()}))
	assert.Equal(t, 0, eng.Len())
	assert.False(t, svc.IsTaskScheduled("z"))
}

func TestInvalidCronWithRealEngine(t *testing.T) {
	svc := NewService(&fakeSender{}, NewCronEngine(time.UTC))
	ok := svc.ScheduleTask(domain.Task{
		ID:             "bad",
		TaskType:       domain.TaskRepeated,
		RepeatInterval: domain.RepeatCustom,
		CronExpression: "not a cron",
		ScheduledAt:    time.Now(),
	})
	assert.False(t, ok)
	assert.False(t, svc.IsTaskScheduled("bad"))
}

func TestResumeAfterOneShotExpiredWithRealEngine(t *testing.T) {
	snd := &fakeSender{}
	eng := NewCronEngine(time.UTC)
	svc := NewService(snd, eng)
	svc.Start()
	defer svc.Stop()

	task := domain.Task{ID: "late", TaskType: domain.TaskScheduled, ScheduledAt: time.Now().Add(40 * time.Millisecond)}
	require.True(t, svc.ScheduleTask(task))
	require.True(t, svc.PauseTask("late"))
	time.Sleep(120 * time.Millisecond)

	assert.False(t, svc.ResumeTask("late"))
	assert.False(t, svc.IsTaskScheduled("late"))
	assert.Equal(t, Status{Running: true, JobCount: 0, TaskJobsCount: 0}, svc.Status())
	assert.False(t, svc.ScheduleTask(task), "a one-shot in the past cannot be registered")
	assert.Empty(t, snd.sent())
}

func TestRescheduleReplacesTrigger(t *testing.T) {
	svc, eng, snd := newTestService()
	task := domain.Task{ID: "t", TaskType: domain.TaskRepeated, RepeatInterval: domain.RepeatCustom, CronExpression: "* * * * *", ScheduledAt: time.Now()}
	require.True(t, svc.ScheduleTask(task))
	first := triggerOf(t, svc, "t")

	task.CronExpression = "0 * * * *"
	require.True(t, svc.ScheduleTask(task))
	second := triggerOf(t, svc, "t")

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, eng.Len())
	assert.Equal(t, Status{Running: false, JobCount: 1, TaskJobsCount: 1}, svc.Status())

	eng.fire(t, second)
	assert.Len(t, snd.sent(), 1)
}

func TestPauseResumeCancel(t *testing.T) {
	svc, eng, snd := newTestService()
	task := domain.Task{ID: "t", TaskType: domain.TaskRepeated, RepeatInterval: domain.RepeatWeekly, ScheduledAt: time.Now()}
	require.True(t, svc.ScheduleTask(task))
	id := triggerOf(t, svc, "t")

	require.True(t, svc.PauseTask("t"))
	info, ok := svc.GetTaskJob("t")
	require.True(t, ok)
	assert.True(t, info.Paused)
	assert.True(t, svc.IsTaskScheduled("t"), "pausing keeps the mapping")
	eng.fire(t, id)
	assert.Empty(t, snd.sent())

	require.True(t, svc.ResumeTask("t"))
	eng.fire(t, id)
	assert.Len(t, snd.sent(), 1)

	require.True(t, svc.CancelTask("t"))
	assert.False(t, svc.IsTaskScheduled("t"))
	assert.False(t, svc.ResumeTask("t"), "a cancelled task cannot be resumed")
	assert.False(t, svc.PauseTask("t"))
	assert.False(t, svc.CancelTask("t"))
	assert.Equal(t, 0, eng.Len())
}

func TestSendFailureIsLogged(t *testing.T) {
	svc, eng, snd := newTestService()
	snd.err = errors.New("queue down")
	require.True(t, svc.ScheduleTask(domain.Task{ID: "t", TaskType: domain.TaskScheduled, ScheduledAt: time.Now().Add(time.Hour)}))
	assert.NotPanics(t, func() { eng.fire(t, triggerOf(t, svc, "t")) })
}

func TestStartStop(t *testing.T) {
	svc, _, _ := newTestService()
	svc.Start()
	assert.True(t, svc.Status().Running)
	svc.Stop()
	assert.False(t, svc.Status().Running)
}
