package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type TriggerID string

type TriggerKind string

const (
	KindOneShot TriggerKind = "one_shot"
	KindCron    TriggerKind = "cron"
)

type TriggerInfo struct {
	ID      TriggerID   `json:"id"`
	Kind    TriggerKind `json:"kind"`
	Spec    string      `json:"spec"`
	NextRun time.Time   `json:"next_run"` // zero when paused or exhausted
	Paused  bool        `json:"paused"`
}

// Engine is the clock and trigger primitive the scheduler is built on.
// Pause keeps a trigger's definition so Resume can bring it back; Cancel
// forgets it. One-shot triggers disappear once they have fired.
type Engine interface {
	AddOneShot(at time.Time, fn func()) (TriggerID, error)
	AddCron(spec string, fn func()) (TriggerID, error)
	Cancel(id TriggerID) bool
	Pause(id TriggerID) bool
	Resume(id TriggerID) bool
	Trigger(id TriggerID) (TriggerInfo, bool)
	Len() int
	Location() *time.Location
	Start()
	Stop()
	Running() bool
}

type trigger struct {
	id     TriggerID
	kind   TriggerKind
	spec   string
	sched  cron.Schedule
	fn     func()
	entry  cron.EntryID
	paused bool
}

// onceSchedule fires a single time at a fixed instant.
type onceSchedule struct{ at time.Time }

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// CronEngine implements Engine on robfig/cron. Paused triggers are removed
// from the cron table and re-added on resume.
type CronEngine struct {
	mu       sync.Mutex
	c        *cron.Cron
	loc      *time.Location
	triggers map[TriggerID]*trigger
	seq      uint64
	running  bool
}

func NewCronEngine(loc *time.Location) *CronEngine {
	if loc == nil {
		loc = time.Local
	}
	return &CronEngine{
		c:        cron.New(cron.WithLocation(loc)),
		loc:      loc,
		triggers: make(map[TriggerID]*trigger),
	}
}

func (e *CronEngine) Location() *time.Location { return e.loc }

// AddOneShot registers fn to run once at at, which must lie in the future.
func (e *CronEngine) AddOneShot(at time.Time, fn func()) (TriggerID, error) {
	if at.IsZero() {
		return "", fmt.Errorf("one-shot trigger needs a time")
	}
	if !at.After(time.Now()) {
		return "", fmt.Errorf("one-shot time %s has already passed", at.Format(time.RFC3339))
	}
	return e.add(KindOneShot, at.Format(time.RFC3339), onceSchedule{at: at}, fn), nil
}

func (e *CronEngine) AddCron(spec string, fn func()) (TriggerID, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("parse cron %q: %w", spec, err)
	}
	return e.add(KindCron, spec, sched, fn), nil
}

func (e *CronEngine) add(kind TriggerKind, spec string, sched cron.Schedule, fn func()) TriggerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	t := &trigger{
		id:    TriggerID(fmt.Sprintf("%s:%d", kind, e.seq)),
		kind:  kind,
		spec:  spec,
		sched: sched,
		fn:    fn,
	}
	t.entry = e.c.Schedule(sched, e.job(t))
	e.triggers[t.id] = t
	return t.id
}

func (e *CronEngine) job(t *trigger) cron.Job {
	return cron.FuncJob(func() {
		t.fn()
		if t.kind == KindOneShot {
			e.mu.Lock()
			if cur, ok := e.triggers[t.id]; ok && cur == t {
				e.c.Remove(t.entry)
				delete(e.triggers, t.id)
			}
			e.mu.Unlock()
		}
	})
}

func (e *CronEngine) Cancel(id TriggerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return false
	}
	if !t.paused {
		e.c.Remove(t.entry)
	}
	delete(e.triggers, id)
	return true
}

func (e *CronEngine) Pause(id TriggerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return false
	}
	if !t.paused {
		e.c.Remove(t.entry)
		t.paused = true
	}
	return true
}

// Resume re-arms a paused trigger. A one-shot whose time passed while it was
// paused is dropped instead and Resume reports false.
func (e *CronEngine) Resume(id TriggerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return false
	}
	if t.paused && t.sched.Next(time.Now().In(e.loc)).IsZero() {
		delete(e.triggers, id)
		return false
	}
	if t.paused {
		t.entry = e.c.Schedule(t.sched, e.job(t))
		t.paused = false
	}
	return true
}

func (e *CronEngine) Trigger(id TriggerID) (TriggerInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.triggers[id]
	if !ok {
		return TriggerInfo{}, false
	}
	info := TriggerInfo{ID: t.id, Kind: t.kind, Spec: t.spec, Paused: t.paused}
	if !t.paused {
		info.NextRun = t.sched.Next(time.Now().In(e.loc))
	}
	return info, true
}

func (e *CronEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.triggers)
}

func (e *CronEngine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.c.Start()
	e.running = true
}

// Stop halts the cron loop and waits for callbacks already running.
func (e *CronEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	ctx := e.c.Stop()
	e.mu.Unlock()
	<-ctx.Done()
}

func (e *CronEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}
