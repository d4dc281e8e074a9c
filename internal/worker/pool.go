package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
	"octoflow/internal/messaging"
	"octoflow/internal/queue"
)

type Queue interface {
	Dequeue(priority bool) *domain.Job
	UpdateJobStatus(id string, status domain.JobStatus, opts ...queue.UpdateOption) bool
}

type Registry interface {
	Handler(messageType string) (messaging.Handler, bool)
}

// Observer is told about every finished job.
type Observer interface {
	ObserveJob(jobType string, status domain.JobStatus, took time.Duration)
}

type Pool struct {
	queue     Queue
	handlers  Registry
	observer  Observer
	sem       chan struct{}
	wg        sync.WaitGroup
	pollEvery time.Duration
	timeout   time.Duration
}

type Option func(*Pool)

// WithTimeout bounds each handler call. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(p *Pool) { p.timeout = d } }

func WithObserver(o Observer) Option { return func(p *Pool) { p.observer = o } }

func NewPool(q Queue, handlers Registry, size int, pollEvery time.Duration, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{queue: q, handlers: handlers, sem: make(chan struct{}, size), pollEvery: pollEvery}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run drains the queue on every tick until ctx is done, then waits for the
// jobs it started.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.drain(ctx)
		}
	}
}

func (p *Pool) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		job := p.queue.Dequeue(true)
		if job == nil {
			<-p.sem
			return
		}
		p.wg.Add(1)
		go func(j domain.Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(ctx, j)
		}(*job)
	}
}

func (p *Pool) process(ctx context.Context, job domain.Job) {
	start := time.Now()
	result, err := p.execute(ctx, job)

	status := domain.JobCompleted
	opts := []queue.UpdateOption{queue.WithResult(result)}
	if err != nil {
		status = domain.JobFailed
		opts = []queue.UpdateOption{queue.WithError(err.Error())}
	}
	if !p.queue.UpdateJobStatus(job.ID, status, opts...) {
		log.Warn().Str("job_id", job.ID).Msg("job vanished before its status was reported")
	}

	took := time.Since(start)
	if p.observer != nil {
		p.observer.ObserveJob(job.Type, status, took)
	}
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("job_id", job.ID).Str("type", job.Type).Str("status", string(status)).Dur("took", took).Msg("job finished")
}

func (p *Pool) execute(ctx context.Context, job domain.Job) (result map[string]any, err error) {
	h, ok := p.handlers.Handler(job.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for %q", job.Type)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}
