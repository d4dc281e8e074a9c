package store

import (
	"context"
	"sync"

	"octoflow/internal/domain"
)

type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]domain.Task)}
}

func (m *Memory) Create(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrConflict
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) snapshot() []domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t.Clone())
	}
	return all
}

func (m *Memory) List(_ context.Context, f Filter) ([]domain.Task, error) {
	return filterTasks(m.snapshot(), f), nil
}

func (m *Memory) Count(_ context.Context, f Filter) (int, error) {
	f.Limit, f.Offset = 0, 0
	return len(filterTasks(m.snapshot(), f)), nil
}

func (m *Memory) Update(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) Close() error { return nil }
