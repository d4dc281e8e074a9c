// Package store persists task definitions. Drivers are picked by name
// through Open.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"octoflow/internal/domain"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task already exists")
)

// TaskStore is the task table. Implementations return copies; callers may
// mutate what they get back.
type TaskStore interface {
	Create(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Count(ctx context.Context, f Filter) (int, error)
	Update(ctx context.Context, t domain.Task) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Filter narrows List and Count. Nil fields match everything; Limit <= 0
// means no limit. Results are ordered by creation time, then id.
type Filter struct {
	Type     *domain.TaskType
	IsActive *bool
	Limit    int
	Offset   int
}

func (f Filter) match(t domain.Task) bool {
	if f.Type != nil && t.TaskType != *f.Type {
		return false
	}
	if f.IsActive != nil && t.IsActive != *f.IsActive {
		return false
	}
	return true
}

// Config selects and configures a driver.
//
// Driver values:
//   - "memory": process-local map, lost on exit
//   - "sqlite": SQLite database file at Path
//   - "redis": hash at RedisKey on the server at RedisAddr
type Config struct {
	Driver    string
	Path      string
	RedisAddr string
	RedisKey  string
}

func Open(ctx context.Context, cfg Config) (TaskStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.Path)
	case "redis":
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisKey)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

// filterTasks applies f to an unordered slice.
func filterTasks(all []domain.Task, f Filter) []domain.Task {
	out := make([]domain.Task, 0, len(all))
	for _, t := range all {
		if f.match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []domain.Task{}
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}
