package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"octoflow/internal/domain"
)

const DefaultRedisKey = "octoflow:tasks"

// updateIfExists replaces a hash field only when it is already present.
var updateIfExists = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Redis keeps every task as a JSON document in a single hash keyed by id.
type Redis struct {
	rdb *redis.Client
	key string
}

func OpenRedis(ctx context.Context, addr, key string) (*Redis, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(rdb, key), nil
}

func NewRedis(rdb *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key}
}

func (r *Redis) Create(ctx context.Context, t domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := r.rdb.HSetNX(ctx, r.key, t.ID, data).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (domain.Task, error) {
	data, err := r.rdb.HGet(ctx, r.key, id).Bytes()
	if err == redis.Nil {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

func (r *Redis) all(ctx context.Context) ([]domain.Task, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(vals))
	for id, raw := range vals {
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("skipping undecodable task")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *Redis) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	return filterTasks(all, f), nil
}

func (r *Redis) Count(ctx context.Context, f Filter) (int, error) {
	all, err := r.all(ctx)
	if err != nil {
		return 0, err
	}
	f.Limit, f.Offset = 0, 0
	return len(filterTasks(all, f)), nil
}

func (r *Redis) Update(ctx context.Context, t domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	n, err := updateIfExists.Run(ctx, r.rdb, []string{r.key}, t.ID, data).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.HDel(ctx, r.key, id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Close() error {
	err := r.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
