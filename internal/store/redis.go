package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sketchStudio/internal/models"
)

const (
	taskKeyPrefix     = "task:"
	DefaultTaskTTL    = 7 * 24 * time.Hour
	maxUpdateAttempts = 5
)

// Redis stores each record as a JSON string under task:{family}:{id}.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a Redis-backed store. Records expire ttl after creation;
// a zero ttl keeps them forever.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (s *Redis) key(family models.Family, id string) string {
	return fmt.Sprintf("%s%s:%s", taskKeyPrefix, family, id)
}

func (s *Redis) Create(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	ok, err := s.client.SetNX(ctx, s.key(task.Family, task.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, family models.Family, id string) (*models.Task, error) {
	data, err := s.client.Get(ctx, s.key(family, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (s *Redis) Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error {
	key := s.key(task.Family, task.ID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var current models.Task
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("decode task %s: %w", task.ID, err)
		}

		next := task.Clone()
		if err := prepareUpdate(&current, next, expect); err != nil {
			return err
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", task.ID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: task %s kept changing during update", ErrConflict, task.ID)
}
