package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sketchStudio/internal/models"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	family     TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	status     TEXT        NOT NULL,
	record     JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (family, id)
);
CREATE INDEX IF NOT EXISTS tasks_status_updated_at_idx ON tasks (status, updated_at);
`

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate tasks table: %w", err)
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	query := `
		INSERT INTO tasks (family, id, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`
	_, err = s.db.Exec(ctx, query, string(task.Family), task.ID, string(task.Status), data, task.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, family models.Family, id string) (*models.Task, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT record FROM tasks WHERE family = $1 AND id = $2`, string(family), id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

// Update locks the row so the status check and the write are one step.
func (s *Postgres) Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update %s: %w", task.ID, err)
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx, `SELECT record FROM tasks WHERE family = $1 AND id = $2 FOR UPDATE`, string(task.Family), task.ID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock task %s: %w", task.ID, err)
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

	query := `
		UPDATE tasks
		SET status = $1, record = $2, updated_at = NOW()
		WHERE family = $3 AND id = $4
	`
	if _, err := tx.Exec(ctx, query, string(next.Status), payload, string(task.Family), task.ID); err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}

	return tx.Commit(ctx)
}

// PurgeBefore deletes terminal records last touched before the cutoff.
func (s *Postgres) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM tasks
		WHERE status IN ($1, $2, $3) AND updated_at < $4
	`
	result, err := s.db.Exec(ctx, query,
		string(models.StatusCompleted),
		string(models.StatusFailed),
		string(models.StatusTriggerFailed),
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return result.RowsAffected(), nil
}
