package store

import (
	"context"
	"sync"

	"sketchStudio/internal/models"
)

type Memory struct {
	mu    sync.RWMutex
	tasks map[models.Family]map[string]*models.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[models.Family]map[string]*models.Task)}
}

func (m *Memory) Create(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.tasks[task.Family]
	if !ok {
		ns = make(map[string]*models.Task)
		m.tasks[task.Family] = ns
	}
	if _, exists := ns[task.ID]; exists {
		return ErrAlreadyExists
	}
	ns[task.ID] = task.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, family models.Family, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[family][id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tasks[task.Family][task.ID]
	if !ok {
		return ErrNotFound
	}
	next := task.Clone()
	if err := prepareUpdate(current, next, expect); err != nil {
		return err
	}
	m.tasks[task.Family][task.ID] = next
	return nil
}
