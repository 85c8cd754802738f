package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sketchStudio/internal/models"
)

type Publisher interface {
	PublishTask(task *models.Task) error
}

// Notifying publishes every successful write. Publish errors are logged and
// never surface to the writer; readers fall back to polling the store.
type Notifying struct {
	Store
	pub    Publisher
	logger *zap.Logger
}

func WithNotifier(s Store, pub Publisher, logger *zap.Logger) *Notifying {
	return &Notifying{Store: s, pub: pub, logger: logger}
}

func (n *Notifying) Create(ctx context.Context, task *models.Task) error {
	if err := n.Store.Create(ctx, task); err != nil {
		return err
	}
	n.publish(task)
	return nil
}

func (n *Notifying) Update(ctx context.Context, task *models.Task, expect ...models.TaskStatus) error {
	if err := n.Store.Update(ctx, task, expect...); err != nil {
		return err
	}
	n.publish(task)
	return nil
}

// PurgeBefore forwards to the wrapped store when it supports purging.
func (n *Notifying) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	if p, ok := n.Store.(Purger); ok {
		return p.PurgeBefore(ctx, before)
	}
	return 0, nil
}

func (n *Notifying) publish(task *models.Task) {
	if err := n.pub.PublishTask(task); err != nil {
		n.logger.Warn("Publish task update failed",
			zap.String("task_id", task.ID),
			zap.String("family", string(task.Family)),
			zap.Error(err),
		)
	}
}
