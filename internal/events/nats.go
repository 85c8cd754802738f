package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"sketchStudio/internal/models"
)

const subjectPrefix = "sketch.tasks"

// Bus fans task record changes out over NATS, one subject per task.
type Bus struct{ nc *nats.Conn }

func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("sketch-studio"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc}, nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

func Subject(family models.Family, id string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, family, id)
}

func (b *Bus) PublishTask(task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.nc.Publish(Subject(task.Family, task.ID), data)
}

// SubscribeTask calls fn for every published update of one task until the
// returned cancel func is called. Undecodable messages are dropped.
func (b *Bus) SubscribeTask(family models.Family, id string, fn func(*models.Task)) (func(), error) {
	sub, err := b.nc.Subscribe(Subject(family, id), func(msg *nats.Msg) {
		var task models.Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			return
		}
		fn(&task)
	})
	if err != nil {
		return nil, err
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
