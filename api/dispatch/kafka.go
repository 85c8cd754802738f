package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"sketchStudio/internal/models"
)

// KafkaDispatcher publishes trigger messages consumed by the worker's
// consumer group. Messages are keyed by task id.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return newKafkaDispatcher(p, topic), nil
}

func newKafkaDispatcher(p sarama.SyncProducer, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{producer: p, topic: topic}
}

func (d *KafkaDispatcher) Dispatch(family models.Family, taskID, traceID string) <-chan error {
	return detach(func() error {
		data, err := json.Marshal(models.Trigger{TaskID: taskID, Family: family, TraceID: traceID})
		if err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: d.topic,
			Key:   sarama.StringEncoder(taskID),
			Value: sarama.ByteEncoder(data),
		}
		if _, _, err := d.producer.SendMessage(msg); err != nil {
			return fmt.Errorf("produce trigger: %w", err)
		}
		return nil
	})
}

func (d *KafkaDispatcher) Close() error {
	return d.producer.Close()
}
