package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"sketchStudio/internal/models"
	"sketchStudio/internal/store"
	"sketchStudio/worker/service"
)

type Processor interface {
	Accept(ctx context.Context, family models.Family, taskID string) (service.Acceptance, error)
}

// Consumer reads trigger messages from a consumer group and hands each one
// to the processor. Offsets are marked once the claim has been attempted.
type Consumer struct {
	group     sarama.ConsumerGroup
	processor Processor
	logger    *zap.Logger
}

func NewConsumer(brokers []string, groupID string, processor Processor, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	g, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{group: g, processor: processor, logger: logger}, nil
}

// Run consumes topic until ctx ends, rejoining the group after rebalances.
func (c *Consumer) Run(ctx context.Context, topic string) error {
	h := &consumerHandler{processor: c.processor, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("Kafka consume failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type consumerHandler struct {
	processor Processor
	logger    *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var trigger models.Trigger
	if err := json.Unmarshal(msg.Value, &trigger); err != nil || trigger.TaskID == "" {
		h.logger.Warn("Dropping malformed trigger",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}

	family, ok := models.ParseFamily(string(trigger.Family))
	if !ok {
		h.logger.Warn("Dropping trigger for unknown family",
			zap.String("task_id", trigger.TaskID),
			zap.String("family", string(trigger.Family)),
		)
		return
	}

	acc, err := h.processor.Accept(ctx, family, trigger.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("Trigger for unknown task", zap.String("task_id", trigger.TaskID), zap.String("trace_id", trigger.TraceID))
		return
	}
	h.logger.Debug("Trigger handled",
		zap.String("task_id", trigger.TaskID),
		zap.String("trace_id", trigger.TraceID),
		zap.Bool("accepted", acc.Accepted),
		zap.String("reason", acc.Reason),
	)
}
