package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IBM/sarama"

	"chatsync/internal/infra/feed"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// Consumer reads change records from a consumer group. Each serving
// instance uses its own group id so every instance sees every change.
type Consumer struct {
	group   sarama.ConsumerGroup
	handler MessageHandler
	logger  *slog.Logger
}

func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka: handler is required")
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	// open views re-fetch on connect, so only changes from now on matter
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: g, handler: handler, logger: logger}, nil
}

// Run consumes topics until ctx is done, rejoining after every rebalance.
func (c *Consumer) Run(ctx context.Context, topics []string) error {
	go c.drainErrors()
	handler := claimHandler{handler: c.handler, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) drainErrors() {
	for err := range c.group.Errors() {
		if c.logger != nil {
			c.logger.Warn("kafka consumer error", "error", err)
		}
	}
}

type claimHandler struct {
	handler MessageHandler
	logger  *slog.Logger
}

func (h claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.logger != nil {
		h.logger.Info("kafka claims assigned", "member_id", sess.MemberID(), "claims", sess.Claims())
	}
	return nil
}

func (h claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim commits every record, handled or not. Change events are a
// best-effort signal and a bad record must not stall the partition.
func (h claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler.Handle(sess.Context(), message); err != nil && h.logger != nil {
				h.logger.Debug("change record not relayed", "error", err, "topic", message.Topic, "partition", message.Partition, "offset", message.Offset)
			}
			sess.MarkMessage(message, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

// RelayHandler decodes change events and republishes them to a local
// publisher, normally the in-process Hub that reconcilers subscribe to.
type RelayHandler struct {
	Target feed.Publisher
	Logger *slog.Logger
}

func (h RelayHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ev, err := feed.DecodeEvent(msg.Value)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("dropping change record", "error", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		}
		return err
	}
	return h.Target.Publish(ctx, ev)
}

var _ MessageHandler = RelayHandler{}
