package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
)

// RunHandler receives accepted runs published by any instance
type RunHandler interface {
	Broadcast(ctx context.Context, run domain.RunAccepted)
}

// Consumer reads accepted runs and hands them to the local RunHandler
type Consumer struct {
	config        *config.KafkaConfig
	handler       RunHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer. Every instance needs its own
// group so that each one sees every run.
func NewConsumer(cfg *config.KafkaConfig, groupID string, handler RunHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	return newConsumer(cfg, consumerGroup, handler, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, group sarama.ConsumerGroup, handler RunHandler, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handle decodes one message and passes it on. Undecodable messages are
// logged and skipped.
func (c *Consumer) handle(message *sarama.ConsumerMessage) {
	var run domain.RunAccepted
	if err := json.Unmarshal(message.Value, &run); err != nil {
		c.logger.Warn("failed to unmarshal message",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
		return
	}
	if run.Handle == "" {
		c.logger.Warn("accepted run without handle", "offset", message.Offset)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	c.handler.Broadcast(ctx, run)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.handle(message)
			session.MarkMessage(message, "")
		}
	}
}
