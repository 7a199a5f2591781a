package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
)

// Producer publishes accepted runs so every instance can push live updates
type Producer struct {
	config   *config.KafkaConfig
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewProducer creates a synchronous producer for the run topic
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = cfg.FlushTimeout
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewProducerWith(cfg, producer, logger), nil
}

// NewProducerWith wraps an existing sarama producer
func NewProducerWith(cfg *config.KafkaConfig, producer sarama.SyncProducer, logger *slog.Logger) *Producer {
	return &Producer{
		config:   cfg,
		producer: producer,
		logger:   logger,
	}
}

// PublishRunAccepted sends run keyed by handle so one player's runs stay
// ordered on a single partition
func (p *Producer) PublishRunAccepted(ctx context.Context, run domain.RunAccepted) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(run.Handle),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("publishing run: %w", err)
	}

	p.logger.Debug("published accepted run",
		"session_id", run.SessionID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
