package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func sampleRun() domain.RunAccepted {
	return domain.RunAccepted{
		SessionID:  "9b2f6c1e-1111-4a4a-8888-000000000001",
		Handle:     "alice",
		Score:      42,
		Coins:      7,
		DurationMs: 61000,
		Rank:       3,
		BestScore:  50,
		AcceptedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPublishRunAccepted(t *testing.T) {
	cfg := &config.KafkaConfig{Topic: "runs"}
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var run domain.RunAccepted
		if err := json.Unmarshal(val, &run); err != nil {
			return err
		}
		if run != sampleRun() {
			return errors.New("unexpected run payload")
		}
		return nil
	})

	p := NewProducerWith(cfg, mock, discard)
	require.NoError(t, p.PublishRunAccepted(context.Background(), sampleRun()))
	require.NoError(t, p.Close())
}

func TestPublishRunAcceptedFailure(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerWith(&config.KafkaConfig{Topic: "runs"}, mock, discard)
	err := p.PublishRunAccepted(context.Background(), sampleRun())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestPublishSkipsCancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	p := NewProducerWith(&config.KafkaConfig{Topic: "runs"}, mock, discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishRunAccepted(ctx, sampleRun()), context.Canceled)
	require.NoError(t, p.Close())
}

type recordingHandler struct {
	mu   sync.Mutex
	runs []domain.RunAccepted
}

func (h *recordingHandler) Broadcast(_ context.Context, run domain.RunAccepted) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
}

func TestConsumerHandle(t *testing.T) {
	rec := &recordingHandler{}
	c := newConsumer(&config.KafkaConfig{Topic: "runs"}, nil, rec, discard)
	defer c.cancel()

	data, err := json.Marshal(sampleRun())
	require.NoError(t, err)

	c.handle(&sarama.ConsumerMessage{Value: data})
	c.handle(&sarama.ConsumerMessage{Value: []byte("not json")})
	c.handle(&sarama.ConsumerMessage{Value: []byte(`{"score":5}`)})

	require.Len(t, rec.runs, 1)
	assert.Equal(t, sampleRun(), rec.runs[0])
}
