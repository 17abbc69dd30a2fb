package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/rhythm-ranking/internal/config"
	"github.com/rhythm-ranking/internal/domain"
)

// batchTimeout bounds the processing of one batch
const batchTimeout = 10 * time.Second

// ScoreHandler accepts score submissions
type ScoreHandler interface {
	Submit(ctx context.Context, raw domain.RawSubmission, meta domain.CallerMeta) (*domain.SubmitResult, error)
}

// Consumer feeds score submissions from a Kafka topic into the ranking pipeline
type Consumer struct {
	config        *config.KafkaConfig
	handler       ScoreHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan struct{}
	readyOnce     sync.Once
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ScoreHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan struct{}),
	}, nil
}

// Start joins the consumer group and blocks until the first session is set
// up or ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{consumer: c}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-c.ready:
	case <-ctx.Done():
		return fmt.Errorf("waiting for consumer group session: %w", ctx.Err())
	}
	c.logger.Info("Kafka consumer ready")

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

// decodeMessage parses a queued submission. Numbers are kept as json.Number
// so the validator sees them exactly as sent.
func decodeMessage(value []byte) (domain.IngestMessage, error) {
	var msg domain.IngestMessage
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return domain.IngestMessage{}, fmt.Errorf("decoding submission: %w", err)
	}
	return msg, nil
}

// batchStats summarises the outcome of one batch
type batchStats struct {
	accepted int
	rejected int
	pending  int
	failed   int
}

// submitBatch runs every message through the handler. Rejected and failed
// submissions are logged and skipped; the ledger is the record of what was kept.
func submitBatch(ctx context.Context, handler ScoreHandler, batch []domain.IngestMessage, logger *slog.Logger) batchStats {
	var stats batchStats
	for _, msg := range batch {
		meta := domain.CallerMeta{IP: msg.IP, UserAgent: msg.UserAgent}
		result, err := handler.Submit(ctx, msg.RawSubmission, meta)
		switch {
		case err == nil && result.RankingPending:
			stats.pending++
		case err == nil:
			stats.accepted++
		case domain.IsValidationError(err):
			stats.rejected++
			logger.Debug("queued submission rejected", "chart_id", msg.ChartID, "error", err)
		default:
			stats.failed++
			logger.Error("queued submission failed", "chart_id", msg.ChartID, "stage", domain.StoreOf(err), "error", err)
		}
	}
	return stats
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.readyOnce.Do(func() { close(h.consumer.ready) })
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches messages from a partition. Offsets are marked only
// after the batch holding them has been submitted.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	logger := h.consumer.logger.With("partition", claim.Partition())

	batch := make([]domain.IngestMessage, 0, cfg.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if last == nil {
			return
		}
		if len(batch) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
			stats := submitBatch(ctx, h.consumer.handler, batch, logger)
			cancel()
			logger.Debug("processed batch",
				"batch_size", len(batch),
				"accepted", stats.accepted,
				"rejected", stats.rejected,
				"pending", stats.pending,
				"failed", stats.failed,
			)
		}
		session.MarkMessage(last, "")
		batch = batch[:0]
		last = nil
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			last = message

			msg, err := decodeMessage(message.Value)
			if err != nil {
				logger.Warn("dropping malformed message", "offset", message.Offset, "error", err)
				continue
			}
			batch = append(batch, msg)

			if len(batch) >= cfg.BatchSize {
				flush()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}
