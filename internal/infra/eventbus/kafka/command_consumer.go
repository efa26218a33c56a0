package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/app/commands"
	cmdcodec "github.com/saludtech/data-retrieval/internal/app/commands/retrieval"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/eventbus/kafka/tracing"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// CommandConsumerMetrics defines metrics operations for command ingestion.
type CommandConsumerMetrics interface {
	IncCommandProcessed(ctx context.Context, commandType string)
	IncCommandRetried(ctx context.Context, commandType string)
	IncCommandDeadLettered(ctx context.Context, commandType string)
	IncConsumeError(ctx context.Context, topic string)
}

// CommandConsumerConfig contains settings for the command ingestion worker.
type CommandConsumerConfig struct {
	// CommandTopic is the topic commands arrive on.
	CommandTopic string
	// DeadLetterTopic receives messages that can never succeed.
	DeadLetterTopic string
	// GroupID identifies the consumer group for command workers.
	GroupID string
	// MaxRetries bounds in-process retry attempts for transient failures
	// before the message is left uncommitted for redelivery.
	MaxRetries int
	// RetryInterval is the initial backoff between retry attempts.
	RetryInterval time.Duration
	// CommandTimeout caps the total handle-and-retry time for one message.
	// An expired budget releases the message for redelivery instead of
	// stalling the partition behind it.
	CommandTimeout time.Duration
}

// ConsumerStatus is a point-in-time snapshot of the command worker, surfaced
// by the health endpoint.
type ConsumerStatus struct {
	Running      bool   `json:"running"`
	Processed    uint64 `json:"processed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
}

// CommandConsumer ingests retrieval commands from Kafka and applies them
// through the command handler. Delivery is at least once: offsets are marked
// only after the handler commits, validation failures go to the dead letter
// topic, and transient failures retry with backoff before the message is left
// uncommitted for redelivery.
type CommandConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       commands.Handler
	cfg           CommandConsumerConfig

	running      atomic.Bool
	processed    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics CommandConsumerMetrics
}

// NewCommandConsumer creates a command ingestion worker from an existing
// Kafka client.
func NewCommandConsumer(
	client sarama.Client,
	cfg CommandConsumerConfig,
	handler commands.Handler,
	logger *logger.Logger,
	metrics CommandConsumerMetrics,
	tracer trace.Tracer,
) (*CommandConsumer, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for command consumer")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}

	consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		return nil, fmt.Errorf("creating command consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("creating dead letter producer: %w", err)
	}

	return &CommandConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       handler,
		cfg:           cfg,
		logger:        logger.With("component", "command_consumer", "group_id", cfg.GroupID),
		tracer:        tracer,
		metrics:       metrics,
	}, nil
}

// Run consumes the command topic until the context is canceled. It blocks and
// should be started on its own goroutine.
func (c *CommandConsumer) Run(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	claimHandler := &commandClaimHandler{consumer: c}

	for {
		if err := c.consumerGroup.Consume(ctx, []string{c.cfg.CommandTopic}, claimHandler); err != nil {
			c.logger.Error(ctx, "Error from command consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Status returns a snapshot of the worker for health reporting.
func (c *CommandConsumer) Status() ConsumerStatus {
	return ConsumerStatus{
		Running:      c.running.Load(),
		Processed:    c.processed.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// Close shuts down the consumer group and the dead letter producer.
func (c *CommandConsumer) Close() error {
	if err := c.consumerGroup.Close(); err != nil {
		return fmt.Errorf("closing command consumer group: %w", err)
	}
	if err := c.producer.Close(); err != nil {
		return fmt.Errorf("closing dead letter producer: %w", err)
	}
	return nil
}

// commandClaimHandler implements sarama.ConsumerGroupHandler for the command
// topic.
type commandClaimHandler struct{ consumer *CommandConsumer }

func (h *commandClaimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info(context.Background(), "Command consumer session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *commandClaimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info(context.Background(), "Command consumer session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes command messages one at a time. Returning an error
// aborts the session so uncommitted messages redeliver; that is how a
// transient failure that exhausted its retry budget is handed back to Kafka.
func (h *commandClaimHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	c := h.consumer
	consumeLogger := c.logger.With("operation", "consume_claim", "partition", claim.Partition())

	for msg := range claim.Messages() {
		msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
		msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, c.tracer)

		err := c.processMessage(msgCtx, sess, msg, consumeLogger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "command processing exhausted retries")
			span.End()
			return err
		}

		span.End()
		sess.Commit()
	}

	return nil
}

// processMessage decodes, applies and acknowledges a single command message.
// A nil return means the offset was marked (success or dead letter); a
// non-nil return means the message must redeliver.
func (c *CommandConsumer) processMessage(
	ctx context.Context,
	sess sarama.ConsumerGroupSession,
	msg *sarama.ConsumerMessage,
	consumeLogger *logger.Logger,
) error {
	cmd, err := cmdcodec.DecodeCommand(msg.Value)
	if err != nil {
		// Undecodable or unknown commands can never succeed.
		consumeLogger.Error(ctx, "Dead lettering undecodable command", "error", err)
		c.deadLetter(ctx, msg, "", err)
		sess.MarkMessage(msg, "")
		return nil
	}

	cmdType := string(cmd.EventType())
	consumeLogger.Debug(ctx, "Received command",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"command_type", cmdType,
		"command_id", cmd.CommandID(),
	)

	// The whole handle-and-retry cycle runs against one deadline so a
	// persistently failing command cannot wedge the partition behind it.
	handleCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	operation := func() error {
		_, err := c.handler.Handle(handleCtx, cmd)
		if err == nil {
			return nil
		}
		if retrieval.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		c.retried.Add(1)
		c.metrics.IncCommandRetried(ctx, cmdType)
		return err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.cfg.RetryInterval
	retryPolicy := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(c.cfg.MaxRetries)), handleCtx)

	if err := backoff.Retry(operation, retryPolicy); err != nil {
		if retrieval.IsPermanent(err) {
			consumeLogger.Error(ctx, "Dead lettering command after permanent failure",
				"error", err,
				"command_type", cmdType,
				"command_id", cmd.CommandID(),
			)
			c.deadLetter(ctx, msg, cmdType, err)
			sess.MarkMessage(msg, "")
			return nil
		}

		// Transient failure that outlived the retry budget: leave the offset
		// uncommitted so Kafka redelivers the message.
		c.metrics.IncConsumeError(ctx, msg.Topic)
		return fmt.Errorf("command %s exhausted retry budget: %w", cmd.CommandID(), err)
	}

	c.processed.Add(1)
	c.metrics.IncCommandProcessed(ctx, cmdType)
	sess.MarkMessage(msg, "")
	return nil
}

// deadLetter forwards the raw message to the dead letter topic with the
// failure reason attached as a header.
func (c *CommandConsumer) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cmdType string, cause error) {
	ctx, span := c.tracer.Start(ctx, "command_consumer.dead_letter",
		trace.WithAttributes(
			attribute.String("command_type", cmdType),
			attribute.String("dead_letter_topic", c.cfg.DeadLetterTopic),
		))
	defer span.End()

	dlqMsg := &sarama.ProducerMessage{
		Topic: c.cfg.DeadLetterTopic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("origin_topic"), Value: []byte(msg.Topic)},
			{Key: []byte("failure_reason"), Value: []byte(cause.Error())},
		},
	}
	tracing.InjectTraceContext(ctx, dlqMsg)

	if _, _, err := c.producer.SendMessage(dlqMsg); err != nil {
		// The original offset is still marked: dropping a poisoned message is
		// preferable to wedging the partition behind it.
		span.RecordError(err)
		c.logger.Error(ctx, "Failed to publish to dead letter topic", "error", err)
		return
	}

	c.deadLettered.Add(1)
	c.metrics.IncCommandDeadLettered(ctx, cmdType)
}
