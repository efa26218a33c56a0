// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/eventbus/kafka/tracing"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// EventBusConfig contains settings for connecting to and interacting with
// Kafka brokers. It defines the topics, consumer group, and client identifiers
// needed for message routing.
type EventBusConfig struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// LifecycleTopic carries task lifecycle events (started, completed, failed).
	LifecycleTopic string
	// AnonymizationTopic carries image readiness events for the anonymization
	// pipeline.
	AnonymizationTopic string
	// DeadLetterTopic receives command messages that can never succeed.
	DeadLetterTopic string

	// GroupID identifies the consumer group for this instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// ServiceType identifies the type of service (e.g., "retrieval-api", "retrieval-worker")
	ServiceType string
}

// wireEnvelope is the JSON document published for each domain event.
type wireEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// It handles publishing and subscribing to domain events across service boundaries.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a Kafka-based event bus over an existing producer and
// consumer group. Lifecycle events and image readiness events route to their
// own topics so downstream consumers subscribe only to what they need.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	topicMap := map[events.EventType]string{
		retrieval.EventTypeRetrievalStarted:           cfg.LifecycleTopic,
		retrieval.EventTypeRetrievalCompleted:         cfg.LifecycleTopic,
		retrieval.EventTypeRetrievalFailed:            cfg.LifecycleTopic,
		retrieval.EventTypeImageDeletionCompleted:     cfg.LifecycleTopic,
		retrieval.EventTypeImageReadyForAnonymization: cfg.AnonymizationTopic,
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic configured for its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	msgBytes, err := json.Marshal(wireEnvelope{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, topic, event.Key, msgBytes, pParams.Headers)
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic
func (b *EventBus) publishToTopic(ctx context.Context, topic, key string, msgBytes []byte, headers map[string]string) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events of the
// specified types. It manages consumer group membership and message
// processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	// Collect unique topics for the requested event types.
	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	handler events.HandlerFunc,
) {
	cgHandler := &domainEventHandler{
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing
// them into domain event envelopes and invoking the user-provided handler.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())

	lastCommit := time.Now()
	commitInterval := 1 * time.Second

	for msg := range claim.Messages() {
		func() {
			msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
			msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
			defer span.End()

			var wire wireEnvelope
			if err := json.Unmarshal(msg.Value, &wire); err != nil {
				// Malformed messages can never be processed; drop them.
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			dEvent := events.EventEnvelope{
				ID:        wire.EventID,
				Type:      events.EventType(wire.EventType),
				Key:       string(msg.Key),
				Timestamp: wire.Timestamp,
				Payload:   wire.Payload,
			}

			consumeLogger.Debug(msgCtx, "Received Kafka message",
				"topic", msg.Topic,
				"partition", claim.Partition(),
				"offset", msg.Offset,
				"event_type", dEvent.Type,
				"key", dEvent.Key,
			)

			ack := func(err error) {
				ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
					trace.WithLinks(trace.LinkFromContext(msgCtx)),
				)
				defer ackSpan.End()

				if err != nil {
					consumeLogger.Error(ackCtx, "Failed to acknowledge message", "error", err)
					h.metrics.IncConsumeError(ackCtx, msg.Topic)
					ackSpan.RecordError(err)
					ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
					return
				}
				h.metrics.IncMessageConsumed(ackCtx, msg.Topic)

				sess.MarkMessage(msg, "")

				if time.Since(lastCommit) > commitInterval {
					sess.Commit()
					lastCommit = time.Now()
				}
			}

			if err := h.userHandler(msgCtx, dEvent, ack); err != nil {
				consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
				span.RecordError(err)
				return
			}
		}()
	}

	sess.Commit()

	return nil
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
