// Package metrics implements the service's Prometheus metrics. One Service
// instance satisfies the metrics interfaces of the event bus, the command
// consumer and the outbox relay.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service holds the Prometheus collectors for the retrieval service.
type Service struct {
	// Broker metrics.
	MessagesPublished *prometheus.CounterVec // labels: topic
	MessagesConsumed  *prometheus.CounterVec // labels: topic
	PublishErrors     *prometheus.CounterVec // labels: topic
	ConsumeErrors     *prometheus.CounterVec // labels: topic

	// Command metrics.
	CommandsProcessed    *prometheus.CounterVec // labels: command_type
	CommandsRetried      *prometheus.CounterVec // labels: command_type
	CommandsDeadLettered *prometheus.CounterVec // labels: command_type

	// Outbox metrics.
	EventsForwarded *prometheus.CounterVec // labels: event_type
	ForwardErrors   *prometheus.CounterVec // labels: event_type

	// Upload metrics.
	ImagesUploaded prometheus.Counter
	UploadErrors   prometheus.Counter

	// Lifecycle monitor metrics.
	LifecycleObserved *prometheus.CounterVec // labels: event_type
}

const namespace = "retrieval"

// New creates a new Service instance with all collectors registered on the
// default registry.
func New() *Service {
	return &Service{
		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published",
		}, []string{"topic"}),
		MessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed",
		}, []string{"topic"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of publish errors",
		}, []string{"topic"}),
		ConsumeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consume_errors_total",
			Help:      "Total number of consume errors",
		}, []string{"topic"}),

		CommandsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_processed_total",
			Help:      "Total number of commands applied successfully",
		}, []string{"command_type"}),
		CommandsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_retried_total",
			Help:      "Total number of command retry attempts after transient failures",
		}, []string{"command_type"}),
		CommandsDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dead_lettered_total",
			Help:      "Total number of commands sent to the dead letter topic",
		}, []string{"command_type"}),

		EventsForwarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_forwarded_total",
			Help:      "Total number of outbox records forwarded to the event bus",
		}, []string{"event_type"}),
		ForwardErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_forward_errors_total",
			Help:      "Total number of outbox forwarding errors",
		}, []string{"event_type"}),

		ImagesUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_uploaded_total",
			Help:      "Total number of image payloads stored",
		}),
		UploadErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_errors_total",
			Help:      "Total number of failed image uploads",
		}),

		LifecycleObserved: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_observed_total",
			Help:      "Total number of published events observed by the lifecycle monitor",
		}, []string{"event_type"}),
	}
}

// Interface implementation methods.
func (s *Service) IncMessagePublished(ctx context.Context, topic string) {
	s.MessagesPublished.WithLabelValues(topic).Inc()
}

func (s *Service) IncMessageConsumed(ctx context.Context, topic string) {
	s.MessagesConsumed.WithLabelValues(topic).Inc()
}

func (s *Service) IncPublishError(ctx context.Context, topic string) {
	s.PublishErrors.WithLabelValues(topic).Inc()
}

func (s *Service) IncConsumeError(ctx context.Context, topic string) {
	s.ConsumeErrors.WithLabelValues(topic).Inc()
}

func (s *Service) IncCommandProcessed(ctx context.Context, commandType string) {
	s.CommandsProcessed.WithLabelValues(commandType).Inc()
}

func (s *Service) IncCommandRetried(ctx context.Context, commandType string) {
	s.CommandsRetried.WithLabelValues(commandType).Inc()
}

func (s *Service) IncCommandDeadLettered(ctx context.Context, commandType string) {
	s.CommandsDeadLettered.WithLabelValues(commandType).Inc()
}

func (s *Service) IncEventForwarded(ctx context.Context, eventType string) {
	s.EventsForwarded.WithLabelValues(eventType).Inc()
}

func (s *Service) IncForwardError(ctx context.Context, eventType string) {
	s.ForwardErrors.WithLabelValues(eventType).Inc()
}

func (s *Service) IncImageUploaded(ctx context.Context) { s.ImagesUploaded.Inc() }

func (s *Service) IncUploadError(ctx context.Context) { s.UploadErrors.Inc() }

func (s *Service) IncLifecycleObserved(ctx context.Context, eventType string) {
	s.LifecycleObserved.WithLabelValues(eventType).Inc()
}
