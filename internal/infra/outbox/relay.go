// Package outbox relays staged domain events from durable storage to the
// event bus. Events are written to the outbox in the same transaction as the
// state change that produced them; the relay forwards committed records in
// staging order and marks them so each event reaches the transport at least
// once.
package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// RelayMetrics defines metrics operations for outbox forwarding.
type RelayMetrics interface {
	IncEventForwarded(ctx context.Context, eventType string)
	IncForwardError(ctx context.Context, eventType string)
}

// RelayConfig contains settings for the outbox relay worker.
type RelayConfig struct {
	// PollInterval is how often the relay looks for unforwarded records.
	PollInterval time.Duration
	// BatchSize bounds the number of records fetched per poll.
	BatchSize int
}

// RelayStatus is a point-in-time snapshot of the relay for health reporting.
type RelayStatus struct {
	Running   bool   `json:"running"`
	Forwarded uint64 `json:"forwarded"`
	Errors    uint64 `json:"errors"`
}

// Relay polls the outbox for committed, unforwarded event records and
// publishes them to the event bus. Records are forwarded in staging order and
// marked only after the transport acknowledged them, so a crash between
// publish and mark re-sends rather than drops.
type Relay struct {
	reader retrieval.OutboxReader
	bus    events.EventBus
	cfg    RelayConfig

	running   atomic.Bool
	forwarded atomic.Uint64
	errors    atomic.Uint64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RelayMetrics
}

// NewRelay creates an outbox relay.
func NewRelay(
	reader retrieval.OutboxReader,
	bus events.EventBus,
	cfg RelayConfig,
	logger *logger.Logger,
	metrics RelayMetrics,
	tracer trace.Tracer,
) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		reader:  reader,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("component", "outbox_relay"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Run polls the outbox until the context is canceled. It blocks and should be
// started on its own goroutine.
func (r *Relay) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info(ctx, "Outbox relay started",
		"poll_interval", r.cfg.PollInterval.String(),
		"batch_size", r.cfg.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "Outbox relay stopped")
			return
		case <-ticker.C:
			if err := r.forwardBatch(ctx); err != nil {
				r.errors.Add(1)
				r.logger.Error(ctx, "Outbox batch forwarding failed", "error", err)
			}
		}
	}
}

// ForwardPending drains unforwarded records once. Tests and shutdown paths
// use it to flush without running the poll loop.
func (r *Relay) ForwardPending(ctx context.Context) error {
	for {
		records, err := r.reader.UnforwardedEvents(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := r.forwardRecords(ctx, records); err != nil {
			return err
		}
		if len(records) < r.cfg.BatchSize {
			return nil
		}
	}
}

// Status returns a snapshot of the relay for health reporting.
func (r *Relay) Status() RelayStatus {
	return RelayStatus{
		Running:   r.running.Load(),
		Forwarded: r.forwarded.Load(),
		Errors:    r.errors.Load(),
	}
}

func (r *Relay) forwardBatch(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "outbox_relay.forward_batch")
	defer span.End()

	records, err := r.reader.UnforwardedEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(records) == 0 {
		return nil
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))
	return r.forwardRecords(ctx, records)
}

// forwardRecords publishes records in staging order. Publish failures are
// retried with backoff; a record that still fails aborts the batch so order
// is preserved and the next poll starts from the stuck record.
func (r *Relay) forwardRecords(ctx context.Context, records []retrieval.OutboxRecord) error {
	for _, rec := range records {
		envelope := events.EventEnvelope{
			ID:        rec.EventID.String(),
			Type:      rec.EventType,
			Key:       rec.Key,
			Timestamp: rec.CreatedAt,
			Payload:   rec.Payload,
		}

		publish := func() error {
			return r.bus.Publish(ctx, envelope, events.WithKey(rec.Key))
		}

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.MaxElapsedTime = 30 * time.Second

		if err := backoff.Retry(publish, backoff.WithContext(expBackoff, ctx)); err != nil {
			r.metrics.IncForwardError(ctx, string(rec.EventType))
			return err
		}

		if err := r.reader.MarkForwarded(ctx, rec.ID); err != nil {
			r.metrics.IncForwardError(ctx, string(rec.EventType))
			return err
		}

		r.forwarded.Add(1)
		r.metrics.IncEventForwarded(ctx, string(rec.EventType))

		r.logger.Debug(ctx, "Forwarded outbox record",
			"outbox_id", rec.ID,
			"event_type", rec.EventType,
			"key", rec.Key,
		)
	}
	return nil
}
