// Package lifecycle observes the service's own published events. The monitor
// subscribes to the lifecycle and readiness topics and keeps per-type
// counters, giving the health endpoint a read on whether events actually flow
// end to end after the outbox relay forwards them.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// MonitorMetrics defines metrics operations for observed lifecycle events.
type MonitorMetrics interface {
	IncLifecycleObserved(ctx context.Context, eventType string)
}

// MonitorStatus is a point-in-time snapshot of the monitor, surfaced by the
// health endpoint.
type MonitorStatus struct {
	Running   bool             `json:"running"`
	Observed  uint64           `json:"observed"`
	ByType    map[string]int64 `json:"by_type"`
	LastEvent *time.Time       `json:"last_event,omitempty"`
}

// observedTypes is the set of event types the monitor subscribes to: every
// type this service publishes.
var observedTypes = []events.EventType{
	retrieval.EventTypeRetrievalStarted,
	retrieval.EventTypeRetrievalCompleted,
	retrieval.EventTypeRetrievalFailed,
	retrieval.EventTypeImageReadyForAnonymization,
	retrieval.EventTypeImageDeletionCompleted,
}

// Monitor consumes the service's published events and tallies them by type.
type Monitor struct {
	bus events.EventBus

	running  atomic.Bool
	observed atomic.Uint64

	mu        sync.Mutex
	byType    map[string]int64
	lastEvent *time.Time

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics MonitorMetrics
}

// NewMonitor creates a lifecycle monitor over the given bus.
func NewMonitor(bus events.EventBus, logger *logger.Logger, metrics MonitorMetrics, tracer trace.Tracer) *Monitor {
	return &Monitor{
		bus:     bus,
		byType:  make(map[string]int64),
		logger:  logger.With("component", "lifecycle_monitor"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Start subscribes the monitor to every event type this service publishes.
// Consumption runs on the bus's goroutines until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.bus.Subscribe(ctx, observedTypes, m.handleEvent); err != nil {
		return fmt.Errorf("subscribing lifecycle monitor: %w", err)
	}

	m.running.Store(true)
	go func() {
		<-ctx.Done()
		m.running.Store(false)
	}()

	m.logger.Info(ctx, "lifecycle monitor started", "event_types", observedTypes)
	return nil
}

// handleEvent tallies one observed envelope. Observation never fails, so the
// message is always acknowledged.
func (m *Monitor) handleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle_monitor.handle_event")
	defer span.End()

	m.observed.Add(1)
	now := time.Now().UTC()

	m.mu.Lock()
	m.byType[string(evt.Type)]++
	m.lastEvent = &now
	m.mu.Unlock()

	m.metrics.IncLifecycleObserved(ctx, string(evt.Type))
	m.logger.Debug(ctx, "observed published event",
		"event_type", evt.Type,
		"event_id", evt.ID,
		"key", evt.Key,
	)

	ack(nil)
	return nil
}

// Status returns a snapshot of the monitor for health reporting.
func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	byType := make(map[string]int64, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}
	var last *time.Time
	if m.lastEvent != nil {
		t := *m.lastEvent
		last = &t
	}
	m.mu.Unlock()

	return MonitorStatus{
		Running:   m.running.Load(),
		Observed:  m.observed.Load(),
		ByType:    byType,
		LastEvent: last,
	}
}
