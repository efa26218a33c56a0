package outbox

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	memorybus "github.com/saludtech/data-retrieval/internal/infra/eventbus/memory"
	memorystore "github.com/saludtech/data-retrieval/internal/infra/storage/retrieval/memory"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

type noopRelayMetrics struct{}

func (noopRelayMetrics) IncEventForwarded(context.Context, string) {}
func (noopRelayMetrics) IncForwardError(context.Context, string)   {}

type relayTestSuite struct {
	store *memorystore.Store
	bus   *memorybus.EventBus
	relay *Relay
}

func newRelayTestSuite(t *testing.T) *relayTestSuite {
	t.Helper()

	store := memorystore.NewStore()
	bus := memorybus.NewEventBus()
	relay := NewRelay(
		store, bus, RelayConfig{},
		logger.Noop(), noopRelayMetrics{}, noop.NewTracerProvider().Tracer("test"),
	)

	return &relayTestSuite{store: store, bus: bus, relay: relay}
}

func stageRecord(t *testing.T, store *memorystore.Store, eventType events.EventType, key string, imageID *uuid.UUID) {
	t.Helper()
	err := store.StageEvent(context.Background(), &retrieval.OutboxRecord{
		EventID:   uuid.New(),
		EventType: eventType,
		Key:       key,
		Payload:   []byte(`{}`),
		ImageID:   imageID,
	})
	require.NoError(t, err)
}

func TestRelayForwardPending(t *testing.T) {
	t.Parallel()
	suite := newRelayTestSuite(t)
	ctx := context.Background()

	stageRecord(t, suite.store, retrieval.EventTypeRetrievalStarted, "task-1", nil)
	stageRecord(t, suite.store, retrieval.EventTypeRetrievalStarted, "task-2", nil)

	require.NoError(t, suite.relay.ForwardPending(ctx))

	published := suite.bus.Published()
	require.Len(t, published, 2)

	// Staging order is publish order.
	assert.Equal(t, "task-1", published[0].Key)
	assert.Equal(t, "task-2", published[1].Key)

	remaining, err := suite.store.UnforwardedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	status := suite.relay.Status()
	assert.Equal(t, uint64(2), status.Forwarded)
}

func TestRelayForwardPending_AdvancesImageStatus(t *testing.T) {
	t.Parallel()
	suite := newRelayTestSuite(t)
	ctx := context.Background()

	img := retrieval.NewImage(uuid.New(), retrieval.ImageMetadata{}, "scan.dcm", "bucket/path")
	require.NoError(t, suite.store.CreateImage(ctx, img))

	imgID := img.ID()
	stageRecord(t, suite.store, retrieval.EventTypeImageReadyForAnonymization, imgID.String(), &imgID)

	require.NoError(t, suite.relay.ForwardPending(ctx))

	stored, err := suite.store.GetImage(ctx, imgID)
	require.NoError(t, err)
	assert.Equal(t, retrieval.ImageStatusEventEmitted, stored.Status())
}

func TestRelayForwardPending_Empty(t *testing.T) {
	t.Parallel()
	suite := newRelayTestSuite(t)

	require.NoError(t, suite.relay.ForwardPending(context.Background()))
	assert.Empty(t, suite.bus.Published())
}

func TestRelayForwardPending_Idempotent(t *testing.T) {
	t.Parallel()
	suite := newRelayTestSuite(t)
	ctx := context.Background()

	stageRecord(t, suite.store, retrieval.EventTypeRetrievalStarted, "task-1", nil)

	require.NoError(t, suite.relay.ForwardPending(ctx))
	require.NoError(t, suite.relay.ForwardPending(ctx))

	// The second drain finds nothing; the record is not re-published.
	assert.Len(t, suite.bus.Published(), 1)
}
