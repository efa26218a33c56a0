package query

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/storage/retrieval/memory"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

func newQueryTestSuite(t *testing.T) (*memory.Store, *Service) {
	t.Helper()

	store := memory.NewStore()
	svc := NewService(store.Tasks(), store.Images(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	return store, svc
}

func seedTask(t *testing.T, store *memory.Store, sourceID, batchID string, priority int) *retrieval.Task {
	t.Helper()

	src, err := retrieval.NewSourceMetadata(
		retrieval.SourceTypeHospital, "General Hospital", sourceID, "Berlin", retrieval.RetrievalMethodSFTP)
	require.NoError(t, err)

	task, err := retrieval.NewTask(src, batchID, priority, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestQueryGetTask(t *testing.T) {
	t.Parallel()
	store, svc := newQueryTestSuite(t)

	task := seedTask(t, store, "HOSP-001", "", 0)

	got, err := svc.GetTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, task.ID(), got.ID())

	_, err = svc.GetTask(context.Background(), uuid.New())
	require.ErrorIs(t, err, retrieval.ErrTaskNotFound)
}

func TestQueryListTasks_PriorityOrdering(t *testing.T) {
	t.Parallel()
	store, svc := newQueryTestSuite(t)
	ctx := context.Background()

	low := seedTask(t, store, "HOSP-001", "", 5)
	high := seedTask(t, store, "HOSP-001", "", 1)
	mid := seedTask(t, store, "HOSP-001", "", 3)

	tasks, err := svc.ListTasks(ctx, retrieval.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	// Lower priority value dispatches first.
	assert.Equal(t, high.ID(), tasks[0].ID())
	assert.Equal(t, mid.ID(), tasks[1].ID())
	assert.Equal(t, low.ID(), tasks[2].ID())
}

func TestQueryListTasks_Filters(t *testing.T) {
	t.Parallel()
	store, svc := newQueryTestSuite(t)
	ctx := context.Background()

	pending := seedTask(t, store, "HOSP-001", "batch-a", 0)
	other := seedTask(t, store, "LAB-002", "batch-b", 0)

	started := seedTask(t, store, "HOSP-001", "batch-a", 0)
	_, err := started.Start()
	require.NoError(t, err)
	require.NoError(t, store.UpdateTask(ctx, started))

	t.Run("pending only", func(t *testing.T) {
		tasks, err := svc.ListTasks(ctx, retrieval.TaskFilter{PendingOnly: true})
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		for _, task := range tasks {
			assert.Equal(t, retrieval.TaskStatusPending, task.Status())
		}
	})

	t.Run("source id", func(t *testing.T) {
		tasks, err := svc.ListTasks(ctx, retrieval.TaskFilter{SourceID: "LAB-002"})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, other.ID(), tasks[0].ID())
	})

	t.Run("batch id and pending", func(t *testing.T) {
		tasks, err := svc.ListTasks(ctx, retrieval.TaskFilter{BatchID: "batch-a", PendingOnly: true})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, pending.ID(), tasks[0].ID())
	})

	t.Run("limit and offset", func(t *testing.T) {
		first, err := svc.ListTasks(ctx, retrieval.TaskFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, first, 2)

		rest, err := svc.ListTasks(ctx, retrieval.TaskFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})
}

func TestQueryListTaskImages(t *testing.T) {
	t.Parallel()
	store, svc := newQueryTestSuite(t)
	ctx := context.Background()

	task := seedTask(t, store, "HOSP-001", "", 0)
	_, err := task.Start()
	require.NoError(t, err)
	require.NoError(t, store.UpdateTask(ctx, task))

	meta, err := retrieval.NewImageMetadata(retrieval.ImageFormatDICOM, "XRAY", "CHEST", "", 10)
	require.NoError(t, err)
	img, _, err := task.AttachImage(meta, "scan.dcm", "bucket/path")
	require.NoError(t, err)
	require.NoError(t, store.CreateImage(ctx, img))

	images, err := svc.ListTaskImages(ctx, task.ID())
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, img.ID(), images[0].ID())

	// An unknown task is an error, not an empty listing.
	_, err = svc.ListTaskImages(ctx, uuid.New())
	require.ErrorIs(t, err, retrieval.ErrTaskNotFound)
}
