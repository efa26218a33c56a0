package retrieval

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/storage/retrieval/memory"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// fakeRemover records storage paths removed during compensation.
type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemover) RemoveByPath(_ context.Context, storagePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, storagePath)
	return nil
}

type handlerTestSuite struct {
	store   *memory.Store
	handler *CommandHandler
	remover *fakeRemover
}

func newHandlerTestSuite(t *testing.T) *handlerTestSuite {
	t.Helper()

	store := memory.NewStore()
	tracer := noop.NewTracerProvider().Tracer("test")
	remover := &fakeRemover{}
	handler := NewCommandHandler(logger.Noop(), tracer, memory.NewUnitOfWork(store), remover)

	return &handlerTestSuite{store: store, handler: handler, remover: remover}
}

func createCmd(commandID string) CreateRetrievalTaskCommand {
	return NewCreateRetrievalTaskCommand(
		commandID,
		retrieval.SourceTypeHospital,
		"General Hospital",
		"HOSP-001",
		"Berlin",
		retrieval.RetrievalMethodSFTP,
		"batch-1",
		1,
		nil,
	)
}

// createStartedTask runs create + start through the handler and returns the
// task id.
func (s *handlerTestSuite) createStartedTask(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	result, err := s.handler.Handle(ctx, createCmd(uuid.NewString()))
	require.NoError(t, err)

	taskID, err := uuid.Parse(result.TaskID)
	require.NoError(t, err)

	_, err = s.handler.Handle(ctx, NewStartRetrievalTaskCommand(uuid.NewString(), taskID))
	require.NoError(t, err)

	return taskID
}

func TestCommandHandler_CreateTask(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()

	result, err := suite.handler.Handle(ctx, createCmd("cmd-create-1"))
	require.NoError(t, err)

	assert.Equal(t, "PENDING", result.Status)
	assert.Equal(t, "batch-1", result.BatchID)
	assert.Equal(t, "General Hospital", result.Source)

	taskID, err := uuid.Parse(result.TaskID)
	require.NoError(t, err)

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, retrieval.TaskStatusPending, task.Status())
}

func TestCommandHandler_DuplicateCommandReplaysResult(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()

	first, err := suite.handler.Handle(ctx, createCmd("cmd-dup"))
	require.NoError(t, err)

	// Redelivery of the same command id must not create a second task.
	second, err := suite.handler.Handle(ctx, createCmd("cmd-dup"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	tasks, err := suite.store.ListTasks(ctx, retrieval.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCommandHandler_InvalidCommandRejected(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)

	cmd := NewCreateRetrievalTaskCommand(
		"cmd-bad", "NOT_A_SOURCE", "name", "id", "loc",
		retrieval.RetrievalMethodAPI, "", 0, nil)

	_, err := suite.handler.Handle(context.Background(), cmd)
	require.Error(t, err)
	assert.True(t, retrieval.IsPermanent(err))
}

func TestCommandHandler_StartTask(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()

	created, err := suite.handler.Handle(ctx, createCmd(uuid.NewString()))
	require.NoError(t, err)
	taskID := uuid.MustParse(created.TaskID)

	result, err := suite.handler.Handle(ctx, NewStartRetrievalTaskCommand("cmd-start", taskID))
	require.NoError(t, err)
	assert.Equal(t, "IN_PROGRESS", result.Status)

	records, err := suite.store.UnforwardedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, retrieval.EventTypeRetrievalStarted, records[0].EventType)
	assert.Equal(t, taskID.String(), records[0].Key)
}

func TestCommandHandler_StartUnknownTask(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)

	_, err := suite.handler.Handle(context.Background(),
		NewStartRetrievalTaskCommand("cmd-missing", uuid.New()))
	require.ErrorIs(t, err, retrieval.ErrTaskNotFound)
	assert.True(t, retrieval.IsPermanent(err))
}

func TestCommandHandler_UploadImage(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()
	taskID := suite.createStartedTask(t)

	cmd := NewUploadImageCommand(
		"cmd-upload", taskID, "scan.dcm",
		retrieval.ImageFormatDICOM, "XRAY", "CHEST", "1024x768", 2048,
		"bucket/tasks/x/y_scan.dcm",
	)

	result, err := suite.handler.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, "RECEIVED", result.Status)
	assert.Equal(t, "bucket/tasks/x/y_scan.dcm", result.FilePath)

	imageID := uuid.MustParse(result.ImageID)
	img, err := suite.store.GetImage(ctx, imageID)
	require.NoError(t, err)
	assert.Equal(t, retrieval.ImageStatusReceived, img.Status())

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.AttachedImages())

	records, err := suite.store.UnforwardedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2) // started + image ready

	ready := records[1]
	assert.Equal(t, retrieval.EventTypeImageReadyForAnonymization, ready.EventType)
	require.NotNil(t, ready.ImageID)
	assert.Equal(t, imageID, *ready.ImageID)
}

func TestCommandHandler_UploadBeforeStartRollsBack(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()

	created, err := suite.handler.Handle(ctx, createCmd(uuid.NewString()))
	require.NoError(t, err)
	taskID := uuid.MustParse(created.TaskID)

	cmd := NewUploadImageCommand(
		"cmd-early-upload", taskID, "scan.dcm",
		retrieval.ImageFormatDICOM, "XRAY", "CHEST", "", 10,
		"bucket/path",
	)

	_, err = suite.handler.Handle(ctx, cmd)
	require.Error(t, err)
	assert.True(t, retrieval.IsPermanent(err))

	// The rejected command must leave no partial state behind.
	images, err := suite.store.ListImagesByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, images)

	records, err := suite.store.UnforwardedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommandHandler_UploadImageBatch(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()
	taskID := suite.createStartedTask(t)

	cmd := NewUploadImageBatchCommand("cmd-batch", taskID, []BatchImage{
		{Filename: "a.dcm", Format: retrieval.ImageFormatDICOM, Modality: "XRAY", Region: "CHEST", SizeBytes: 100, StoragePath: "bucket/tasks/x/a.dcm"},
		{Filename: "b.dcm", Format: retrieval.ImageFormatDICOM, Modality: "XRAY", Region: "CHEST", SizeBytes: 200, StoragePath: "bucket/tasks/x/b.dcm"},
		{Filename: "c.png", Format: retrieval.ImageFormatPNG, Modality: "CT", Region: "HEAD", SizeBytes: 300, StoragePath: "bucket/tasks/x/c.png"},
	})

	result, err := suite.handler.Handle(ctx, cmd)
	require.NoError(t, err)
	require.Len(t, result.ImageIDs, 3)

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 3, task.AttachedImages())

	images, err := suite.store.ListImagesByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, images, 3)

	// started + one image-ready per batch member
	records, err := suite.store.UnforwardedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, rec := range records[1:] {
		assert.Equal(t, retrieval.EventTypeImageReadyForAnonymization, rec.EventType)
	}
}

func TestCommandHandler_UploadImageBatchRollsBackOnBadImage(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()
	taskID := suite.createStartedTask(t)

	cmd := NewUploadImageBatchCommand("cmd-batch-bad", taskID, []BatchImage{
		{Filename: "a.dcm", Format: retrieval.ImageFormatDICOM, SizeBytes: 100, StoragePath: "bucket/a"},
		{Filename: "b.dcm", Format: "NOT_A_FORMAT", SizeBytes: 100, StoragePath: "bucket/b"},
	})

	_, err := suite.handler.Handle(ctx, cmd)
	require.Error(t, err)
	assert.True(t, retrieval.IsPermanent(err))

	// The batch attaches atomically: the valid first image must not survive
	// the rejected second one.
	images, err := suite.store.ListImagesByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Empty(t, images)

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 0, task.AttachedImages())
}

func TestCommandHandler_DeleteRetrievedImage(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()
	taskID := suite.createStartedTask(t)

	batch, err := suite.handler.Handle(ctx, NewUploadImageBatchCommand(uuid.NewString(), taskID, []BatchImage{
		{Filename: "a.dcm", Format: retrieval.ImageFormatDICOM, SizeBytes: 100, StoragePath: "bucket/tasks/x/a.dcm"},
		{Filename: "b.dcm", Format: retrieval.ImageFormatDICOM, SizeBytes: 100, StoragePath: "bucket/tasks/x/b.dcm"},
	}))
	require.NoError(t, err)
	imageID := uuid.MustParse(batch.ImageIDs[0])

	result, err := suite.handler.Handle(ctx,
		NewDeleteRetrievedImageCommand("cmd-delete", taskID, imageID, "anonymization failed"))
	require.NoError(t, err)
	assert.Equal(t, "DELETED", result.Status)
	assert.Equal(t, "bucket/tasks/x/a.dcm", result.FilePath)

	img, err := suite.store.GetImage(ctx, imageID)
	require.NoError(t, err)
	assert.Equal(t, retrieval.ImageStatusDeleted, img.Status())

	// One image remains, the task stays in progress and the stored object
	// was removed after commit.
	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.AttachedImages())
	assert.Equal(t, retrieval.TaskStatusInProgress, task.Status())
	assert.Equal(t, []string{"bucket/tasks/x/a.dcm"}, suite.remover.removed)
}

func TestCommandHandler_DeleteLastImageFailsTask(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()
	taskID := suite.createStartedTask(t)

	uploaded, err := suite.handler.Handle(ctx, NewUploadImageCommand(
		uuid.NewString(), taskID, "scan.dcm",
		retrieval.ImageFormatDICOM, "XRAY", "CHEST", "", 10, "bucket/only"))
	require.NoError(t, err)
	imageID := uuid.MustParse(uploaded.ImageID)

	_, err = suite.handler.Handle(ctx,
		NewDeleteRetrievedImageCommand("cmd-delete-last", taskID, imageID, "corrupt payload"))
	require.NoError(t, err)

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, retrieval.TaskStatusFailed, task.Status())

	// started + image ready + retrieval failed + deletion completed
	records, err := suite.store.UnforwardedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, retrieval.EventTypeRetrievalFailed, records[2].EventType)
	assert.Equal(t, retrieval.EventTypeImageDeletionCompleted, records[3].EventType)
}

func TestCommandHandler_DeleteImageFromWrongTask(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()

	taskA := suite.createStartedTask(t)
	taskB := suite.createStartedTask(t)

	uploaded, err := suite.handler.Handle(ctx, NewUploadImageCommand(
		uuid.NewString(), taskA, "scan.dcm",
		retrieval.ImageFormatDICOM, "XRAY", "CHEST", "", 10, "bucket/a"))
	require.NoError(t, err)
	imageID := uuid.MustParse(uploaded.ImageID)

	_, err = suite.handler.Handle(ctx,
		NewDeleteRetrievedImageCommand(uuid.NewString(), taskB, imageID, ""))
	require.Error(t, err)
	assert.True(t, retrieval.IsPermanent(err))
	assert.Empty(t, suite.remover.removed)
}

func TestCommandHandler_ConcurrentUploadsSerialize(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()
	taskID := suite.createStartedTask(t)

	const uploads = 8
	var wg sync.WaitGroup
	errs := make([]error, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := NewUploadImageCommand(
				uuid.NewString(), taskID, "scan.dcm",
				retrieval.ImageFormatDICOM, "XRAY", "CHEST", "", 10,
				"bucket/path")
			_, errs[i] = suite.handler.Handle(ctx, cmd)
		}(i)
	}
	wg.Wait()

	// The per-task lock serializes the writers, so no upload may surface a
	// version conflict and every attachment must land.
	for i, err := range errs {
		require.NoError(t, err, "upload %d", i)
	}

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, uploads, task.AttachedImages())

	images, err := suite.store.ListImagesByTask(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, images, uploads)
}

func TestCommandHandler_ConcurrentStartsAllowOneWinner(t *testing.T) {
	t.Parallel()
	suite := newHandlerTestSuite(t)
	ctx := context.Background()

	created, err := suite.handler.Handle(ctx, createCmd(uuid.NewString()))
	require.NoError(t, err)
	taskID := uuid.MustParse(created.TaskID)

	const attempts = 4
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = suite.handler.Handle(ctx,
				NewStartRetrievalTaskCommand(uuid.NewString(), taskID))
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, retrieval.IsPermanent(err))
		rejected++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, rejected)

	task, err := suite.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, retrieval.TaskStatusInProgress, task.Status())
}

func TestCommandHandler_CompleteTask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		successful int
		failed     int
		wantStatus string
		wantEvent  string
	}{
		{name: "all successful", successful: 1, failed: 0, wantStatus: "COMPLETED", wantEvent: "RetrievalCompleted"},
		{name: "partial failure fails task", successful: 0, failed: 1, wantStatus: "FAILED", wantEvent: "RetrievalFailed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			suite := newHandlerTestSuite(t)
			ctx := context.Background()
			taskID := suite.createStartedTask(t)

			_, err := suite.handler.Handle(ctx, NewUploadImageCommand(
				uuid.NewString(), taskID, "scan.dcm",
				retrieval.ImageFormatDICOM, "XRAY", "CHEST", "", 10, "bucket/path"))
			require.NoError(t, err)

			result, err := suite.handler.Handle(ctx,
				NewCompleteRetrievalTaskCommand("cmd-complete", taskID, tt.successful, tt.failed))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status)

			records, err := suite.store.UnforwardedEvents(ctx, 10)
			require.NoError(t, err)
			require.Len(t, records, 3) // started + image ready + finished
			assert.Equal(t, tt.wantEvent, string(records[2].EventType))
		})
	}
}
