package retrieval

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource(t *testing.T) SourceMetadata {
	t.Helper()
	src, err := NewSourceMetadata(
		SourceTypeHospital, "General Hospital", "HOSP-001", "Berlin", RetrievalMethodSFTP)
	require.NoError(t, err)
	return src
}

func testImageMeta(t *testing.T) ImageMetadata {
	t.Helper()
	meta, err := NewImageMetadata(ImageFormatDICOM, "XRAY", "CHEST", "1024x768", 2048)
	require.NoError(t, err)
	return meta
}

func TestNewTask(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "batch-1", 3, map[string]string{"study": "S1"})
	require.NoError(t, err)

	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Equal(t, "batch-1", task.BatchID())
	assert.Equal(t, 3, task.Priority())
	assert.Equal(t, int64(1), task.Version())
	assert.Nil(t, task.StartedAt())
	assert.Nil(t, task.CompletedAt())
	assert.Zero(t, task.AttachedImages())
}

func TestNewTask_NegativePriority(t *testing.T) {
	t.Parallel()

	_, err := NewTask(testSource(t), "", -1, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestTaskStart(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)

	evt, err := task.Start()
	require.NoError(t, err)

	assert.Equal(t, TaskStatusInProgress, task.Status())
	require.NotNil(t, task.StartedAt())
	assert.Equal(t, EventTypeRetrievalStarted, evt.EventType())
	assert.Equal(t, task.ID().String(), evt.RoutingKey())
}

func TestTaskStart_InvalidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, task *Task)
	}{
		{
			name: "already in progress",
			setup: func(t *testing.T, task *Task) {
				_, err := task.Start()
				require.NoError(t, err)
			},
		},
		{
			name: "already completed",
			setup: func(t *testing.T, task *Task) {
				_, err := task.Start()
				require.NoError(t, err)
				_, err = task.Complete(0, 0)
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			task, err := NewTask(testSource(t), "", 0, nil)
			require.NoError(t, err)
			tt.setup(t, task)

			_, err = task.Start()
			var ste *InvalidStateTransitionError
			require.ErrorAs(t, err, &ste)
		})
	}
}

func TestTaskAttachImage(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)
	_, err = task.Start()
	require.NoError(t, err)

	img, evt, err := task.AttachImage(testImageMeta(t), "scan.dcm", "bucket/tasks/x/y_scan.dcm")
	require.NoError(t, err)

	assert.Equal(t, ImageStatusReceived, img.Status())
	assert.Equal(t, task.ID(), img.TaskID())
	assert.Equal(t, 1, task.AttachedImages())
	assert.Equal(t, EventTypeImageReadyForAnonymization, evt.EventType())
}

func TestTaskAttachImage_RequiresInProgress(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)

	_, _, err = task.AttachImage(testImageMeta(t), "scan.dcm", "bucket/path")
	var ste *InvalidStateTransitionError
	require.ErrorAs(t, err, &ste)
}

func TestTaskComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		successful int
		failed     int
		attach     int
		wantStatus TaskStatus
		wantErr    bool
	}{
		{
			name:       "all successful",
			successful: 2,
			failed:     0,
			attach:     2,
			wantStatus: TaskStatusCompleted,
		},
		{
			name:       "any failure fails the task",
			successful: 1,
			failed:     1,
			attach:     2,
			wantStatus: TaskStatusFailed,
		},
		{
			name:       "zero images completes",
			successful: 0,
			failed:     0,
			attach:     0,
			wantStatus: TaskStatusCompleted,
		},
		{
			name:       "counts below attached images",
			successful: 1,
			failed:     0,
			attach:     2,
			wantErr:    true,
		},
		{
			name:       "negative successful count",
			successful: -1,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			task, err := NewTask(testSource(t), "", 0, nil)
			require.NoError(t, err)
			_, err = task.Start()
			require.NoError(t, err)

			for i := 0; i < tt.attach; i++ {
				_, _, err := task.AttachImage(testImageMeta(t), "scan.dcm", "bucket/path")
				require.NoError(t, err)
			}

			evt, err := task.Complete(tt.successful, tt.failed)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, task.Status())
			assert.Equal(t, tt.successful+tt.failed, task.TotalImages())
			assert.Equal(t, tt.successful, task.SuccessfulImages())
			assert.Equal(t, tt.failed, task.FailedImages())
			require.NotNil(t, task.CompletedAt())

			if tt.wantStatus == TaskStatusFailed {
				assert.Equal(t, EventTypeRetrievalFailed, evt.EventType())
			} else {
				assert.Equal(t, EventTypeRetrievalCompleted, evt.EventType())
			}
		})
	}
}

func TestTaskComplete_FromPending(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)

	_, err = task.Complete(0, 0)
	var ste *InvalidStateTransitionError
	require.ErrorAs(t, err, &ste)
}

func TestTaskFail(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)
	_, err = task.Start()
	require.NoError(t, err)

	evt, err := task.Fail("source unreachable")
	require.NoError(t, err)

	assert.Equal(t, TaskStatusFailed, task.Status())
	require.NotNil(t, task.CompletedAt())
	assert.Equal(t, EventTypeRetrievalFailed, evt.EventType())
	assert.Equal(t, "source unreachable", evt.Message)
}

func TestTaskFail_FromTerminalState(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)
	_, err = task.Start()
	require.NoError(t, err)
	_, err = task.Complete(0, 0)
	require.NoError(t, err)

	_, err = task.Fail("too late")
	var ste *InvalidStateTransitionError
	require.ErrorAs(t, err, &ste)
}

func TestTaskDetachImage(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)
	_, err = task.Start()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := task.AttachImage(testImageMeta(t), "scan.dcm", "bucket/path")
		require.NoError(t, err)
	}

	// Removing one of two images leaves the task running.
	evt, err := task.DetachImage("anonymization failed")
	require.NoError(t, err)
	assert.Nil(t, evt)
	assert.Equal(t, 1, task.AttachedImages())
	assert.Equal(t, TaskStatusInProgress, task.Status())

	// Removing the last image fails the task and yields the terminal event.
	evt, err = task.DetachImage("anonymization failed")
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, EventTypeRetrievalFailed, evt.EventType())
	assert.Equal(t, TaskStatusFailed, task.Status())
	assert.Zero(t, task.AttachedImages())
}

func TestTaskDetachImage_NoImages(t *testing.T) {
	t.Parallel()

	task, err := NewTask(testSource(t), "", 0, nil)
	require.NoError(t, err)
	_, err = task.Start()
	require.NoError(t, err)

	_, err = task.DetachImage("nothing to remove")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestImageMarkDeleted(t *testing.T) {
	t.Parallel()

	img := NewImage(uuid.New(), testImageMeta(t), "scan.dcm", "bucket/path")

	require.NoError(t, img.MarkDeleted())
	assert.Equal(t, ImageStatusDeleted, img.Status())

	// A second delete of the same image is a validation failure.
	err := img.MarkDeleted()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestImageMarkEventEmitted(t *testing.T) {
	t.Parallel()

	img := NewImage(uuid.New(), testImageMeta(t), "scan.dcm", "bucket/path")
	require.Equal(t, ImageStatusReceived, img.Status())

	img.MarkEventEmitted()
	assert.Equal(t, ImageStatusEventEmitted, img.Status())
}
