// Package retrieval contains the retrieval-task aggregate: the consistency
// boundary for one task and its images. All task and image state mutations go
// through the aggregate so lifecycle invariants hold regardless of ingress.
package retrieval

import (
	"time"

	"github.com/google/uuid"
)

// Task is the aggregate root for one retrieval run against a medical image
// source. It owns the lifecycle state machine and the images attached to it.
type Task struct {
	id       uuid.UUID
	source   SourceMetadata
	batchID  string
	priority int
	metadata map[string]string

	status  TaskStatus
	message string

	totalImages      int
	successfulImages int
	failedImages     int

	// attachedImages counts images persisted for this task. It is loaded with
	// the aggregate and used for the completion consistency check.
	attachedImages int

	// version supports optimistic concurrency on task updates.
	version int64

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

// NewTask creates a task in PENDING state. The required source fields are
// validated by NewSourceMetadata before this is called.
func NewTask(source SourceMetadata, batchID string, priority int, metadata map[string]string) (*Task, error) {
	if priority < 0 {
		return nil, NewValidationError("priority", "must not be negative")
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Task{
		id:        uuid.New(),
		source:    source,
		batchID:   batchID,
		priority:  priority,
		metadata:  metadata,
		status:    TaskStatusPending,
		version:   1,
		createdAt: time.Now().UTC(),
	}, nil
}

// ReconstructTask creates a Task instance from persisted data.
// This should only be used by repositories when reconstructing from storage.
func ReconstructTask(
	id uuid.UUID,
	source SourceMetadata,
	batchID string,
	priority int,
	metadata map[string]string,
	status TaskStatus,
	message string,
	totalImages int,
	successfulImages int,
	failedImages int,
	attachedImages int,
	version int64,
	createdAt time.Time,
	startedAt *time.Time,
	completedAt *time.Time,
) *Task {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Task{
		id:               id,
		source:           source,
		batchID:          batchID,
		priority:         priority,
		metadata:         metadata,
		status:           status,
		message:          message,
		totalImages:      totalImages,
		successfulImages: successfulImages,
		failedImages:     failedImages,
		attachedImages:   attachedImages,
		version:          version,
		createdAt:        createdAt,
		startedAt:        startedAt,
		completedAt:      completedAt,
	}
}

// ID returns the unique identifier of the task.
func (t *Task) ID() uuid.UUID { return t.id }

// Source returns the source metadata the task retrieves from.
func (t *Task) Source() SourceMetadata { return t.source }

// BatchID returns the batch this task belongs to.
func (t *Task) BatchID() string { return t.batchID }

// Priority returns the task priority. Lower values mean higher urgency:
// priority 1 is listed and scheduled before priority 5.
func (t *Task) Priority() int { return t.priority }

// Metadata returns the free-form task metadata.
func (t *Task) Metadata() map[string]string { return t.metadata }

// Status returns the current lifecycle status.
func (t *Task) Status() TaskStatus { return t.status }

// Message returns the human-readable status message.
func (t *Task) Message() string { return t.message }

// TotalImages returns the total image count recorded at completion.
func (t *Task) TotalImages() int { return t.totalImages }

// SuccessfulImages returns the successful image count recorded at completion.
func (t *Task) SuccessfulImages() int { return t.successfulImages }

// FailedImages returns the failed image count recorded at completion.
func (t *Task) FailedImages() int { return t.failedImages }

// AttachedImages returns the number of images attached to this task.
func (t *Task) AttachedImages() int { return t.attachedImages }

// Version returns the optimistic concurrency version of the aggregate.
func (t *Task) Version() int64 { return t.version }

// CreatedAt returns when the task was created.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns when retrieval started, or nil while PENDING.
func (t *Task) StartedAt() *time.Time { return t.startedAt }

// CompletedAt returns when the task reached a terminal state, or nil.
func (t *Task) CompletedAt() *time.Time { return t.completedAt }

// Start transitions the task from PENDING to IN_PROGRESS and records the
// start time. It returns the lifecycle event to stage in the outbox.
func (t *Task) Start() (TaskRetrievalStarted, error) {
	if err := t.status.validateTransition(TaskStatusInProgress); err != nil {
		return TaskRetrievalStarted{}, err
	}

	now := time.Now().UTC()
	t.status = TaskStatusInProgress
	t.startedAt = &now
	t.message = "Retrieval task started"

	return NewTaskRetrievalStarted(t), nil
}

// AttachImage creates an image in RECEIVED state and attaches it to the task.
// The task must be IN_PROGRESS. It returns the new image together with the
// ImageReadyForAnonymization event to stage in the outbox.
func (t *Task) AttachImage(meta ImageMetadata, filename, storagePath string) (*Image, ImageReadyForAnonymization, error) {
	if t.status != TaskStatusInProgress {
		return nil, ImageReadyForAnonymization{}, NewInvalidStateTransitionError(t.status, TaskStatusInProgress)
	}
	if storagePath == "" {
		return nil, ImageReadyForAnonymization{}, NewValidationError("storage_path", "must not be empty")
	}

	img := NewImage(t.id, meta, filename, storagePath)
	t.attachedImages++

	return img, NewImageReadyForAnonymization(t, img), nil
}

// Complete finishes the task with the given counts. Any failed image marks the
// whole task FAILED, even when some images succeeded. It returns the terminal
// lifecycle event to stage in the outbox.
func (t *Task) Complete(successfulImages, failedImages int) (TaskRetrievalFinished, error) {
	if successfulImages < 0 {
		return TaskRetrievalFinished{}, NewValidationError("successful_images", "must not be negative")
	}
	if failedImages < 0 {
		return TaskRetrievalFinished{}, NewValidationError("failed_images", "must not be negative")
	}

	target := TaskStatusCompleted
	if failedImages > 0 {
		target = TaskStatusFailed
	}
	if err := t.status.validateTransition(target); err != nil {
		return TaskRetrievalFinished{}, err
	}

	if successfulImages+failedImages < t.attachedImages {
		return TaskRetrievalFinished{}, NewValidationError(
			"successful_images", "reported counts are below the attached image count")
	}

	now := time.Now().UTC()
	t.status = target
	t.totalImages = successfulImages + failedImages
	t.successfulImages = successfulImages
	t.failedImages = failedImages
	t.completedAt = &now
	if target == TaskStatusCompleted {
		t.message = "Retrieval completed successfully"
	} else {
		t.message = "Retrieval completed with failed images"
	}

	return NewTaskRetrievalFinished(t), nil
}

// Fail moves an IN_PROGRESS task to FAILED with the given message. It is used
// by compensation flows that invalidate a task outside the normal completion
// path. It returns the terminal lifecycle event to stage in the outbox.
func (t *Task) Fail(message string) (TaskRetrievalFinished, error) {
	if err := t.status.validateTransition(TaskStatusFailed); err != nil {
		return TaskRetrievalFinished{}, err
	}

	now := time.Now().UTC()
	t.status = TaskStatusFailed
	t.message = message
	t.completedAt = &now

	return NewTaskRetrievalFinished(t), nil
}

// DetachImage removes one image from the aggregate as compensation for a
// downstream failure. When the last image of an IN_PROGRESS task is removed
// the task itself fails, and the terminal event to stage is returned.
func (t *Task) DetachImage(reason string) (*TaskRetrievalFinished, error) {
	if t.attachedImages <= 0 {
		return nil, NewValidationError("image_id", "task has no attached images")
	}

	t.attachedImages--
	if t.attachedImages == 0 && t.status == TaskStatusInProgress {
		evt, err := t.Fail("Retrieval compensated: " + reason)
		if err != nil {
			return nil, err
		}
		return &evt, nil
	}
	return nil, nil
}

// BumpVersion advances the optimistic concurrency version after a successful
// versioned update. Only repositories should call this.
func (t *Task) BumpVersion() { t.version++ }
