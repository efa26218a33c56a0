// Package retrieval provides commands for managing image retrieval tasks.
package retrieval

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

// Command type constants. These names are the wire contract of the command
// queue: each queued message carries one of them as its type tag.
const (
	CommandTypeCreateRetrievalTask   events.EventType = "CreateRetrievalTask"
	CommandTypeStartRetrievalTask    events.EventType = "StartRetrievalTask"
	CommandTypeUploadImage           events.EventType = "UploadImage"
	CommandTypeUploadImageBatch      events.EventType = "UploadImageBatch"
	CommandTypeCompleteRetrievalTask events.EventType = "CompleteRetrievalTask"
	CommandTypeDeleteRetrievedImage  events.EventType = "DeleteRetrievedImage"
)

// CreateRetrievalTaskCommand encapsulates the parameters for registering a new
// retrieval task.
type CreateRetrievalTaskCommand struct {
	id         string
	occurredAt time.Time

	SourceType      retrieval.SourceType      `json:"source_type"`
	SourceName      string                    `json:"source_name"`
	SourceID        string                    `json:"source_id"`
	Location        string                    `json:"location"`
	RetrievalMethod retrieval.RetrievalMethod `json:"retrieval_method"`
	BatchID         string                    `json:"batch_id"`
	Priority        int                       `json:"priority"`
	Metadata        map[string]string         `json:"metadata"`
}

// NewCreateRetrievalTaskCommand creates a create-task command. The command id
// is supplied by the sender and used for deduplication.
func NewCreateRetrievalTaskCommand(
	commandID string,
	sourceType retrieval.SourceType,
	sourceName string,
	sourceID string,
	location string,
	retrievalMethod retrieval.RetrievalMethod,
	batchID string,
	priority int,
	metadata map[string]string,
) CreateRetrievalTaskCommand {
	return CreateRetrievalTaskCommand{
		id:              commandID,
		occurredAt:      time.Now().UTC(),
		SourceType:      sourceType,
		SourceName:      sourceName,
		SourceID:        sourceID,
		Location:        location,
		RetrievalMethod: retrievalMethod,
		BatchID:         batchID,
		Priority:        priority,
		Metadata:        metadata,
	}
}

// EventType returns the type identifier for this command.
func (c CreateRetrievalTaskCommand) EventType() events.EventType { return CommandTypeCreateRetrievalTask }

// OccurredAt returns when this command was created.
func (c CreateRetrievalTaskCommand) OccurredAt() time.Time { return c.occurredAt }

// RoutingKey returns the batch id; create commands have no task id yet.
func (c CreateRetrievalTaskCommand) RoutingKey() string { return c.BatchID }

// CommandID returns the unique identifier for this command.
func (c CreateRetrievalTaskCommand) CommandID() string { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c CreateRetrievalTaskCommand) ValidateCommand() error {
	if c.id == "" {
		return retrieval.NewValidationError("command_id", "must not be empty")
	}
	if !c.SourceType.IsValid() {
		return retrieval.NewValidationError("source_type", "unknown source type")
	}
	if c.SourceName == "" {
		return retrieval.NewValidationError("source_name", "must not be empty")
	}
	if !c.RetrievalMethod.IsValid() {
		return retrieval.NewValidationError("retrieval_method", "unknown retrieval method")
	}
	if c.Priority < 0 {
		return retrieval.NewValidationError("priority", "must not be negative")
	}
	return nil
}

// StartRetrievalTaskCommand transitions an existing task to IN_PROGRESS.
type StartRetrievalTaskCommand struct {
	id         string
	occurredAt time.Time

	TaskID uuid.UUID `json:"task_id"`
}

// NewStartRetrievalTaskCommand creates a start-task command.
func NewStartRetrievalTaskCommand(commandID string, taskID uuid.UUID) StartRetrievalTaskCommand {
	return StartRetrievalTaskCommand{id: commandID, occurredAt: time.Now().UTC(), TaskID: taskID}
}

// EventType returns the type identifier for this command.
func (c StartRetrievalTaskCommand) EventType() events.EventType { return CommandTypeStartRetrievalTask }

// OccurredAt returns when this command was created.
func (c StartRetrievalTaskCommand) OccurredAt() time.Time { return c.occurredAt }

// RoutingKey returns the task id for per-task ordering.
func (c StartRetrievalTaskCommand) RoutingKey() string { return c.TaskID.String() }

// CommandID returns the unique identifier for this command.
func (c StartRetrievalTaskCommand) CommandID() string { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c StartRetrievalTaskCommand) ValidateCommand() error {
	if c.id == "" {
		return retrieval.NewValidationError("command_id", "must not be empty")
	}
	if c.TaskID == uuid.Nil {
		return retrieval.NewValidationError("task_id", "must not be empty")
	}
	return nil
}

// UploadImageCommand attaches an already-stored image payload to a task. The
// binary payload is durably stored before this command exists; the command
// carries only the storage path and clinical attributes.
type UploadImageCommand struct {
	id         string
	occurredAt time.Time

	TaskID      uuid.UUID             `json:"task_id"`
	Filename    string                `json:"filename"`
	Format      retrieval.ImageFormat `json:"format"`
	Modality    string                `json:"modality"`
	Region      string                `json:"region"`
	Dimensions  string                `json:"dimensions"`
	SizeBytes   int64                 `json:"size_bytes"`
	StoragePath string                `json:"storage_path"`
}

// NewUploadImageCommand creates an upload-image command.
func NewUploadImageCommand(
	commandID string,
	taskID uuid.UUID,
	filename string,
	format retrieval.ImageFormat,
	modality string,
	region string,
	dimensions string,
	sizeBytes int64,
	storagePath string,
) UploadImageCommand {
	return UploadImageCommand{
		id:          commandID,
		occurredAt:  time.Now().UTC(),
		TaskID:      taskID,
		Filename:    filename,
		Format:      format,
		Modality:    modality,
		Region:      region,
		Dimensions:  dimensions,
		SizeBytes:   sizeBytes,
		StoragePath: storagePath,
	}
}

// EventType returns the type identifier for this command.
func (c UploadImageCommand) EventType() events.EventType { return CommandTypeUploadImage }

// OccurredAt returns when this command was created.
func (c UploadImageCommand) OccurredAt() time.Time { return c.occurredAt }

// RoutingKey returns the task id for per-task ordering.
func (c UploadImageCommand) RoutingKey() string { return c.TaskID.String() }

// CommandID returns the unique identifier for this command.
func (c UploadImageCommand) CommandID() string { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c UploadImageCommand) ValidateCommand() error {
	if c.id == "" {
		return retrieval.NewValidationError("command_id", "must not be empty")
	}
	if c.TaskID == uuid.Nil {
		return retrieval.NewValidationError("task_id", "must not be empty")
	}
	if !c.Format.IsValid() {
		return retrieval.NewValidationError("format", "unknown image format")
	}
	if c.StoragePath == "" {
		return retrieval.NewValidationError("storage_path", "must not be empty")
	}
	if c.SizeBytes < 0 {
		return retrieval.NewValidationError("size_bytes", "must not be negative")
	}
	return nil
}

// BatchImage is one image entry of a batch upload command. Each payload is
// already durably stored; the entry carries its storage path and attributes.
type BatchImage struct {
	Filename    string                `json:"filename"`
	Format      retrieval.ImageFormat `json:"format"`
	Modality    string                `json:"modality"`
	Region      string                `json:"region"`
	Dimensions  string                `json:"dimensions"`
	SizeBytes   int64                 `json:"size_bytes"`
	StoragePath string                `json:"storage_path"`
}

// UploadImageBatchCommand attaches a batch of stored images to a task in one
// transaction: either every image is attached or none are.
type UploadImageBatchCommand struct {
	id         string
	occurredAt time.Time

	TaskID uuid.UUID    `json:"task_id"`
	Images []BatchImage `json:"images"`
}

// NewUploadImageBatchCommand creates a batch upload command.
func NewUploadImageBatchCommand(commandID string, taskID uuid.UUID, images []BatchImage) UploadImageBatchCommand {
	return UploadImageBatchCommand{
		id:         commandID,
		occurredAt: time.Now().UTC(),
		TaskID:     taskID,
		Images:     images,
	}
}

// EventType returns the type identifier for this command.
func (c UploadImageBatchCommand) EventType() events.EventType { return CommandTypeUploadImageBatch }

// OccurredAt returns when this command was created.
func (c UploadImageBatchCommand) OccurredAt() time.Time { return c.occurredAt }

// RoutingKey returns the task id for per-task ordering.
func (c UploadImageBatchCommand) RoutingKey() string { return c.TaskID.String() }

// CommandID returns the unique identifier for this command.
func (c UploadImageBatchCommand) CommandID() string { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c UploadImageBatchCommand) ValidateCommand() error {
	if c.id == "" {
		return retrieval.NewValidationError("command_id", "must not be empty")
	}
	if c.TaskID == uuid.Nil {
		return retrieval.NewValidationError("task_id", "must not be empty")
	}
	if len(c.Images) == 0 {
		return retrieval.NewValidationError("images", "must contain at least one image")
	}
	for i, img := range c.Images {
		if !img.Format.IsValid() {
			return retrieval.NewValidationError(fmt.Sprintf("images[%d].format", i), "unknown image format")
		}
		if img.StoragePath == "" {
			return retrieval.NewValidationError(fmt.Sprintf("images[%d].storage_path", i), "must not be empty")
		}
		if img.SizeBytes < 0 {
			return retrieval.NewValidationError(fmt.Sprintf("images[%d].size_bytes", i), "must not be negative")
		}
	}
	return nil
}

// CompleteRetrievalTaskCommand finishes a task with the reported counts.
type CompleteRetrievalTaskCommand struct {
	id         string
	occurredAt time.Time

	TaskID           uuid.UUID `json:"task_id"`
	SuccessfulImages int       `json:"successful_images"`
	FailedImages     int       `json:"failed_images"`
}

// NewCompleteRetrievalTaskCommand creates a complete-task command.
func NewCompleteRetrievalTaskCommand(commandID string, taskID uuid.UUID, successful, failed int) CompleteRetrievalTaskCommand {
	return CompleteRetrievalTaskCommand{
		id:               commandID,
		occurredAt:       time.Now().UTC(),
		TaskID:           taskID,
		SuccessfulImages: successful,
		FailedImages:     failed,
	}
}

// EventType returns the type identifier for this command.
func (c CompleteRetrievalTaskCommand) EventType() events.EventType {
	return CommandTypeCompleteRetrievalTask
}

// OccurredAt returns when this command was created.
func (c CompleteRetrievalTaskCommand) OccurredAt() time.Time { return c.occurredAt }

// RoutingKey returns the task id for per-task ordering.
func (c CompleteRetrievalTaskCommand) RoutingKey() string { return c.TaskID.String() }

// CommandID returns the unique identifier for this command.
func (c CompleteRetrievalTaskCommand) CommandID() string { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c CompleteRetrievalTaskCommand) ValidateCommand() error {
	if c.id == "" {
		return retrieval.NewValidationError("command_id", "must not be empty")
	}
	if c.TaskID == uuid.Nil {
		return retrieval.NewValidationError("task_id", "must not be empty")
	}
	if c.SuccessfulImages < 0 {
		return retrieval.NewValidationError("successful_images", "must not be negative")
	}
	if c.FailedImages < 0 {
		return retrieval.NewValidationError("failed_images", "must not be negative")
	}
	return nil
}

// DeleteRetrievedImageCommand removes a retrieved image as compensation when a
// downstream stage rejects it. The image row moves to DELETED, the stored
// payload is removed, and a task with no images left fails.
type DeleteRetrievedImageCommand struct {
	id         string
	occurredAt time.Time

	TaskID  uuid.UUID `json:"task_id"`
	ImageID uuid.UUID `json:"image_id"`
	Reason  string    `json:"reason"`
}

// NewDeleteRetrievedImageCommand creates a compensating delete command.
func NewDeleteRetrievedImageCommand(commandID string, taskID, imageID uuid.UUID, reason string) DeleteRetrievedImageCommand {
	if reason == "" {
		reason = "saga compensation"
	}
	return DeleteRetrievedImageCommand{
		id:         commandID,
		occurredAt: time.Now().UTC(),
		TaskID:     taskID,
		ImageID:    imageID,
		Reason:     reason,
	}
}

// EventType returns the type identifier for this command.
func (c DeleteRetrievedImageCommand) EventType() events.EventType {
	return CommandTypeDeleteRetrievedImage
}

// OccurredAt returns when this command was created.
func (c DeleteRetrievedImageCommand) OccurredAt() time.Time { return c.occurredAt }

// RoutingKey returns the task id for per-task ordering.
func (c DeleteRetrievedImageCommand) RoutingKey() string { return c.TaskID.String() }

// CommandID returns the unique identifier for this command.
func (c DeleteRetrievedImageCommand) CommandID() string { return c.id }

// ValidateCommand ensures all required fields are properly set.
func (c DeleteRetrievedImageCommand) ValidateCommand() error {
	if c.id == "" {
		return retrieval.NewValidationError("command_id", "must not be empty")
	}
	if c.TaskID == uuid.Nil {
		return retrieval.NewValidationError("task_id", "must not be empty")
	}
	if c.ImageID == uuid.Nil {
		return retrieval.NewValidationError("image_id", "must not be empty")
	}
	return nil
}
