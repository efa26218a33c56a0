package retrieval

import (
	"time"

	"github.com/google/uuid"
)

// Image represents one medical image attached to a retrieval task. The binary
// payload lives in object storage; the entity records where it is and whether
// its readiness event has been forwarded downstream.
type Image struct {
	id       uuid.UUID
	taskID   uuid.UUID
	metadata ImageMetadata
	filename string

	// storagePath is set once, after the payload is durably stored.
	storagePath string

	status    ImageStatus
	createdAt time.Time
	updatedAt time.Time
}

// NewImage creates an image in RECEIVED state. Only the Task aggregate
// creates images, via AttachImage.
func NewImage(taskID uuid.UUID, metadata ImageMetadata, filename, storagePath string) *Image {
	now := time.Now().UTC()
	return &Image{
		id:          uuid.New(),
		taskID:      taskID,
		metadata:    metadata,
		filename:    filename,
		storagePath: storagePath,
		status:      ImageStatusReceived,
		createdAt:   now,
		updatedAt:   now,
	}
}

// ReconstructImage creates an Image instance from persisted data.
// This should only be used by repositories when reconstructing from storage.
func ReconstructImage(
	id uuid.UUID,
	taskID uuid.UUID,
	metadata ImageMetadata,
	filename string,
	storagePath string,
	status ImageStatus,
	createdAt time.Time,
	updatedAt time.Time,
) *Image {
	return &Image{
		id:          id,
		taskID:      taskID,
		metadata:    metadata,
		filename:    filename,
		storagePath: storagePath,
		status:      status,
		createdAt:   createdAt,
		updatedAt:   updatedAt,
	}
}

// ID returns the unique identifier of the image.
func (i *Image) ID() uuid.UUID { return i.id }

// TaskID returns the owning task's identifier.
func (i *Image) TaskID() uuid.UUID { return i.taskID }

// Metadata returns the clinical attributes of the image.
func (i *Image) Metadata() ImageMetadata { return i.metadata }

// Filename returns the original upload filename.
func (i *Image) Filename() string { return i.filename }

// StoragePath returns where the binary payload is stored.
func (i *Image) StoragePath() string { return i.storagePath }

// Status returns the processing status of the image.
func (i *Image) Status() ImageStatus { return i.status }

// CreatedAt returns when the image row was created.
func (i *Image) CreatedAt() time.Time { return i.createdAt }

// UpdatedAt returns when the image was last modified.
func (i *Image) UpdatedAt() time.Time { return i.updatedAt }

// MarkEventEmitted records that the readiness event for this image has been
// forwarded to the downstream topic.
func (i *Image) MarkEventEmitted() {
	i.status = ImageStatusEventEmitted
	i.updatedAt = time.Now().UTC()
}

// MarkDeleted records that a compensating command removed this image. Deleted
// is terminal: a deleted image cannot be marked again.
func (i *Image) MarkDeleted() error {
	if i.status == ImageStatusDeleted {
		return NewValidationError("image_id", "image is already deleted")
	}
	i.status = ImageStatusDeleted
	i.updatedAt = time.Now().UTC()
	return nil
}
