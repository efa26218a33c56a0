package retrieval

import (
	"time"

	"github.com/saludtech/data-retrieval/internal/domain/events"
)

// Event type constants for the retrieval domain. ImageReadyForAnonymization
// is the contract consumed by the anonymization service; the lifecycle events
// feed the BFF read model.
const (
	EventTypeRetrievalStarted           events.EventType = "RetrievalStarted"
	EventTypeRetrievalCompleted         events.EventType = "RetrievalCompleted"
	EventTypeRetrievalFailed            events.EventType = "RetrievalFailed"
	EventTypeImageReadyForAnonymization events.EventType = "ImageReadyForAnonymization"
	EventTypeImageDeletionCompleted     events.EventType = "ImageDeletionCompleted"
)

// TaskRetrievalStarted signals that a task transitioned to IN_PROGRESS.
type TaskRetrievalStarted struct {
	TaskID          string    `json:"task_id"`
	SourceType      string    `json:"source_type"`
	SourceName      string    `json:"source_name"`
	SourceID        string    `json:"source_id"`
	Location        string    `json:"location"`
	RetrievalMethod string    `json:"retrieval_method"`
	BatchID         string    `json:"batch_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewTaskRetrievalStarted builds the started event from the task state.
func NewTaskRetrievalStarted(t *Task) TaskRetrievalStarted {
	return TaskRetrievalStarted{
		TaskID:          t.ID().String(),
		SourceType:      t.Source().SourceType().String(),
		SourceName:      t.Source().SourceName(),
		SourceID:        t.Source().SourceID(),
		Location:        t.Source().Location(),
		RetrievalMethod: t.Source().RetrievalMethod().String(),
		BatchID:         t.BatchID(),
		Timestamp:       time.Now().UTC(),
	}
}

// EventType identifies the category of this event.
func (e TaskRetrievalStarted) EventType() events.EventType { return EventTypeRetrievalStarted }

// RoutingKey returns the task id so task events stay ordered per partition.
func (e TaskRetrievalStarted) RoutingKey() string { return e.TaskID }

// OccurredAt returns when the event happened.
func (e TaskRetrievalStarted) OccurredAt() time.Time { return e.Timestamp }

// TaskRetrievalFinished signals that a task reached a terminal state. Its
// event type depends on the terminal status.
type TaskRetrievalFinished struct {
	TaskID           string    `json:"task_id"`
	Status           string    `json:"status"`
	Message          string    `json:"message"`
	TotalImages      int       `json:"total_images"`
	SuccessfulImages int       `json:"successful_images"`
	FailedImages     int       `json:"failed_images"`
	Source           string    `json:"source"`
	Location         string    `json:"location"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewTaskRetrievalFinished builds the terminal event from the task state.
func NewTaskRetrievalFinished(t *Task) TaskRetrievalFinished {
	return TaskRetrievalFinished{
		TaskID:           t.ID().String(),
		Status:           t.Status().String(),
		Message:          t.Message(),
		TotalImages:      t.TotalImages(),
		SuccessfulImages: t.SuccessfulImages(),
		FailedImages:     t.FailedImages(),
		Source:           t.Source().SourceName(),
		Location:         t.Source().Location(),
		Timestamp:        time.Now().UTC(),
	}
}

// EventType identifies the category of this event.
func (e TaskRetrievalFinished) EventType() events.EventType {
	if e.Status == TaskStatusFailed.String() {
		return EventTypeRetrievalFailed
	}
	return EventTypeRetrievalCompleted
}

// RoutingKey returns the task id so task events stay ordered per partition.
func (e TaskRetrievalFinished) RoutingKey() string { return e.TaskID }

// OccurredAt returns when the event happened.
func (e TaskRetrievalFinished) OccurredAt() time.Time { return e.Timestamp }

// ImageReadyForAnonymization signals that an image payload is durably stored
// and its row committed; the anonymization service consumes exactly this
// shape and deduplicates by image id.
type ImageReadyForAnonymization struct {
	ImageID   string    `json:"image_id"`
	TaskID    string    `json:"task_id"`
	Source    string    `json:"source"`
	Modality  string    `json:"modality"`
	Region    string    `json:"region"`
	FilePath  string    `json:"file_path"`
	Timestamp time.Time `json:"timestamp"`
}

// NewImageReadyForAnonymization builds the readiness event for an attached image.
func NewImageReadyForAnonymization(t *Task, img *Image) ImageReadyForAnonymization {
	return ImageReadyForAnonymization{
		ImageID:   img.ID().String(),
		TaskID:    t.ID().String(),
		Source:    t.Source().SourceName(),
		Modality:  img.Metadata().Modality(),
		Region:    img.Metadata().Region(),
		FilePath:  img.StoragePath(),
		Timestamp: time.Now().UTC(),
	}
}

// EventType identifies the category of this event.
func (e ImageReadyForAnonymization) EventType() events.EventType {
	return EventTypeImageReadyForAnonymization
}

// RoutingKey returns the task id so image events stay ordered per partition.
func (e ImageReadyForAnonymization) RoutingKey() string { return e.TaskID }

// OccurredAt returns when the event happened.
func (e ImageReadyForAnonymization) OccurredAt() time.Time { return e.Timestamp }

// ImageDeletionCompleted signals that a compensating command removed an image
// and its stored payload.
type ImageDeletionCompleted struct {
	ImageID   string    `json:"image_id"`
	TaskID    string    `json:"task_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewImageDeletionCompleted builds the deletion event for a removed image.
func NewImageDeletionCompleted(img *Image, reason string) ImageDeletionCompleted {
	return ImageDeletionCompleted{
		ImageID:   img.ID().String(),
		TaskID:    img.TaskID().String(),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// EventType identifies the category of this event.
func (e ImageDeletionCompleted) EventType() events.EventType { return EventTypeImageDeletionCompleted }

// RoutingKey returns the task id so task events stay ordered per partition.
func (e ImageDeletionCompleted) RoutingKey() string { return e.TaskID }

// OccurredAt returns when the event happened.
func (e ImageDeletionCompleted) OccurredAt() time.Time { return e.Timestamp }
