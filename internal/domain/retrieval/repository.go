package retrieval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saludtech/data-retrieval/internal/domain/events"
)

// TaskFilter narrows task listings. Zero values mean "no constraint".
type TaskFilter struct {
	// PendingOnly restricts the listing to tasks in PENDING state.
	PendingOnly bool
	// SourceID restricts the listing to tasks from one external source id.
	SourceID string
	// BatchID restricts the listing to one batch.
	BatchID string
	// Limit caps the number of returned tasks; 0 falls back to the store default.
	Limit int
	// Offset skips that many tasks for pagination.
	Offset int
}

// TaskRepository persists and retrieves Task aggregates.
type TaskRepository interface {
	// CreateTask persists a new task's initial state.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by id, returning ErrTaskNotFound if absent.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// UpdateTask persists the task using an optimistic version check. It
	// returns ErrConcurrentModification when another writer committed first.
	UpdateTask(ctx context.Context, task *Task) error

	// ListTasks returns tasks matching the filter, ordered by priority then
	// creation time.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// ImageRepository persists and retrieves images belonging to tasks.
type ImageRepository interface {
	// CreateImage persists a newly attached image.
	CreateImage(ctx context.Context, img *Image) error

	// GetImage retrieves an image by id, returning ErrImageNotFound if absent.
	GetImage(ctx context.Context, id uuid.UUID) (*Image, error)

	// ListImagesByTask returns a task's images ordered by arrival.
	ListImagesByTask(ctx context.Context, taskID uuid.UUID) ([]*Image, error)

	// MarkEventEmitted advances an image to EVENT_EMITTED after its readiness
	// event has been forwarded to the downstream topic.
	MarkEventEmitted(ctx context.Context, imageID uuid.UUID) error

	// MarkDeleted moves an image to DELETED as part of a compensating
	// transaction.
	MarkDeleted(ctx context.Context, imageID uuid.UUID) error
}

// OutboxRecord is a durable copy of a staged domain event. Records are written
// in the same transaction as the state change that produced them, then relayed
// to the transport and marked forwarded.
type OutboxRecord struct {
	// ID is the store-assigned sequence number, preserving staging order.
	ID int64
	// EventID uniquely identifies the logical event for consumer-side dedup.
	EventID uuid.UUID
	// EventType routes the record to its topic on relay.
	EventType events.EventType
	// Key is the partition key (task id).
	Key string
	// Payload is the serialized event document.
	Payload []byte
	// ImageID links readiness events back to their image so the relay can
	// advance the image status when it forwards the record.
	ImageID *uuid.UUID
	// CreatedAt records when the event was staged.
	CreatedAt time.Time
	// ForwardedAt is set once the transport acknowledged the record.
	ForwardedAt *time.Time
}

// OutboxRepository stages events inside a transaction scope.
type OutboxRepository interface {
	// StageEvent writes an outbox record as part of the enclosing transaction.
	StageEvent(ctx context.Context, rec *OutboxRecord) error
}

// OutboxReader is the relay-side view of the outbox, outside any transaction
// scope.
type OutboxReader interface {
	// UnforwardedEvents returns up to limit committed records that have not
	// been forwarded, in staging order.
	UnforwardedEvents(ctx context.Context, limit int) ([]OutboxRecord, error)

	// MarkForwarded records transport acknowledgment for a record and, for
	// image readiness events, advances the image to EVENT_EMITTED.
	MarkForwarded(ctx context.Context, id int64) error
}

// CommandLedger records processed command ids and their results so redelivered
// commands replay the recorded outcome instead of reapplying.
type CommandLedger interface {
	// RecordCommand stores the result for a command id as part of the
	// enclosing transaction. It returns ErrDuplicateCommand if the id is
	// already recorded.
	RecordCommand(ctx context.Context, commandID string, taskID uuid.UUID, result []byte) error

	// GetCommandResult returns the recorded result for a command id, with
	// found=false when the command has not been processed.
	GetCommandResult(ctx context.Context, commandID string) (result []byte, found bool, err error)
}

// Store bundles the repositories bound to one transaction scope. Every write
// through a Store commits or rolls back as a unit.
type Store interface {
	Tasks() TaskRepository
	Images() ImageRepository
	Outbox() OutboxRepository
	Ledger() CommandLedger
}

// UnitOfWork bounds repository writes and event staging into one atomic unit.
// Execute begins a transaction, runs fn with a Store bound to it, and commits
// when fn returns nil; any error rolls everything back, including staged
// outbox records. Release is guaranteed on every exit path.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
