package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/app/commands"
	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

var _ commands.Handler = (*CommandHandler)(nil)

// ObjectRemover deletes stored image payloads during compensation. The
// storage path is the one recorded on the image row.
type ObjectRemover interface {
	RemoveByPath(ctx context.Context, storagePath string) error
}

// CommandHandler processes retrieval commands against the task aggregate
// inside a transaction scope. State changes and staged events commit
// atomically; the processed-command ledger makes redelivery idempotent.
type CommandHandler struct {
	logger *logger.Logger
	tracer trace.Tracer
	uow    retrieval.UnitOfWork

	// objects removes stored payloads after a compensating delete commits.
	// A nil remover skips physical removal.
	objects ObjectRemover

	// locks serializes commands targeting the same task within this process.
	// The optimistic version check in the task store covers writers in other
	// processes.
	locks *taskLocks
}

// NewCommandHandler creates a CommandHandler bound to a unit of work.
func NewCommandHandler(logger *logger.Logger, tracer trace.Tracer, uow retrieval.UnitOfWork, objects ObjectRemover) *CommandHandler {
	return &CommandHandler{
		logger:  logger.With("component", "command_handler"),
		tracer:  tracer,
		uow:     uow,
		objects: objects,
		locks:   newTaskLocks(),
	}
}

// Handle validates the command, serializes it against other commands for the
// same task and applies it inside one transaction scope. Redelivered command
// ids return the previously recorded result without reapplying.
func (h *CommandHandler) Handle(ctx context.Context, cmd commands.Command) (commands.Result, error) {
	ctx, span := h.tracer.Start(ctx, "retrieval.CommandHandler.Handle")
	defer span.End()

	if err := cmd.ValidateCommand(); err != nil {
		h.logger.Error(ctx, "invalid command",
			"error", err,
			"type", cmd.EventType(),
			"command_id", cmd.CommandID(),
		)
		return commands.Result{}, err
	}

	release := h.locks.acquire(cmd.RoutingKey())
	defer release()

	var result commands.Result
	err := h.uow.Execute(ctx, func(ctx context.Context, s retrieval.Store) error {
		recorded, found, err := s.Ledger().GetCommandResult(ctx, cmd.CommandID())
		if err != nil {
			return err
		}
		if found {
			h.logger.Info(ctx, "replaying recorded command result",
				"type", cmd.EventType(),
				"command_id", cmd.CommandID(),
			)
			return json.Unmarshal(recorded, &result)
		}

		switch c := cmd.(type) {
		case CreateRetrievalTaskCommand:
			result, err = h.handleCreate(ctx, s, c)
		case StartRetrievalTaskCommand:
			result, err = h.handleStart(ctx, s, c)
		case UploadImageCommand:
			result, err = h.handleUpload(ctx, s, c)
		case UploadImageBatchCommand:
			result, err = h.handleUploadBatch(ctx, s, c)
		case CompleteRetrievalTaskCommand:
			result, err = h.handleComplete(ctx, s, c)
		case DeleteRetrievedImageCommand:
			result, err = h.handleDelete(ctx, s, c)
		default:
			return fmt.Errorf("unknown command type %s", cmd.EventType())
		}
		if err != nil {
			return err
		}

		return recordResult(ctx, s, cmd, result)
	})
	if err != nil {
		return commands.Result{}, err
	}

	// The deleted row is committed; removing the payload afterwards means a
	// crash here leaves an orphaned object, never a dangling row.
	if _, ok := cmd.(DeleteRetrievedImageCommand); ok && h.objects != nil && result.FilePath != "" {
		if rmErr := h.objects.RemoveByPath(ctx, result.FilePath); rmErr != nil {
			h.logger.Error(ctx, "failed to remove compensated image payload",
				"error", rmErr,
				"storage_path", result.FilePath,
				"command_id", cmd.CommandID(),
			)
		}
	}

	return result, nil
}

func (h *CommandHandler) handleCreate(
	ctx context.Context,
	s retrieval.Store,
	cmd CreateRetrievalTaskCommand,
) (commands.Result, error) {
	source, err := retrieval.NewSourceMetadata(
		cmd.SourceType, cmd.SourceName, cmd.SourceID, cmd.Location, cmd.RetrievalMethod)
	if err != nil {
		return commands.Result{}, err
	}

	task, err := retrieval.NewTask(source, cmd.BatchID, cmd.Priority, cmd.Metadata)
	if err != nil {
		return commands.Result{}, err
	}

	if err := s.Tasks().CreateTask(ctx, task); err != nil {
		return commands.Result{}, err
	}

	h.logger.Info(ctx, "retrieval task created",
		"task_id", task.ID(),
		"batch_id", task.BatchID(),
		"source", source.SourceName(),
		"command_id", cmd.CommandID(),
	)

	return commands.Result{
		TaskID:  task.ID().String(),
		BatchID: task.BatchID(),
		Source:  source.SourceName(),
		Status:  task.Status().String(),
	}, nil
}

func (h *CommandHandler) handleStart(
	ctx context.Context,
	s retrieval.Store,
	cmd StartRetrievalTaskCommand,
) (commands.Result, error) {
	task, err := s.Tasks().GetTask(ctx, cmd.TaskID)
	if err != nil {
		return commands.Result{}, err
	}

	evt, err := task.Start()
	if err != nil {
		return commands.Result{}, err
	}

	if err := s.Tasks().UpdateTask(ctx, task); err != nil {
		return commands.Result{}, err
	}
	if err := stageEvent(ctx, s, evt, nil); err != nil {
		return commands.Result{}, err
	}

	h.logger.Info(ctx, "retrieval task started",
		"task_id", task.ID(),
		"command_id", cmd.CommandID(),
	)

	return commands.Result{
		TaskID:  task.ID().String(),
		BatchID: task.BatchID(),
		Source:  task.Source().SourceName(),
		Status:  task.Status().String(),
	}, nil
}

func (h *CommandHandler) handleUpload(
	ctx context.Context,
	s retrieval.Store,
	cmd UploadImageCommand,
) (commands.Result, error) {
	task, err := s.Tasks().GetTask(ctx, cmd.TaskID)
	if err != nil {
		return commands.Result{}, err
	}

	meta, err := retrieval.NewImageMetadata(
		cmd.Format, cmd.Modality, cmd.Region, cmd.Dimensions, cmd.SizeBytes)
	if err != nil {
		return commands.Result{}, err
	}

	img, evt, err := task.AttachImage(meta, cmd.Filename, cmd.StoragePath)
	if err != nil {
		return commands.Result{}, err
	}

	if err := s.Images().CreateImage(ctx, img); err != nil {
		return commands.Result{}, err
	}
	// The versioned task update serializes concurrent attaches against each
	// other and against complete.
	if err := s.Tasks().UpdateTask(ctx, task); err != nil {
		return commands.Result{}, err
	}

	imgID := img.ID()
	if err := stageEvent(ctx, s, evt, &imgID); err != nil {
		return commands.Result{}, err
	}

	h.logger.Info(ctx, "image attached",
		"task_id", task.ID(),
		"image_id", img.ID(),
		"modality", meta.Modality(),
		"command_id", cmd.CommandID(),
	)

	return commands.Result{
		TaskID:   task.ID().String(),
		ImageID:  img.ID().String(),
		FilePath: img.StoragePath(),
		Status:   string(img.Status()),
	}, nil
}

func (h *CommandHandler) handleUploadBatch(
	ctx context.Context,
	s retrieval.Store,
	cmd UploadImageBatchCommand,
) (commands.Result, error) {
	task, err := s.Tasks().GetTask(ctx, cmd.TaskID)
	if err != nil {
		return commands.Result{}, err
	}

	imageIDs := make([]string, 0, len(cmd.Images))
	for _, in := range cmd.Images {
		meta, err := retrieval.NewImageMetadata(
			in.Format, in.Modality, in.Region, in.Dimensions, in.SizeBytes)
		if err != nil {
			return commands.Result{}, err
		}

		img, evt, err := task.AttachImage(meta, in.Filename, in.StoragePath)
		if err != nil {
			return commands.Result{}, err
		}

		if err := s.Images().CreateImage(ctx, img); err != nil {
			return commands.Result{}, err
		}
		imgID := img.ID()
		if err := stageEvent(ctx, s, evt, &imgID); err != nil {
			return commands.Result{}, err
		}
		imageIDs = append(imageIDs, imgID.String())
	}

	// One versioned update covers the whole batch: the batch attaches
	// atomically or conflicts as a unit.
	if err := s.Tasks().UpdateTask(ctx, task); err != nil {
		return commands.Result{}, err
	}

	h.logger.Info(ctx, "image batch attached",
		"task_id", task.ID(),
		"images", len(imageIDs),
		"command_id", cmd.CommandID(),
	)

	return commands.Result{
		TaskID:   task.ID().String(),
		ImageIDs: imageIDs,
		BatchID:  task.BatchID(),
		Source:   task.Source().SourceName(),
		Status:   task.Status().String(),
	}, nil
}

func (h *CommandHandler) handleComplete(
	ctx context.Context,
	s retrieval.Store,
	cmd CompleteRetrievalTaskCommand,
) (commands.Result, error) {
	task, err := s.Tasks().GetTask(ctx, cmd.TaskID)
	if err != nil {
		return commands.Result{}, err
	}

	evt, err := task.Complete(cmd.SuccessfulImages, cmd.FailedImages)
	if err != nil {
		return commands.Result{}, err
	}

	if err := s.Tasks().UpdateTask(ctx, task); err != nil {
		return commands.Result{}, err
	}
	if err := stageEvent(ctx, s, evt, nil); err != nil {
		return commands.Result{}, err
	}

	h.logger.Info(ctx, "retrieval task finished",
		"task_id", task.ID(),
		"status", task.Status(),
		"successful_images", cmd.SuccessfulImages,
		"failed_images", cmd.FailedImages,
		"command_id", cmd.CommandID(),
	)

	return commands.Result{
		TaskID:  task.ID().String(),
		BatchID: task.BatchID(),
		Source:  task.Source().SourceName(),
		Status:  task.Status().String(),
	}, nil
}

func (h *CommandHandler) handleDelete(
	ctx context.Context,
	s retrieval.Store,
	cmd DeleteRetrievedImageCommand,
) (commands.Result, error) {
	task, err := s.Tasks().GetTask(ctx, cmd.TaskID)
	if err != nil {
		return commands.Result{}, err
	}

	img, err := s.Images().GetImage(ctx, cmd.ImageID)
	if err != nil {
		return commands.Result{}, err
	}
	if img.TaskID() != task.ID() {
		return commands.Result{}, retrieval.NewValidationError("image_id", "image does not belong to task")
	}

	if err := img.MarkDeleted(); err != nil {
		return commands.Result{}, err
	}
	if err := s.Images().MarkDeleted(ctx, img.ID()); err != nil {
		return commands.Result{}, err
	}

	finished, err := task.DetachImage(cmd.Reason)
	if err != nil {
		return commands.Result{}, err
	}
	if err := s.Tasks().UpdateTask(ctx, task); err != nil {
		return commands.Result{}, err
	}
	if finished != nil {
		if err := stageEvent(ctx, s, *finished, nil); err != nil {
			return commands.Result{}, err
		}
	}
	if err := stageEvent(ctx, s, retrieval.NewImageDeletionCompleted(img, cmd.Reason), nil); err != nil {
		return commands.Result{}, err
	}

	h.logger.Info(ctx, "image deleted by compensation",
		"task_id", task.ID(),
		"image_id", img.ID(),
		"reason", cmd.Reason,
		"task_status", task.Status(),
		"command_id", cmd.CommandID(),
	)

	return commands.Result{
		TaskID:   task.ID().String(),
		ImageID:  img.ID().String(),
		Status:   string(retrieval.ImageStatusDeleted),
		FilePath: img.StoragePath(),
	}, nil
}

// stageEvent serializes a domain event and writes it to the outbox as part of
// the enclosing transaction.
func stageEvent(ctx context.Context, s retrieval.Store, evt events.DomainEvent, imageID *uuid.UUID) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", evt.EventType(), err)
	}

	return s.Outbox().StageEvent(ctx, &retrieval.OutboxRecord{
		EventID:   uuid.New(),
		EventType: evt.EventType(),
		Key:       evt.RoutingKey(),
		Payload:   payload,
		ImageID:   imageID,
		CreatedAt: evt.OccurredAt(),
	})
}

// recordResult writes the command outcome to the ledger so redelivery replays
// it instead of reapplying the command.
func recordResult(ctx context.Context, s retrieval.Store, cmd commands.Command, result commands.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling command result: %w", err)
	}

	taskID := uuid.Nil
	if result.TaskID != "" {
		if id, err := uuid.Parse(result.TaskID); err == nil {
			taskID = id
		}
	}

	return s.Ledger().RecordCommand(ctx, cmd.CommandID(), taskID, data)
}
