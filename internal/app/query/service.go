// Package query provides the read side of the service: task detail, filtered
// task listings and per-task image listings. Reads run outside any
// transaction scope against pool-backed repositories.
package query

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// Service answers read queries over tasks and images.
type Service struct {
	tasks  retrieval.TaskRepository
	images retrieval.ImageRepository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates a query service over the given repositories.
func NewService(
	tasks retrieval.TaskRepository,
	images retrieval.ImageRepository,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Service {
	return &Service{
		tasks:  tasks,
		images: images,
		logger: logger.With("component", "query_service"),
		tracer: tracer,
	}
}

// GetTask returns one task with its attached image count loaded. It returns
// retrieval.ErrTaskNotFound when the id is unknown.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*retrieval.Task, error) {
	ctx, span := s.tracer.Start(ctx, "query_service.get_task",
		trace.WithAttributes(attribute.String("task_id", id.String())))
	defer span.End()

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, ordered by priority ascending
// then creation time, so consumers pulling work see the most urgent pending
// tasks first.
func (s *Service) ListTasks(ctx context.Context, filter retrieval.TaskFilter) ([]*retrieval.Task, error) {
	ctx, span := s.tracer.Start(ctx, "query_service.list_tasks",
		trace.WithAttributes(
			attribute.Bool("pending_only", filter.PendingOnly),
			attribute.String("source_id", filter.SourceID),
			attribute.String("batch_id", filter.BatchID),
		))
	defer span.End()

	tasks, err := s.tasks.ListTasks(ctx, filter)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return tasks, nil
}

// ListTaskImages returns the images attached to a task in arrival order. It
// returns retrieval.ErrTaskNotFound when the task id is unknown, so an empty
// task and a missing task are distinguishable.
func (s *Service) ListTaskImages(ctx context.Context, taskID uuid.UUID) ([]*retrieval.Image, error) {
	ctx, span := s.tracer.Start(ctx, "query_service.list_task_images",
		trace.WithAttributes(attribute.String("task_id", taskID.String())))
	defer span.End()

	if _, err := s.tasks.GetTask(ctx, taskID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	images, err := s.images.ListImagesByTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return images, nil
}
