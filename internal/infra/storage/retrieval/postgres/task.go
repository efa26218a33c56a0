package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/storage"
)

// Ensure taskStore implements retrieval.TaskRepository at compile time.
var _ retrieval.TaskRepository = (*taskStore)(nil)

// taskStore implements retrieval.TaskRepository on PostgreSQL. Updates carry
// an optimistic version check so lost updates between processes surface as
// retryable conflicts.
type taskStore struct {
	q      Querier
	tracer trace.Tracer
}

// NewTaskStore creates a TaskRepository backed by PostgreSQL.
func NewTaskStore(q Querier, tracer trace.Tracer) *taskStore {
	return &taskStore{q: q, tracer: tracer}
}

const defaultListLimit = 100

// CreateTask persists a new task's initial state.
func (s *taskStore) CreateTask(ctx context.Context, task *retrieval.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("source_type", task.Source().SourceType().String()),
		attribute.String("status", string(task.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", dbAttrs, func(ctx context.Context) error {
		metadataJSON, err := json.Marshal(task.Metadata())
		if err != nil {
			return fmt.Errorf("marshalling task metadata: %w", err)
		}

		_, err = s.q.Exec(ctx, `
			INSERT INTO tasks (
				id, source_type, source_name, source_id, location, retrieval_method,
				batch_id, priority, metadata, status, message, version, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			pgtype.UUID{Bytes: task.ID(), Valid: true},
			task.Source().SourceType().String(),
			task.Source().SourceName(),
			task.Source().SourceID(),
			task.Source().Location(),
			task.Source().RetrievalMethod().String(),
			task.BatchID(),
			task.Priority(),
			metadataJSON,
			string(task.Status()),
			task.Message(),
			task.Version(),
			pgtype.Timestamptz{Time: task.CreatedAt(), Valid: true},
		)
		if err != nil {
			return fmt.Errorf("insert task error: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by id along with its attached image count.
func (s *taskStore) GetTask(ctx context.Context, id uuid.UUID) (*retrieval.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", id.String()))

	var task *retrieval.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		row := s.q.QueryRow(ctx, `
			SELECT t.id, t.source_type, t.source_name, t.source_id, t.location, t.retrieval_method,
			       t.batch_id, t.priority, t.metadata, t.status, t.message,
			       t.total_images, t.successful_images, t.failed_images,
			       (SELECT COUNT(*) FROM images i WHERE i.task_id = t.id AND i.status != 'DELETED') AS attached_images,
			       t.version, t.created_at, t.started_at, t.completed_at
			FROM tasks t
			WHERE t.id = $1`,
			pgtype.UUID{Bytes: id, Valid: true},
		)

		var err error
		task, err = scanTask(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return retrieval.ErrTaskNotFound
			}
			return fmt.Errorf("get task query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask persists the mutable task state guarded by the version column.
// A stale version means another writer committed first; the caller gets
// ErrConcurrentModification and is expected to reload and retry.
func (s *taskStore) UpdateTask(ctx context.Context, task *retrieval.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.ID().String()),
		attribute.String("status", string(task.Status())),
		attribute.Int64("version", task.Version()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_task", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		var startedAt, completedAt pgtype.Timestamptz
		if t := task.StartedAt(); t != nil {
			startedAt = pgtype.Timestamptz{Time: *t, Valid: true}
		}
		if t := task.CompletedAt(); t != nil {
			completedAt = pgtype.Timestamptz{Time: *t, Valid: true}
		}

		tag, err := s.q.Exec(ctx, `
			UPDATE tasks
			SET status = $1, message = $2,
			    total_images = $3, successful_images = $4, failed_images = $5,
			    started_at = $6, completed_at = $7,
			    version = version + 1
			WHERE id = $8 AND version = $9`,
			string(task.Status()),
			task.Message(),
			task.TotalImages(),
			task.SuccessfulImages(),
			task.FailedImages(),
			startedAt,
			completedAt,
			pgtype.UUID{Bytes: task.ID(), Valid: true},
			task.Version(),
		)
		if err != nil {
			return fmt.Errorf("update task error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			span.SetAttributes(attribute.Bool("version_conflict", true))
			return retrieval.ErrConcurrentModification
		}

		task.BumpVersion()
		return nil
	})
}

// ListTasks returns tasks matching the filter ordered by priority ascending,
// then creation time.
func (s *taskStore) ListTasks(ctx context.Context, filter retrieval.TaskFilter) ([]*retrieval.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Bool("pending_only", filter.PendingOnly),
		attribute.String("source_id", filter.SourceID),
		attribute.String("batch_id", filter.BatchID),
	)

	var tasks []*retrieval.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_tasks", dbAttrs, func(ctx context.Context) error {
		query := `
			SELECT t.id, t.source_type, t.source_name, t.source_id, t.location, t.retrieval_method,
			       t.batch_id, t.priority, t.metadata, t.status, t.message,
			       t.total_images, t.successful_images, t.failed_images,
			       (SELECT COUNT(*) FROM images i WHERE i.task_id = t.id AND i.status != 'DELETED') AS attached_images,
			       t.version, t.created_at, t.started_at, t.completed_at
			FROM tasks t
			WHERE 1=1`
		var args []any

		if filter.PendingOnly {
			query += " AND t.status = 'PENDING'"
		}
		if filter.SourceID != "" {
			args = append(args, filter.SourceID)
			query += fmt.Sprintf(" AND t.source_id = $%d", len(args))
		}
		if filter.BatchID != "" {
			args = append(args, filter.BatchID)
			query += fmt.Sprintf(" AND t.batch_id = $%d", len(args))
		}

		query += " ORDER BY t.priority ASC, t.created_at ASC"

		limit := filter.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}

		rows, err := s.q.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list tasks query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scanning task row: %w", err)
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// scanTask reconstructs a Task aggregate from one row of the task projection.
func scanTask(row pgx.Row) (*retrieval.Task, error) {
	var (
		id               pgtype.UUID
		sourceType       string
		sourceName       string
		sourceID         string
		location         string
		retrievalMethod  string
		batchID          string
		priority         int
		metadataJSON     []byte
		status           string
		message          string
		totalImages      int
		successfulImages int
		failedImages     int
		attachedImages   int
		version          int64
		createdAt        pgtype.Timestamptz
		startedAtCol     pgtype.Timestamptz
		completedAtCol   pgtype.Timestamptz
	)

	if err := row.Scan(
		&id, &sourceType, &sourceName, &sourceID, &location, &retrievalMethod,
		&batchID, &priority, &metadataJSON, &status, &message,
		&totalImages, &successfulImages, &failedImages, &attachedImages,
		&version, &createdAt, &startedAtCol, &completedAtCol,
	); err != nil {
		return nil, err
	}

	metadata := make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling task metadata: %w", err)
		}
	}

	var startedAt, completedAt *time.Time
	if startedAtCol.Valid {
		t := startedAtCol.Time
		startedAt = &t
	}
	if completedAtCol.Valid {
		t := completedAtCol.Time
		completedAt = &t
	}

	source := retrieval.ReconstructSourceMetadata(
		retrieval.SourceType(sourceType),
		sourceName,
		sourceID,
		location,
		retrieval.RetrievalMethod(retrievalMethod),
	)

	return retrieval.ReconstructTask(
		id.Bytes,
		source,
		batchID,
		priority,
		metadata,
		retrieval.TaskStatus(status),
		message,
		totalImages,
		successfulImages,
		failedImages,
		attachedImages,
		version,
		createdAt.Time,
		startedAt,
		completedAt,
	), nil
}
