package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/storage"
)

// Ensure imageStore implements retrieval.ImageRepository at compile time.
var _ retrieval.ImageRepository = (*imageStore)(nil)

// imageStore implements retrieval.ImageRepository on PostgreSQL.
type imageStore struct {
	q      Querier
	tracer trace.Tracer
}

// NewImageStore creates an ImageRepository backed by PostgreSQL.
func NewImageStore(q Querier, tracer trace.Tracer) *imageStore {
	return &imageStore{q: q, tracer: tracer}
}

// CreateImage persists a newly attached image.
func (s *imageStore) CreateImage(ctx context.Context, img *retrieval.Image) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("image_id", img.ID().String()),
		attribute.String("task_id", img.TaskID().String()),
		attribute.String("format", img.Metadata().Format().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_image", dbAttrs, func(ctx context.Context) error {
		_, err := s.q.Exec(ctx, `
			INSERT INTO images (
				id, task_id, format, modality, region, dimensions, size_bytes,
				filename, storage_path, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			pgtype.UUID{Bytes: img.ID(), Valid: true},
			pgtype.UUID{Bytes: img.TaskID(), Valid: true},
			img.Metadata().Format().String(),
			img.Metadata().Modality(),
			img.Metadata().Region(),
			img.Metadata().Dimensions(),
			img.Metadata().SizeBytes(),
			img.Filename(),
			img.StoragePath(),
			string(img.Status()),
			pgtype.Timestamptz{Time: img.CreatedAt(), Valid: true},
			pgtype.Timestamptz{Time: img.UpdatedAt(), Valid: true},
		)
		if err != nil {
			return fmt.Errorf("insert image error: %w", err)
		}
		return nil
	})
}

// GetImage retrieves an image by id.
func (s *imageStore) GetImage(ctx context.Context, id uuid.UUID) (*retrieval.Image, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("image_id", id.String()))

	var img *retrieval.Image
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_image", dbAttrs, func(ctx context.Context) error {
		row := s.q.QueryRow(ctx, imageSelectColumns+" WHERE id = $1",
			pgtype.UUID{Bytes: id, Valid: true})

		var err error
		img, err = scanImage(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return retrieval.ErrImageNotFound
			}
			return fmt.Errorf("get image query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ListImagesByTask returns a task's images ordered by arrival.
func (s *imageStore) ListImagesByTask(ctx context.Context, taskID uuid.UUID) ([]*retrieval.Image, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var images []*retrieval.Image
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_images_by_task", dbAttrs, func(ctx context.Context) error {
		rows, err := s.q.Query(ctx, imageSelectColumns+" WHERE task_id = $1 ORDER BY created_at ASC",
			pgtype.UUID{Bytes: taskID, Valid: true})
		if err != nil {
			return fmt.Errorf("list images query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			img, err := scanImage(rows)
			if err != nil {
				return fmt.Errorf("scanning image row: %w", err)
			}
			images = append(images, img)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// MarkEventEmitted advances an image to EVENT_EMITTED once its readiness event
// has been forwarded downstream.
func (s *imageStore) MarkEventEmitted(ctx context.Context, imageID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("image_id", imageID.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_event_emitted", dbAttrs, func(ctx context.Context) error {
		tag, err := s.q.Exec(ctx, `
			UPDATE images SET status = 'EVENT_EMITTED', updated_at = NOW()
			WHERE id = $1`,
			pgtype.UUID{Bytes: imageID, Valid: true})
		if err != nil {
			return fmt.Errorf("mark event emitted error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return retrieval.ErrImageNotFound
		}
		return nil
	})
}

// MarkDeleted moves an image to DELETED as part of a compensating transaction.
func (s *imageStore) MarkDeleted(ctx context.Context, imageID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("image_id", imageID.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_image_deleted", dbAttrs, func(ctx context.Context) error {
		tag, err := s.q.Exec(ctx, `
			UPDATE images SET status = 'DELETED', updated_at = NOW()
			WHERE id = $1`,
			pgtype.UUID{Bytes: imageID, Valid: true})
		if err != nil {
			return fmt.Errorf("mark image deleted error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return retrieval.ErrImageNotFound
		}
		return nil
	})
}

const imageSelectColumns = `
	SELECT id, task_id, format, modality, region, dimensions, size_bytes,
	       filename, storage_path, status, created_at, updated_at
	FROM images`

// scanImage reconstructs an Image entity from one row.
func scanImage(row pgx.Row) (*retrieval.Image, error) {
	var (
		id          pgtype.UUID
		taskID      pgtype.UUID
		format      string
		modality    string
		region      string
		dimensions  string
		sizeBytes   int64
		filename    string
		storagePath string
		status      string
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)

	if err := row.Scan(
		&id, &taskID, &format, &modality, &region, &dimensions, &sizeBytes,
		&filename, &storagePath, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	meta := retrieval.ReconstructImageMetadata(
		retrieval.ImageFormat(format), modality, region, dimensions, sizeBytes)

	return retrieval.ReconstructImage(
		id.Bytes,
		taskID.Bytes,
		meta,
		filename,
		storagePath,
		retrieval.ImageStatus(status),
		createdAt.Time,
		updatedAt.Time,
	), nil
}
