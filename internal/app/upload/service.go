// Package upload implements the direct upload ingress: it stores image
// payloads in object storage and synthesizes the upload command that attaches
// them to their task. The payload is durable before the command exists, so a
// failed command leaves an orphaned object rather than a dangling row.
package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/app/commands"
	cmdretrieval "github.com/saludtech/data-retrieval/internal/app/commands/retrieval"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/pkg/common"
	"github.com/saludtech/data-retrieval/pkg/common/logger"
)

// ObjectStore persists binary payloads. Implementations are expected to be
// durable before Put returns.
type ObjectStore interface {
	// Put stores the payload under objectName and returns the storage path.
	Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) (string, error)

	// Remove deletes a stored object. Used to clean up when the attach
	// command is rejected.
	Remove(ctx context.Context, objectName string) error

	// RemoveByPath deletes a stored object addressed by the storage path
	// recorded on an image row. Used by compensating deletes.
	RemoveByPath(ctx context.Context, storagePath string) error
}

// Metrics defines metrics operations for the upload ingress.
type Metrics interface {
	IncImageUploaded(ctx context.Context)
	IncUploadError(ctx context.Context)
}

// Request carries one image payload and its clinical attributes.
type Request struct {
	TaskID      uuid.UUID
	Filename    string
	Format      retrieval.ImageFormat
	Modality    string
	Region      string
	Dimensions  string
	SizeBytes   int64
	ContentType string
	Body        io.Reader
}

// BatchRequest carries a batch of image payloads for one task. The batch
// attaches transactionally: either every image lands or none do.
type BatchRequest struct {
	TaskID uuid.UUID
	Items  []BatchItem
}

// BatchItem is one payload of a batch request.
type BatchItem struct {
	Filename    string
	Format      retrieval.ImageFormat
	Modality    string
	Region      string
	Dimensions  string
	SizeBytes   int64
	ContentType string
	Body        io.Reader
}

// Service accepts image uploads, stores the payload and routes an
// UploadImage command through the command handler. A rate limiter protects
// object storage from upload bursts.
type Service struct {
	store   ObjectStore
	handler commands.Handler
	limiter *common.RateLimiter

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// NewService creates an upload service.
func NewService(
	store ObjectStore,
	handler commands.Handler,
	limiter *common.RateLimiter,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Service {
	return &Service{
		store:   store,
		handler: handler,
		limiter: limiter,
		logger:  logger.With("component", "upload_service"),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Upload stores the payload and attaches it to the task. The stored object is
// removed again when the attach command is rejected, so rejected uploads do
// not leak storage.
func (s *Service) Upload(ctx context.Context, req Request) (commands.Result, error) {
	ctx, span := s.tracer.Start(ctx, "upload_service.upload",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("filename", req.Filename),
			attribute.Int64("size_bytes", req.SizeBytes),
		))
	defer span.End()

	if err := s.limiter.Wait(ctx); err != nil {
		return commands.Result{}, fmt.Errorf("waiting for upload slot: %w", err)
	}

	uploadID := uuid.New()
	objectName := fmt.Sprintf("tasks/%s/%s_%s", req.TaskID, uploadID, req.Filename)

	storagePath, err := s.store.Put(ctx, objectName, req.Body, req.SizeBytes, req.ContentType)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncUploadError(ctx)
		return commands.Result{}, fmt.Errorf("storing image payload: %w", err)
	}

	cmd := cmdretrieval.NewUploadImageCommand(
		uuid.NewString(),
		req.TaskID,
		req.Filename,
		req.Format,
		req.Modality,
		req.Region,
		req.Dimensions,
		req.SizeBytes,
		storagePath,
	)

	result, err := s.handler.Handle(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncUploadError(ctx)
		if rmErr := s.store.Remove(ctx, objectName); rmErr != nil {
			s.logger.Error(ctx, "failed to remove rejected upload",
				"error", rmErr,
				"object_name", objectName,
			)
		}
		return commands.Result{}, err
	}

	s.metrics.IncImageUploaded(ctx)
	s.logger.Info(ctx, "image uploaded",
		"task_id", req.TaskID.String(),
		"image_id", result.ImageID,
		"storage_path", storagePath,
	)

	return result, nil
}

// UploadBatch stores every payload of the batch and attaches them through one
// UploadImageBatch command. When the command is rejected, every object stored
// for the batch is removed again.
func (s *Service) UploadBatch(ctx context.Context, req BatchRequest) (commands.Result, error) {
	ctx, span := s.tracer.Start(ctx, "upload_service.upload_batch",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.Int("batch_size", len(req.Items)),
		))
	defer span.End()

	if len(req.Items) == 0 {
		return commands.Result{}, retrieval.NewValidationError("images", "must contain at least one image")
	}

	var (
		objectNames []string
		images      []cmdretrieval.BatchImage
	)
	cleanup := func() {
		for _, name := range objectNames {
			if rmErr := s.store.Remove(ctx, name); rmErr != nil {
				s.logger.Error(ctx, "failed to remove rejected batch upload",
					"error", rmErr,
					"object_name", name,
				)
			}
		}
	}

	for _, item := range req.Items {
		if err := s.limiter.Wait(ctx); err != nil {
			cleanup()
			return commands.Result{}, fmt.Errorf("waiting for upload slot: %w", err)
		}

		uploadID := uuid.New()
		objectName := fmt.Sprintf("tasks/%s/%s_%s", req.TaskID, uploadID, item.Filename)

		storagePath, err := s.store.Put(ctx, objectName, item.Body, item.SizeBytes, item.ContentType)
		if err != nil {
			span.RecordError(err)
			s.metrics.IncUploadError(ctx)
			cleanup()
			return commands.Result{}, fmt.Errorf("storing image payload %s: %w", item.Filename, err)
		}
		objectNames = append(objectNames, objectName)

		images = append(images, cmdretrieval.BatchImage{
			Filename:    item.Filename,
			Format:      item.Format,
			Modality:    item.Modality,
			Region:      item.Region,
			Dimensions:  item.Dimensions,
			SizeBytes:   item.SizeBytes,
			StoragePath: storagePath,
		})
	}

	cmd := cmdretrieval.NewUploadImageBatchCommand(uuid.NewString(), req.TaskID, images)

	result, err := s.handler.Handle(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		s.metrics.IncUploadError(ctx)
		cleanup()
		return commands.Result{}, err
	}

	for range req.Items {
		s.metrics.IncImageUploaded(ctx)
	}
	s.logger.Info(ctx, "image batch uploaded",
		"task_id", req.TaskID.String(),
		"images", len(result.ImageIDs),
	)

	return result, nil
}
