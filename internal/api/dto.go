package api

import (
	"time"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

type taskResponse struct {
	ID              string            `json:"id"`
	SourceType      string            `json:"source_type"`
	SourceName      string            `json:"source_name"`
	SourceID        string            `json:"source_id"`
	Location        string            `json:"location"`
	RetrievalMethod string            `json:"retrieval_method"`
	BatchID         string            `json:"batch_id,omitempty"`
	Priority        int               `json:"priority"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          string            `json:"status"`
	Message         string            `json:"message,omitempty"`

	TotalImages      int `json:"total_images"`
	SuccessfulImages int `json:"successful_images"`
	FailedImages     int `json:"failed_images"`
	ImagesCount      int `json:"images_count"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toTaskResponse(t *retrieval.Task) taskResponse {
	src := t.Source()
	return taskResponse{
		ID:               t.ID().String(),
		SourceType:       src.SourceType().String(),
		SourceName:       src.SourceName(),
		SourceID:         src.SourceID(),
		Location:         src.Location(),
		RetrievalMethod:  src.RetrievalMethod().String(),
		BatchID:          t.BatchID(),
		Priority:         t.Priority(),
		Metadata:         t.Metadata(),
		Status:           t.Status().String(),
		Message:          t.Message(),
		TotalImages:      t.TotalImages(),
		SuccessfulImages: t.SuccessfulImages(),
		FailedImages:     t.FailedImages(),
		ImagesCount:      t.AttachedImages(),
		Version:          t.Version(),
		CreatedAt:        t.CreatedAt(),
		StartedAt:        t.StartedAt(),
		CompletedAt:      t.CompletedAt(),
	}
}

func toTaskResponses(tasks []*retrieval.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	return out
}

type imageResponse struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Format      string    `json:"format"`
	Modality    string    `json:"modality,omitempty"`
	Region      string    `json:"region,omitempty"`
	Dimensions  string    `json:"dimensions,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storage_path"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toImageResponse(img *retrieval.Image) imageResponse {
	meta := img.Metadata()
	return imageResponse{
		ID:          img.ID().String(),
		TaskID:      img.TaskID().String(),
		Format:      meta.Format().String(),
		Modality:    meta.Modality(),
		Region:      meta.Region(),
		Dimensions:  meta.Dimensions(),
		SizeBytes:   meta.SizeBytes(),
		Filename:    img.Filename(),
		StoragePath: img.StoragePath(),
		Status:      img.Status().String(),
		CreatedAt:   img.CreatedAt(),
		UpdatedAt:   img.UpdatedAt(),
	}
}

func toImageResponses(images []*retrieval.Image) []imageResponse {
	out := make([]imageResponse, 0, len(images))
	for _, img := range images {
		out = append(out, toImageResponse(img))
	}
	return out
}
