// Package memory provides an in-memory implementation of the retrieval
// persistence ports for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

// Store is an in-memory implementation of the retrieval Store and its
// repositories. Reads hand out reconstructed copies so callers cannot mutate
// stored state in place.
type Store struct {
	mu           sync.Mutex
	tasks        map[uuid.UUID]*retrieval.Task
	images       map[uuid.UUID]*retrieval.Image
	outbox       []retrieval.OutboxRecord
	nextOutboxID int64
	commands     map[string][]byte
}

var (
	_ retrieval.Store            = (*Store)(nil)
	_ retrieval.TaskRepository   = (*Store)(nil)
	_ retrieval.ImageRepository  = (*Store)(nil)
	_ retrieval.OutboxRepository = (*Store)(nil)
	_ retrieval.CommandLedger    = (*Store)(nil)
	_ retrieval.OutboxReader     = (*Store)(nil)
)

// NewStore creates a new in-memory retrieval store.
func NewStore() *Store {
	return &Store{
		tasks:        make(map[uuid.UUID]*retrieval.Task),
		images:       make(map[uuid.UUID]*retrieval.Image),
		nextOutboxID: 1,
		commands:     make(map[string][]byte),
	}
}

func (s *Store) Tasks() retrieval.TaskRepository    { return s }
func (s *Store) Images() retrieval.ImageRepository  { return s }
func (s *Store) Outbox() retrieval.OutboxRepository { return s }
func (s *Store) Ledger() retrieval.CommandLedger    { return s }

// CreateTask persists a new task's initial state.
func (s *Store) CreateTask(ctx context.Context, task *retrieval.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID()] = copyTask(task, s.countImagesLocked(task.ID()))
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*retrieval.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, retrieval.ErrTaskNotFound
	}
	return copyTask(task, s.countImagesLocked(id)), nil
}

// UpdateTask persists the task state guarded by an optimistic version check.
func (s *Store) UpdateTask(ctx context.Context, task *retrieval.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.tasks[task.ID()]
	if !exists {
		return retrieval.ErrTaskNotFound
	}
	if stored.Version() != task.Version() {
		return retrieval.ErrConcurrentModification
	}

	task.BumpVersion()
	s.tasks[task.ID()] = copyTask(task, s.countImagesLocked(task.ID()))
	return nil
}

// ListTasks returns tasks matching the filter ordered by priority ascending,
// then creation time.
func (s *Store) ListTasks(ctx context.Context, filter retrieval.TaskFilter) ([]*retrieval.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*retrieval.Task
	for _, task := range s.tasks {
		if filter.PendingOnly && task.Status() != retrieval.TaskStatusPending {
			continue
		}
		if filter.SourceID != "" && task.Source().SourceID() != filter.SourceID {
			continue
		}
		if filter.BatchID != "" && task.BatchID() != filter.BatchID {
			continue
		}
		matched = append(matched, copyTask(task, s.countImagesLocked(task.ID())))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority() != matched[j].Priority() {
			return matched[i].Priority() < matched[j].Priority()
		}
		return matched[i].CreatedAt().Before(matched[j].CreatedAt())
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CreateImage persists a newly attached image.
func (s *Store) CreateImage(ctx context.Context, img *retrieval.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.images[img.ID()] = copyImage(img)
	return nil
}

// GetImage retrieves an image by id.
func (s *Store) GetImage(ctx context.Context, id uuid.UUID) (*retrieval.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, exists := s.images[id]
	if !exists {
		return nil, retrieval.ErrImageNotFound
	}
	return copyImage(img), nil
}

// ListImagesByTask returns a task's images ordered by arrival.
func (s *Store) ListImagesByTask(ctx context.Context, taskID uuid.UUID) ([]*retrieval.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var images []*retrieval.Image
	for _, img := range s.images {
		if img.TaskID() == taskID {
			images = append(images, copyImage(img))
		}
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt().Before(images[j].CreatedAt())
	})
	return images, nil
}

// MarkEventEmitted advances an image to EVENT_EMITTED.
func (s *Store) MarkEventEmitted(ctx context.Context, imageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markEventEmittedLocked(imageID)
}

func (s *Store) markEventEmittedLocked(imageID uuid.UUID) error {
	img, exists := s.images[imageID]
	if !exists {
		return retrieval.ErrImageNotFound
	}
	img.MarkEventEmitted()
	return nil
}

// MarkDeleted moves an image to DELETED.
func (s *Store) MarkDeleted(ctx context.Context, imageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, exists := s.images[imageID]
	if !exists {
		return retrieval.ErrImageNotFound
	}
	if img.Status() != retrieval.ImageStatusDeleted {
		if err := img.MarkDeleted(); err != nil {
			return err
		}
	}
	return nil
}

// StageEvent appends an outbox record in staging order.
func (s *Store) StageEvent(ctx context.Context, rec *retrieval.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextOutboxID
	s.nextOutboxID++
	rec.CreatedAt = time.Now().UTC()
	s.outbox = append(s.outbox, *rec)
	return nil
}

// UnforwardedEvents returns up to limit records not yet forwarded.
func (s *Store) UnforwardedEvents(ctx context.Context, limit int) ([]retrieval.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []retrieval.OutboxRecord
	for _, rec := range s.outbox {
		if rec.ForwardedAt != nil {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// MarkForwarded records transport acknowledgment for a record and advances
// the linked image, mirroring the Postgres reader.
func (s *Store) MarkForwarded(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].ID != id {
			continue
		}
		if s.outbox[i].ForwardedAt != nil {
			return nil
		}
		now := time.Now().UTC()
		s.outbox[i].ForwardedAt = &now
		if imgID := s.outbox[i].ImageID; imgID != nil {
			return s.markEventEmittedLocked(*imgID)
		}
		return nil
	}
	return nil
}

// RecordCommand stores the result for a command id.
func (s *Store) RecordCommand(ctx context.Context, commandID string, taskID uuid.UUID, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[commandID]; exists {
		return retrieval.ErrDuplicateCommand
	}
	s.commands[commandID] = append([]byte(nil), result...)
	return nil
}

// GetCommandResult returns the recorded result for a command id.
func (s *Store) GetCommandResult(ctx context.Context, commandID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, exists := s.commands[commandID]
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), result...), true, nil
}

// countImagesLocked counts a task's attached images. Deleted images no longer
// count toward the attached total.
func (s *Store) countImagesLocked(taskID uuid.UUID) int {
	count := 0
	for _, img := range s.images {
		if img.TaskID() == taskID && img.Status() != retrieval.ImageStatusDeleted {
			count++
		}
	}
	return count
}

func copyTask(task *retrieval.Task, attachedImages int) *retrieval.Task {
	metadata := make(map[string]string, len(task.Metadata()))
	for k, v := range task.Metadata() {
		metadata[k] = v
	}
	return retrieval.ReconstructTask(
		task.ID(),
		task.Source(),
		task.BatchID(),
		task.Priority(),
		metadata,
		task.Status(),
		task.Message(),
		task.TotalImages(),
		task.SuccessfulImages(),
		task.FailedImages(),
		attachedImages,
		task.Version(),
		task.CreatedAt(),
		copyTime(task.StartedAt()),
		copyTime(task.CompletedAt()),
	)
}

func copyImage(img *retrieval.Image) *retrieval.Image {
	return retrieval.ReconstructImage(
		img.ID(),
		img.TaskID(),
		img.Metadata(),
		img.Filename(),
		img.StoragePath(),
		img.Status(),
		img.CreatedAt(),
		img.UpdatedAt(),
	)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
