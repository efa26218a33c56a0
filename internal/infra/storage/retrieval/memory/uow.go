package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

// Ensure UnitOfWork implements retrieval.UnitOfWork at compile time.
var _ retrieval.UnitOfWork = (*UnitOfWork)(nil)

// UnitOfWork gives the in-memory store transactional semantics: a snapshot is
// taken before fn runs and restored when fn fails, so partial writes never
// become visible. Tests of rollback behavior rely on this.
type UnitOfWork struct {
	store *Store
}

// NewUnitOfWork creates a UnitOfWork over an in-memory store.
func NewUnitOfWork(store *Store) *UnitOfWork {
	return &UnitOfWork{store: store}
}

// Execute runs fn against the store and rolls back all of its writes when fn
// returns an error.
func (u *UnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, s retrieval.Store) error) error {
	snap := u.snapshot()

	if err := fn(ctx, u.store); err != nil {
		u.restore(snap)
		return err
	}
	return nil
}

type storeSnapshot struct {
	tasks        map[uuid.UUID]*retrieval.Task
	images       map[uuid.UUID]*retrieval.Image
	outbox       []retrieval.OutboxRecord
	nextOutboxID int64
	commands     map[string][]byte
}

func (u *UnitOfWork) snapshot() storeSnapshot {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	snap := storeSnapshot{
		tasks:        make(map[uuid.UUID]*retrieval.Task, len(u.store.tasks)),
		images:       make(map[uuid.UUID]*retrieval.Image, len(u.store.images)),
		outbox:       append([]retrieval.OutboxRecord(nil), u.store.outbox...),
		nextOutboxID: u.store.nextOutboxID,
		commands:     make(map[string][]byte, len(u.store.commands)),
	}
	for id, task := range u.store.tasks {
		snap.tasks[id] = task
	}
	for id, img := range u.store.images {
		snap.images[id] = copyImage(img)
	}
	for id, result := range u.store.commands {
		snap.commands[id] = result
	}
	return snap
}

func (u *UnitOfWork) restore(snap storeSnapshot) {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	u.store.tasks = snap.tasks
	u.store.images = snap.images
	u.store.outbox = snap.outbox
	u.store.nextOutboxID = snap.nextOutboxID
	u.store.commands = snap.commands
}
