package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/storage"
)

// Ensure unitOfWork implements retrieval.UnitOfWork at compile time.
var _ retrieval.UnitOfWork = (*unitOfWork)(nil)

// unitOfWork binds the retrieval repositories to a single Postgres
// transaction. Everything written through the Store it hands to fn commits or
// rolls back together, including staged outbox records and ledger entries.
type unitOfWork struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewUnitOfWork creates a UnitOfWork backed by a PostgreSQL connection pool.
func NewUnitOfWork(pool *pgxpool.Pool, tracer trace.Tracer) *unitOfWork {
	return &unitOfWork{pool: pool, tracer: tracer}
}

// Execute begins a transaction, runs fn with repositories bound to it, and
// commits when fn returns nil. Any error rolls the whole unit back.
func (u *unitOfWork) Execute(ctx context.Context, fn func(ctx context.Context, s retrieval.Store) error) error {
	return storage.ExecuteAndTrace(ctx, u.tracer, "postgres.unit_of_work", defaultDBAttributes, func(ctx context.Context) error {
		tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin unit of work: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(ctx, newTxStore(tx, u.tracer)); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit unit of work: %w", err)
		}
		return nil
	})
}

// txStore bundles the repositories bound to one transaction.
type txStore struct {
	tasks  *taskStore
	images *imageStore
	outbox *outboxStore
	ledger *ledgerStore
}

var _ retrieval.Store = (*txStore)(nil)

func newTxStore(tx pgx.Tx, tracer trace.Tracer) *txStore {
	return &txStore{
		tasks:  NewTaskStore(tx, tracer),
		images: NewImageStore(tx, tracer),
		outbox: NewOutboxStore(tx, tracer),
		ledger: NewLedgerStore(tx, tracer),
	}
}

func (s *txStore) Tasks() retrieval.TaskRepository    { return s.tasks }
func (s *txStore) Images() retrieval.ImageRepository  { return s.images }
func (s *txStore) Outbox() retrieval.OutboxRepository { return s.outbox }
func (s *txStore) Ledger() retrieval.CommandLedger    { return s.ledger }
