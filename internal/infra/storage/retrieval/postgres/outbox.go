package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
	"github.com/saludtech/data-retrieval/internal/infra/storage"
)

// Ensure outboxStore implements retrieval.OutboxRepository at compile time.
var _ retrieval.OutboxRepository = (*outboxStore)(nil)

// outboxStore stages domain events in the retrieval_outbox table as part of
// the enclosing transaction, making the state change and its event atomic.
type outboxStore struct {
	q      Querier
	tracer trace.Tracer
}

// NewOutboxStore creates an OutboxRepository backed by PostgreSQL.
func NewOutboxStore(q Querier, tracer trace.Tracer) *outboxStore {
	return &outboxStore{q: q, tracer: tracer}
}

// StageEvent writes an outbox record within the enclosing transaction.
func (s *outboxStore) StageEvent(ctx context.Context, rec *retrieval.OutboxRecord) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("event_id", rec.EventID.String()),
		attribute.String("event_type", string(rec.EventType)),
		attribute.String("partition_key", rec.Key),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.stage_event", dbAttrs, func(ctx context.Context) error {
		var imageID pgtype.UUID
		if rec.ImageID != nil {
			imageID = pgtype.UUID{Bytes: *rec.ImageID, Valid: true}
		}

		row := s.q.QueryRow(ctx, `
			INSERT INTO retrieval_outbox (event_id, event_type, partition_key, payload, image_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`,
			pgtype.UUID{Bytes: rec.EventID, Valid: true},
			string(rec.EventType),
			rec.Key,
			rec.Payload,
			imageID,
		)

		var createdAt pgtype.Timestamptz
		if err := row.Scan(&rec.ID, &createdAt); err != nil {
			return fmt.Errorf("stage event insert error: %w", err)
		}
		rec.CreatedAt = createdAt.Time
		return nil
	})
}

// Ensure outboxReader implements retrieval.OutboxReader at compile time.
var _ retrieval.OutboxReader = (*outboxReader)(nil)

// outboxReader is the relay-side view of the outbox. It reads committed
// records outside any unit of work and records forwarding acknowledgments.
type outboxReader struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewOutboxReader creates an OutboxReader backed by PostgreSQL.
func NewOutboxReader(pool *pgxpool.Pool, tracer trace.Tracer) *outboxReader {
	return &outboxReader{pool: pool, tracer: tracer}
}

// UnforwardedEvents returns up to limit committed records not yet forwarded,
// in staging order.
func (r *outboxReader) UnforwardedEvents(ctx context.Context, limit int) ([]retrieval.OutboxRecord, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("limit", limit))

	var records []retrieval.OutboxRecord
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.unforwarded_events", dbAttrs, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, event_id, event_type, partition_key, payload, image_id, created_at
			FROM retrieval_outbox
			WHERE forwarded_at IS NULL
			ORDER BY id ASC
			LIMIT $1`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("unforwarded events query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec       retrieval.OutboxRecord
				eventID   pgtype.UUID
				eventType string
				imageID   pgtype.UUID
				createdAt pgtype.Timestamptz
			)
			if err := rows.Scan(&rec.ID, &eventID, &eventType, &rec.Key, &rec.Payload, &imageID, &createdAt); err != nil {
				return fmt.Errorf("scanning outbox row: %w", err)
			}
			rec.EventID = eventID.Bytes
			rec.EventType = events.EventType(eventType)
			rec.CreatedAt = createdAt.Time
			if imageID.Valid {
				id := uuid.UUID(imageID.Bytes)
				rec.ImageID = &id
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkForwarded records transport acknowledgment for a record. When the record
// is an image readiness event, the image advances to EVENT_EMITTED in the same
// transaction so status and forwarding never diverge.
func (r *outboxReader) MarkForwarded(ctx context.Context, id int64) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int64("outbox_id", id))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.mark_forwarded", dbAttrs, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin mark forwarded tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		row := tx.QueryRow(ctx, `
			UPDATE retrieval_outbox
			SET forwarded_at = NOW()
			WHERE id = $1 AND forwarded_at IS NULL
			RETURNING image_id`,
			id,
		)

		var imageID pgtype.UUID
		if err := row.Scan(&imageID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Already forwarded. The relay may see a record twice after
				// a crash between publish and mark; that is not an error.
				return tx.Commit(ctx)
			}
			return fmt.Errorf("mark forwarded update error: %w", err)
		}

		if imageID.Valid {
			if _, err := tx.Exec(ctx, `
				UPDATE images SET status = 'EVENT_EMITTED', updated_at = NOW()
				WHERE id = $1`,
				imageID,
			); err != nil {
				return fmt.Errorf("advancing image status: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}
