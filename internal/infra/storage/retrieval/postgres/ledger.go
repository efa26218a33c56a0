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

// Ensure ledgerStore implements retrieval.CommandLedger at compile time.
var _ retrieval.CommandLedger = (*ledgerStore)(nil)

// ledgerStore records processed command ids in the processed_commands table.
// Writing the ledger entry in the same transaction as the command's effects
// makes redelivered commands replay their recorded result instead of
// reapplying.
type ledgerStore struct {
	q      Querier
	tracer trace.Tracer
}

// NewLedgerStore creates a CommandLedger backed by PostgreSQL.
func NewLedgerStore(q Querier, tracer trace.Tracer) *ledgerStore {
	return &ledgerStore{q: q, tracer: tracer}
}

// RecordCommand stores the result for a command id within the enclosing
// transaction. A primary key conflict means the id was already processed.
func (s *ledgerStore) RecordCommand(ctx context.Context, commandID string, taskID uuid.UUID, result []byte) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("command_id", commandID),
		attribute.String("task_id", taskID.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.record_command", dbAttrs, func(ctx context.Context) error {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO processed_commands (command_id, task_id, result)
			VALUES ($1, $2, $3)
			ON CONFLICT (command_id) DO NOTHING`,
			commandID,
			pgtype.UUID{Bytes: taskID, Valid: true},
			result,
		)
		if err != nil {
			return fmt.Errorf("record command insert error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return retrieval.ErrDuplicateCommand
		}
		return nil
	})
}

// GetCommandResult returns the recorded result for a command id.
func (s *ledgerStore) GetCommandResult(ctx context.Context, commandID string) ([]byte, bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("command_id", commandID))

	var (
		result []byte
		found  bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_command_result", dbAttrs, func(ctx context.Context) error {
		row := s.q.QueryRow(ctx,
			`SELECT result FROM processed_commands WHERE command_id = $1`, commandID)
		if err := row.Scan(&result); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("get command result query error: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, found, nil
}
