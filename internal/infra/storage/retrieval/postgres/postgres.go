// Package postgres implements the retrieval domain's persistence ports on
// PostgreSQL. Stores run their queries against a Querier so the same code
// serves both pool-scoped reads and transaction-scoped writes under the
// unit of work.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
)

// Querier is the subset of pgx executed by the stores. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}
