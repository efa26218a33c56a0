// Package commands defines the closed command surface of the service and the
// contract for processing commands transactionally.
package commands

import (
	"context"

	"github.com/saludtech/data-retrieval/internal/domain/events"
)

// Handler defines the interface for processing commands. Implementations are
// idempotent with respect to command id: redelivered commands return the
// previously recorded result without reapplying.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Result, error)
}

// Command represents a base command interface.
type Command interface {
	events.DomainEvent // reuse event interface for type/occurred-at/routing
	CommandID() string
	ValidateCommand() error
}

// Result is the outcome recorded for a processed command. It is stored in the
// command ledger and replayed verbatim on redelivery.
type Result struct {
	TaskID   string   `json:"task_id"`
	ImageID  string   `json:"image_id,omitempty"`
	ImageIDs []string `json:"image_ids,omitempty"`
	BatchID  string   `json:"batch_id,omitempty"`
	Source   string   `json:"source,omitempty"`
	Status   string   `json:"status"`
	FilePath string   `json:"file_path,omitempty"`
}
