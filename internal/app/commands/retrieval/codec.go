package retrieval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/saludtech/data-retrieval/internal/app/commands"
	"github.com/saludtech/data-retrieval/internal/domain/events"
	"github.com/saludtech/data-retrieval/internal/domain/retrieval"
)

// CommandEnvelope is the wire form of a queued command. The payload shape
// depends on the type tag.
type CommandEnvelope struct {
	CommandID string           `json:"command_id"`
	Type      events.EventType `json:"type"`
	Payload   json.RawMessage  `json:"payload"`
}

// EncodeCommand serializes a command into its wire envelope.
func EncodeCommand(cmd commands.Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshalling command payload: %w", err)
	}

	env := CommandEnvelope{
		CommandID: cmd.CommandID(),
		Type:      cmd.EventType(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling command envelope: %w", err)
	}
	return data, nil
}

// DecodeCommand deserializes a wire envelope into a typed command. Malformed
// envelopes and unknown type tags are validation errors: the message can never
// succeed and must not be retried.
func DecodeCommand(data []byte) (commands.Command, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, retrieval.NewValidationError("envelope", fmt.Sprintf("malformed command envelope: %v", err))
	}
	if env.CommandID == "" {
		return nil, retrieval.NewValidationError("command_id", "must not be empty")
	}

	now := time.Now().UTC()

	switch env.Type {
	case CommandTypeCreateRetrievalTask:
		var cmd CreateRetrievalTaskCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, retrieval.NewValidationError("payload", fmt.Sprintf("malformed create payload: %v", err))
		}
		cmd.id, cmd.occurredAt = env.CommandID, now
		return cmd, nil

	case CommandTypeStartRetrievalTask:
		var cmd StartRetrievalTaskCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, retrieval.NewValidationError("payload", fmt.Sprintf("malformed start payload: %v", err))
		}
		cmd.id, cmd.occurredAt = env.CommandID, now
		return cmd, nil

	case CommandTypeUploadImage:
		var cmd UploadImageCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, retrieval.NewValidationError("payload", fmt.Sprintf("malformed upload payload: %v", err))
		}
		cmd.id, cmd.occurredAt = env.CommandID, now
		return cmd, nil

	case CommandTypeUploadImageBatch:
		var cmd UploadImageBatchCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, retrieval.NewValidationError("payload", fmt.Sprintf("malformed batch payload: %v", err))
		}
		cmd.id, cmd.occurredAt = env.CommandID, now
		return cmd, nil

	case CommandTypeCompleteRetrievalTask:
		var cmd CompleteRetrievalTaskCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, retrieval.NewValidationError("payload", fmt.Sprintf("malformed complete payload: %v", err))
		}
		cmd.id, cmd.occurredAt = env.CommandID, now
		return cmd, nil

	case CommandTypeDeleteRetrievedImage:
		var cmd DeleteRetrievedImageCommand
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, retrieval.NewValidationError("payload", fmt.Sprintf("malformed delete payload: %v", err))
		}
		cmd.id, cmd.occurredAt = env.CommandID, now
		return cmd, nil

	default:
		return nil, retrieval.NewValidationError("type", fmt.Sprintf("unknown command type %q", env.Type))
	}
}
