package retrieval

// TaskStatus represents the lifecycle state of a retrieval task. It enables
// validated state transitions so commands can be rejected when they do not
// apply to the task's current state.
type TaskStatus string

const (
	// TaskStatusPending indicates a task is created but retrieval has not started.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusInProgress indicates a task is actively receiving images.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"

	// TaskStatusCompleted indicates a task finished with every image retrieved.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed indicates a task finished with at least one failed image.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "UNSPECIFIED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "PENDING":
		return TaskStatusPending
	case "IN_PROGRESS":
		return TaskStatusInProgress
	case "COMPLETED":
		return TaskStatusCompleted
	case "FAILED":
		return TaskStatusFailed
	default:
		return TaskStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns a typed
// error if not, so ingress can classify it as permanent.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return NewInvalidStateTransitionError(s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. Transitions never skip a state and never move backward.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return target == TaskStatusInProgress
	case TaskStatusInProgress:
		return target == TaskStatusCompleted || target == TaskStatusFailed
	case TaskStatusCompleted, TaskStatusFailed:
		// Terminal states.
		return false
	default:
		return false
	}
}
