package retrieval

// ImageStatus represents the processing state of an image within a task.
type ImageStatus string

const (
	// ImageStatusReceived indicates the binary payload is durably stored and
	// the image row is persisted, but its outbox event has not been forwarded.
	ImageStatusReceived ImageStatus = "RECEIVED"

	// ImageStatusEventEmitted indicates the ImageReadyForAnonymization event
	// for this image has been forwarded to the downstream topic.
	ImageStatusEventEmitted ImageStatus = "EVENT_EMITTED"

	// ImageStatusDeleted indicates the image was removed by a compensating
	// command. Deleted images no longer count toward the task's attached total.
	ImageStatusDeleted ImageStatus = "DELETED"

	// ImageStatusUnspecified is used when an image status is unknown.
	ImageStatusUnspecified ImageStatus = "UNSPECIFIED"
)

// String returns the string representation of the ImageStatus.
func (s ImageStatus) String() string { return string(s) }

// ParseImageStatus converts a string to an ImageStatus.
func ParseImageStatus(s string) ImageStatus {
	switch s {
	case "RECEIVED":
		return ImageStatusReceived
	case "EVENT_EMITTED":
		return ImageStatusEventEmitted
	case "DELETED":
		return ImageStatusDeleted
	default:
		return ImageStatusUnspecified
	}
}
