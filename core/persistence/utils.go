package persistence

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// objectIDLength is the length of generated object ids.
const objectIDLength = 10

// NewObjectID returns a random alphanumeric id derived from a v4 uuid.
func NewObjectID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return id[:objectIDLength]
}

func createEvent(
	eventType PersistenceEventType,
	operation string,
	className string,
	input any,
	output any,
	query any,
	err *string,
	startTime time.Time,
) PersistenceEvent {
	var duration *int64
	if !startTime.IsZero() {
		d := time.Since(startTime).Milliseconds()
		duration = &d
	}

	return PersistenceEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Operation: operation,
		ClassName: className,
		Input:     input,
		Output:    output,
		Error:     err,
		Query:     query,
		Duration:  duration,
	}
}
