package quoteflow

import (
	"log"

	"go.jetify.com/typeid"
)

func newID(prefix string) string {
	value, err := typeid.WithPrefix(prefix)
	if err != nil {
		log.Fatalf("error creating new id: %v", err)
	}
	return value.String()
}

// NewExecutionID creates a new execution id
func NewExecutionID() string { return newID("exec") }

// NewTaskID creates a new stage task id
func NewTaskID() string { return newID("task") }

// NewEventID creates a new event id
func NewEventID() string { return newID("event") }

// NewSnapshotID creates a new snapshot id
func NewSnapshotID() string { return newID("snap") }

// NewJobID creates a new dispatch job id
func NewJobID() string { return newID("job") }
