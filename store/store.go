// Package store defines the persistence contract for quoteflow and
// provides SQLite-backed and in-memory implementations. Executions are
// mutable rows; stage tasks are created then finalized; events and
// snapshots are append-only and cascade-delete with their execution.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/quoteflow/quoteflow"
)

// Store is the persistence interface consumed by the engine.
type Store interface {
	// CreateExecution inserts a new execution row.
	CreateExecution(ctx context.Context, e *quoteflow.Execution) error

	// GetExecution returns the execution or ErrNotFound.
	GetExecution(ctx context.Context, id string) (*quoteflow.Execution, error)

	// UpdateExecution unconditionally persists the execution's mutable
	// fields (status, current stage, metadata, timestamps).
	UpdateExecution(ctx context.Context, e *quoteflow.Execution) error

	// CompareAndUpdateExecution persists the execution's mutable fields
	// only while the stored row still matches: its current stage equals
	// expectStage (ignored when empty) and its status is one of
	// expectStatus. A lost race returns ErrConflict with no write. This
	// is the guard that keeps duplicate or stale workers from
	// double-advancing an execution.
	CompareAndUpdateExecution(ctx context.Context, e *quoteflow.Execution, expectStage string, expectStatus []quoteflow.ExecutionStatus) error

	// DeleteExecution removes an execution and, by cascade, all of its
	// stage tasks, events and snapshots.
	DeleteExecution(ctx context.Context, id string) error

	// ListExecutions returns executions matching the filter, most
	// recently created first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*quoteflow.Execution, error)

	// CreateStageTask inserts a new stage task row.
	CreateStageTask(ctx context.Context, t *quoteflow.StageTask) error

	// UpdateStageTask persists a stage task's terminal fields.
	UpdateStageTask(ctx context.Context, t *quoteflow.StageTask) error

	// ListStageTasks returns an execution's stage tasks in creation order.
	ListStageTasks(ctx context.Context, executionID string) ([]*quoteflow.StageTask, error)

	// AppendEvent appends a single audit event, assigning its sequence.
	AppendEvent(ctx context.Context, e *quoteflow.Event) error

	// AppendEvents appends a batch of audit events atomically.
	AppendEvents(ctx context.Context, events []*quoteflow.Event) error

	// ListEvents returns an execution's events in insertion order.
	ListEvents(ctx context.Context, executionID string) ([]*quoteflow.Event, error)

	// ListEventsByType returns an execution's events of one type.
	ListEventsByType(ctx context.Context, executionID string, t quoteflow.EventType) ([]*quoteflow.Event, error)

	// ListEventsByStageTask returns the events tagged with a stage task.
	ListEventsByStageTask(ctx context.Context, stageTaskID string) ([]*quoteflow.Event, error)

	// ListEventsInRange returns an execution's events created in
	// [from, to), in insertion order.
	ListEventsInRange(ctx context.Context, executionID string, from, to time.Time) ([]*quoteflow.Event, error)

	// CountEventsByType aggregates an execution's event counts.
	CountEventsByType(ctx context.Context, executionID string) (map[quoteflow.EventType]int64, error)

	// CreateSnapshot appends a snapshot, assigning its sequence.
	CreateSnapshot(ctx context.Context, s *quoteflow.Snapshot) error

	// LatestSnapshot returns the most recently inserted snapshot for the
	// execution, or ErrNotFound if none exists yet. Ties break by
	// insertion order, never wall clock.
	LatestSnapshot(ctx context.Context, executionID string) (*quoteflow.Snapshot, error)

	// LatestSnapshotByStage returns the most recently inserted snapshot
	// of the given type produced for the named stage, or ErrNotFound.
	LatestSnapshotByStage(ctx context.Context, executionID, stageName string, typ quoteflow.SnapshotType) (*quoteflow.Snapshot, error)

	// ListSnapshots returns an execution's snapshots in insertion order.
	ListSnapshots(ctx context.Context, executionID string) ([]*quoteflow.Snapshot, error)

	// Close releases underlying resources.
	Close() error
}

// ExecutionFilter specifies criteria for querying executions.
type ExecutionFilter struct {
	Status quoteflow.ExecutionStatus `json:"status,omitempty"`
	Limit  int                       `json:"limit,omitempty"`
	Offset int                       `json:"offset,omitempty"`
}

// Validate validates the execution filter.
func (f *ExecutionFilter) Validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if f.Offset < 0 {
		return fmt.Errorf("offset cannot be negative")
	}
	return nil
}
