// Package quoteflow defines the shared contracts for a durable,
// multi-stage quote-request orchestration engine: execution records,
// stage tasks, audit events, state snapshots, and the opaque Stage
// Executor contract that stage business logic implements. The engine
// itself lives in the engine package; persistence in store; queueing
// in dispatch.
package quoteflow

import (
	"context"
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionStatusPending       ExecutionStatus = "pending"
	ExecutionStatusProcessing    ExecutionStatus = "processing"
	ExecutionStatusAwaitingHuman ExecutionStatus = "awaiting_human"
	ExecutionStatusCompleted     ExecutionStatus = "completed"
	ExecutionStatusFailed        ExecutionStatus = "failed"
	ExecutionStatusCancelled     ExecutionStatus = "cancelled"
)

// Terminal reports whether no further stage jobs may run against an
// execution in this status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// TaskStatus represents the per-attempt state of a StageTask.
type TaskStatus string

const (
	TaskStatusPending       TaskStatus = "pending"
	TaskStatusProcessing    TaskStatus = "processing"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusAwaitingHuman TaskStatus = "awaiting_human"
	TaskStatusSkipped       TaskStatus = "skipped"
)

// SnapshotType distinguishes how a Snapshot entered the chain.
type SnapshotType string

const (
	SnapshotTypeInput       SnapshotType = "input"
	SnapshotTypeOutput      SnapshotType = "output"
	SnapshotTypeHumanUpdate SnapshotType = "human_update"
)

// EventType is the closed set of audit event types. Each is emitted
// exactly once per corresponding transition.
type EventType string

const (
	EventExecutionCreated          EventType = "execution_created"
	EventExecutionCompleted        EventType = "execution_completed"
	EventExecutionFailed           EventType = "execution_failed"
	EventExecutionCancelled        EventType = "execution_cancelled"
	EventExecutionResumed          EventType = "execution_resumed"
	EventStageStarted              EventType = "stage_started"
	EventStageCompleted            EventType = "stage_completed"
	EventStageFailed               EventType = "stage_failed"
	EventHumanInterventionRequired EventType = "human_intervention_required"
	EventHumanInputReceived        EventType = "human_input_received"
	EventStateSnapshotCreated      EventType = "state_snapshot_created"
	EventToolInvoked               EventType = "tool_invoked"
	EventToolCompleted             EventType = "tool_completed"
	EventToolFailed                EventType = "tool_failed"
)

// Metadata keys written by the engine.
const (
	MetaAwaitingReason    = "awaiting_reason"
	MetaAwaitingFields    = "awaiting_fields"
	MetaError             = "error"
	MetaReplayedFrom      = "replayed_from"
	MetaReplayedFromStage = "replayed_from_stage"
)

// Execution is one end-to-end run of the pipeline for a single input
// unit. It owns (cascade-delete) its StageTasks, Events and Snapshots.
type Execution struct {
	ID           string          `json:"id"`
	Status       ExecutionStatus `json:"status"`
	CurrentStage string          `json:"current_stage"`
	Input        map[string]any  `json:"input"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Usage carries the cost metrics an external call reported.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Cost += other.Cost
}

// StageTask is one attempt at running a stage within an Execution.
type StageTask struct {
	ID               string     `json:"id"`
	ExecutionID      string     `json:"execution_id"`
	StageName        string     `json:"stage_name"`
	Attempt          int        `json:"attempt"`
	Status           TaskStatus `json:"status"`
	InputSnapshotID  string     `json:"input_snapshot_id,omitempty"`
	OutputSnapshotID string     `json:"output_snapshot_id,omitempty"`
	Error            string     `json:"error,omitempty"`
	DurationMillis   int64      `json:"duration_ms"`
	Usage            Usage      `json:"usage"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Event is an immutable audit record of a transition or sub-action.
// Seq is assigned by the store and defines insertion order.
type Event struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	ExecutionID string         `json:"execution_id"`
	StageTaskID string         `json:"stage_task_id,omitempty"`
	EventType   EventType      `json:"event_type"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate validates the event before it is appended.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Snapshot is an immutable capture of the accumulated structured state
// at one point in an Execution's history. The execution's current state
// is always the most recently inserted Snapshot, never a replay of the
// full chain.
type Snapshot struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	ExecutionID string         `json:"execution_id"`
	StageName   string         `json:"stage_name"`
	Type        SnapshotType   `json:"type"`
	Data        map[string]any `json:"data"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NextActionType enumerates the decisions a stage may return.
type NextActionType string

const (
	NextContinue   NextActionType = "continue"
	NextSkip       NextActionType = "skip"
	NextAwaitHuman NextActionType = "await_human"
	NextComplete   NextActionType = "complete"
	NextFail       NextActionType = "fail"
)

// NextAction is the decision a stage returns that determines how the
// pipeline progresses.
type NextAction struct {
	Type           NextActionType `json:"type"`
	NextStage      string         `json:"next_stage,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	RequiredFields []string       `json:"required_fields,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Continue advances the execution to the named stage.
func Continue(next string) NextAction {
	return NextAction{Type: NextContinue, NextStage: next}
}

// Skip advances to the named stage, recording that the current stage's
// business logic was bypassed and why.
func Skip(next, reason string) NextAction {
	return NextAction{Type: NextSkip, NextStage: next, Reason: reason}
}

// AwaitHuman parks the execution until a human provides input.
func AwaitHuman(reason string, fields ...string) NextAction {
	return NextAction{Type: NextAwaitHuman, Reason: reason, RequiredFields: fields}
}

// Complete marks the execution completed.
func Complete() NextAction {
	return NextAction{Type: NextComplete}
}

// Fail marks the execution failed with the given error.
func Fail(err error) NextAction {
	action := NextAction{Type: NextFail}
	if err != nil {
		action.Error = err.Error()
	}
	return action
}

// Validate checks that the action is internally consistent.
func (a NextAction) Validate() error {
	switch a.Type {
	case NextContinue, NextSkip:
		if a.NextStage == "" {
			return fmt.Errorf("next stage is required for %s", a.Type)
		}
	case NextAwaitHuman:
		if a.Reason == "" {
			return fmt.Errorf("reason is required for %s", a.Type)
		}
	case NextComplete, NextFail:
	default:
		return fmt.Errorf("unknown next action type: %q", a.Type)
	}
	return nil
}

// StageEvent is an audit event a stage executor reports back to the
// engine. The engine assigns identity and tags it with the stage task.
type StageEvent struct {
	EventType EventType      `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionContext is what the engine hands a stage executor: the
// execution's original input, the accumulated state, and which attempt
// this is.
type ExecutionContext struct {
	ExecutionID string         `json:"execution_id"`
	Input       map[string]any `json:"input"`
	State       map[string]any `json:"state"`
	Attempt     int            `json:"attempt"`
}

// StageResult is what a stage executor returns. StateUpdate is a
// partial update merged into the accumulated state; Events are
// persisted tagged with the stage task; Next drives the state machine.
type StageResult struct {
	StateUpdate map[string]any `json:"state_update,omitempty"`
	Events      []StageEvent   `json:"events,omitempty"`
	Next        NextAction     `json:"next"`
	Usage       Usage          `json:"usage"`
}

// StageExecutor is the contract the engine invokes for stage business
// logic. Implementations must treat Execute as at-least-once: a retried
// job re-invokes it with an incremented attempt.
type StageExecutor interface {
	// Name returns the pipeline stage this executor serves.
	Name() string

	// Execute runs the stage against the accumulated state and decides
	// how the pipeline progresses.
	Execute(ctx context.Context, ec *ExecutionContext) (*StageResult, error)
}

// History is the full audit view of an execution, each slice ordered by
// creation time.
type History struct {
	Execution *Execution   `json:"execution"`
	Tasks     []*StageTask `json:"tasks"`
	Events    []*Event     `json:"events"`
	Snapshots []*Snapshot  `json:"snapshots"`
}
