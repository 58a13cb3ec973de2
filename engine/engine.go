// Package engine implements the orchestration core: it owns execution
// lifecycle transitions, appends the audit trail, accumulates state
// snapshots, and drives stage executors through the dispatcher.
//
// Every transition is guarded by a compare-and-swap on the execution's
// current stage and status, so duplicate or stale jobs degrade to
// no-ops instead of double-advancing an execution.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quoteflow/quoteflow"
	"github.com/quoteflow/quoteflow/dispatch"
	"github.com/quoteflow/quoteflow/pipeline"
	"github.com/quoteflow/quoteflow/slogger"
	"github.com/quoteflow/quoteflow/store"
)

// Options configures a new Engine.
type Options struct {
	Store      store.Store
	Dispatcher dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline

	// Concurrency is the number of workers per stage queue.
	Concurrency int

	// StageTimeout bounds a single stage execution. Zero disables the
	// bound.
	StageTimeout time.Duration

	Logger slogger.Logger
}

// Engine orchestrates executions through the pipeline.
type Engine struct {
	store        store.Store
	dispatcher   dispatch.Dispatcher
	pipeline     *pipeline.Pipeline
	concurrency  int
	stageTimeout time.Duration
	logger       slogger.Logger
	started      bool
}

// exhaustedSetter is implemented by dispatchers that report retry
// exhaustion back to the engine.
type exhaustedSetter interface {
	SetExhaustedHandler(dispatch.ExhaustedHandler)
}

// New validates the options and returns a stopped Engine. Call Start to
// begin consuming stage jobs.
func New(options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if options.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if options.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if options.Concurrency <= 0 {
		options.Concurrency = 1
	}
	logger := options.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Engine{
		store:        options.Store,
		dispatcher:   options.Dispatcher,
		pipeline:     options.Pipeline,
		concurrency:  options.Concurrency,
		stageTimeout: options.StageTimeout,
		logger:       logger,
	}, nil
}

// Start registers a consumer for every pipeline stage and wires retry
// exhaustion back into the execution lifecycle.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}
	if setter, ok := e.dispatcher.(exhaustedSetter); ok {
		setter.SetExhaustedHandler(e.failExhausted)
	}
	for _, stage := range e.pipeline.Stages() {
		if err := e.dispatcher.Consume(stage, e.handleJob, e.concurrency); err != nil {
			return fmt.Errorf("failed to consume stage %q: %w", stage, err)
		}
	}
	e.started = true
	e.logger.Info("engine started",
		"stages", len(e.pipeline.Stages()),
		"concurrency", e.concurrency)
	return nil
}

// Stop drains the dispatcher. The store stays open; the caller owns it.
func (e *Engine) Stop(ctx context.Context) error {
	return e.dispatcher.Shutdown(ctx)
}

// Create persists a new pending execution at the pipeline's first stage
// and enqueues its first stage job.
func (e *Engine) Create(ctx context.Context, input map[string]any) (*quoteflow.Execution, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("input is required: %w", quoteflow.ErrValidation)
	}
	now := time.Now()
	execution := &quoteflow.Execution{
		ID:           quoteflow.NewExecutionID(),
		Status:       quoteflow.ExecutionStatusPending,
		CurrentStage: e.pipeline.First(),
		Input:        quoteflow.CopyMap(input),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: execution.ID,
		EventType:   quoteflow.EventExecutionCreated,
		Data:        map[string]any{"stage": execution.CurrentStage},
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := e.dispatcher.Enqueue(ctx, dispatch.NewJob(execution.ID, execution.CurrentStage)); err != nil {
		return nil, err
	}
	e.logger.Info("execution created",
		"execution_id", execution.ID,
		"stage", execution.CurrentStage)
	return execution, nil
}

// Get returns the execution or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*quoteflow.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// List returns executions matching the filter.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*quoteflow.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// State returns the execution's current accumulated state: the data of
// its most recent snapshot, or an empty map before any stage has run.
func (e *Engine) State(ctx context.Context, id string) (map[string]any, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	snapshot, err := e.store.LatestSnapshot(ctx, id)
	if err != nil {
		if quoteflow.IsNotFound(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return quoteflow.CopyMap(snapshot.Data), nil
}

// GetHistory returns the execution's full audit view.
func (e *Engine) GetHistory(ctx context.Context, id string) (*quoteflow.History, error) {
	execution, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListStageTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	snapshots, err := e.store.ListSnapshots(ctx, id)
	if err != nil {
		return nil, err
	}
	return &quoteflow.History{
		Execution: execution,
		Tasks:     tasks,
		Events:    events,
		Snapshots: snapshots,
	}, nil
}

// Counts returns the dispatcher counters for one stage queue.
func (e *Engine) Counts(stage string) dispatch.Counts {
	return e.dispatcher.Counts(stage)
}

// Health reports whether the engine can accept new work.
func (e *Engine) Health() error {
	return e.dispatcher.Health()
}

// ResumeOptions carries the optional inputs to Resume. Zero-value
// options re-run the execution's current stage with no state change.
type ResumeOptions struct {
	// State is human-provided data merged into the accumulated state as
	// a human_update snapshot before the stage re-runs.
	State map[string]any

	// FromStage overrides which stage re-runs. Empty means the
	// execution's current stage.
	FromStage string
}

// Resume unparks an awaiting execution: optionally merges human input
// into its state, then re-enqueues the target stage. Only executions in
// awaiting_human may resume; anything else returns ErrConflict without
// writing.
func (e *Engine) Resume(ctx context.Context, id string, opts ResumeOptions) (*quoteflow.Execution, error) {
	if opts.FromStage != "" && !e.pipeline.Contains(opts.FromStage) {
		return nil, fmt.Errorf("unknown stage %q: %w", opts.FromStage, quoteflow.ErrValidation)
	}
	execution, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if execution.Status != quoteflow.ExecutionStatusAwaitingHuman {
		return nil, fmt.Errorf("execution %s is %s, not awaiting human input: %w",
			id, execution.Status, quoteflow.ErrConflict)
	}

	target := execution.CurrentStage
	if opts.FromStage != "" {
		target = opts.FromStage
	}

	now := time.Now()
	execution.Status = quoteflow.ExecutionStatusPending
	execution.CurrentStage = target
	execution.UpdatedAt = now
	delete(execution.Metadata, quoteflow.MetaAwaitingReason)
	delete(execution.Metadata, quoteflow.MetaAwaitingFields)

	// The status swap comes first: a lost race writes nothing else.
	err = e.store.CompareAndUpdateExecution(ctx, execution, "",
		[]quoteflow.ExecutionStatus{quoteflow.ExecutionStatusAwaitingHuman})
	if err != nil {
		return nil, err
	}

	var events []*quoteflow.Event
	if len(opts.State) > 0 {
		state, err := e.currentState(ctx, id)
		if err != nil {
			return nil, err
		}
		snapshot := &quoteflow.Snapshot{
			ID:          quoteflow.NewSnapshotID(),
			ExecutionID: id,
			StageName:   target,
			Type:        quoteflow.SnapshotTypeHumanUpdate,
			Data:        quoteflow.MergeState(state, opts.State),
			CreatedAt:   now,
		}
		if err := e.store.CreateSnapshot(ctx, snapshot); err != nil {
			return nil, err
		}

		// Field names only. The values live in the snapshot; the audit
		// trail must not duplicate potentially large or sensitive
		// payloads.
		fields := make([]string, 0, len(opts.State))
		for k := range opts.State {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		events = append(events,
			&quoteflow.Event{
				ID:          quoteflow.NewEventID(),
				ExecutionID: id,
				EventType:   quoteflow.EventHumanInputReceived,
				Data:        map[string]any{"fields": fields},
				CreatedAt:   now,
			},
			&quoteflow.Event{
				ID:          quoteflow.NewEventID(),
				ExecutionID: id,
				EventType:   quoteflow.EventStateSnapshotCreated,
				Data:        map[string]any{"snapshot_id": snapshot.ID, "type": string(snapshot.Type)},
				CreatedAt:   now,
			},
		)
	}
	events = append(events, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: id,
		EventType:   quoteflow.EventExecutionResumed,
		Data:        map[string]any{"stage": target},
		CreatedAt:   now,
	})
	if err := e.store.AppendEvents(ctx, events); err != nil {
		return nil, err
	}

	if err := e.dispatcher.Enqueue(ctx, dispatch.NewJob(id, target)); err != nil {
		return nil, err
	}
	e.logger.Info("execution resumed", "execution_id", id, "stage", target)
	return execution, nil
}

// Cancel moves an execution to cancelled. Completed and cancelled
// executions conflict; everything else, including failed, may cancel.
// In-flight stage work is not interrupted, but its transitions lose
// their compare-and-swap and degrade to no-ops.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*quoteflow.Execution, error) {
	execution, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	execution.Status = quoteflow.ExecutionStatusCancelled
	execution.UpdatedAt = now
	execution.CompletedAt = &now
	err = e.store.CompareAndUpdateExecution(ctx, execution, "",
		[]quoteflow.ExecutionStatus{
			quoteflow.ExecutionStatusPending,
			quoteflow.ExecutionStatusProcessing,
			quoteflow.ExecutionStatusAwaitingHuman,
			quoteflow.ExecutionStatusFailed,
		})
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	if err := e.store.AppendEvent(ctx, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: id,
		EventType:   quoteflow.EventExecutionCancelled,
		Data:        data,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	e.logger.Info("execution cancelled", "execution_id", id, "reason", reason)
	return execution, nil
}

// Replay creates a new execution from an existing one, seeded with the
// state the source had when it entered the named stage, and starts it
// at that stage. The source execution is untouched.
func (e *Engine) Replay(ctx context.Context, sourceID, stageName string) (*quoteflow.Execution, error) {
	if !e.pipeline.Contains(stageName) {
		return nil, fmt.Errorf("unknown stage %q: %w", stageName, quoteflow.ErrValidation)
	}
	source, err := e.store.GetExecution(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	seed, err := e.store.LatestSnapshotByStage(ctx, sourceID, stageName, quoteflow.SnapshotTypeInput)
	if err != nil {
		if quoteflow.IsNotFound(err) {
			return nil, fmt.Errorf("execution %s never started stage %q: %w",
				sourceID, stageName, quoteflow.ErrValidation)
		}
		return nil, err
	}

	now := time.Now()
	execution := &quoteflow.Execution{
		ID:           quoteflow.NewExecutionID(),
		Status:       quoteflow.ExecutionStatusPending,
		CurrentStage: stageName,
		Input:        quoteflow.CopyMap(source.Input),
		Metadata: map[string]any{
			quoteflow.MetaReplayedFrom:      sourceID,
			quoteflow.MetaReplayedFromStage: stageName,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}

	// Seed the new execution's state chain so the first worker picks up
	// where the source stood entering this stage.
	snapshot := &quoteflow.Snapshot{
		ID:          quoteflow.NewSnapshotID(),
		ExecutionID: execution.ID,
		StageName:   stageName,
		Type:        quoteflow.SnapshotTypeInput,
		Data:        quoteflow.CopyMap(seed.Data),
		CreatedAt:   now,
	}
	if err := e.store.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	createdData := map[string]any{"stage": stageName}
	createdData[quoteflow.MetaReplayedFrom] = sourceID
	createdData[quoteflow.MetaReplayedFromStage] = stageName
	events := []*quoteflow.Event{
		{
			ID:          quoteflow.NewEventID(),
			ExecutionID: execution.ID,
			EventType:   quoteflow.EventExecutionCreated,
			Data:        createdData,
			CreatedAt:   now,
		},
		{
			ID:          quoteflow.NewEventID(),
			ExecutionID: execution.ID,
			EventType:   quoteflow.EventStateSnapshotCreated,
			Data:        map[string]any{"snapshot_id": snapshot.ID, "type": string(snapshot.Type)},
			CreatedAt:   now,
		},
	}
	if err := e.store.AppendEvents(ctx, events); err != nil {
		return nil, err
	}

	if err := e.dispatcher.Enqueue(ctx, dispatch.NewJob(execution.ID, stageName)); err != nil {
		return nil, err
	}
	e.logger.Info("execution replayed",
		"execution_id", execution.ID,
		"source_id", sourceID,
		"stage", stageName)
	return execution, nil
}

// currentState returns the latest snapshot's data, or an empty map when
// the execution has no snapshots yet.
func (e *Engine) currentState(ctx context.Context, id string) (map[string]any, error) {
	snapshot, err := e.store.LatestSnapshot(ctx, id)
	if err != nil {
		if quoteflow.IsNotFound(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return quoteflow.CopyMap(snapshot.Data), nil
}
