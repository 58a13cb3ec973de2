package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quoteflow/quoteflow"
	"github.com/quoteflow/quoteflow/dispatch"
)

// handleJob runs one stage attempt. Returning an error makes the
// dispatcher retry the job; returning nil acknowledges it. Jobs that
// lose their compare-and-swap (execution cancelled, stage already
// advanced by a duplicate) are acknowledged, not retried.
func (e *Engine) handleJob(ctx context.Context, job dispatch.Job) error {
	logger := e.logger.With(
		"execution_id", job.ExecutionID,
		"stage", job.Stage,
		"attempt", job.Attempt)

	execution, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		if quoteflow.IsNotFound(err) {
			logger.Warn("dropping job for missing execution")
			return nil
		}
		return err
	}

	// Idempotency guard. A stale or duplicate job must not touch an
	// execution that moved on.
	if execution.Status.Terminal() {
		logger.Debug("dropping job, execution is terminal", "status", execution.Status)
		return nil
	}
	if execution.Status == quoteflow.ExecutionStatusAwaitingHuman {
		logger.Debug("dropping job, execution awaits human input")
		return nil
	}
	if execution.CurrentStage != job.Stage {
		logger.Debug("dropping stale job", "current_stage", execution.CurrentStage)
		return nil
	}

	// Claim the stage. Losing this race means another worker (or a
	// concurrent cancel) got there first.
	execution.Status = quoteflow.ExecutionStatusProcessing
	execution.UpdatedAt = time.Now()
	err = e.store.CompareAndUpdateExecution(ctx, execution, job.Stage,
		[]quoteflow.ExecutionStatus{
			quoteflow.ExecutionStatusPending,
			quoteflow.ExecutionStatusProcessing,
		})
	if err != nil {
		if quoteflow.IsConflict(err) || quoteflow.IsNotFound(err) {
			logger.Debug("dropping job, lost claim", "error", err)
			return nil
		}
		return err
	}

	executor, err := e.pipeline.Executor(job.Stage)
	if err != nil {
		// The execution references a stage this pipeline does not
		// define. Retrying cannot help.
		e.failExhausted(ctx, job, err)
		return nil
	}

	state, err := e.currentState(ctx, job.ExecutionID)
	if err != nil {
		return err
	}

	now := time.Now()
	inputSnapshot := &quoteflow.Snapshot{
		ID:          quoteflow.NewSnapshotID(),
		ExecutionID: job.ExecutionID,
		StageName:   job.Stage,
		Type:        quoteflow.SnapshotTypeInput,
		Data:        quoteflow.CopyMap(state),
		CreatedAt:   now,
	}
	if err := e.store.CreateSnapshot(ctx, inputSnapshot); err != nil {
		return err
	}

	task := &quoteflow.StageTask{
		ID:              quoteflow.NewTaskID(),
		ExecutionID:     job.ExecutionID,
		StageName:       job.Stage,
		Attempt:         job.Attempt,
		Status:          quoteflow.TaskStatusProcessing,
		InputSnapshotID: inputSnapshot.ID,
		StartedAt:       now,
	}
	if err := e.store.CreateStageTask(ctx, task); err != nil {
		return err
	}
	if err := e.store.AppendEvent(ctx, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: job.ExecutionID,
		StageTaskID: task.ID,
		EventType:   quoteflow.EventStageStarted,
		Data:        map[string]any{"stage": job.Stage, "attempt": job.Attempt},
		CreatedAt:   now,
	}); err != nil {
		return err
	}

	result, execErr := e.runStage(ctx, executor, &quoteflow.ExecutionContext{
		ExecutionID: job.ExecutionID,
		Input:       quoteflow.CopyMap(execution.Input),
		State:       state,
		Attempt:     job.Attempt,
	})
	if execErr == nil {
		execErr = e.validateResult(result)
	}
	duration := time.Since(now)

	if execErr != nil {
		return e.failAttempt(ctx, task, duration, execErr)
	}
	return e.completeAttempt(ctx, execution, job, task, state, result, duration)
}

// runStage invokes the executor with panic recovery and the optional
// per-stage timeout applied.
func (e *Engine) runStage(ctx context.Context, executor quoteflow.StageExecutor, ec *quoteflow.ExecutionContext) (result *quoteflow.StageResult, err error) {
	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return executor.Execute(ctx, ec)
}

func (e *Engine) validateResult(result *quoteflow.StageResult) error {
	if result == nil {
		return fmt.Errorf("stage returned no result")
	}
	if err := result.Next.Validate(); err != nil {
		return err
	}
	switch result.Next.Type {
	case quoteflow.NextContinue, quoteflow.NextSkip:
		if !e.pipeline.Contains(result.Next.NextStage) {
			return fmt.Errorf("stage directed unknown next stage %q", result.Next.NextStage)
		}
	}
	return nil
}

// failAttempt finalizes a failed stage task and surfaces the error to
// the dispatcher so the retry schedule applies.
func (e *Engine) failAttempt(ctx context.Context, task *quoteflow.StageTask, duration time.Duration, cause error) error {
	now := time.Now()
	task.Status = quoteflow.TaskStatusFailed
	task.Error = cause.Error()
	task.DurationMillis = duration.Milliseconds()
	task.CompletedAt = &now
	if err := e.store.UpdateStageTask(ctx, task); err != nil {
		return err
	}
	if err := e.store.AppendEvent(ctx, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: task.ExecutionID,
		StageTaskID: task.ID,
		EventType:   quoteflow.EventStageFailed,
		Data: map[string]any{
			"stage":   task.StageName,
			"attempt": task.Attempt,
			"error":   cause.Error(),
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}
	return fmt.Errorf("stage %s attempt %d: %v: %w",
		task.StageName, task.Attempt, cause, quoteflow.ErrStageExecution)
}

// completeAttempt persists a successful stage attempt: merged output
// snapshot, executor events, finalized task, stage_completed event, and
// the lifecycle transition the stage's NextAction demands.
func (e *Engine) completeAttempt(ctx context.Context, execution *quoteflow.Execution, job dispatch.Job, task *quoteflow.StageTask, state map[string]any, result *quoteflow.StageResult, duration time.Duration) error {
	now := time.Now()
	merged := quoteflow.MergeState(state, result.StateUpdate)
	outputSnapshot := &quoteflow.Snapshot{
		ID:          quoteflow.NewSnapshotID(),
		ExecutionID: job.ExecutionID,
		StageName:   job.Stage,
		Type:        quoteflow.SnapshotTypeOutput,
		Data:        merged,
		CreatedAt:   now,
	}
	if err := e.store.CreateSnapshot(ctx, outputSnapshot); err != nil {
		return err
	}

	var events []*quoteflow.Event
	for _, stageEvent := range result.Events {
		events = append(events, &quoteflow.Event{
			ID:          quoteflow.NewEventID(),
			ExecutionID: job.ExecutionID,
			StageTaskID: task.ID,
			EventType:   stageEvent.EventType,
			Data:        stageEvent.Data,
			CreatedAt:   now,
		})
	}
	events = append(events, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: job.ExecutionID,
		StageTaskID: task.ID,
		EventType:   quoteflow.EventStateSnapshotCreated,
		Data:        map[string]any{"snapshot_id": outputSnapshot.ID, "type": string(outputSnapshot.Type)},
		CreatedAt:   now,
	})

	completedData := map[string]any{
		"stage":       job.Stage,
		"attempt":     job.Attempt,
		"duration_ms": duration.Milliseconds(),
	}
	task.Status = quoteflow.TaskStatusCompleted
	switch result.Next.Type {
	case quoteflow.NextSkip:
		task.Status = quoteflow.TaskStatusSkipped
		completedData["skipped"] = true
		completedData["skip_reason"] = result.Next.Reason
	case quoteflow.NextAwaitHuman:
		task.Status = quoteflow.TaskStatusAwaitingHuman
	}
	events = append(events, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: job.ExecutionID,
		StageTaskID: task.ID,
		EventType:   quoteflow.EventStageCompleted,
		Data:        completedData,
		CreatedAt:   now,
	})

	task.OutputSnapshotID = outputSnapshot.ID
	task.DurationMillis = duration.Milliseconds()
	task.Usage = result.Usage
	task.CompletedAt = &now
	if err := e.store.UpdateStageTask(ctx, task); err != nil {
		return err
	}
	if err := e.store.AppendEvents(ctx, events); err != nil {
		return err
	}

	return e.applyNextAction(ctx, execution, job, task, result.Next)
}

// applyNextAction performs the lifecycle transition a stage decided on.
// Every branch is guarded by a compare-and-swap on the stage the job
// ran for, so a cancel that landed mid-flight wins and the transition
// becomes a no-op.
func (e *Engine) applyNextAction(ctx context.Context, execution *quoteflow.Execution, job dispatch.Job, task *quoteflow.StageTask, action quoteflow.NextAction) error {
	logger := e.logger.With("execution_id", job.ExecutionID, "stage", job.Stage)
	now := time.Now()
	expect := []quoteflow.ExecutionStatus{quoteflow.ExecutionStatusProcessing}
	execution.UpdatedAt = now

	var event *quoteflow.Event
	switch action.Type {
	case quoteflow.NextContinue, quoteflow.NextSkip:
		execution.Status = quoteflow.ExecutionStatusPending
		execution.CurrentStage = action.NextStage

	case quoteflow.NextAwaitHuman:
		execution.Status = quoteflow.ExecutionStatusAwaitingHuman
		if execution.Metadata == nil {
			execution.Metadata = map[string]any{}
		}
		execution.Metadata[quoteflow.MetaAwaitingReason] = action.Reason
		if len(action.RequiredFields) > 0 {
			execution.Metadata[quoteflow.MetaAwaitingFields] = action.RequiredFields
		}
		event = &quoteflow.Event{
			ID:          quoteflow.NewEventID(),
			ExecutionID: job.ExecutionID,
			StageTaskID: task.ID,
			EventType:   quoteflow.EventHumanInterventionRequired,
			Data: map[string]any{
				"reason": action.Reason,
				"fields": action.RequiredFields,
			},
			CreatedAt: now,
		}

	case quoteflow.NextComplete:
		execution.Status = quoteflow.ExecutionStatusCompleted
		execution.CompletedAt = &now
		event = &quoteflow.Event{
			ID:          quoteflow.NewEventID(),
			ExecutionID: job.ExecutionID,
			StageTaskID: task.ID,
			EventType:   quoteflow.EventExecutionCompleted,
			Data:        map[string]any{"stage": job.Stage},
			CreatedAt:   now,
		}

	case quoteflow.NextFail:
		execution.Status = quoteflow.ExecutionStatusFailed
		execution.CompletedAt = &now
		if execution.Metadata == nil {
			execution.Metadata = map[string]any{}
		}
		execution.Metadata[quoteflow.MetaError] = action.Error
		event = &quoteflow.Event{
			ID:          quoteflow.NewEventID(),
			ExecutionID: job.ExecutionID,
			StageTaskID: task.ID,
			EventType:   quoteflow.EventExecutionFailed,
			Data:        map[string]any{"stage": job.Stage, "error": action.Error},
			CreatedAt:   now,
		}
	}

	err := e.store.CompareAndUpdateExecution(ctx, execution, job.Stage, expect)
	if err != nil {
		if quoteflow.IsConflict(err) || quoteflow.IsNotFound(err) {
			logger.Debug("transition superseded, dropping", "error", err)
			return nil
		}
		return err
	}
	if event != nil {
		if err := e.store.AppendEvent(ctx, event); err != nil {
			return err
		}
	}

	switch action.Type {
	case quoteflow.NextContinue, quoteflow.NextSkip:
		if err := e.dispatcher.Enqueue(ctx, dispatch.NewJob(job.ExecutionID, action.NextStage)); err != nil {
			return err
		}
		logger.Info("stage advanced", "next_stage", action.NextStage, "skipped", action.Type == quoteflow.NextSkip)
	case quoteflow.NextAwaitHuman:
		logger.Info("execution awaiting human input", "reason", action.Reason)
	case quoteflow.NextComplete:
		logger.Info("execution completed")
	case quoteflow.NextFail:
		logger.Warn("execution failed by stage decision", "error", action.Error)
	}
	return nil
}

// failExhausted moves an execution to failed after its stage job used
// up the retry schedule. A cancel that won the race in the meantime
// makes this a no-op.
func (e *Engine) failExhausted(ctx context.Context, job dispatch.Job, cause error) {
	logger := e.logger.With("execution_id", job.ExecutionID, "stage", job.Stage)

	execution, err := e.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		logger.Error("failed to load execution after retry exhaustion", "error", err)
		return
	}

	now := time.Now()
	execution.Status = quoteflow.ExecutionStatusFailed
	execution.UpdatedAt = now
	execution.CompletedAt = &now
	if execution.Metadata == nil {
		execution.Metadata = map[string]any{}
	}
	execution.Metadata[quoteflow.MetaError] = cause.Error()
	err = e.store.CompareAndUpdateExecution(ctx, execution, job.Stage,
		[]quoteflow.ExecutionStatus{
			quoteflow.ExecutionStatusPending,
			quoteflow.ExecutionStatusProcessing,
		})
	if err != nil {
		if quoteflow.IsConflict(err) || quoteflow.IsNotFound(err) {
			logger.Debug("exhaustion superseded, dropping", "error", err)
			return
		}
		logger.Error("failed to mark execution failed", "error", err)
		return
	}
	if err := e.store.AppendEvent(ctx, &quoteflow.Event{
		ID:          quoteflow.NewEventID(),
		ExecutionID: job.ExecutionID,
		EventType:   quoteflow.EventExecutionFailed,
		Data: map[string]any{
			"stage":   job.Stage,
			"attempt": job.Attempt,
			"error":   cause.Error(),
		},
		CreatedAt: now,
	}); err != nil {
		logger.Error("failed to append failure event", "error", err)
	}
	logger.Warn("execution failed after exhausting retries", "error", cause)
}
