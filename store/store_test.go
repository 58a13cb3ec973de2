package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quoteflow/quoteflow"
)

// withStores runs a test against both backends.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "quoteflow_test.db")
		s, err := NewSQLiteStore(path, DefaultSQLiteOptions())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func newTestExecution() *quoteflow.Execution {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &quoteflow.Execution{
		ID:           quoteflow.NewExecutionID(),
		Status:       quoteflow.ExecutionStatusPending,
		CurrentStage: "intake",
		Input:        map[string]any{"request_text": "2 x widget"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_ExecutionLifecycle(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()

		require.NoError(t, s.CreateExecution(ctx, execution))

		loaded, err := s.GetExecution(ctx, execution.ID)
		require.NoError(t, err)
		require.Equal(t, execution.ID, loaded.ID)
		require.Equal(t, quoteflow.ExecutionStatusPending, loaded.Status)
		require.Equal(t, "intake", loaded.CurrentStage)
		require.Equal(t, "2 x widget", loaded.Input["request_text"])
		require.Nil(t, loaded.CompletedAt)

		loaded.Status = quoteflow.ExecutionStatusProcessing
		loaded.UpdatedAt = time.Now().UTC()
		require.NoError(t, s.UpdateExecution(ctx, loaded))

		reloaded, err := s.GetExecution(ctx, execution.ID)
		require.NoError(t, err)
		require.Equal(t, quoteflow.ExecutionStatusProcessing, reloaded.Status)
	})
}

func TestStore_GetExecutionNotFound(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		_, err := s.GetExecution(context.Background(), "exec_missing")
		require.ErrorIs(t, err, quoteflow.ErrNotFound)
	})
}

func TestStore_CompareAndUpdate(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		// matching stage and status succeeds
		execution.Status = quoteflow.ExecutionStatusProcessing
		err := s.CompareAndUpdateExecution(ctx, execution, "intake",
			[]quoteflow.ExecutionStatus{quoteflow.ExecutionStatusPending})
		require.NoError(t, err)

		// stale status expectation loses
		execution.Status = quoteflow.ExecutionStatusCompleted
		err = s.CompareAndUpdateExecution(ctx, execution, "intake",
			[]quoteflow.ExecutionStatus{quoteflow.ExecutionStatusPending})
		require.ErrorIs(t, err, quoteflow.ErrConflict)

		// the conflicting write left no trace
		loaded, err := s.GetExecution(ctx, execution.ID)
		require.NoError(t, err)
		require.Equal(t, quoteflow.ExecutionStatusProcessing, loaded.Status)

		// stale stage expectation loses
		loaded.CurrentStage = "pricing"
		err = s.CompareAndUpdateExecution(ctx, loaded, "extraction",
			[]quoteflow.ExecutionStatus{quoteflow.ExecutionStatusProcessing})
		require.ErrorIs(t, err, quoteflow.ErrConflict)

		// empty expectStage skips the stage check
		loaded.CurrentStage = "intake"
		loaded.Status = quoteflow.ExecutionStatusCancelled
		err = s.CompareAndUpdateExecution(ctx, loaded, "",
			[]quoteflow.ExecutionStatus{quoteflow.ExecutionStatusProcessing})
		require.NoError(t, err)

		// missing row reports not found, not conflict
		ghost := newTestExecution()
		err = s.CompareAndUpdateExecution(ctx, ghost, "",
			[]quoteflow.ExecutionStatus{quoteflow.ExecutionStatusPending})
		require.ErrorIs(t, err, quoteflow.ErrNotFound)
	})
}

func TestStore_ListExecutions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			execution := newTestExecution()
			execution.CreatedAt = execution.CreatedAt.Add(time.Duration(i) * time.Second)
			if i == 2 {
				execution.Status = quoteflow.ExecutionStatusCompleted
			}
			require.NoError(t, s.CreateExecution(ctx, execution))
		}

		all, err := s.ListExecutions(ctx, ExecutionFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		// newest first
		require.True(t, all[0].CreatedAt.After(all[2].CreatedAt))

		pending, err := s.ListExecutions(ctx, ExecutionFilter{Status: quoteflow.ExecutionStatusPending})
		require.NoError(t, err)
		require.Len(t, pending, 2)

		limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)

		_, err = s.ListExecutions(ctx, ExecutionFilter{Limit: -1})
		require.Error(t, err)
	})
}

func TestStore_StageTasks(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		task := &quoteflow.StageTask{
			ID:          quoteflow.NewTaskID(),
			ExecutionID: execution.ID,
			StageName:   "intake",
			Attempt:     1,
			Status:      quoteflow.TaskStatusProcessing,
			StartedAt:   time.Now().UTC(),
		}
		require.NoError(t, s.CreateStageTask(ctx, task))

		now := time.Now().UTC()
		task.Status = quoteflow.TaskStatusCompleted
		task.OutputSnapshotID = "snap_1"
		task.DurationMillis = 42
		task.Usage = quoteflow.Usage{InputTokens: 100, OutputTokens: 20, Cost: 0.003}
		task.CompletedAt = &now
		require.NoError(t, s.UpdateStageTask(ctx, task))

		tasks, err := s.ListStageTasks(ctx, execution.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		require.Equal(t, quoteflow.TaskStatusCompleted, tasks[0].Status)
		require.Equal(t, "snap_1", tasks[0].OutputSnapshotID)
		require.Equal(t, int64(42), tasks[0].DurationMillis)
		require.Equal(t, 100, tasks[0].Usage.InputTokens)
		require.NotNil(t, tasks[0].CompletedAt)

		ghost := &quoteflow.StageTask{ID: "task_missing", ExecutionID: execution.ID}
		require.ErrorIs(t, s.UpdateStageTask(ctx, ghost), quoteflow.ErrNotFound)
	})
}

func TestStore_EventsAppendOnlyOrdering(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		// identical timestamps: ordering must come from insertion order
		now := time.Now().UTC().Truncate(time.Second)
		types := []quoteflow.EventType{
			quoteflow.EventExecutionCreated,
			quoteflow.EventStageStarted,
			quoteflow.EventStageCompleted,
		}
		var batch []*quoteflow.Event
		for _, eventType := range types {
			batch = append(batch, &quoteflow.Event{
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				EventType:   eventType,
				Data:        map[string]any{"stage": "intake"},
				CreatedAt:   now,
			})
		}
		require.NoError(t, s.AppendEvents(ctx, batch))

		events, err := s.ListEvents(ctx, execution.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, event := range events {
			require.Equal(t, types[i], event.EventType)
			if i > 0 {
				require.Greater(t, event.Seq, events[i-1].Seq)
			}
		}
	})
}

func TestStore_AppendEventsRejectsInvalid(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		err := s.AppendEvents(ctx, []*quoteflow.Event{
			{
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				EventType:   quoteflow.EventStageStarted,
				CreatedAt:   time.Now(),
			},
			{
				// missing event type
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				CreatedAt:   time.Now(),
			},
		})
		require.Error(t, err)

		// the batch is atomic: nothing landed
		events, listErr := s.ListEvents(ctx, execution.ID)
		require.NoError(t, listErr)
		require.Empty(t, events)
	})
}

func TestStore_EventQueries(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
		events := []*quoteflow.Event{
			{
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				EventType:   quoteflow.EventExecutionCreated,
				CreatedAt:   base,
			},
			{
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				StageTaskID: "task_1",
				EventType:   quoteflow.EventStageStarted,
				CreatedAt:   base.Add(time.Minute),
			},
			{
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				StageTaskID: "task_1",
				EventType:   quoteflow.EventStageCompleted,
				CreatedAt:   base.Add(2 * time.Minute),
			},
			{
				ID:          quoteflow.NewEventID(),
				ExecutionID: execution.ID,
				StageTaskID: "task_2",
				EventType:   quoteflow.EventStageStarted,
				CreatedAt:   base.Add(3 * time.Minute),
			},
		}
		require.NoError(t, s.AppendEvents(ctx, events))

		started, err := s.ListEventsByType(ctx, execution.ID, quoteflow.EventStageStarted)
		require.NoError(t, err)
		require.Len(t, started, 2)

		byTask, err := s.ListEventsByStageTask(ctx, "task_1")
		require.NoError(t, err)
		require.Len(t, byTask, 2)

		// [from, to) excludes the upper bound
		inRange, err := s.ListEventsInRange(ctx, execution.ID,
			base.Add(time.Minute), base.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, inRange, 2)

		counts, err := s.CountEventsByType(ctx, execution.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2), counts[quoteflow.EventStageStarted])
		require.Equal(t, int64(1), counts[quoteflow.EventExecutionCreated])
		require.Equal(t, int64(1), counts[quoteflow.EventStageCompleted])
	})
}

func TestStore_Snapshots(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		_, err := s.LatestSnapshot(ctx, execution.ID)
		require.ErrorIs(t, err, quoteflow.ErrNotFound)

		now := time.Now().UTC().Truncate(time.Second)
		first := &quoteflow.Snapshot{
			ID:          quoteflow.NewSnapshotID(),
			ExecutionID: execution.ID,
			StageName:   "intake",
			Type:        quoteflow.SnapshotTypeInput,
			Data:        map[string]any{},
			CreatedAt:   now,
		}
		require.NoError(t, s.CreateSnapshot(ctx, first))

		second := &quoteflow.Snapshot{
			ID:          quoteflow.NewSnapshotID(),
			ExecutionID: execution.ID,
			StageName:   "intake",
			Type:        quoteflow.SnapshotTypeOutput,
			Data:        map[string]any{"customer_id": "cust-1"},
			CreatedAt:   now, // same timestamp: insertion order must win
		}
		require.NoError(t, s.CreateSnapshot(ctx, second))
		require.Greater(t, second.Seq, first.Seq)

		latest, err := s.LatestSnapshot(ctx, execution.ID)
		require.NoError(t, err)
		require.Equal(t, second.ID, latest.ID)
		require.Equal(t, "cust-1", latest.Data["customer_id"])

		byStage, err := s.LatestSnapshotByStage(ctx, execution.ID, "intake", quoteflow.SnapshotTypeInput)
		require.NoError(t, err)
		require.Equal(t, first.ID, byStage.ID)

		_, err = s.LatestSnapshotByStage(ctx, execution.ID, "pricing", quoteflow.SnapshotTypeInput)
		require.ErrorIs(t, err, quoteflow.ErrNotFound)

		all, err := s.ListSnapshots(ctx, execution.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, first.ID, all[0].ID)
	})
}

func TestStore_DeleteCascades(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		require.NoError(t, s.CreateExecution(ctx, execution))

		task := &quoteflow.StageTask{
			ID:          quoteflow.NewTaskID(),
			ExecutionID: execution.ID,
			StageName:   "intake",
			Attempt:     1,
			Status:      quoteflow.TaskStatusProcessing,
			StartedAt:   time.Now().UTC(),
		}
		require.NoError(t, s.CreateStageTask(ctx, task))
		require.NoError(t, s.AppendEvent(ctx, &quoteflow.Event{
			ID:          quoteflow.NewEventID(),
			ExecutionID: execution.ID,
			EventType:   quoteflow.EventExecutionCreated,
			CreatedAt:   time.Now().UTC(),
		}))
		require.NoError(t, s.CreateSnapshot(ctx, &quoteflow.Snapshot{
			ID:          quoteflow.NewSnapshotID(),
			ExecutionID: execution.ID,
			StageName:   "intake",
			Type:        quoteflow.SnapshotTypeInput,
			Data:        map[string]any{},
			CreatedAt:   time.Now().UTC(),
		}))

		require.NoError(t, s.DeleteExecution(ctx, execution.ID))

		_, err := s.GetExecution(ctx, execution.ID)
		require.ErrorIs(t, err, quoteflow.ErrNotFound)

		tasks, err := s.ListStageTasks(ctx, execution.ID)
		require.NoError(t, err)
		require.Empty(t, tasks)

		events, err := s.ListEvents(ctx, execution.ID)
		require.NoError(t, err)
		require.Empty(t, events)

		snapshots, err := s.ListSnapshots(ctx, execution.ID)
		require.NoError(t, err)
		require.Empty(t, snapshots)

		require.ErrorIs(t, s.DeleteExecution(ctx, execution.ID), quoteflow.ErrNotFound)
	})
}

func TestStore_MetadataRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		execution := newTestExecution()
		execution.Metadata = map[string]any{
			quoteflow.MetaAwaitingReason: "customer unknown",
		}
		require.NoError(t, s.CreateExecution(ctx, execution))

		loaded, err := s.GetExecution(ctx, execution.ID)
		require.NoError(t, err)
		require.Equal(t, "customer unknown", loaded.Metadata[quoteflow.MetaAwaitingReason])

		delete(loaded.Metadata, quoteflow.MetaAwaitingReason)
		require.NoError(t, s.UpdateExecution(ctx, loaded))

		reloaded, err := s.GetExecution(ctx, execution.ID)
		require.NoError(t, err)
		_, ok := reloaded.Metadata[quoteflow.MetaAwaitingReason]
		require.False(t, ok)
	})
}
