package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quoteflow/quoteflow"
)

var _ Store = &MemoryStore{}

// MemoryStore is an in-memory Store used in tests and single-process
// setups. All reads and writes copy structured data so callers never
// share maps with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*quoteflow.Execution
	tasks       map[string]*quoteflow.StageTask
	taskOrder   []string
	events      []*quoteflow.Event
	snapshots   []*quoteflow.Snapshot
	eventSeq    int64
	snapshotSeq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*quoteflow.Execution),
		tasks:      make(map[string]*quoteflow.StageTask),
	}
}

func copyExecution(e *quoteflow.Execution) *quoteflow.Execution {
	out := *e
	out.Input = quoteflow.CopyMap(e.Input)
	out.Metadata = quoteflow.CopyMap(e.Metadata)
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

func copyTask(t *quoteflow.StageTask) *quoteflow.StageTask {
	out := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

func copyEvent(e *quoteflow.Event) *quoteflow.Event {
	out := *e
	out.Data = quoteflow.CopyMap(e.Data)
	return &out
}

func copySnapshot(s *quoteflow.Snapshot) *quoteflow.Snapshot {
	out := *s
	out.Data = quoteflow.CopyMap(s.Data)
	return &out
}

func (m *MemoryStore) CreateExecution(ctx context.Context, e *quoteflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		return fmt.Errorf("execution id is required: %w", quoteflow.ErrValidation)
	}
	if _, exists := m.executions[e.ID]; exists {
		return fmt.Errorf("execution %s already exists: %w", e.ID, quoteflow.ErrConflict)
	}
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*quoteflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, quoteflow.ErrNotFound)
	}
	return copyExecution(e), nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, e *quoteflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateExecutionLocked(e)
}

func (m *MemoryStore) updateExecutionLocked(e *quoteflow.Execution) error {
	stored, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, quoteflow.ErrNotFound)
	}
	stored.Status = e.Status
	stored.CurrentStage = e.CurrentStage
	stored.Metadata = quoteflow.CopyMap(e.Metadata)
	stored.UpdatedAt = e.UpdatedAt
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		stored.CompletedAt = &at
	} else {
		stored.CompletedAt = nil
	}
	return nil
}

func (m *MemoryStore) CompareAndUpdateExecution(ctx context.Context, e *quoteflow.Execution, expectStage string, expectStatus []quoteflow.ExecutionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, quoteflow.ErrNotFound)
	}
	if expectStage != "" && stored.CurrentStage != expectStage {
		return fmt.Errorf("execution %s stage is %s, expected %s: %w",
			e.ID, stored.CurrentStage, expectStage, quoteflow.ErrConflict)
	}
	matched := false
	for _, status := range expectStatus {
		if stored.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("execution %s status is %s: %w", e.ID, stored.Status, quoteflow.ErrConflict)
	}
	return m.updateExecutionLocked(e)
}

func (m *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[id]; !ok {
		return fmt.Errorf("execution %s: %w", id, quoteflow.ErrNotFound)
	}
	delete(m.executions, id)

	// Cascade: drop owned tasks, events and snapshots.
	order := m.taskOrder[:0]
	for _, taskID := range m.taskOrder {
		if t, ok := m.tasks[taskID]; ok && t.ExecutionID == id {
			delete(m.tasks, taskID)
			continue
		}
		order = append(order, taskID)
	}
	m.taskOrder = order

	events := m.events[:0]
	for _, e := range m.events {
		if e.ExecutionID != id {
			events = append(events, e)
		}
	}
	m.events = events

	snapshots := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.ExecutionID != id {
			snapshots = append(snapshots, s)
		}
	}
	m.snapshots = snapshots
	return nil
}

func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*quoteflow.Execution, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", quoteflow.ErrValidation)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*quoteflow.Execution
	for _, e := range m.executions {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		matched = append(matched, copyExecution(e))
	}
	// Most recently created first.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) CreateStageTask(ctx context.Context, t *quoteflow.StageTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[t.ExecutionID]; !ok {
		return fmt.Errorf("execution %s: %w", t.ExecutionID, quoteflow.ErrNotFound)
	}
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("stage task %s already exists: %w", t.ID, quoteflow.ErrConflict)
	}
	m.tasks[t.ID] = copyTask(t)
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *MemoryStore) UpdateStageTask(ctx context.Context, t *quoteflow.StageTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("stage task %s: %w", t.ID, quoteflow.ErrNotFound)
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryStore) ListStageTasks(ctx context.Context, executionID string) ([]*quoteflow.StageTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []*quoteflow.StageTask
	for _, taskID := range m.taskOrder {
		if t, ok := m.tasks[taskID]; ok && t.ExecutionID == executionID {
			tasks = append(tasks, copyTask(t))
		}
	}
	return tasks, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *quoteflow.Event) error {
	return m.AppendEvents(ctx, []*quoteflow.Event{e})
}

func (m *MemoryStore) AppendEvents(ctx context.Context, events []*quoteflow.Event) error {
	if len(events) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid event at index %d: %v: %w", i, err, quoteflow.ErrValidation)
		}
	}
	for _, e := range events {
		m.eventSeq++
		e.Seq = m.eventSeq
		m.events = append(m.events, copyEvent(e))
	}
	return nil
}

func (m *MemoryStore) listEvents(match func(*quoteflow.Event) bool) []*quoteflow.Event {
	var out []*quoteflow.Event
	for _, e := range m.events {
		if match(e) {
			out = append(out, copyEvent(e))
		}
	}
	return out
}

func (m *MemoryStore) ListEvents(ctx context.Context, executionID string) ([]*quoteflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEvents(func(e *quoteflow.Event) bool {
		return e.ExecutionID == executionID
	}), nil
}

func (m *MemoryStore) ListEventsByType(ctx context.Context, executionID string, t quoteflow.EventType) ([]*quoteflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEvents(func(e *quoteflow.Event) bool {
		return e.ExecutionID == executionID && e.EventType == t
	}), nil
}

func (m *MemoryStore) ListEventsByStageTask(ctx context.Context, stageTaskID string) ([]*quoteflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEvents(func(e *quoteflow.Event) bool {
		return e.StageTaskID == stageTaskID
	}), nil
}

func (m *MemoryStore) ListEventsInRange(ctx context.Context, executionID string, from, to time.Time) ([]*quoteflow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEvents(func(e *quoteflow.Event) bool {
		return e.ExecutionID == executionID &&
			!e.CreatedAt.Before(from) && e.CreatedAt.Before(to)
	}), nil
}

func (m *MemoryStore) CountEventsByType(ctx context.Context, executionID string) (map[quoteflow.EventType]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[quoteflow.EventType]int64)
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			counts[e.EventType]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, s *quoteflow.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.executions[s.ExecutionID]; !ok {
		return fmt.Errorf("execution %s: %w", s.ExecutionID, quoteflow.ErrNotFound)
	}
	m.snapshotSeq++
	s.Seq = m.snapshotSeq
	m.snapshots = append(m.snapshots, copySnapshot(s))
	return nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, executionID string) (*quoteflow.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].ExecutionID == executionID {
			return copySnapshot(m.snapshots[i]), nil
		}
	}
	return nil, fmt.Errorf("no snapshot for execution %s: %w", executionID, quoteflow.ErrNotFound)
}

func (m *MemoryStore) LatestSnapshotByStage(ctx context.Context, executionID, stageName string, typ quoteflow.SnapshotType) (*quoteflow.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.ExecutionID == executionID && s.StageName == stageName && s.Type == typ {
			return copySnapshot(s), nil
		}
	}
	return nil, fmt.Errorf("no %s snapshot for execution %s stage %s: %w",
		typ, executionID, stageName, quoteflow.ErrNotFound)
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, executionID string) ([]*quoteflow.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*quoteflow.Snapshot
	for _, s := range m.snapshots {
		if s.ExecutionID == executionID {
			out = append(out, copySnapshot(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
