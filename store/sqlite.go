package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quoteflow/quoteflow"
)

var _ Store = &SQLiteStore{}

// SQLiteStore implements Store on a SQLite database. Events and
// snapshots use AUTOINCREMENT sequence columns so insertion order is
// durable and never depends on wall-clock resolution.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	mutex   sync.RWMutex
	options SQLiteOptions
}

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	QueryTimeout      time.Duration // Timeout for database queries
	PragmaJournalMode string        // WAL mode for better concurrent performance
	PragmaSyncMode    string        // Synchronization mode
	MaxConnections    int           // Maximum number of connections in pool
}

// DefaultSQLiteOptions returns sensible defaults.
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{
		QueryTimeout:      30 * time.Second,
		PragmaJournalMode: "WAL",
		PragmaSyncMode:    "NORMAL",
		MaxConnections:    10,
	}
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store.
func NewSQLiteStore(dbPath string, options SQLiteOptions) (*SQLiteStore, error) {
	if options.QueryTimeout == 0 {
		options = DefaultSQLiteOptions()
	}
	s := &SQLiteStore{
		dbPath:  dbPath,
		options: options,
	}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	var err error

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000",
		s.dbPath, s.options.PragmaJournalMode, s.options.PragmaSyncMode)

	s.db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	s.db.SetMaxOpenConns(s.options.MaxConnections)
	s.db.SetMaxIdleConns(s.options.MaxConnections / 2)
	s.db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), s.options.QueryTimeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return s.createSchema()
}

func (s *SQLiteStore) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.QueryTimeout)
	defer cancel()

	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		input JSON,
		metadata JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);

	CREATE TABLE IF NOT EXISTS stage_tasks (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		stage_name TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		input_snapshot_id TEXT,
		output_snapshot_id TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		created_seq INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_stage_tasks_execution ON stage_tasks(execution_id);

	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		stage_task_id TEXT,
		event_type TEXT NOT NULL,
		data JSON,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(execution_id, event_type);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(stage_task_id) WHERE stage_task_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(execution_id, created_at);

	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		stage_name TEXT NOT NULL,
		type TEXT NOT NULL,
		data JSON,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_execution ON snapshots(execution_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_stage ON snapshots(execution_id, stage_name, type);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// storageErr tags an infrastructure failure so callers can distinguish
// it from business errors and let the dispatcher retry.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, quoteflow.ErrStorage, err)
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(data sql.NullString) (map[string]any, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *quoteflow.Execution) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	inputJSON, err := marshalJSON(e.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	metadataJSON, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions
		(id, status, current_stage, input, metadata, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Status,
		e.CurrentStage,
		nullableBytes(inputJSON),
		nullableBytes(metadataJSON),
		e.CreatedAt,
		e.UpdatedAt,
		nullableTimePtr(e.CompletedAt),
	)
	if err != nil {
		return storageErr("insert execution", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*quoteflow.Execution, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.getExecution(ctx, id)
}

func (s *SQLiteStore) getExecution(ctx context.Context, id string) (*quoteflow.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, current_stage, input, metadata, created_at, updated_at, completed_at
		FROM executions WHERE id = ?
	`, id)

	e := &quoteflow.Execution{}
	var inputJSON, metadataJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&e.ID, &e.Status, &e.CurrentStage, &inputJSON, &metadataJSON,
		&e.CreatedAt, &e.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, quoteflow.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("scan execution", err)
	}

	if e.Input, err = unmarshalJSON(inputJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if e.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if completedAt.Valid {
		at := completedAt.Time
		e.CompletedAt = &at
	}
	return e, nil
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *quoteflow.Execution) error {
	return s.updateExecutionWhere(ctx, e, "", nil)
}

func (s *SQLiteStore) CompareAndUpdateExecution(ctx context.Context, e *quoteflow.Execution, expectStage string, expectStatus []quoteflow.ExecutionStatus) error {
	return s.updateExecutionWhere(ctx, e, expectStage, expectStatus)
}

func (s *SQLiteStore) updateExecutionWhere(ctx context.Context, e *quoteflow.Execution, expectStage string, expectStatus []quoteflow.ExecutionStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	metadataJSON, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE executions
		SET status = ?, current_stage = ?, metadata = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`
	args := []any{
		e.Status, e.CurrentStage, nullableBytes(metadataJSON), e.UpdatedAt,
		nullableTimePtr(e.CompletedAt), e.ID,
	}
	if expectStage != "" {
		query += " AND current_stage = ?"
		args = append(args, expectStage)
	}
	if len(expectStatus) > 0 {
		placeholders := make([]string, len(expectStatus))
		for i, status := range expectStatus {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("update execution", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("update execution", err)
	}
	if affected == 0 {
		// Distinguish a lost compare-and-swap from a missing row.
		if _, err := s.getExecution(ctx, e.ID); err != nil {
			return err
		}
		return fmt.Errorf("execution %s no longer matches expected stage/status: %w",
			e.ID, quoteflow.ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return storageErr("delete execution", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("delete execution", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %s: %w", id, quoteflow.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*quoteflow.Execution, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %v: %w", err, quoteflow.ErrValidation)
	}

	query := `
		SELECT id, status, current_stage, input, metadata, created_at, updated_at, completed_at
		FROM executions
	`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query executions", err)
	}
	defer rows.Close()

	var executions []*quoteflow.Execution
	for rows.Next() {
		e := &quoteflow.Execution{}
		var inputJSON, metadataJSON sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Status, &e.CurrentStage, &inputJSON, &metadataJSON,
			&e.CreatedAt, &e.UpdatedAt, &completedAt); err != nil {
			return nil, storageErr("scan execution", err)
		}
		if e.Input, err = unmarshalJSON(inputJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
		if e.Metadata, err = unmarshalJSON(metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		if completedAt.Valid {
			at := completedAt.Time
			e.CompletedAt = &at
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return executions, nil
}

func (s *SQLiteStore) CreateStageTask(ctx context.Context, t *quoteflow.StageTask) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_tasks
		(id, execution_id, stage_name, attempt, status, input_snapshot_id, output_snapshot_id,
		 error, duration_ms, input_tokens, output_tokens, cost, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ExecutionID, t.StageName, t.Attempt, t.Status,
		nullableString(t.InputSnapshotID), nullableString(t.OutputSnapshotID),
		nullableString(t.Error), t.DurationMillis,
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.Cost,
		t.StartedAt, nullableTimePtr(t.CompletedAt),
	)
	if err != nil {
		return storageErr("insert stage task", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStageTask(ctx context.Context, t *quoteflow.StageTask) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE stage_tasks
		SET status = ?, input_snapshot_id = ?, output_snapshot_id = ?, error = ?,
		    duration_ms = ?, input_tokens = ?, output_tokens = ?, cost = ?, completed_at = ?
		WHERE id = ?
	`,
		t.Status, nullableString(t.InputSnapshotID), nullableString(t.OutputSnapshotID),
		nullableString(t.Error), t.DurationMillis,
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.Cost,
		nullableTimePtr(t.CompletedAt), t.ID,
	)
	if err != nil {
		return storageErr("update stage task", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("update stage task", err)
	}
	if affected == 0 {
		return fmt.Errorf("stage task %s: %w", t.ID, quoteflow.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListStageTasks(ctx context.Context, executionID string) ([]*quoteflow.StageTask, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, stage_name, attempt, status, input_snapshot_id,
		       output_snapshot_id, error, duration_ms, input_tokens, output_tokens,
		       cost, started_at, completed_at
		FROM stage_tasks
		WHERE execution_id = ?
		ORDER BY rowid ASC
	`, executionID)
	if err != nil {
		return nil, storageErr("query stage tasks", err)
	}
	defer rows.Close()

	var tasks []*quoteflow.StageTask
	for rows.Next() {
		t := &quoteflow.StageTask{}
		var inputSnap, outputSnap, errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.StageName, &t.Attempt, &t.Status,
			&inputSnap, &outputSnap, &errMsg, &t.DurationMillis,
			&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.Cost,
			&t.StartedAt, &completedAt); err != nil {
			return nil, storageErr("scan stage task", err)
		}
		t.InputSnapshotID = inputSnap.String
		t.OutputSnapshotID = outputSnap.String
		t.Error = errMsg.String
		if completedAt.Valid {
			at := completedAt.Time
			t.CompletedAt = &at
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *quoteflow.Event) error {
	return s.AppendEvents(ctx, []*quoteflow.Event{e})
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []*quoteflow.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, execution_id, stage_task_id, event_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageErr("prepare statement", err)
	}
	defer stmt.Close()

	for i, event := range events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid event at index %d: %v: %w", i, err, quoteflow.ErrValidation)
		}
		dataJSON, err := marshalJSON(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data at index %d: %w", i, err)
		}
		result, err := stmt.ExecContext(ctx,
			event.ID,
			event.ExecutionID,
			nullableString(event.StageTaskID),
			event.EventType,
			nullableBytes(dataJSON),
			event.CreatedAt,
		)
		if err != nil {
			return storageErr(fmt.Sprintf("insert event at index %d", i), err)
		}
		if seq, err := result.LastInsertId(); err == nil {
			event.Seq = seq
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

const eventColumns = "seq, id, execution_id, stage_task_id, event_type, data, created_at"

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*quoteflow.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	defer rows.Close()

	var events []*quoteflow.Event
	for rows.Next() {
		e := &quoteflow.Event{}
		var stageTaskID, dataJSON sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.ExecutionID, &stageTaskID,
			&e.EventType, &dataJSON, &e.CreatedAt); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.StageTaskID = stageTaskID.String
		if e.Data, err = unmarshalJSON(dataJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return events, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string) ([]*quoteflow.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE execution_id = ? ORDER BY seq ASC",
		executionID)
}

func (s *SQLiteStore) ListEventsByType(ctx context.Context, executionID string, t quoteflow.EventType) ([]*quoteflow.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE execution_id = ? AND event_type = ? ORDER BY seq ASC",
		executionID, t)
}

func (s *SQLiteStore) ListEventsByStageTask(ctx context.Context, stageTaskID string) ([]*quoteflow.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE stage_task_id = ? ORDER BY seq ASC",
		stageTaskID)
}

func (s *SQLiteStore) ListEventsInRange(ctx context.Context, executionID string, from, to time.Time) ([]*quoteflow.Event, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE execution_id = ? AND created_at >= ? AND created_at < ? ORDER BY seq ASC",
		executionID, from, to)
}

func (s *SQLiteStore) CountEventsByType(ctx context.Context, executionID string) (map[quoteflow.EventType]int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) FROM events WHERE execution_id = ? GROUP BY event_type
	`, executionID)
	if err != nil {
		return nil, storageErr("count events", err)
	}
	defer rows.Close()

	counts := make(map[quoteflow.EventType]int64)
	for rows.Next() {
		var eventType quoteflow.EventType
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, storageErr("scan count", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return counts, nil
}

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *quoteflow.Snapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	dataJSON, err := marshalJSON(snap.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot data: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, execution_id, stage_name, type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.ExecutionID, snap.StageName, snap.Type, nullableBytes(dataJSON), snap.CreatedAt)
	if err != nil {
		return storageErr("insert snapshot", err)
	}
	if seq, err := result.LastInsertId(); err == nil {
		snap.Seq = seq
	}
	return nil
}

const snapshotColumns = "seq, id, execution_id, stage_name, type, data, created_at"

func (s *SQLiteStore) scanSnapshotRow(row *sql.Row, notFound error) (*quoteflow.Snapshot, error) {
	snap := &quoteflow.Snapshot{}
	var dataJSON sql.NullString
	err := row.Scan(&snap.Seq, &snap.ID, &snap.ExecutionID, &snap.StageName,
		&snap.Type, &dataJSON, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound
	}
	if err != nil {
		return nil, storageErr("scan snapshot", err)
	}
	if snap.Data, err = unmarshalJSON(dataJSON); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, executionID string) (*quoteflow.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE execution_id = ? ORDER BY seq DESC LIMIT 1",
		executionID)
	return s.scanSnapshotRow(row,
		fmt.Errorf("no snapshot for execution %s: %w", executionID, quoteflow.ErrNotFound))
}

func (s *SQLiteStore) LatestSnapshotByStage(ctx context.Context, executionID, stageName string, typ quoteflow.SnapshotType) (*quoteflow.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE execution_id = ? AND stage_name = ? AND type = ? ORDER BY seq DESC LIMIT 1",
		executionID, stageName, typ)
	return s.scanSnapshotRow(row,
		fmt.Errorf("no %s snapshot for execution %s stage %s: %w",
			typ, executionID, stageName, quoteflow.ErrNotFound))
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, executionID string) ([]*quoteflow.Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE execution_id = ? ORDER BY seq ASC",
		executionID)
	if err != nil {
		return nil, storageErr("query snapshots", err)
	}
	defer rows.Close()

	var snapshots []*quoteflow.Snapshot
	for rows.Next() {
		snap := &quoteflow.Snapshot{}
		var dataJSON sql.NullString
		if err := rows.Scan(&snap.Seq, &snap.ID, &snap.ExecutionID, &snap.StageName,
			&snap.Type, &dataJSON, &snap.CreatedAt); err != nil {
			return nil, storageErr("scan snapshot", err)
		}
		if snap.Data, err = unmarshalJSON(dataJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("rows", err)
	}
	return snapshots, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Helper functions for nullable database values

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
