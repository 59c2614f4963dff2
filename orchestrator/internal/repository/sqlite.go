package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			parent_run_id TEXT,
			idempotency_key TEXT,
			queued_stages TEXT NOT NULL,
			stage_models TEXT NOT NULL,
			stage_states TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			errored INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idempotency_key TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			task_id TEXT,
			ts INTEGER NOT NULL,
			payload TEXT,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS file_records (
			run_id TEXT NOT NULL,
			path TEXT NOT NULL,
			operation TEXT NOT NULL,
			diff TEXT,
			lines_added INTEGER NOT NULL DEFAULT 0,
			lines_removed INTEGER NOT NULL DEFAULT 0,
			summary TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, path),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first schema (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("runs", "progress", "ALTER TABLE runs ADD COLUMN progress TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("runs", "archived_at", "ALTER TABLE runs ADD COLUMN archived_at DATETIME"); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_archived ON runs(archived_at)`); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}

// CreateRun inserts a run and binds its idempotency key in one transaction.
// It returns ErrDuplicateKey when the key is already bound.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, task_id, parent_run_id, idempotency_key, queued_stages, stage_models, stage_states,
			current_stage, completed, errored, error_message, progress, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TaskID, nullString(run.ParentRunID), nullString(run.IdempotencyKey),
		cols.queued, cols.models, cols.states, string(run.CurrentStage), run.Completed, run.Errored,
		nullString(run.ErrorMessage), cols.progress, run.CreatedAt, run.UpdatedAt, nullTime(run.ArchivedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if run.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (idempotency_key, run_id, created_at) VALUES (?, ?, ?)`,
			run.IdempotencyKey, run.RunID, run.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("failed to bind idempotency key: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRun persists the mutable columns of a run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	cols, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stage_states = ?, current_stage = ?, completed = ?, errored = ?, error_message = ?,
			progress = ?, updated_at = ?, archived_at = ? WHERE run_id = ?`,
		cols.states, string(run.CurrentStage), run.Completed, run.Errored, nullString(run.ErrorMessage),
		cols.progress, run.UpdatedAt, nullTime(run.ArchivedAt), run.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", run.RunID)
	}
	return nil
}

// ListUnfinishedRuns returns runs that never reached a terminal state.
func (s *SQLiteStore) ListUnfinishedRuns(ctx context.Context) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE completed = 0 AND errored = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FindRunByIdempotencyKey returns the run bound to key no earlier than
// notBefore, or "" when the key is free.
func (s *SQLiteStore) FindRunByIdempotencyKey(ctx context.Context, key string, notBefore time.Time) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM idempotency_keys WHERE idempotency_key = ? AND created_at >= ?`,
		key, notBefore).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return runID, err
}

// DeleteIdempotencyKeysBefore releases keys bound before the cutoff.
func (s *SQLiteStore) DeleteIdempotencyKeysBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateEvent records an event. It returns ErrDuplicateSeq when the run
// already has an event with the same sequence.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *protocol.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, task_id, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Seq, string(event.Type), event.TaskID, event.Timestamp.UnixNano(), payload)
	if isUniqueViolation(err) {
		return ErrDuplicateSeq
	}
	return err
}

// GetEvents returns events of a run with seq greater than afterSeq in
// sequence order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*protocol.Event, error) {
	query := `SELECT run_id, seq, type, task_id, ts, payload FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*protocol.Event
	for rows.Next() {
		var (
			evt     protocol.Event
			evtType string
			taskID  sql.NullString
			ts      int64
			payload sql.NullString
		)
		if err := rows.Scan(&evt.RunID, &evt.Seq, &evtType, &taskID, &ts, &payload); err != nil {
			return nil, err
		}
		evt.Type = protocol.EventType(evtType)
		evt.TaskID = taskID.String
		evt.Timestamp = time.Unix(0, ts).UTC()
		if payload.Valid && payload.String != "" {
			evt.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// MaxSeq returns the highest recorded sequence for a run, or 0.
func (s *SQLiteStore) MaxSeq(ctx context.Context, runID string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// PruneEvents deletes the events of runs archived before the cutoff and
// returns the affected run ids with the number of deleted rows.
func (s *SQLiteStore) PruneEvents(ctx context.Context, archivedBefore time.Time) ([]string, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT e.run_id FROM events e JOIN runs r ON r.run_id = e.run_id
		WHERE r.archived_at IS NOT NULL AND r.archived_at < ?`, archivedBefore)
	if err != nil {
		return nil, 0, err
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, err
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(runIDs) == 0 {
		return nil, 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE run_id IN (SELECT run_id FROM runs WHERE archived_at IS NOT NULL AND archived_at < ?)`,
		archivedBefore)
	if err != nil {
		return nil, 0, err
	}
	n, _ := res.RowsAffected()
	return runIDs, n, nil
}

// UpsertFileRecord stores the latest record for a path within a run.
func (s *SQLiteStore) UpsertFileRecord(ctx context.Context, runID string, rec protocol.FileRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_records (run_id, path, operation, diff, lines_added, lines_removed, summary, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, path) DO UPDATE SET
			operation = excluded.operation,
			diff = excluded.diff,
			lines_added = excluded.lines_added,
			lines_removed = excluded.lines_removed,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		runID, rec.Path, rec.Operation, nullString(rec.Diff), rec.LinesAdded, rec.LinesRemoved,
		nullString(rec.Summary), rec.UpdatedAt)
	return err
}

// UpdateFileSummary attaches a summary to an existing record.
func (s *SQLiteStore) UpdateFileSummary(ctx context.Context, runID, path, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET summary = ? WHERE run_id = ? AND path = ?`,
		summary, runID, path)
	return err
}

// ListFileRecords returns every tracked file of a run ordered by path.
func (s *SQLiteStore) ListFileRecords(ctx context.Context, runID string) ([]protocol.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, operation, diff, lines_added, lines_removed, summary, updated_at
		FROM file_records WHERE run_id = ? ORDER BY path ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []protocol.FileRecord{}
	for rows.Next() {
		var rec protocol.FileRecord
		var diff, summary sql.NullString
		if err := rows.Scan(&rec.Path, &rec.Operation, &diff, &rec.LinesAdded, &rec.LinesRemoved, &summary, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Diff = diff.String
		rec.Summary = summary.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

const runColumns = `run_id, task_id, parent_run_id, idempotency_key, queued_stages, stage_models, stage_states,
	current_stage, completed, errored, error_message, progress, created_at, updated_at, archived_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run                                   domain.Run
		parentRunID, idemKey, errMsg, progress sql.NullString
		queued, models, states, current       string
		archivedAt                            sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.TaskID, &parentRunID, &idemKey, &queued, &models, &states,
		&current, &run.Completed, &run.Errored, &errMsg, &progress, &run.CreatedAt, &run.UpdatedAt, &archivedAt)
	if err != nil {
		return nil, err
	}

	run.ParentRunID = parentRunID.String
	run.IdempotencyKey = idemKey.String
	run.ErrorMessage = errMsg.String
	run.CurrentStage = domain.Stage(current)
	if archivedAt.Valid {
		t := archivedAt.Time
		run.ArchivedAt = &t
	}
	if err := json.Unmarshal([]byte(queued), &run.QueuedStages); err != nil {
		return nil, fmt.Errorf("failed to decode queued_stages: %w", err)
	}
	if err := json.Unmarshal([]byte(models), &run.StageModels); err != nil {
		return nil, fmt.Errorf("failed to decode stage_models: %w", err)
	}
	if err := json.Unmarshal([]byte(states), &run.StageStates); err != nil {
		return nil, fmt.Errorf("failed to decode stage_states: %w", err)
	}
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &run.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
	}
	return &run, nil
}

type runColumnsJSON struct {
	queued, models, states, progress string
}

func encodeRun(run *domain.Run) (runColumnsJSON, error) {
	var cols runColumnsJSON
	parts := []struct {
		dst *string
		v   interface{}
	}{
		{&cols.queued, run.QueuedStages},
		{&cols.models, run.StageModels},
		{&cols.states, run.StageStates},
		{&cols.progress, run.Progress},
	}
	for _, p := range parts {
		data, err := json.Marshal(p.v)
		if err != nil {
			return cols, fmt.Errorf("failed to encode run: %w", err)
		}
		*p.dst = string(data)
	}
	return cols, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
