package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomworks/blueprint/pkg/schema"
)

// LibSQLStore persists runs, events, step records and approvals in a
// libsql (SQLite-compatible) database.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens the database at path and tunes it for a single
// embedded writer. Use "file:..." URLs; ":memory:" works for tests.
func NewLibSQLStore(path string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open database: %s", err).WithCause(err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		// The libsql driver rejects Exec for statements that return
		// rows, and some PRAGMAs (e.g. journal_mode) do.
		rows, err := db.Query(pragma)
		if err != nil {
			db.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "%s: %s", pragma, err).WithCause(err)
		}
		rows.Close()
	}

	// Serialize writers; SQLite holds a single write lock anyway.
	db.SetMaxOpenConns(1)

	return &LibSQLStore{db: db}, nil
}

// Migrate brings the schema up to the current version.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "migrate: %s", err).WithCause(err)
	}
	return nil
}

// Vacuum reclaims unused pages.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "vacuum: %s", err).WithCause(err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for components that need transactional access.
func (s *LibSQLStore) DB() *sql.DB {
	return s.db
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run requires an id")
	}
	triggerJSON, err := marshalMap(run.TriggerData)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode trigger data: %s", err).WithCause(err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, blueprint_id, status, trigger_data, summary, error,
			created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.BlueprintID, string(run.Status),
		nullStr(triggerJSON), rawOrNil(run.Summary), rawOrNil(run.Error),
		timeOrNow(run.CreatedAt, now), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		timeOrNow(run.UpdatedAt, now))
	if err != nil {
		if isConstraintError(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, blueprint_id, status, trigger_data, summary, error,
			created_at, started_at, completed_at, updated_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get run: %s", err).WithCause(err)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, string(update.Summary))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err).WithCause(err)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, blueprint_id, status, trigger_data, summary, error,
			created_at, started_at, completed_at, updated_at
		FROM runs WHERE 1=1`
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.BlueprintID != "" {
		query += " AND blueprint_id = ?"
		args = append(args, filter.BlueprintID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list runs: %s", err).WithCause(err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan run: %s", err).WithCause(err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete run: %s", err).WithCause(err)
	}
	return checkRowsAffected(res, "run", id)
}

// --- Events ---

// AppendEvent assigns the next per-run sequence number inside a
// transaction and inserts the event. The UNIQUE(run_id, sequence)
// constraint guards against concurrent writers.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil || event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event requires a run id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin append: %s", err).WithCause(err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`,
		event.RunID).Scan(&next); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "next sequence: %s", err).WithCause(err)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (run_id, step_name, event_type, payload, timestamp, sequence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepName), event.Type,
		rawOrNil(event.Payload), ts.UTC(), next)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append event: %s", err).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit append: %s", err).WithCause(err)
	}

	event.Sequence = next
	event.Timestamp = ts
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_name, event_type, payload, timestamp, sequence
		FROM events WHERE run_id = ? AND sequence > ?
		ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err).WithCause(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `
		SELECT id, run_id, step_name, event_type, payload, timestamp, sequence
		FROM events WHERE event_type = ?`
	args := []any{eventType}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.StepName != "" {
		query += " AND step_name = ?"
		args = append(args, filter.StepName)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events by type: %s", err).WithCause(err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- Step records ---

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, record *StepRecord) error {
	if record == nil || record.RunID == "" || record.StepName == "" {
		return schema.NewError(schema.ErrCodeValidation, "step record requires run id and step name")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_records (run_id, step_name, status, input, output, error,
			retry_count, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_name) DO UPDATE SET
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			retry_count = excluded.retry_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		record.RunID, record.StepName, string(record.Status),
		rawOrNil(record.Input), rawOrNil(record.Output), rawOrNil(record.Error),
		record.RetryCount, nullTime(record.StartedAt), nullTime(record.CompletedAt),
		record.DurationMs)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "upsert step record: %s", err).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, runID, stepName string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_name, status, input, output, error,
			retry_count, started_at, completed_at, duration_ms
		FROM step_records WHERE run_id = ? AND step_name = ?`, runID, stepName)
	record, err := scanStepRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step record", runID+"/"+stepName)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get step record: %s", err).WithCause(err)
	}
	return record, nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_name, status, input, output, error,
			retry_count, started_at, completed_at, duration_ms
		FROM step_records WHERE run_id = ?
		ORDER BY started_at ASC, step_name ASC`, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list step records: %s", err).WithCause(err)
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		record, err := scanStepRecord(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan step record: %s", err).WithCause(err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, approval *PendingApproval) error {
	if approval == nil || approval.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "approval requires an id")
	}
	status := approval.Status
	if status == "" {
		status = ApprovalStatusPending
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (id, run_id, step_name, request, status,
			resolution, resolved_by, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.RunID, approval.StepName,
		string(approval.Request), status,
		rawOrNil(approval.Resolution), nullStr(approval.ResolvedBy),
		nullTime(approval.ResolvedAt), timeOrNow(approval.CreatedAt, now))
	if err != nil {
		if isConstraintError(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already exists", approval.ID)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "create approval: %s", err).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_name, request, status, resolution,
			resolved_by, resolved_at, created_at
		FROM pending_approvals WHERE id = ?`, id)
	approval, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get approval: %s", err).WithCause(err)
	}
	return approval, nil
}

// ResolveApproval records the decision. Resolving twice is a conflict;
// the first decision stands.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, resolution []byte, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals
		SET status = ?, resolution = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		ApprovalStatusResolved, string(resolution), nullStr(resolvedBy),
		time.Now().UTC(), id, ApprovalStatusPending)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "resolve approval: %s", err).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "resolve approval: %s", err).WithCause(err)
	}
	if n == 0 {
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q is already resolved", id)
	}
	return nil
}

func (s *LibSQLStore) CancelApproval(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		ApprovalStatusCancelled, time.Now().UTC(), id, ApprovalStatusPending)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel approval: %s", err).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel approval: %s", err).WithCause(err)
	}
	if n == 0 {
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q is not pending", id)
	}
	return nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*PendingApproval, error) {
	query := `
		SELECT id, run_id, step_name, request, status, resolution,
			resolved_by, resolved_at, created_at
		FROM pending_approvals WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list approvals: %s", err).WithCause(err)
	}
	defer rows.Close()

	var approvals []*PendingApproval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan approval: %s", err).WithCause(err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var triggerJSON, summary, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.BlueprintID, &run.Status,
		&triggerJSON, &summary, &errJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if triggerJSON.Valid && triggerJSON.String != "" {
		if err := json.Unmarshal([]byte(triggerJSON.String), &run.TriggerData); err != nil {
			return nil, fmt.Errorf("decode trigger data: %w", err)
		}
	}
	if summary.Valid {
		run.Summary = json.RawMessage(summary.String)
	}
	if errJSON.Valid {
		run.Error = json.RawMessage(errJSON.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var ev Event
		var stepName, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepName, &ev.Type,
			&payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan event: %s", err).WithCause(err)
		}
		ev.StepName = stepName.String
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func scanStepRecord(row rowScanner) (*StepRecord, error) {
	var record StepRecord
	var input, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&record.RunID, &record.StepName, &record.Status,
		&input, &output, &errJSON,
		&record.RetryCount, &startedAt, &completedAt, &record.DurationMs)
	if err != nil {
		return nil, err
	}

	if input.Valid {
		record.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		record.Output = json.RawMessage(output.String)
	}
	if errJSON.Valid {
		record.Error = json.RawMessage(errJSON.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		record.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		record.CompletedAt = &t
	}
	return &record, nil
}

func scanApproval(row rowScanner) (*PendingApproval, error) {
	var approval PendingApproval
	var request, resolution, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&approval.ID, &approval.RunID, &approval.StepName,
		&request, &approval.Status, &resolution,
		&resolvedBy, &resolvedAt, &approval.CreatedAt)
	if err != nil {
		return nil, err
	}

	if request.Valid {
		approval.Request = json.RawMessage(request.String)
	}
	if resolution.Valid {
		approval.Resolution = json.RawMessage(resolution.String)
	}
	approval.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		approval.ResolvedAt = &t
	}
	return &approval, nil
}

// --- Value helpers ---

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeOrNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "rows affected: %s", err).WithCause(err)
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "PRIMARY KEY constraint")
}
