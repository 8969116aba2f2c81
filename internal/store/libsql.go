package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/steadyline/proactor/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

const workflowColumns = `id, user_id, name, description, workflow_type, status, input_data, context, timeout_at, retry_count, max_retries, error_message, created_at, updated_at, completed_at`

const stepColumns = `id, workflow_id, step_number, name, step_type, config, condition, status, output_data, error_message, started_at, completed_at`

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*WorkflowStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, nullStr(wf.Description), wf.Type, string(wf.Status),
		jsonOrEmpty(wf.InputData), jsonOrEmpty(wf.Context),
		nullTime(wf.TimeoutAt), wf.RetryCount, wf.MaxRetries, nullStr(wf.ErrorMessage),
		timeOrNow(wf.CreatedAt, now), timeOrNow(wf.UpdatedAt, now), nullTime(wf.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (`+stepColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, wf.ID, st.StepNumber, st.Name, string(st.Type),
			jsonOrEmpty(st.Config), nullRaw(st.Condition), string(st.Status),
			nullRaw(st.OutputData), nullStr(st.ErrorMessage),
			nullTime(st.StartedAt), nullTime(st.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		description, errMsg sql.NullString
		status              string
		inputJSON, ctxJSON  string
		timeoutAt           sql.NullTime
		completedAt         sql.NullTime
	)
	err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &description, &wf.Type, &status,
		&inputJSON, &ctxJSON, &timeoutAt, &wf.RetryCount, &wf.MaxRetries, &errMsg,
		&wf.CreatedAt, &wf.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.Status = schema.WorkflowStatus(status)
	wf.InputData = json.RawMessage(inputJSON)
	wf.Context = json.RawMessage(ctxJSON)
	wf.ErrorMessage = errMsg.String
	if timeoutAt.Valid {
		wf.TimeoutAt = &timeoutAt.Time
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *LibSQLStore) GetUserWorkflow(ctx context.Context, id, userID string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND user_id = ?`, id, userID,
	))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func workflowSets(update WorkflowUpdate) ([]string, []any) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.TimeoutAt != nil {
		sets = append(sets, "timeout_at = ?")
		args = append(args, update.TimeoutAt.UTC())
	} else if update.ClearTimeoutAt {
		sets = append(sets, "timeout_at = NULL")
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	return sets, args
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	sets, args := workflowSets(update)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) TransitionWorkflow(ctx context.Context, id string, from []schema.WorkflowStatus, to schema.WorkflowStatus, update WorkflowUpdate) (bool, error) {
	update.Status = &to
	sets, args := workflowSets(update)
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) ExtendTimeout(ctx context.Context, id string, observed, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET retry_count = retry_count + 1, timeout_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?`,
		next.UTC(), time.Now().UTC(), id, string(schema.WorkflowWaiting), observed.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Steps ---

func scanStep(row rowScanner) (*WorkflowStep, error) {
	st := &WorkflowStep{}
	var (
		stepType, status       string
		configJSON             string
		condJSON, outputJSON   sql.NullString
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&st.ID, &st.WorkflowID, &st.StepNumber, &st.Name, &stepType,
		&configJSON, &condJSON, &status, &outputJSON, &errMsg, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	st.Type = schema.StepType(stepType)
	st.Status = schema.StepStatus(status)
	st.Config = json.RawMessage(configJSON)
	st.Condition = rawOrNil(condJSON)
	st.OutputData = rawOrNil(outputJSON)
	st.ErrorMessage = errMsg.String
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *LibSQLStore) ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id = ? ORDER BY step_number ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// NextPendingStep returns the lowest-numbered pending step, or nil when the
// workflow has no pending step left.
func (s *LibSQLStore) NextPendingStep(ctx context.Context, workflowID string) (*WorkflowStep, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps
		 WHERE workflow_id = ? AND status = ? ORDER BY step_number ASC LIMIT 1`,
		workflowID, string(schema.StepPending),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

// --- Maintenance scans ---

func (s *LibSQLStore) ExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows
		 WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at <= ?
		 ORDER BY timeout_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(schema.WorkflowWaiting), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM workflows
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at <= ?
		 ORDER BY completed_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query,
		string(schema.WorkflowCompleted), string(schema.WorkflowFailed), string(schema.WorkflowCancelled),
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *LibSQLStore) CountByStatus(ctx context.Context) (map[schema.WorkflowStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[schema.WorkflowStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[schema.WorkflowStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *LibSQLStore) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE created_at >= ?`, since.UTC(),
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE completed_at IS NOT NULL AND completed_at >= ?`, since.UTC(),
	).Scan(&n)
	return n, err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func jsonOrEmpty(r json.RawMessage) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}
