package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/enrichhq/enrich-api/internal/apperror"
	domain "github.com/enrichhq/enrich-api/internal/job"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create job: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, quota_key, status, created_at) VALUES (?, ?, ?, ?)`,
		j.ID, j.QuotaKey, string(j.Status), fmtTime(j.CreatedAt),
	)
	if err != nil {
		// idx_jobs_active_quota_key: a concurrent create already holds the key.
		var serr *sqlite3.Error
		if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE {
			return domain.ErrDuplicateActive
		}
		return fmt.Errorf("create job: %w", err)
	}

	for _, p := range j.Participants {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_participants (job_id, caller_id, added_at) VALUES (?, ?, ?)`,
			j.ID, p, fmtTime(j.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("create job: participant: %w", err)
		}
	}

	for i, it := range j.Items {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_items (job_id, id, source_ref, status, position) VALUES (?, ?, ?, ?, ?)`,
			j.ID, it.ID, it.SourceRef, string(it.Status), i,
		)
		if err != nil {
			return fmt.Errorf("create job: item: %w", err)
		}
	}

	return tx.Commit()
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := r.getRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *Repository) getRow(ctx context.Context, id string) (*domain.Job, error) {
	const query = `SELECT id, quota_key, status, pause_reason, estimated_resume_at,
		failure_reason, processed_count, success_count, failure_count,
		created_at, last_processed_at, completed_at, failed_at, cancelled_at
		FROM jobs WHERE id = ?`

	j := &domain.Job{}
	var status, createdStr string
	var pauseReason, resumeStr, failureReason sql.NullString
	var lastStr, completedStr, failedStr, cancelledStr sql.NullString

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.QuotaKey, &status, &pauseReason, &resumeStr,
		&failureReason, &j.ProcessedCount, &j.SuccessCount, &j.FailureCount,
		&createdStr, &lastStr, &completedStr, &failedStr, &cancelledStr,
	)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.Status = domain.Status(status)
	if pauseReason.Valid {
		j.PauseReason = domain.PauseReason(pauseReason.String)
	}
	if failureReason.Valid {
		j.FailureReason = failureReason.String
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	j.EstimatedResumeTime = parseTimePtr(resumeStr)
	j.LastProcessedAt = parseTimePtr(lastStr)
	j.CompletedAt = parseTimePtr(completedStr)
	j.FailedAt = parseTimePtr(failedStr)
	j.CancelledAt = parseTimePtr(cancelledStr)
	return j, nil
}

func (r *Repository) loadChildren(ctx context.Context, j *domain.Job) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT caller_id FROM job_participants WHERE job_id = ? ORDER BY added_at, caller_id`, j.ID)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		j.Participants = append(j.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	itemRows, err := r.db.QueryContext(ctx,
		`SELECT id, source_ref, status, last_error FROM job_items WHERE job_id = ? ORDER BY position`, j.ID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	defer func() { _ = itemRows.Close() }()
	for itemRows.Next() {
		var it domain.Item
		var status string
		var lastErr sql.NullString
		if err := itemRows.Scan(&it.ID, &it.SourceRef, &status, &lastErr); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		it.Status = domain.ItemStatus(status)
		if lastErr.Valid {
			it.LastError = lastErr.String
		}
		j.Items = append(j.Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return err
	}

	spanRows, err := r.db.QueryContext(ctx,
		`SELECT pattern_name, entered_at, exited_at, items_processed
		 FROM job_pattern_history WHERE job_id = ? ORDER BY entered_at, rowid`, j.ID)
	if err != nil {
		return fmt.Errorf("load pattern history: %w", err)
	}
	defer func() { _ = spanRows.Close() }()
	for spanRows.Next() {
		var span domain.PatternSpan
		var enteredStr string
		var exitedStr sql.NullString
		if err := spanRows.Scan(&span.PatternName, &enteredStr, &exitedStr, &span.ItemsProcessed); err != nil {
			return fmt.Errorf("scan pattern span: %w", err)
		}
		span.EnteredAt, _ = time.Parse(time.RFC3339, enteredStr)
		span.ExitedAt = parseTimePtr(exitedStr)
		j.PatternHistory = append(j.PatternHistory, span)
	}
	if err := spanRows.Err(); err != nil {
		return err
	}

	errRows, err := r.db.QueryContext(ctx,
		`SELECT item_id, error, created_at FROM job_errors WHERE job_id = ? ORDER BY rowid`, j.ID)
	if err != nil {
		return fmt.Errorf("load errors: %w", err)
	}
	defer func() { _ = errRows.Close() }()
	for errRows.Next() {
		var ie domain.ItemError
		var createdStr string
		if err := errRows.Scan(&ie.ItemID, &ie.Error, &createdStr); err != nil {
			return fmt.Errorf("scan error entry: %w", err)
		}
		ie.Timestamp, _ = time.Parse(time.RFC3339, createdStr)
		j.Errors = append(j.Errors, ie)
	}
	return errRows.Err()
}

func (r *Repository) FindActive(ctx context.Context, quotaKey string) (*domain.Job, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE quota_key = ? AND status IN ('pending', 'processing', 'paused')
		 ORDER BY created_at DESC LIMIT 1`, quotaKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *Repository) FindLatestByParticipant(ctx context.Context, callerID string) (*domain.Job, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT j.id FROM jobs j
		 JOIN job_participants p ON p.job_id = j.id
		 WHERE p.caller_id = ? ORDER BY j.created_at DESC LIMIT 1`, callerID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by participant: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *Repository) AddParticipant(ctx context.Context, jobID, callerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_participants (job_id, caller_id, added_at) VALUES (?, ?, ?)
		 ON CONFLICT (job_id, caller_id) DO NOTHING`,
		jobID, callerID, fmtTime(at),
	)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, jobID string, st domain.Status, at time.Time) error {
	stampCol := ""
	switch st {
	case domain.StatusCompleted:
		stampCol = "completed_at"
	case domain.StatusFailed:
		stampCol = "failed_at"
	case domain.StatusCancelled:
		stampCol = "cancelled_at"
	}

	query := `UPDATE jobs SET status = ?, pause_reason = NULL, estimated_resume_at = NULL`
	args := []any{string(st)}
	if stampCol != "" {
		query += fmt.Sprintf(", %s = ?", stampCol)
		args = append(args, fmtTime(at))
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "job not found")
	}
	return nil
}

func (r *Repository) SetPaused(ctx context.Context, jobID string, reason domain.PauseReason, resumeAt *time.Time, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'paused', pause_reason = ?, estimated_resume_at = ? WHERE id = ?`,
		string(reason), fmtTimePtr(resumeAt), jobID,
	)
	if err != nil {
		return fmt.Errorf("set job paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "job not found")
	}
	return nil
}

func (r *Repository) SetFailed(ctx context.Context, jobID, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', failure_reason = ?, failed_at = ?,
		 pause_reason = NULL, estimated_resume_at = NULL WHERE id = ?`,
		reason, fmtTime(at), jobID,
	)
	if err != nil {
		return fmt.Errorf("set job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "job not found")
	}
	return nil
}

// ClaimNextItem marks the first pending item processing inside a transaction
// so two claimers can never pop the same item.
func (r *Repository) ClaimNextItem(ctx context.Context, jobID string) (*domain.Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim item: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	it := &domain.Item{Status: domain.ItemProcessing}
	err = tx.QueryRowContext(ctx,
		`SELECT id, source_ref FROM job_items
		 WHERE job_id = ? AND status = 'pending' ORDER BY position LIMIT 1`, jobID,
	).Scan(&it.ID, &it.SourceRef)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim item: select: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE job_items SET status = 'processing', updated_at = ? WHERE job_id = ? AND id = ?`,
		fmtTime(time.Now()), jobID, it.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim item: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim item: commit: %w", err)
	}
	return it, nil
}

func (r *Repository) RequeueOrphanedItems(ctx context.Context, jobID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_items SET status = 'pending', updated_at = ? WHERE job_id = ? AND status = 'processing'`,
		fmtTime(time.Now()), jobID,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned items: %w", err)
	}
	return res.RowsAffected()
}

// RecordItemOutcome settles one item and keeps the job counters, error log
// and open pattern span consistent with it in a single transaction.
func (r *Repository) RecordItemOutcome(ctx context.Context, jobID, itemID string, success bool, itemErr string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record outcome: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	itemStatus := domain.ItemCompleted
	counterCol := "success_count"
	if !success {
		itemStatus = domain.ItemFailed
		counterCol = "failure_count"
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE job_items SET status = ?, last_error = ?, updated_at = ? WHERE job_id = ? AND id = ?`,
		string(itemStatus), itemErr, fmtTime(at), jobID, itemID,
	)
	if err != nil {
		return fmt.Errorf("record outcome: item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "item not found")
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE jobs SET processed_count = processed_count + 1, %s = %s + 1, last_processed_at = ? WHERE id = ?`,
		counterCol, counterCol), fmtTime(at), jobID,
	)
	if err != nil {
		return fmt.Errorf("record outcome: counters: %w", err)
	}

	if !success {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_errors (job_id, item_id, error, created_at) VALUES (?, ?, ?, ?)`,
			jobID, itemID, itemErr, fmtTime(at),
		)
		if err != nil {
			return fmt.Errorf("record outcome: error log: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM job_errors WHERE job_id = ? AND rowid NOT IN
			 (SELECT rowid FROM job_errors WHERE job_id = ? ORDER BY rowid DESC LIMIT ?)`,
			jobID, jobID, domain.ErrorLogLimit,
		)
		if err != nil {
			return fmt.Errorf("record outcome: prune error log: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE job_pattern_history SET items_processed = items_processed + 1
		 WHERE job_id = ? AND exited_at IS NULL`, jobID,
	)
	if err != nil {
		return fmt.Errorf("record outcome: pattern span: %w", err)
	}

	return tx.Commit()
}

func (r *Repository) RecordPattern(ctx context.Context, jobID, patternName string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record pattern: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var open string
	err = tx.QueryRowContext(ctx,
		`SELECT pattern_name FROM job_pattern_history WHERE job_id = ? AND exited_at IS NULL`, jobID,
	).Scan(&open)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("record pattern: select: %w", err)
	}
	if err == nil && open == patternName {
		return tx.Commit()
	}

	if err == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE job_pattern_history SET exited_at = ? WHERE job_id = ? AND exited_at IS NULL`,
			fmtTime(at), jobID,
		)
		if err != nil {
			return fmt.Errorf("record pattern: close span: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_pattern_history (job_id, pattern_name, entered_at) VALUES (?, ?, ?)`,
		jobID, patternName, fmtTime(at),
	)
	if err != nil {
		return fmt.Errorf("record pattern: open span: %w", err)
	}

	return tx.Commit()
}

func (r *Repository) ListProcessing(ctx context.Context) ([]domain.Job, error) {
	return r.listByQuery(ctx,
		`SELECT id FROM jobs WHERE status = 'processing' ORDER BY created_at`)
}

func (r *Repository) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]domain.Job, error) {
	return r.listByQuery(ctx,
		`SELECT id FROM jobs WHERE status = 'processing'
		 AND COALESCE(last_processed_at, created_at) < ? ORDER BY created_at`,
		fmtTime(olderThan))
}

func (r *Repository) ListResumablePaused(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return r.listByQuery(ctx,
		`SELECT id FROM jobs WHERE status = 'paused'
		 AND pause_reason IN ('daily_limit_reached', 'hourly_limit_reached', 'pattern_limit_reached', 'pause_period')
		 AND estimated_resume_at IS NOT NULL AND estimated_resume_at <= ?
		 ORDER BY created_at`,
		fmtTime(now))
}

func (r *Repository) listByQuery(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (r *Repository) ResetByQuotaKey(ctx context.Context, quotaKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE quota_key = ?`, quotaKey)
	if err != nil {
		return fmt.Errorf("reset jobs: %w", err)
	}
	return nil
}
