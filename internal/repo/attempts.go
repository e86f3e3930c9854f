package repo

import (
	"context"
	"database/sql"
	"strings"

	"cadence/internal/domain"
)

const attemptColumns = `id,workflow_id,attempt_number,attempt_status,scheduled_at,attempted_at,error_message,communication_id,created_at`

func scanAttempt(scan func(dest ...any) error) (domain.Attempt, error) {
	var a domain.Attempt
	var attemptedAt, errMsg, commID sql.NullString
	err := scan(&a.ID, &a.WorkflowID, &a.AttemptNumber, &a.AttemptStatus, &a.ScheduledAt,
		&attemptedAt, &errMsg, &commID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if attemptedAt.Valid {
		a.AttemptedAt = &attemptedAt.String
	}
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	if commID.Valid {
		a.CommunicationID = &commID.String
	}
	return a, nil
}

func (r Repo) InsertAttempt(ctx context.Context, tx *sql.Tx, a domain.Attempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO communication_attempts(id,workflow_id,attempt_number,attempt_status,scheduled_at,attempted_at,error_message,communication_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkflowID, a.AttemptNumber, a.AttemptStatus, a.ScheduledAt,
		nullableStringPtr(a.AttemptedAt), nullableStringPtr(a.ErrorMessage), nullableStringPtr(a.CommunicationID), a.CreatedAt)
	return err
}

func (r Repo) GetAttempt(ctx context.Context, id string) (domain.Attempt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM communication_attempts WHERE id=?`, id)
	return scanAttempt(row.Scan)
}

// NextAttemptNumber assigns attempt numbers per workflow, inside the same tx
// that inserts the attempt so numbering stays gapless under concurrency.
func (r Repo) NextAttemptNumber(ctx context.Context, tx *sql.Tx, workflowID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt_number),0)+1 FROM communication_attempts WHERE workflow_id=?`, workflowID).Scan(&n)
	return n, err
}

// LatestAttempt returns the highest-numbered attempt for a workflow.
func (r Repo) LatestAttempt(ctx context.Context, workflowID string) (domain.Attempt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM communication_attempts WHERE workflow_id=? ORDER BY attempt_number DESC LIMIT 1`, workflowID)
	return scanAttempt(row.Scan)
}

type AttemptFilters struct {
	WorkflowID string
	Status     string
	Limit      int
}

func (r Repo) ListAttempts(ctx context.Context, f AttemptFilters) ([]domain.Attempt, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "attempt_status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM communication_attempts `+where+` ORDER BY scheduled_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DueAttempts lists pending attempts whose scheduled time has passed, oldest
// first, capped at limit.
func (r Repo) DueAttempts(ctx context.Context, now string, limit int) ([]domain.Attempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM communication_attempts
WHERE attempt_status='pending' AND scheduled_at<=? ORDER BY scheduled_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimAttempt marks a pending attempt in_progress and stamps attempted_at
// with the claim time. The rows-affected check is the claim: a second
// sweeper updating the same row sees zero rows and moves on.
func (r Repo) ClaimAttempt(ctx context.Context, id, claimedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE communication_attempts SET attempt_status='in_progress', attempted_at=? WHERE id=? AND attempt_status='pending'`, claimedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SettleAttempt writes the terminal outcome of a claimed attempt. Only
// in_progress rows settle, so sent/failed are never overwritten.
func (r Repo) SettleAttempt(ctx context.Context, tx *sql.Tx, id, status, attemptedAt string, errorMessage, communicationID *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE communication_attempts SET attempt_status=?, attempted_at=?, error_message=?, communication_id=?
WHERE id=? AND attempt_status='in_progress'`,
		status, attemptedAt, nullableStringPtr(errorMessage), nullableStringPtr(communicationID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseStaleAttempts returns crashed claims to pending. An attempt is
// considered abandoned when it was claimed before the cutoff and never
// settled.
func (r Repo) ReleaseStaleAttempts(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE communication_attempts SET attempt_status='pending', attempted_at=NULL
WHERE attempt_status='in_progress' AND attempted_at<=?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
