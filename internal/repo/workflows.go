package repo

import (
	"context"
	"database/sql"

	"cadence/internal/domain"
)

const workflowColumns = `id,participant_id,participant_type,current_stage,stage_status,stage_data_json,stage_entered_at,next_action_due,created_at,updated_at`

func scanWorkflow(scan func(dest ...any) error) (domain.Workflow, error) {
	var wf domain.Workflow
	var stageData, nextDue sql.NullString
	err := scan(&wf.ID, &wf.ParticipantID, &wf.ParticipantType, &wf.CurrentStage, &wf.StageStatus,
		&stageData, &wf.StageEnteredAt, &nextDue, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	if stageData.Valid {
		wf.StageDataJSON = &stageData.String
	}
	if nextDue.Valid {
		wf.NextActionDue = &nextDue.String
	}
	return wf, nil
}

// InsertWorkflowIfAbsent creates the workflow row for a participant unless
// one already exists. The UNIQUE(participant_id, participant_type) guard
// makes concurrent first events converge on a single row.
func (r Repo) InsertWorkflowIfAbsent(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,participant_id,participant_type,current_stage,stage_status,stage_data_json,stage_entered_at,next_action_due,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(participant_id,participant_type) DO NOTHING`,
		wf.ID, wf.ParticipantID, wf.ParticipantType, wf.CurrentStage, wf.StageStatus,
		nullableStringPtr(wf.StageDataJSON), wf.StageEnteredAt, nullableStringPtr(wf.NextActionDue), wf.CreatedAt, wf.UpdatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

func (r Repo) GetWorkflowByParticipant(ctx context.Context, participantID, participantType string) (domain.Workflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE participant_id=? AND participant_type=?`, participantID, participantType)
	return scanWorkflow(row.Scan)
}

func (r Repo) GetWorkflowByParticipantTx(ctx context.Context, tx *sql.Tx, participantID, participantType string) (domain.Workflow, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE participant_id=? AND participant_type=?`, participantID, participantType)
	return scanWorkflow(row.Scan)
}

func (r Repo) ListWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

// AdvanceWorkflowStage moves a workflow to a new stage only if the row still
// holds the stage and status the caller read. Returns ErrConflict when a
// concurrent writer won.
func (r Repo) AdvanceWorkflowStage(ctx context.Context, tx *sql.Tx, wf domain.Workflow, prevStage, prevStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET current_stage=?, stage_status=?, stage_data_json=?, stage_entered_at=?, next_action_due=?, updated_at=?
WHERE id=? AND current_stage=? AND stage_status=?`,
		wf.CurrentStage, wf.StageStatus, nullableStringPtr(wf.StageDataJSON), wf.StageEnteredAt,
		nullableStringPtr(wf.NextActionDue), wf.UpdatedAt, wf.ID, prevStage, prevStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetWorkflowStageStatus updates only the stage status, e.g. when a dispatch
// attempt settles.
func (r Repo) SetWorkflowStageStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET stage_status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
