package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a conditional write that matched no row: the record
// changed under the caller (compare-and-swap failure) or was already claimed.
var ErrConflict = errors.New("conflict")

func (r Repo) InsertProgram(ctx context.Context, tx *sql.Tx, p domain.Program) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO programs(id,name,status,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProgram(ctx context.Context, id string) (domain.Program, error) {
	var p domain.Program
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM programs WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// SingleProgram returns the workspace's program when exactly one exists.
func (r Repo) SingleProgram(ctx context.Context) (domain.Program, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM programs`)
	if err != nil {
		return domain.Program{}, err
	}
	defer rows.Close()
	var programs []domain.Program
	for rows.Next() {
		var p domain.Program
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return domain.Program{}, err
		}
		programs = append(programs, p)
	}
	if len(programs) == 0 {
		return domain.Program{}, ErrNotFound
	}
	if len(programs) > 1 {
		return domain.Program{}, fmt.Errorf("multiple programs exist; specify --program")
	}
	return programs[0], nil
}

func (r Repo) UpsertProgramConfig(ctx context.Context, programID string, cfg *config.Config) error {
	return upsertProgramConfig(ctx, r.DB, nil, programID, cfg)
}

func (r Repo) UpsertProgramConfigTx(ctx context.Context, tx *sql.Tx, programID string, cfg *config.Config) error {
	return upsertProgramConfig(ctx, nil, tx, programID, cfg)
}

func upsertProgramConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, programID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Program.ID = programID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO program_configs(program_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(program_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, programID, string(payload), now, now)
	return err
}

func (r Repo) GetProgramConfig(ctx context.Context, programID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM program_configs WHERE program_id=?`, programID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Program.ID == "" {
		cfg.Program.ID = programID
	}
	return &cfg, cfg.Validate()
}

// --- rounds ---

func scanRound(scan func(dest ...any) error) (domain.Round, error) {
	var rd domain.Round
	var startedAt, completedAt sql.NullString
	err := scan(&rd.ID, &rd.ProgramID, &rd.Name, &rd.Position, &rd.Status, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return rd, ErrNotFound
	}
	if err != nil {
		return rd, err
	}
	if startedAt.Valid {
		rd.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		rd.CompletedAt = &completedAt.String
	}
	return rd, nil
}

const roundColumns = `id,program_id,name,position,status,started_at,completed_at`

func (r Repo) InsertRound(ctx context.Context, tx *sql.Tx, rd domain.Round) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rounds(id,program_id,name,position,status,started_at,completed_at) VALUES (?,?,?,?,?,?,?)`,
		rd.ID, rd.ProgramID, rd.Name, rd.Position, rd.Status, nullableStringPtr(rd.StartedAt), nullableStringPtr(rd.CompletedAt))
	return err
}

func (r Repo) GetRoundByName(ctx context.Context, programID, name string) (domain.Round, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE program_id=? AND name=?`, programID, name)
	return scanRound(row.Scan)
}

func (r Repo) ListRounds(ctx context.Context, programID string) ([]domain.Round, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE program_id=? ORDER BY position ASC`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		rd, err := scanRound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rd)
	}
	return res, rows.Err()
}

// MostRecentlyCompletedRound orders completed rounds by completion time so
// reopen eligibility is an explicit query, not an in-memory scan.
func (r Repo) MostRecentlyCompletedRound(ctx context.Context, programID string) (domain.Round, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE program_id=? AND status='completed' AND completed_at IS NOT NULL ORDER BY completed_at DESC, position DESC LIMIT 1`, programID)
	return scanRound(row.Scan)
}

func (r Repo) RoundAtPosition(ctx context.Context, programID string, position int) (domain.Round, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE program_id=? AND position=?`, programID, position)
	return scanRound(row.Scan)
}

func (r Repo) SetRoundActive(ctx context.Context, tx *sql.Tx, id, startedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE rounds SET status='active', started_at=? WHERE id=?`, startedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRoundCompleted(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE rounds SET status='completed', completed_at=? WHERE id=?`, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRoundReopened moves a completed round back to active and clears its
// completion timestamp in one write.
func (r Repo) SetRoundReopened(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE rounds SET status='active', completed_at=NULL WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForceRoundPending resets a round to its initial state regardless of its
// own progress (reopen cascade on the following round).
func (r Repo) ForceRoundPending(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE rounds SET status='pending', started_at=NULL, completed_at=NULL WHERE id=?`, id)
	return err
}

// --- participants ---

func (r Repo) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(id,program_id,type,name,email,account_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.ProgramID, p.Type, p.Name, p.Email, nullableStringPtr(p.AccountID), p.CreatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	var p domain.Participant
	var accountID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,program_id,type,name,email,account_id,created_at FROM participants WHERE id=?`, id).
		Scan(&p.ID, &p.ProgramID, &p.Type, &p.Name, &p.Email, &accountID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if accountID.Valid {
		p.AccountID = &accountID.String
	}
	return p, nil
}

type ParticipantFilters struct {
	ProgramID string
	Type      string
	Limit     int
}

func (r Repo) ListParticipants(ctx context.Context, f ParticipantFilters) ([]domain.Participant, error) {
	var clauses []string
	var args []any
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, f.ProgramID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,program_id,type,name,email,account_id,created_at FROM participants ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var accountID sql.NullString
		if err := rows.Scan(&p.ID, &p.ProgramID, &p.Type, &p.Name, &p.Email, &accountID, &p.CreatedAt); err != nil {
			return nil, err
		}
		if accountID.Valid {
			p.AccountID = &accountID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- participant round statuses ---

func (r Repo) UpsertParticipantStatus(ctx context.Context, tx *sql.Tx, prs domain.ParticipantRoundStatus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participant_round_statuses(participant_id,round_id,status,updated_at) VALUES (?,?,?,?)
ON CONFLICT(participant_id,round_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		prs.ParticipantID, prs.RoundID, prs.Status, prs.UpdatedAt)
	return err
}

func (r Repo) CountRoundStatuses(ctx context.Context, roundID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM participant_round_statuses WHERE round_id=? GROUP BY status`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// RevertSelectionStatuses flips every selected/rejected status in the
// program back to pending. Scoped through the program's rounds so the bulk
// revert stays correct if a store ever holds more than one program.
func (r Repo) RevertSelectionStatuses(ctx context.Context, tx *sql.Tx, programID, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE participant_round_statuses SET status='pending', updated_at=?
WHERE status IN ('selected','rejected')
AND round_id IN (SELECT id FROM rounds WHERE program_id=?)`, updatedAt, programID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, programID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if programID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, programID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,program_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var programID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &programID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if programID.Valid {
			e.ProgramID = programID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
