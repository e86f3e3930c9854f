package repo

import (
	"context"
	"database/sql"
	"strings"

	"cadence/internal/domain"
)

const messageColumns = `id,recipient_address,recipient_type,subject,body,content_hash,status,error_message,sent_at,delivered_at,opened_at,clicked_at,bounced_at,created_at`

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var errMsg, sentAt, deliveredAt, openedAt, clickedAt, bouncedAt sql.NullString
	err := scan(&m.ID, &m.RecipientAddress, &m.RecipientType, &m.Subject, &m.Body, &m.ContentHash, &m.Status,
		&errMsg, &sentAt, &deliveredAt, &openedAt, &clickedAt, &bouncedAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if errMsg.Valid {
		m.ErrorMessage = &errMsg.String
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.String
	}
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.String
	}
	if openedAt.Valid {
		m.OpenedAt = &openedAt.String
	}
	if clickedAt.Valid {
		m.ClickedAt = &clickedAt.String
	}
	if bouncedAt.Valid {
		m.BouncedAt = &bouncedAt.String
	}
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,recipient_address,recipient_type,subject,body,content_hash,status,error_message,sent_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.RecipientAddress, m.RecipientType, m.Subject, m.Body, m.ContentHash, m.Status,
		nullableStringPtr(m.ErrorMessage), nullableStringPtr(m.SentAt), m.CreatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	return scanMessage(row.Scan)
}

// FindRecentMessage looks for a non-failed message with the same content
// hash and recipient created at or after since. Runs inside the dispatch tx
// so the dedup check and the insert are one atomic step.
func (r Repo) FindRecentMessage(ctx context.Context, tx *sql.Tx, contentHash, recipientAddress, since string) (domain.Message, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages
WHERE content_hash=? AND recipient_address=? AND created_at>=? AND status!='failed'
ORDER BY created_at DESC LIMIT 1`, contentHash, recipientAddress, since)
	return scanMessage(row.Scan)
}

// SettleMessage records the send outcome on a pending message.
func (r Repo) SettleMessage(ctx context.Context, tx *sql.Tx, id, status string, sentAt, errorMessage *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET status=?, sent_at=?, error_message=? WHERE id=? AND status='pending'`,
		status, nullableStringPtr(sentAt), nullableStringPtr(errorMessage), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

type MessageFilters struct {
	RecipientAddress string
	Status           string
	Limit            int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.RecipientAddress != "" {
		clauses = append(clauses, "recipient_address=?")
		args = append(args, f.RecipientAddress)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
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
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// RecordDeliveryEvent applies a provider delivery notification to a sent
// message. Unknown kinds are rejected by the caller before reaching here.
func (r Repo) RecordDeliveryEvent(ctx context.Context, id, kind, ts string) error {
	column := map[string]string{
		"delivered": "delivered_at",
		"opened":    "opened_at",
		"clicked":   "clicked_at",
		"bounced":   "bounced_at",
	}[kind]
	if column == "" {
		return ErrNotFound
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET status=?, `+column+`=? WHERE id=?`, kind, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
