package repository

import (
	"context"
	"database/sql"
	"time"
)

// ItemRepo handles linked_items.
type ItemRepo struct {
	db *sql.DB
}

func NewItemRepo(db *sql.DB) *ItemRepo { return &ItemRepo{db: db} }

// InsertTx writes a new item inside the caller's transaction so item and
// account creation commit or roll back together.
func (r *ItemRepo) InsertTx(ctx context.Context, tx *sql.Tx, it LinkedItem) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO linked_items(
	 id, user_id, member_id, institution_id, institution_name, secret_id,
	 sync_cursor, status, last_synced_at, sandbox, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`,
		it.ID, it.UserID, it.MemberID, it.InstitutionID, it.InstitutionName,
		it.SecretID, it.SyncCursor, it.Status, it.LastSyncedAt, it.Sandbox)
	return err
}

func (r *ItemRepo) Get(ctx context.Context, id string) (*LinkedItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM linked_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &it, nil
}

func (r *ItemRepo) ListByUser(ctx context.Context, userID string) ([]LinkedItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemCols+` FROM linked_items WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LinkedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *ItemRepo) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE linked_items SET status = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

// UpdateSyncState persists the resumption cursor and last-synced stamp
// after a sync pass completes (or hits the iteration cap).
func (r *ItemRepo) UpdateSyncState(ctx context.Context, id string, cursor *string, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE linked_items SET sync_cursor = ?, last_synced_at = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, cursor, syncedAt, id)
	return err
}

// ResetCursorTx nulls the cursor so the next sync replays full history.
func (r *ItemRepo) ResetCursorTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE linked_items SET sync_cursor = NULL, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

const itemCols = `id, user_id, member_id, institution_id, institution_name, secret_id, sync_cursor, status, last_synced_at, sandbox, created_at, updated_at`

func scanItem(row scanner) (LinkedItem, error) {
	var it LinkedItem
	var cursor sql.NullString
	var synced sql.NullTime
	if err := row.Scan(&it.ID, &it.UserID, &it.MemberID, &it.InstitutionID, &it.InstitutionName,
		&it.SecretID, &cursor, &it.Status, &synced, &it.Sandbox, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return LinkedItem{}, err
	}
	if cursor.Valid {
		it.SyncCursor = &cursor.String
	}
	if synced.Valid {
		it.LastSyncedAt = &synced.Time
	}
	return it, nil
}
