package repository

import (
	"context"
	"database/sql"
)

// TransactionRepo handles mirrored transactions.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// UpsertTx inserts or replaces by external id inside the caller's
// transaction. The aggregator may redeliver "added" rows, so the second
// delivery's field values win.
func (r *TransactionRepo) UpsertTx(ctx context.Context, tx *sql.Tx, t Transaction) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO transactions(
	 id, external_id, account_id, amount_cents, date, name, merchant_name, category_path,
	 primary_category, detailed_category, pending, payment_channel, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(external_id) DO UPDATE SET
	 account_id = excluded.account_id,
	 amount_cents = excluded.amount_cents,
	 date = excluded.date,
	 name = excluded.name,
	 merchant_name = excluded.merchant_name,
	 category_path = excluded.category_path,
	 primary_category = excluded.primary_category,
	 detailed_category = excluded.detailed_category,
	 pending = excluded.pending,
	 payment_channel = excluded.payment_channel,
	 updated_at = CURRENT_TIMESTAMP;
	`,
		t.ID, t.ExternalID, t.AccountID, t.AmountCents, t.Date, t.Name, t.MerchantName,
		t.CategoryPath, t.PrimaryCategory, t.DetailedCategory, t.Pending, t.PaymentChannel)
	return err
}

// UpdateByExternalIDTx updates all mutable fields for a "modified" delta
// entry. Returns false when no local row exists, which the sync engine
// treats as a data-integrity anomaly.
func (r *TransactionRepo) UpdateByExternalIDTx(ctx context.Context, tx *sql.Tx, t Transaction) (bool, error) {
	res, err := tx.ExecContext(ctx, `
	UPDATE transactions SET
	 account_id = ?, amount_cents = ?, date = ?, name = ?, merchant_name = ?,
	 category_path = ?, primary_category = ?, detailed_category = ?, pending = ?,
	 payment_channel = ?, updated_at=CURRENT_TIMESTAMP
	WHERE external_id = ?`,
		t.AccountID, t.AmountCents, t.Date, t.Name, t.MerchantName, t.CategoryPath,
		t.PrimaryCategory, t.DetailedCategory, t.Pending, t.PaymentChannel, t.ExternalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteByExternalIDTx removes a transaction; deleting a nonexistent id is
// not an error.
func (r *TransactionRepo) DeleteByExternalIDTx(ctx context.Context, tx *sql.Tx, externalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE external_id = ?`, externalID)
	return err
}

func (r *TransactionRepo) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE external_id = ?`, externalID)
	t, err := scanTx(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) ListByAccount(ctx context.Context, accountID string) ([]Transaction, error) {
	return r.list(ctx, `SELECT `+txCols+` FROM transactions WHERE account_id = ? ORDER BY date DESC, created_at DESC`, accountID)
}

// ListByItem returns every transaction mirrored under one item's accounts.
func (r *TransactionRepo) ListByItem(ctx context.Context, itemID string) ([]Transaction, error) {
	return r.list(ctx, `
	SELECT `+txCols+` FROM transactions
	WHERE account_id IN (SELECT id FROM linked_accounts WHERE item_id = ?)
	ORDER BY date DESC, created_at DESC`, itemID)
}

// ListUnattributedByItem returns transactions not yet matched to a benefit.
func (r *TransactionRepo) ListUnattributedByItem(ctx context.Context, itemID string) ([]Transaction, error) {
	return r.list(ctx, `
	SELECT `+txCols+` FROM transactions
	WHERE matched_benefit_id IS NULL
	 AND account_id IN (SELECT id FROM linked_accounts WHERE item_id = ?)
	ORDER BY date`, itemID)
}

func (r *TransactionRepo) list(ctx context.Context, query string, args ...interface{}) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountByItem counts mirrored transactions under one item.
func (r *TransactionRepo) CountByItem(ctx context.Context, itemID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM transactions
	WHERE account_id IN (SELECT id FROM linked_accounts WHERE item_id = ?)`, itemID).Scan(&n)
	return n, err
}

// DeleteByItemTx removes the item's whole transaction mirror and returns
// the number of rows dropped. Only the reload flow calls this.
func (r *TransactionRepo) DeleteByItemTx(ctx context.Context, tx *sql.Tx, itemID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
	DELETE FROM transactions
	WHERE account_id IN (SELECT id FROM linked_accounts WHERE item_id = ?)`, itemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkBenefitMatchedTx records the benefit attribution linkage that keeps
// re-runs of the matcher from double counting. Returns false when the
// transaction was already attributed, so the caller can roll back the
// ledger increment that went with it.
func (r *TransactionRepo) MarkBenefitMatchedTx(ctx context.Context, tx *sql.Tx, id, benefitID, usagePeriodID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
	UPDATE transactions SET matched_benefit_id = ?, usage_period_id = ?, updated_at=CURRENT_TIMESTAMP
	WHERE id = ? AND matched_benefit_id IS NULL`, benefitID, usagePeriodID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const txCols = `id, external_id, account_id, amount_cents, date, name, merchant_name, category_path,
 primary_category, detailed_category, pending, payment_channel, matched_benefit_id, usage_period_id,
 created_at, updated_at`

// scanner handles both Row and Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(row scanner) (Transaction, error) {
	var t Transaction
	var merchant, catPath, primary, detailed, channel, benefit, period sql.NullString
	if err := row.Scan(&t.ID, &t.ExternalID, &t.AccountID, &t.AmountCents, &t.Date, &t.Name,
		&merchant, &catPath, &primary, &detailed, &t.Pending, &channel, &benefit, &period,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	if merchant.Valid {
		t.MerchantName = &merchant.String
	}
	if catPath.Valid {
		t.CategoryPath = &catPath.String
	}
	if primary.Valid {
		t.PrimaryCategory = &primary.String
	}
	if detailed.Valid {
		t.DetailedCategory = &detailed.String
	}
	if channel.Valid {
		t.PaymentChannel = &channel.String
	}
	if benefit.Valid {
		t.MatchedBenefitID = &benefit.String
	}
	if period.Valid {
		t.UsagePeriodID = &period.String
	}
	return t, nil
}
