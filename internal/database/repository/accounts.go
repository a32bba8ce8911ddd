package repository

import (
	"context"
	"database/sql"
	"time"
)

// AccountRepo handles linked_accounts.
type AccountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

func (r *AccountRepo) InsertTx(ctx context.Context, tx *sql.Tx, a LinkedAccount) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO linked_accounts(
	 id, item_id, member_id, institution_id, external_id, name, official_name, mask,
	 account_type, subtype, product_id, status, current_balance_cents, available_balance_cents,
	 apr_bps, credit_limit_cents, statement_balance_cents, statement_date, min_payment_cents,
	 next_due_date, last_payment_cents, last_payment_date, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`,
		a.ID, a.ItemID, a.MemberID, a.InstitutionID, a.ExternalID, a.Name, a.OfficialName, a.Mask,
		a.AccountType, a.Subtype, a.ProductID, a.Status, a.CurrentBalanceCents, a.AvailableBalanceCents,
		a.APRBps, a.CreditLimitCents, a.StatementBalanceCents, a.StatementDate, a.MinPaymentCents,
		a.NextDueDate, a.LastPaymentCents, a.LastPaymentDate)
	return err
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM linked_accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) GetByExternalID(ctx context.Context, itemID, externalID string) (*LinkedAccount, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM linked_accounts WHERE item_id = ? AND external_id = ?`, itemID, externalID)
	a, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) ListByItem(ctx context.Context, itemID string) ([]LinkedAccount, error) {
	return r.list(ctx, `SELECT `+accountCols+` FROM linked_accounts WHERE item_id = ? ORDER BY created_at`, itemID)
}

func (r *AccountRepo) ListByMember(ctx context.Context, memberID string) ([]LinkedAccount, error) {
	return r.list(ctx, `SELECT `+accountCols+` FROM linked_accounts WHERE member_id = ? ORDER BY created_at`, memberID)
}

// ListByUserInstitution returns a user's accounts under one institution,
// used by the duplicate-link pre-flight.
func (r *AccountRepo) ListByUserInstitution(ctx context.Context, userID, institutionID string) ([]LinkedAccount, error) {
	return r.list(ctx, `
	SELECT `+prefixedAccountCols("a")+`
	FROM linked_accounts a JOIN linked_items i ON i.id = a.item_id
	WHERE i.user_id = ? AND a.institution_id = ?`, userID, institutionID)
}

func (r *AccountRepo) list(ctx context.Context, query string, args ...interface{}) ([]LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LinkedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateBalances refreshes the balance snapshot after a sync pass.
func (r *AccountRepo) UpdateBalances(ctx context.Context, id string, currentCents int64, availableCents *int64) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE linked_accounts SET current_balance_cents = ?, available_balance_cents = ?, updated_at=CURRENT_TIMESTAMP
	WHERE id = ?`, currentCents, availableCents, id)
	return err
}

// UpdateLiabilities refreshes the credit-specific fields.
func (r *AccountRepo) UpdateLiabilities(ctx context.Context, id string, a LinkedAccount) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE linked_accounts SET apr_bps = ?, credit_limit_cents = ?, statement_balance_cents = ?,
	 statement_date = ?, min_payment_cents = ?, next_due_date = ?, last_payment_cents = ?,
	 last_payment_date = ?, updated_at=CURRENT_TIMESTAMP
	WHERE id = ?`,
		a.APRBps, a.CreditLimitCents, a.StatementBalanceCents, a.StatementDate,
		a.MinPaymentCents, a.NextDueDate, a.LastPaymentCents, a.LastPaymentDate, id)
	return err
}

// MarkPaid records the user's manual "statement paid" override.
func (r *AccountRepo) MarkPaid(ctx context.Context, id string, at time.Time, amountCents *int64) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE linked_accounts SET marked_paid_at = ?, marked_paid_cents = ?, updated_at=CURRENT_TIMESTAMP
	WHERE id = ?`, at, amountCents, id)
	return err
}

const accountCols = `id, item_id, member_id, institution_id, external_id, name, official_name, mask,
 account_type, subtype, product_id, status, current_balance_cents, available_balance_cents,
 apr_bps, credit_limit_cents, statement_balance_cents, statement_date, min_payment_cents,
 next_due_date, last_payment_cents, last_payment_date, marked_paid_at, marked_paid_cents,
 created_at, updated_at`

func prefixedAccountCols(alias string) string {
	return alias + `.id, ` + alias + `.item_id, ` + alias + `.member_id, ` + alias + `.institution_id, ` +
		alias + `.external_id, ` + alias + `.name, ` + alias + `.official_name, ` + alias + `.mask, ` +
		alias + `.account_type, ` + alias + `.subtype, ` + alias + `.product_id, ` + alias + `.status, ` +
		alias + `.current_balance_cents, ` + alias + `.available_balance_cents, ` + alias + `.apr_bps, ` +
		alias + `.credit_limit_cents, ` + alias + `.statement_balance_cents, ` + alias + `.statement_date, ` +
		alias + `.min_payment_cents, ` + alias + `.next_due_date, ` + alias + `.last_payment_cents, ` +
		alias + `.last_payment_date, ` + alias + `.marked_paid_at, ` + alias + `.marked_paid_cents, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanAccount(row scanner) (LinkedAccount, error) {
	var a LinkedAccount
	var official, product sql.NullString
	var available, apr, limit, stmtBal, minPay, lastPay, markedCents sql.NullInt64
	var stmtDate, due, lastPayDate, markedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.ItemID, &a.MemberID, &a.InstitutionID, &a.ExternalID, &a.Name,
		&official, &a.Mask, &a.AccountType, &a.Subtype, &product, &a.Status,
		&a.CurrentBalanceCents, &available, &apr, &limit, &stmtBal, &stmtDate, &minPay,
		&due, &lastPay, &lastPayDate, &markedAt, &markedCents, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return LinkedAccount{}, err
	}
	if official.Valid {
		a.OfficialName = &official.String
	}
	if product.Valid {
		a.ProductID = &product.String
	}
	if available.Valid {
		a.AvailableBalanceCents = &available.Int64
	}
	if apr.Valid {
		a.APRBps = &apr.Int64
	}
	if limit.Valid {
		a.CreditLimitCents = &limit.Int64
	}
	if stmtBal.Valid {
		a.StatementBalanceCents = &stmtBal.Int64
	}
	if stmtDate.Valid {
		a.StatementDate = &stmtDate.Time
	}
	if minPay.Valid {
		a.MinPaymentCents = &minPay.Int64
	}
	if due.Valid {
		a.NextDueDate = &due.Time
	}
	if lastPay.Valid {
		a.LastPaymentCents = &lastPay.Int64
	}
	if lastPayDate.Valid {
		a.LastPaymentDate = &lastPayDate.Time
	}
	if markedAt.Valid {
		a.MarkedPaidAt = &markedAt.Time
	}
	if markedCents.Valid {
		a.MarkedPaidCents = &markedCents.Int64
	}
	return a, nil
}
