package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/perkledger/perkledger/internal/database"
)

// BenefitUsageRepo handles benefit_usage_periods.
type BenefitUsageRepo struct {
	db *sql.DB
}

func NewBenefitUsageRepo(db *sql.DB) *BenefitUsageRepo { return &BenefitUsageRepo{db: db} }

// GetOrCreateTx returns the period row for (benefit, account, periodStart),
// creating it lazily on the first matching transaction. The unique
// constraint makes concurrent creates collapse to one row.
func (r *BenefitUsageRepo) GetOrCreateTx(ctx context.Context, tx *sql.Tx, benefitID, accountID string, start, end time.Time, capCents int64) (*BenefitUsagePeriod, error) {
	existing, err := r.get(ctx, tx, benefitID, accountID, start)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO benefit_usage_periods(
	 id, benefit_id, account_id, period_start, period_end, cap_cents, used_cents, remaining_cents,
	 created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		uuid.NewString(), benefitID, accountID, start, end, capCents, capCents)
	if err != nil && !database.IsUniqueViolation(err) {
		return nil, err
	}
	return r.get(ctx, tx, benefitID, accountID, start)
}

// AddUsageTx increments used and recomputes remaining in one statement so
// concurrent matchers never lose an increment.
func (r *BenefitUsageRepo) AddUsageTx(ctx context.Context, tx *sql.Tx, id string, amountCents int64) error {
	_, err := tx.ExecContext(ctx, `
	UPDATE benefit_usage_periods SET
	 used_cents = used_cents + ?,
	 remaining_cents = MAX(0, cap_cents - (used_cents + ?)),
	 updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, amountCents, amountCents, id)
	return err
}

func (r *BenefitUsageRepo) Get(ctx context.Context, id string) (*BenefitUsagePeriod, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+usageCols+` FROM benefit_usage_periods WHERE id = ?`, id)
	p, err := scanUsage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *BenefitUsageRepo) ListByAccount(ctx context.Context, accountID string) ([]BenefitUsagePeriod, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+usageCols+` FROM benefit_usage_periods
	WHERE account_id = ? ORDER BY period_start DESC, benefit_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BenefitUsagePeriod
	for rows.Next() {
		p, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteByItemTx drops the usage ledger for all of an item's accounts.
// Reload rebuilds it from the re-fetched transaction history.
func (r *BenefitUsageRepo) DeleteByItemTx(ctx context.Context, tx *sql.Tx, itemID string) error {
	_, err := tx.ExecContext(ctx, `
	DELETE FROM benefit_usage_periods
	WHERE account_id IN (SELECT id FROM linked_accounts WHERE item_id = ?)`, itemID)
	return err
}

// rowQuerier abstracts *sql.DB and *sql.Tx for single-row lookups.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *BenefitUsageRepo) get(ctx context.Context, q rowQuerier, benefitID, accountID string, start time.Time) (*BenefitUsagePeriod, error) {
	row := q.QueryRowContext(ctx, `
	SELECT `+usageCols+` FROM benefit_usage_periods
	WHERE benefit_id = ? AND account_id = ? AND period_start = ?`, benefitID, accountID, start)
	p, err := scanUsage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

const usageCols = `id, benefit_id, account_id, period_start, period_end, cap_cents, used_cents, remaining_cents, created_at, updated_at`

func scanUsage(row scanner) (BenefitUsagePeriod, error) {
	var p BenefitUsagePeriod
	if err := row.Scan(&p.ID, &p.BenefitID, &p.AccountID, &p.PeriodStart, &p.PeriodEnd,
		&p.CapCents, &p.UsedCents, &p.RemainingCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return BenefitUsagePeriod{}, err
	}
	return p, nil
}
