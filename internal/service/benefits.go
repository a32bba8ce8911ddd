package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/perkledger/perkledger/internal/benefits"
	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/database/repository"
)

// errAlreadyAttributed aborts an attribution whose transaction was claimed
// by another writer between listing and marking.
var errAlreadyAttributed = errors.New("transaction already attributed")

// BenefitService classifies transactions against the live rule snapshot
// and keeps the per-period usage ledger.
type BenefitService struct {
	DB           *sql.DB
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
	Usage        *repository.BenefitUsageRepo
	Rules        *benefits.Snapshot
	Log          *slog.Logger
}

// MatchItem classifies every not-yet-attributed transaction under the
// item. One transaction failing never aborts the batch: matching is
// best-effort by contract.
func (s *BenefitService) MatchItem(ctx context.Context, itemID string) error {
	txns, err := s.Transactions.ListUnattributedByItem(ctx, itemID)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		return nil
	}

	accounts, err := s.Accounts.ListByItem(ctx, itemID)
	if err != nil {
		return err
	}
	productByAccount := make(map[string]string, len(accounts))
	for _, a := range accounts {
		if a.ProductID != nil {
			productByAccount[a.ID] = *a.ProductID
		}
	}

	rules := s.Rules.Current()
	for _, t := range txns {
		product, ok := productByAccount[t.AccountID]
		if !ok {
			continue // not a card product with benefits
		}
		if err := s.matchOne(ctx, rules, product, t); err != nil {
			s.logger().Warn("benefit match failed, skipping transaction",
				"transaction", t.ID, "err", err)
		}
	}
	return nil
}

// matchOne runs the product's rules in configured order; the first
// satisfying rule wins and the transaction is attributed exactly once.
func (s *BenefitService) matchOne(ctx context.Context, rules *benefits.RuleSet, product string, t repository.Transaction) error {
	// Idempotency: a transaction already attributed (e.g. seen again via a
	// redelivered batch) never counts twice.
	if t.MatchedBenefitID != nil {
		return nil
	}

	merchant := ""
	if t.MerchantName != nil {
		merchant = *t.MerchantName
	}
	categories := splitCategoryPath(t.CategoryPath)

	for _, rule := range rules.ForProduct(product) {
		if !rule.Matches(merchant, t.Name, categories, t.AmountCents) {
			continue
		}
		start, end := benefits.PeriodFor(rule.Timing, t.Date)
		amount := t.AmountCents
		if amount < 0 {
			amount = -amount
		}
		// Period upsert, usage increment and attribution mark commit
		// together or not at all; a partial write would double count on
		// the next matcher run.
		var periodID string
		err := database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
			period, err := s.Usage.GetOrCreateTx(ctx, tx, rule.BenefitID, t.AccountID, start, end, benefits.CapCents(rule))
			if err != nil {
				return err
			}
			periodID = period.ID
			// Full amount counts even past the cap; the guardrails limit
			// which transactions qualify, not how much of one counts.
			if err := s.Usage.AddUsageTx(ctx, tx, period.ID, amount); err != nil {
				return err
			}
			marked, err := s.Transactions.MarkBenefitMatchedTx(ctx, tx, t.ID, rule.BenefitID, period.ID)
			if err != nil {
				return err
			}
			if !marked {
				return errAlreadyAttributed
			}
			return nil
		})
		if errors.Is(err, errAlreadyAttributed) {
			// Another writer claimed the transaction first; the rollback
			// leaves the ledger untouched.
			return nil
		}
		if err != nil {
			return err
		}
		s.logger().Debug("benefit matched",
			"transaction", t.ID, "benefit", rule.BenefitID, "period", periodID, "amount", amount)
		return nil
	}
	return nil
}

// UsageForAccount is the read path behind the benefits endpoint.
func (s *BenefitService) UsageForAccount(ctx context.Context, accountID string) ([]repository.BenefitUsagePeriod, error) {
	return s.Usage.ListByAccount(ctx, accountID)
}

func splitCategoryPath(path *string) []string {
	if path == nil {
		return nil
	}
	parts := strings.Split(*path, ">")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *BenefitService) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
