package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/perkledger/perkledger/internal/aggregator"
	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/database/repository"
	"github.com/perkledger/perkledger/internal/secrets"
)

// maxSyncIterations caps the delta loop per sync invocation. Hitting the
// cap is not an error: the last cursor is persisted and the next trigger
// resumes from there.
const maxSyncIterations = 50

// ErrItemNotFound is returned when a sync/reload target does not exist.
var ErrItemNotFound = errors.New("item not found")

// SyncService drives the cursor-based delta loop for one linked item.
type SyncService struct {
	DB           *sql.DB
	Items        *repository.ItemRepo
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
	Usage        *repository.BenefitUsageRepo
	Secrets      secrets.Store
	Aggregator   aggregator.Client
	Benefits     *BenefitService
	Log          *slog.Logger
}

// SyncResult reports one sync invocation's outcome. Status carries the
// item's (possibly degraded) state: a connection that needs re-auth is a
// normal outcome, not a failed call.
type SyncResult struct {
	Added      int     `json:"added"`
	Modified   int     `json:"modified"`
	Removed    int     `json:"removed"`
	NextCursor *string `json:"nextCursor"`
	Status     string  `json:"status"`
	Iterations int     `json:"iterations"`
}

// SyncItem pulls deltas until the aggregator reports no more pages or the
// iteration cap is reached, then refreshes balances and persists the
// cursor. Each iteration's added/modified/removed batch applies in one
// database transaction.
func (s *SyncService) SyncItem(ctx context.Context, itemID string) (SyncResult, error) {
	item, err := s.Items.Get(ctx, itemID)
	if err != nil {
		return SyncResult{}, err
	}
	if item == nil {
		return SyncResult{}, ErrItemNotFound
	}

	credential, err := s.Secrets.GetSecret(ctx, secrets.Handle(item.SecretID))
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch credential: %w", err)
	}

	result, err := s.runSyncLoop(ctx, item, credential, item.SyncCursor)
	if err != nil {
		if degraded, status := s.degradeOnAggregatorError(ctx, item.ID, err); degraded {
			result.Status = status
			return result, nil
		}
		// Transport failure: cursor untouched, next attempt resumes from
		// the last good position.
		return SyncResult{}, err
	}

	if err := s.refreshBalances(ctx, item.ID, credential); err != nil {
		s.logger().Warn("balance refresh failed", "item", item.ID, "err", err)
	}
	if err := s.refreshLiabilities(ctx, item.ID, credential); err != nil {
		s.logger().Warn("liability refresh failed", "item", item.ID, "err", err)
	}

	// Benefit matching is best-effort: a matching failure never fails the
	// sync that carried the transactions in.
	if s.Benefits != nil {
		if err := s.Benefits.MatchItem(ctx, item.ID); err != nil {
			s.logger().Warn("benefit matching failed", "item", item.ID, "err", err)
		}
	}

	if err := s.Items.UpdateSyncState(ctx, item.ID, result.NextCursor, database.Now()); err != nil {
		return SyncResult{}, err
	}
	if item.Status != repository.ItemActive {
		// A successful pull clears a previously degraded state.
		if err := s.Items.UpdateStatus(ctx, item.ID, repository.ItemActive); err != nil {
			return SyncResult{}, err
		}
	}
	result.Status = repository.ItemActive
	return result, nil
}

// runSyncLoop is the bounded fetch/apply loop, shared by incremental sync
// and full reload. The caller owns cursor persistence.
func (s *SyncService) runSyncLoop(ctx context.Context, item *repository.LinkedItem, credential secrets.Credential, cursor *string) (SyncResult, error) {
	result := SyncResult{NextCursor: cursor}

	accountIDs, err := s.accountIndex(ctx, item.ID)
	if err != nil {
		return result, err
	}

	for i := 0; i < maxSyncIterations; i++ {
		delta, err := s.Aggregator.SyncTransactions(ctx, credential, result.NextCursor)
		if err != nil {
			return result, err
		}

		err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
			return s.applyDelta(ctx, tx, item.ID, accountIDs, delta, &result)
		})
		if err != nil {
			return result, err
		}

		next := delta.NextCursor
		result.NextCursor = &next
		result.Iterations = i + 1
		if !delta.HasMore {
			break
		}
	}
	return result, nil
}

// applyDelta applies one delta page in order added, modified, removed.
// Runs inside one transaction so the page is never partially applied.
func (s *SyncService) applyDelta(ctx context.Context, tx *sql.Tx, itemID string, accountIDs map[string]string, delta aggregator.SyncDelta, result *SyncResult) error {
	for _, at := range delta.Added {
		accountID, ok := accountIDs[at.AccountID]
		if !ok {
			s.logger().Warn("added transaction for unknown account, skipping",
				"item", itemID, "externalAccount", at.AccountID, "transaction", at.TransactionID)
			continue
		}
		if err := s.Transactions.UpsertTx(ctx, tx, toRow(at, accountID)); err != nil {
			return fmt.Errorf("apply added %s: %w", at.TransactionID, err)
		}
		result.Added++
	}
	for _, mt := range delta.Modified {
		accountID, ok := accountIDs[mt.AccountID]
		if !ok {
			s.logger().Warn("modified transaction for unknown account, skipping",
				"item", itemID, "externalAccount", mt.AccountID, "transaction", mt.TransactionID)
			continue
		}
		found, err := s.Transactions.UpdateByExternalIDTx(ctx, tx, toRow(mt, accountID))
		if err != nil {
			return fmt.Errorf("apply modified %s: %w", mt.TransactionID, err)
		}
		if !found {
			// The local mirror has silently diverged from the aggregator's
			// view. Loud by contract: error severity, never debug.
			s.logger().Error("modified transaction missing locally",
				"item", itemID, "transaction", mt.TransactionID)
			continue
		}
		result.Modified++
	}
	for _, id := range delta.RemovedIDs {
		if err := s.Transactions.DeleteByExternalIDTx(ctx, tx, id); err != nil {
			return fmt.Errorf("apply removed %s: %w", id, err)
		}
		result.Removed++
	}
	return nil
}

// refreshBalances updates every account under the item from a fresh
// balance fetch.
func (s *SyncService) refreshBalances(ctx context.Context, itemID string, credential secrets.Credential) error {
	balances, err := s.Aggregator.GetBalances(ctx, credential)
	if err != nil {
		return err
	}
	accounts, err := s.Accounts.ListByItem(ctx, itemID)
	if err != nil {
		return err
	}
	byExternal := make(map[string]repository.LinkedAccount, len(accounts))
	for _, a := range accounts {
		byExternal[a.ExternalID] = a
	}
	for _, b := range balances {
		local, ok := byExternal[b.AccountID]
		if !ok {
			// Aggregators occasionally reissue account ids. Rediscover by
			// mask + subtype + fuzzy official name before giving up.
			rematched := false
			for _, a := range accounts {
				if a.Mask == b.Mask && strings.EqualFold(a.Subtype, b.Subtype) &&
					officialNamesAgree(a.OfficialName, b.OfficialName) {
					local, rematched = a, true
					break
				}
			}
			if !rematched {
				s.logger().Warn("balance for unknown account", "item", itemID, "externalAccount", b.AccountID)
				continue
			}
		}
		if err := s.Accounts.UpdateBalances(ctx, local.ID, b.CurrentBalanceCents, b.AvailableBalanceCents); err != nil {
			return err
		}
	}
	return nil
}

// refreshLiabilities pulls fresh statement/payment detail for credit
// accounts so the payment-cycle view classifies against current data.
func (s *SyncService) refreshLiabilities(ctx context.Context, itemID string, credential secrets.Credential) error {
	res, err := s.Aggregator.GetLiabilities(ctx, credential)
	if err != nil {
		if instNotReady(err) {
			return nil
		}
		return err
	}
	for _, l := range res.Liabilities {
		local, err := s.Accounts.GetByExternalID(ctx, itemID, l.AccountID)
		if err != nil {
			return err
		}
		if local == nil {
			continue
		}
		local.APRBps = l.APRBps
		local.CreditLimitCents = l.CreditLimitCents
		local.StatementBalanceCents = l.StatementBalanceCents
		local.StatementDate = l.StatementDate
		local.MinPaymentCents = l.MinPaymentCents
		local.NextDueDate = l.NextDueDate
		local.LastPaymentCents = l.LastPaymentCents
		local.LastPaymentDate = l.LastPaymentDate
		if err := s.Accounts.UpdateLiabilities(ctx, local.ID, *local); err != nil {
			return err
		}
	}
	return nil
}

func instNotReady(err error) bool {
	var apiErr *aggregator.APIError
	return errors.As(err, &apiErr) && apiErr.Code == aggregator.CodeProductNotReady
}

func officialNamesAgree(a, b *string) bool {
	if a == nil || b == nil {
		return true // nothing to compare; mask+subtype carried the match
	}
	return SameOfficialName(*a, *b)
}

// degradeOnAggregatorError maps known recoverable aggregator conditions
// onto the item's persisted status. Returns false for transport errors,
// which propagate to the caller instead.
func (s *SyncService) degradeOnAggregatorError(ctx context.Context, itemID string, err error) (bool, string) {
	switch {
	case aggregator.ReauthRequired(err):
		if updErr := s.Items.UpdateStatus(ctx, itemID, repository.ItemNeedsReauth); updErr != nil {
			s.logger().Error("status update failed", "item", itemID, "err", updErr)
		}
		s.logger().Info("item needs re-authentication", "item", itemID)
		return true, repository.ItemNeedsReauth
	case aggregator.InstitutionUnavailable(err):
		if updErr := s.Items.UpdateStatus(ctx, itemID, repository.ItemError); updErr != nil {
			s.logger().Error("status update failed", "item", itemID, "err", updErr)
		}
		s.logger().Info("institution unavailable", "item", itemID)
		return true, repository.ItemError
	}
	return false, ""
}

func (s *SyncService) accountIndex(ctx context.Context, itemID string) (map[string]string, error) {
	accounts, err := s.Accounts.ListByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string, len(accounts))
	for _, a := range accounts {
		idx[a.ExternalID] = a.ID
	}
	return idx, nil
}

func (s *SyncService) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func toRow(t aggregator.Transaction, accountID string) repository.Transaction {
	return repository.Transaction{
		ID:               uuid.NewString(),
		ExternalID:       t.TransactionID,
		AccountID:        accountID,
		AmountCents:      t.AmountCents,
		Date:             t.Date,
		Name:             t.Name,
		MerchantName:     t.MerchantName,
		CategoryPath:     t.CategoryPath,
		PrimaryCategory:  t.PrimaryCategory,
		DetailedCategory: t.DetailedCategory,
		Pending:          t.Pending,
		PaymentChannel:   t.PaymentChannel,
	}
}
