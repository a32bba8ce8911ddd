package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/secrets"
)

// ReloadConfirmation is the exact sentinel a caller must supply before a
// destructive reload proceeds. Anything else — including truthy-looking
// variants — is rejected.
const ReloadConfirmation = "RELOAD"

// ErrBadConfirmation rejects a reload without the exact sentinel.
var ErrBadConfirmation = errors.New("confirmation string mismatch")

// ReloadResult reports what a full reload destroyed and rebuilt.
type ReloadResult struct {
	DeletedCount  int64 `json:"deletedCount"`
	ReloadedCount int   `json:"reloadedCount"`
}

// ReloadItem is the disaster-recovery flow: wipe the item's transaction
// mirror and usage ledger, reset the cursor to null, and replay full
// history through the same bounded fetch/apply loop incremental sync
// uses. Benefit matching re-runs over the fresh set afterwards.
func (s *SyncService) ReloadItem(ctx context.Context, itemID, confirmation string) (ReloadResult, error) {
	if confirmation != ReloadConfirmation {
		return ReloadResult{}, ErrBadConfirmation
	}

	item, err := s.Items.Get(ctx, itemID)
	if err != nil {
		return ReloadResult{}, err
	}
	if item == nil {
		return ReloadResult{}, ErrItemNotFound
	}

	credential, err := s.Secrets.GetSecret(ctx, secrets.Handle(item.SecretID))
	if err != nil {
		return ReloadResult{}, fmt.Errorf("fetch credential: %w", err)
	}

	var deleted int64
	err = database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		var txErr error
		deleted, txErr = s.Transactions.DeleteByItemTx(ctx, tx, item.ID)
		if txErr != nil {
			return txErr
		}
		if s.Usage != nil {
			if txErr := s.Usage.DeleteByItemTx(ctx, tx, item.ID); txErr != nil {
				return txErr
			}
		}
		return s.Items.ResetCursorTx(ctx, tx, item.ID)
	})
	if err != nil {
		return ReloadResult{}, fmt.Errorf("reset item: %w", err)
	}

	// Null cursor = full history, same iteration cap and per-page
	// transactionality as incremental sync.
	result, err := s.runSyncLoop(ctx, item, credential, nil)
	if err != nil {
		return ReloadResult{DeletedCount: deleted}, fmt.Errorf("reload fetch: %w", err)
	}

	if err := s.Items.UpdateSyncState(ctx, item.ID, result.NextCursor, database.Now()); err != nil {
		return ReloadResult{DeletedCount: deleted}, err
	}

	if s.Benefits != nil {
		if err := s.Benefits.MatchItem(ctx, item.ID); err != nil {
			s.logger().Warn("benefit rematch after reload failed", "item", item.ID, "err", err)
		}
	}

	return ReloadResult{DeletedCount: deleted, ReloadedCount: result.Added}, nil
}
