package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perkledger/perkledger/internal/aggregator"
)

func TestReloadRequiresExactConfirmation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	itemID, _ := env.seedItem(t, ctx)

	svc := env.syncService()
	for _, bad := range []string{"", "reload", "Reload", "RELOAD ", "yes", "RELOAD!"} {
		_, err := svc.ReloadItem(ctx, itemID, bad)
		require.ErrorIs(t, err, ErrBadConfirmation, "confirmation %q", bad)
	}
	// Nothing upstream may be touched on a rejected confirmation.
	require.Equal(t, 0, env.agg.syncCalls)
}

func TestReloadUnknownItem(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.syncService().ReloadItem(context.Background(), "nope", ReloadConfirmation)
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestReloadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	itemID, accountID := env.seedItem(t, ctx)

	// First sync mirrors three transactions, one of which the aggregator
	// will later stop reporting.
	env.agg.syncFn = func(_ context.Context, cursor *string) (aggregator.SyncDelta, error) {
		return aggregator.SyncDelta{
			Added:      []aggregator.Transaction{extTxn("t1", 100), extTxn("t2", 200), extTxn("stale", 300)},
			NextCursor: "c1",
		}, nil
	}
	svc := env.syncService()
	_, err := svc.SyncItem(ctx, itemID)
	require.NoError(t, err)

	// Reload replays from a null cursor; the upstream view has shrunk.
	env.agg.syncFn = func(_ context.Context, cursor *string) (aggregator.SyncDelta, error) {
		require.Nil(t, cursor) // full-history replay starts from nothing
		return aggregator.SyncDelta{
			Added:      []aggregator.Transaction{extTxn("t1", 100), extTxn("t2", 200)},
			NextCursor: "c2",
		}, nil
	}

	res, err := svc.ReloadItem(ctx, itemID, ReloadConfirmation)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.DeletedCount)
	require.Equal(t, 2, res.ReloadedCount)

	txns, err := env.txns.ListByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	stale, err := env.txns.GetByExternalID(ctx, "stale")
	require.NoError(t, err)
	require.Nil(t, stale)

	item, err := env.items.Get(ctx, itemID)
	require.NoError(t, err)
	require.NotNil(t, item.SyncCursor)
	require.Equal(t, "c2", *item.SyncCursor)
}

func TestReloadClearsUsageLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t)
	itemID, accountID := env.seedItem(t, ctx)

	benefitSvc := env.benefitService(diningRules(t))
	svc := env.syncService()
	svc.Benefits = benefitSvc

	merchant := "Grubhub"
	gh := extTxn("gh1", 600)
	gh.MerchantName = &merchant
	env.agg.syncFn = func(context.Context, *string) (aggregator.SyncDelta, error) {
		return aggregator.SyncDelta{
			Added:      []aggregator.Transaction{gh},
			NextCursor: "c1",
		}, nil
	}

	_, err := svc.SyncItem(ctx, itemID)
	require.NoError(t, err)

	periods, err := benefitSvc.UsageForAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, int64(600), periods[0].UsedCents)

	// Reload wipes and rebuilds the ledger; the total must not double.
	res, err := svc.ReloadItem(ctx, itemID, ReloadConfirmation)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.DeletedCount)

	periods, err = benefitSvc.UsageForAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, int64(600), periods[0].UsedCents)
}
