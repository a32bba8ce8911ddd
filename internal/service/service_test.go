package service

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/perkledger/perkledger/internal/aggregator"
	"github.com/perkledger/perkledger/internal/benefits"
	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/database/repository"
	"github.com/perkledger/perkledger/internal/secrets"
)

// stubAggregator implements aggregator.Client with overridable hooks.
// Unset hooks return empty results.
type stubAggregator struct {
	exchangeFn    func(ctx context.Context, linkToken string) (aggregator.ExchangeResult, error)
	liabilitiesFn func(ctx context.Context) (aggregator.LiabilitiesResult, error)
	accountsFn    func(ctx context.Context) ([]aggregator.Account, error)
	balancesFn    func(ctx context.Context) ([]aggregator.Account, error)
	syncFn        func(ctx context.Context, cursor *string) (aggregator.SyncDelta, error)
	statusFn      func(ctx context.Context) (aggregator.ItemStatus, error)
	removeFn      func(ctx context.Context) error

	exchangeCalls int
	syncCalls     int
	removeCalls   int
}

func (s *stubAggregator) ExchangeToken(ctx context.Context, linkToken string) (aggregator.ExchangeResult, error) {
	s.exchangeCalls++
	if s.exchangeFn != nil {
		return s.exchangeFn(ctx, linkToken)
	}
	return aggregator.ExchangeResult{Credential: "access-token", ItemID: "ext-item"}, nil
}

func (s *stubAggregator) GetLiabilities(ctx context.Context, _ secrets.Credential) (aggregator.LiabilitiesResult, error) {
	if s.liabilitiesFn != nil {
		return s.liabilitiesFn(ctx)
	}
	return aggregator.LiabilitiesResult{}, nil
}

func (s *stubAggregator) GetAccounts(ctx context.Context, _ secrets.Credential) ([]aggregator.Account, error) {
	if s.accountsFn != nil {
		return s.accountsFn(ctx)
	}
	return nil, nil
}

func (s *stubAggregator) GetBalances(ctx context.Context, _ secrets.Credential) ([]aggregator.Account, error) {
	if s.balancesFn != nil {
		return s.balancesFn(ctx)
	}
	return nil, nil
}

func (s *stubAggregator) SyncTransactions(ctx context.Context, _ secrets.Credential, cursor *string) (aggregator.SyncDelta, error) {
	s.syncCalls++
	if s.syncFn != nil {
		return s.syncFn(ctx, cursor)
	}
	return aggregator.SyncDelta{NextCursor: "end"}, nil
}

func (s *stubAggregator) GetItemStatus(ctx context.Context, _ secrets.Credential) (aggregator.ItemStatus, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx)
	}
	return aggregator.ItemStatus{}, nil
}

func (s *stubAggregator) RemoveItem(ctx context.Context, _ secrets.Credential) error {
	s.removeCalls++
	if s.removeFn != nil {
		return s.removeFn(ctx)
	}
	return nil
}

// captureHandler records every log record so tests can assert severity.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) byMessage(msg string) []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []slog.Record
	for _, r := range h.records {
		if r.Message == msg {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	db       *sql.DB
	items    *repository.ItemRepo
	accounts *repository.AccountRepo
	txns     *repository.TransactionRepo
	usage    *repository.BenefitUsageRepo
	secrets  *secrets.FileStore
	agg      *stubAggregator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "test.db")
	migrations, err := filepath.Abs("../database/migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(dbPath, migrations))

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := secrets.NewFileStore(filepath.Join(tmp, "secrets.json"))
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		items:    repository.NewItemRepo(db),
		accounts: repository.NewAccountRepo(db),
		txns:     repository.NewTransactionRepo(db),
		usage:    repository.NewBenefitUsageRepo(db),
		secrets:  store,
		agg:      &stubAggregator{},
	}
}

func (e *testEnv) syncService() *SyncService {
	return &SyncService{
		DB:           e.db,
		Items:        e.items,
		Accounts:     e.accounts,
		Transactions: e.txns,
		Usage:        e.usage,
		Secrets:      e.secrets,
		Aggregator:   e.agg,
	}
}

func (e *testEnv) linkService() *LinkService {
	return &LinkService{
		DB:         e.db,
		Items:      e.items,
		Accounts:   e.accounts,
		Secrets:    e.secrets,
		Aggregator: e.agg,
		Sandbox:    true,
	}
}

func (e *testEnv) benefitService(rules *benefits.RuleSet) *BenefitService {
	return &BenefitService{
		DB:           e.db,
		Accounts:     e.accounts,
		Transactions: e.txns,
		Usage:        e.usage,
		Rules:        benefits.NewSnapshot(rules),
	}
}

// seedItem writes one active item with one credit account and a stored
// credential, returning (itemID, accountID).
func (e *testEnv) seedItem(t *testing.T, ctx context.Context) (string, string) {
	t.Helper()

	handle, err := e.secrets.CreateSecret(ctx, "access-token", "test")
	require.NoError(t, err)

	itemID := uuid.NewString()
	accountID := uuid.NewString()
	product := "ins_1:gold-card"
	err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.items.InsertTx(ctx, tx, repository.LinkedItem{
			ID:            itemID,
			UserID:        "user-1",
			MemberID:      "member-1",
			InstitutionID: "ins_1",
			SecretID:      string(handle),
			Status:        repository.ItemActive,
			Sandbox:       true,
		}); err != nil {
			return err
		}
		return e.accounts.InsertTx(ctx, tx, repository.LinkedAccount{
			ID:            accountID,
			ItemID:        itemID,
			MemberID:      "member-1",
			InstitutionID: "ins_1",
			ExternalID:    "ext-acct-1",
			Name:          "Gold Card",
			Mask:          "1234",
			AccountType:   "credit",
			Subtype:       "credit card",
			ProductID:     &product,
			Status:        "active",
		})
	})
	require.NoError(t, err)
	return itemID, accountID
}
