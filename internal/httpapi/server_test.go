package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/perkledger/perkledger/internal/aggregator"
	"github.com/perkledger/perkledger/internal/benefits"
	"github.com/perkledger/perkledger/internal/database"
	"github.com/perkledger/perkledger/internal/database/repository"
	"github.com/perkledger/perkledger/internal/secrets"
	"github.com/perkledger/perkledger/internal/service"
)

// fakeAggregator is a canned-response aggregator for endpoint tests.
type fakeAggregator struct {
	syncFn func(cursor *string) (aggregator.SyncDelta, error)
}

func (f *fakeAggregator) ExchangeToken(context.Context, string) (aggregator.ExchangeResult, error) {
	return aggregator.ExchangeResult{Credential: "access-token", ItemID: "ext-item"}, nil
}

func (f *fakeAggregator) GetLiabilities(context.Context, secrets.Credential) (aggregator.LiabilitiesResult, error) {
	official := "GOLD REWARDS CARD"
	return aggregator.LiabilitiesResult{Accounts: []aggregator.Account{{
		AccountID:    "ext-acct-1",
		Name:         "Gold Card",
		OfficialName: &official,
		Mask:         "1234",
		Type:         "credit",
		Subtype:      "credit card",
	}}}, nil
}

func (f *fakeAggregator) GetAccounts(context.Context, secrets.Credential) ([]aggregator.Account, error) {
	return nil, nil
}

func (f *fakeAggregator) GetBalances(context.Context, secrets.Credential) ([]aggregator.Account, error) {
	return nil, nil
}

func (f *fakeAggregator) SyncTransactions(_ context.Context, _ secrets.Credential, cursor *string) (aggregator.SyncDelta, error) {
	if f.syncFn != nil {
		return f.syncFn(cursor)
	}
	return aggregator.SyncDelta{NextCursor: "end"}, nil
}

func (f *fakeAggregator) GetItemStatus(context.Context, secrets.Credential) (aggregator.ItemStatus, error) {
	return aggregator.ItemStatus{InstitutionID: "ins_1"}, nil
}

func (f *fakeAggregator) RemoveItem(context.Context, secrets.Credential) error { return nil }

type apiEnv struct {
	server   *Server
	db       *sql.DB
	items    *repository.ItemRepo
	accounts *repository.AccountRepo
	secrets  *secrets.FileStore
	agg      *fakeAggregator
}

func newAPIEnv(t *testing.T, cfg ServerConfig) *apiEnv {
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

	agg := &fakeAggregator{}
	items := repository.NewItemRepo(db)
	accounts := repository.NewAccountRepo(db)
	txns := repository.NewTransactionRepo(db)
	usage := repository.NewBenefitUsageRepo(db)

	benefitSvc := &service.BenefitService{
		DB:           db,
		Accounts:     accounts,
		Transactions: txns,
		Usage:        usage,
		Rules:        benefits.NewSnapshot(benefits.MustCompile(nil)),
	}
	linkSvc := &service.LinkService{
		DB: db, Items: items, Accounts: accounts,
		Secrets: store, Aggregator: agg, Sandbox: true,
	}
	syncSvc := &service.SyncService{
		DB: db, Items: items, Accounts: accounts, Transactions: txns,
		Usage: usage, Secrets: store, Aggregator: agg, Benefits: benefitSvc,
	}
	cycleSvc := &service.CycleService{Accounts: accounts}

	return &apiEnv{
		server:   NewServer(linkSvc, syncSvc, cycleSvc, benefitSvc, cfg, nil),
		db:       db,
		items:    items,
		accounts: accounts,
		secrets:  store,
		agg:      agg,
	}
}

func (e *apiEnv) seedItem(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()

	handle, err := e.secrets.CreateSecret(ctx, "access-token", "test")
	require.NoError(t, err)

	itemID := uuid.NewString()
	accountID := uuid.NewString()
	err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.items.InsertTx(ctx, tx, repository.LinkedItem{
			ID: itemID, UserID: "user-1", MemberID: "member-1",
			InstitutionID: "ins_1", SecretID: string(handle),
			Status: repository.ItemActive, Sandbox: true,
		}); err != nil {
			return err
		}
		return e.accounts.InsertTx(ctx, tx, repository.LinkedAccount{
			ID: accountID, ItemID: itemID, MemberID: "member-1",
			InstitutionID: "ins_1", ExternalID: "ext-acct-1",
			Name: "Gold Card", Mask: "1234",
			AccountType: "credit", Subtype: "credit card", Status: "active",
		})
	})
	require.NoError(t, err)
	return itemID, accountID
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	rec := env.do(t, http.MethodGet, "/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinkExchangeEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	rec := env.do(t, http.MethodPost, "/v1/link/exchange", map[string]any{
		"userId":        "user-1",
		"linkToken":     "public-token",
		"institutionId": "ins_1",
		"accounts":      []map[string]string{{"mask": "1234", "subtype": "credit card"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res struct {
		ItemID    string `json:"itemId"`
		Duplicate bool   `json:"duplicate"`
	}
	decodeBody(t, rec, &res)
	require.NotEmpty(t, res.ItemID)
	require.False(t, res.Duplicate)

	// Linking the same card again answers 200 with the existing item.
	rec = env.do(t, http.MethodPost, "/v1/link/exchange", map[string]any{
		"userId":        "user-1",
		"linkToken":     "public-token-2",
		"institutionId": "ins_1",
		"accounts":      []map[string]string{{"mask": "1234", "subtype": "credit card"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var dup struct {
		ItemID    string `json:"itemId"`
		Duplicate bool   `json:"duplicate"`
	}
	decodeBody(t, rec, &dup)
	require.True(t, dup.Duplicate)
	require.Equal(t, res.ItemID, dup.ItemID)
}

func TestLinkExchangeRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	rec := env.do(t, http.MethodPost, "/v1/link/exchange", map[string]any{"userId": "user-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	itemID, _ := env.seedItem(t)

	rec := env.do(t, http.MethodPost, "/v1/sync", map[string]string{"itemId": itemID, "userId": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Status     string `json:"status"`
		Iterations int    `json:"iterations"`
	}
	decodeBody(t, rec, &res)
	require.Equal(t, "active", res.Status)
	require.Equal(t, 1, res.Iterations)
}

func TestSyncEndpointNotFound(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	rec := env.do(t, http.MethodPost, "/v1/sync", map[string]string{"itemId": "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncRateLimit(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Hour})
	itemID, _ := env.seedItem(t)

	body := map[string]string{"itemId": itemID, "userId": "user-1"}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/sync", body).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/sync", body).Code)

	rec := env.do(t, http.MethodPost, "/v1/sync", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "3600", rec.Header().Get("Retry-After"))

	// Another user is not throttled by the first user's burn.
	other, _ := env.seedItemForUser(t, "user-2", "member-2", "5678")
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPost, "/v1/sync", map[string]string{"itemId": other, "userId": "user-2"}).Code)
}

func (e *apiEnv) seedItemForUser(t *testing.T, userID, memberID, mask string) (string, string) {
	t.Helper()
	ctx := context.Background()

	handle, err := e.secrets.CreateSecret(ctx, "access-token", "test")
	require.NoError(t, err)

	itemID := uuid.NewString()
	accountID := uuid.NewString()
	err = database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.items.InsertTx(ctx, tx, repository.LinkedItem{
			ID: itemID, UserID: userID, MemberID: memberID,
			InstitutionID: "ins_1", SecretID: string(handle),
			Status: repository.ItemActive, Sandbox: true,
		}); err != nil {
			return err
		}
		return e.accounts.InsertTx(ctx, tx, repository.LinkedAccount{
			ID: accountID, ItemID: itemID, MemberID: memberID,
			InstitutionID: "ins_1", ExternalID: "ext-" + mask,
			Name: "Card", Mask: mask,
			AccountType: "credit", Subtype: "credit card", Status: "active",
		})
	})
	require.NoError(t, err)
	return itemID, accountID
}

func TestReloadEndpointConfirmationGate(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	itemID, _ := env.seedItem(t)

	rec := env.do(t, http.MethodPost, "/v1/items/"+itemID+"/reload", map[string]string{"confirmation": "reload"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &errBody)
	require.Equal(t, "bad_confirmation", errBody.Code)

	rec = env.do(t, http.MethodPost, "/v1/items/"+itemID+"/reload", map[string]string{"confirmation": "RELOAD"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestItemStatusEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	itemID, _ := env.seedItem(t)

	rec := env.do(t, http.MethodGet, "/v1/items/"+itemID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		ItemID string `json:"itemId"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &res)
	require.Equal(t, itemID, res.ItemID)
	require.Equal(t, "active", res.Status)

	rec = env.do(t, http.MethodGet, "/v1/items/nope/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisconnectEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	itemID, _ := env.seedItem(t)

	rec := env.do(t, http.MethodPost, "/v1/items/"+itemID+"/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	item, err := env.items.Get(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, repository.ItemDisconnected, item.Status)
}

func TestCyclesEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	_, accountID := env.seedItem(t)

	ctx := context.Background()
	stmtDate := time.Now().UTC().AddDate(0, 0, -5)
	_, err := env.db.ExecContext(ctx, `
	UPDATE linked_accounts SET statement_balance_cents = 50000, statement_date = ?,
	 current_balance_cents = 50000 WHERE id = ?`, stmtDate, accountID)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/cycles?member=member-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Cards []struct {
			AccountID string `json:"accountId"`
			State     string `json:"state"`
		} `json:"cards"`
	}
	decodeBody(t, rec, &res)
	require.Len(t, res.Cards, 1)
	require.Equal(t, accountID, res.Cards[0].AccountID)
	require.Equal(t, "statement_generated", res.Cards[0].State)

	rec = env.do(t, http.MethodGet, "/v1/cycles", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkPaidEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	_, accountID := env.seedItem(t)

	rec := env.do(t, http.MethodPost, "/v1/accounts/"+accountID+"/mark-paid", map[string]any{"amountCents": 50000})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := context.Background()
	acct, err := env.accounts.Get(ctx, accountID)
	require.NoError(t, err)
	require.NotNil(t, acct.MarkedPaidAt)
	require.NotNil(t, acct.MarkedPaidCents)
	require.Equal(t, int64(50000), *acct.MarkedPaidCents)

	rec = env.do(t, http.MethodPost, "/v1/accounts/nope/mark-paid", map[string]any{})
	require.Equal(t, http.StatusNotFound, rec.Code)
	var errBody struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decodeBody(t, rec, &errBody)
	require.Equal(t, "not_found", errBody.Code)
	require.Equal(t, "account not found", errBody.Message)
}

func TestAccountBenefitsEndpoint(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{})
	_, accountID := env.seedItem(t)

	rec := env.do(t, http.MethodGet, "/v1/accounts/"+accountID+"/benefits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		AccountID string `json:"accountId"`
		Benefits  []any  `json:"benefits"`
	}
	decodeBody(t, rec, &res)
	require.Equal(t, accountID, res.AccountID)
	require.Empty(t, res.Benefits)
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, ServerConfig{MaxBodyBytes: 64})
	big := bytes.Repeat([]byte("a"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
