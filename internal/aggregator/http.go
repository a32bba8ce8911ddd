package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perkledger/perkledger/internal/secrets"
)

// HTTPClient talks to the real aggregation API. Request bodies carry
// client_id/secret auth the way the upstream API expects; responses are
// schema-validated before any field is trusted.
type HTTPClient struct {
	baseURL  string
	clientID string
	secret   string
	http     *http.Client
}

func NewHTTPClient(baseURL, clientID, secret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:  baseURL,
		clientID: clientID,
		secret:   secret,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ExchangeToken(ctx context.Context, linkToken string) (ExchangeResult, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ItemID      string `json:"item_id"`
	}
	err := c.post(ctx, "/item/public_token/exchange", map[string]any{
		"public_token": linkToken,
	}, nil, &resp)
	if err != nil {
		return ExchangeResult{}, err
	}
	return ExchangeResult{Credential: secrets.Credential(resp.AccessToken), ItemID: resp.ItemID}, nil
}

func (c *HTTPClient) GetLiabilities(ctx context.Context, credential secrets.Credential) (LiabilitiesResult, error) {
	var resp struct {
		Accounts    []wireAccount `json:"accounts"`
		Liabilities struct {
			Credit []wireLiability `json:"credit"`
		} `json:"liabilities"`
	}
	if err := c.post(ctx, "/liabilities/get", map[string]any{}, &credential, &resp); err != nil {
		return LiabilitiesResult{}, err
	}
	out := LiabilitiesResult{}
	for _, wa := range resp.Accounts {
		a, err := wa.convert()
		if err != nil {
			return LiabilitiesResult{}, err
		}
		out.Accounts = append(out.Accounts, a)
	}
	for _, wl := range resp.Liabilities.Credit {
		l, err := wl.convert()
		if err != nil {
			return LiabilitiesResult{}, err
		}
		out.Liabilities = append(out.Liabilities, l)
	}
	return out, nil
}

func (c *HTTPClient) GetAccounts(ctx context.Context, credential secrets.Credential) ([]Account, error) {
	return c.accounts(ctx, "/accounts/get", credential)
}

func (c *HTTPClient) GetBalances(ctx context.Context, credential secrets.Credential) ([]Account, error) {
	return c.accounts(ctx, "/accounts/balance/get", credential)
}

func (c *HTTPClient) accounts(ctx context.Context, path string, credential secrets.Credential) ([]Account, error) {
	var resp struct {
		Accounts []wireAccount `json:"accounts"`
	}
	if err := c.post(ctx, path, map[string]any{}, &credential, &resp); err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(resp.Accounts))
	for _, wa := range resp.Accounts {
		a, err := wa.convert()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *HTTPClient) SyncTransactions(ctx context.Context, credential secrets.Credential, cursor *string) (SyncDelta, error) {
	body := map[string]any{}
	if cursor != nil && *cursor != "" {
		body["cursor"] = *cursor
	}
	raw, err := c.postRaw(ctx, "/transactions/sync", body, &credential)
	if err != nil {
		return SyncDelta{}, err
	}
	// Validate the loosely-typed upstream payload before decoding it into
	// strict internal types.
	if err := ValidateSyncResponse(raw); err != nil {
		return SyncDelta{}, fmt.Errorf("sync response rejected by schema: %w", err)
	}
	var resp wireSyncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SyncDelta{}, err
	}
	return resp.convert()
}

func (c *HTTPClient) GetItemStatus(ctx context.Context, credential secrets.Credential) (ItemStatus, error) {
	var resp struct {
		Item struct {
			InstitutionID     string    `json:"institution_id"`
			Error             *APIError `json:"error"`
			ConsentExpiration *string   `json:"consent_expiration_time"`
		} `json:"item"`
	}
	if err := c.post(ctx, "/item/get", map[string]any{}, &credential, &resp); err != nil {
		return ItemStatus{}, err
	}
	st := ItemStatus{InstitutionID: resp.Item.InstitutionID, Error: resp.Item.Error}
	if resp.Item.ConsentExpiration != nil && *resp.Item.ConsentExpiration != "" {
		if t, err := time.Parse(time.RFC3339, *resp.Item.ConsentExpiration); err == nil {
			st.ConsentExpiration = &t
		}
	}
	return st, nil
}

func (c *HTTPClient) RemoveItem(ctx context.Context, credential secrets.Credential) error {
	var resp struct{}
	return c.post(ctx, "/item/remove", map[string]any{}, &credential, &resp)
}

func (c *HTTPClient) post(ctx context.Context, path string, body map[string]any, credential *secrets.Credential, dst any) error {
	raw, err := c.postRaw(ctx, path, body, credential)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (c *HTTPClient) postRaw(ctx context.Context, path string, body map[string]any, credential *secrets.Credential) ([]byte, error) {
	payload := map[string]any{
		"client_id": c.clientID,
		"secret":    c.secret,
	}
	for k, v := range body {
		payload[k] = v
	}
	if credential != nil {
		payload["access_token"] = credential.Reveal()
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregator %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("aggregator %s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if jsonErr := json.Unmarshal(data, &apiErr); jsonErr == nil && apiErr.Code != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("aggregator %s: status %d", path, resp.StatusCode)
	}
	return data, nil
}

// wire DTOs: amounts are decoded as json.Number strings so conversion to
// cents is exact.

type wireAccount struct {
	AccountID    string  `json:"account_id"`
	Name         string  `json:"name"`
	OfficialName *string `json:"official_name"`
	Mask         string  `json:"mask"`
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	Balances     struct {
		Current   json.Number  `json:"current"`
		Available *json.Number `json:"available"`
	} `json:"balances"`
}

func (w wireAccount) convert() (Account, error) {
	cur, err := dollarsToCents(w.Balances.Current.String())
	if err != nil {
		return Account{}, err
	}
	a := Account{
		AccountID:           w.AccountID,
		Name:                w.Name,
		OfficialName:        w.OfficialName,
		Mask:                w.Mask,
		Type:                w.Type,
		Subtype:             w.Subtype,
		CurrentBalanceCents: cur,
	}
	if w.Balances.Available != nil {
		av, err := dollarsToCents(w.Balances.Available.String())
		if err != nil {
			return Account{}, err
		}
		a.AvailableBalanceCents = &av
	}
	return a, nil
}

type wireLiability struct {
	AccountID            string       `json:"account_id"`
	APRPercentage        *json.Number `json:"apr_percentage"`
	LimitCurrent         *json.Number `json:"limit_current"`
	LastStatementBalance *json.Number `json:"last_statement_balance"`
	LastStatementDate    *string      `json:"last_statement_issue_date"`
	MinimumPayment       *json.Number `json:"minimum_payment_amount"`
	NextPaymentDueDate   *string      `json:"next_payment_due_date"`
	LastPaymentAmount    *json.Number `json:"last_payment_amount"`
	LastPaymentDate      *string      `json:"last_payment_date"`
}

func (w wireLiability) convert() (Liability, error) {
	l := Liability{AccountID: w.AccountID}
	var err error
	if l.CreditLimitCents, err = optCents(numStr(w.LimitCurrent)); err != nil {
		return Liability{}, err
	}
	if l.StatementBalanceCents, err = optCents(numStr(w.LastStatementBalance)); err != nil {
		return Liability{}, err
	}
	if l.MinPaymentCents, err = optCents(numStr(w.MinimumPayment)); err != nil {
		return Liability{}, err
	}
	if l.LastPaymentCents, err = optCents(numStr(w.LastPaymentAmount)); err != nil {
		return Liability{}, err
	}
	if l.StatementDate, err = optDate(w.LastStatementDate); err != nil {
		return Liability{}, err
	}
	if l.NextDueDate, err = optDate(w.NextPaymentDueDate); err != nil {
		return Liability{}, err
	}
	if l.LastPaymentDate, err = optDate(w.LastPaymentDate); err != nil {
		return Liability{}, err
	}
	if w.APRPercentage != nil {
		// percent -> basis points, exact via the same cents conversion
		bps, err := dollarsToCents(w.APRPercentage.String())
		if err != nil {
			return Liability{}, err
		}
		l.APRBps = &bps
	}
	return l, nil
}

type wireTransaction struct {
	TransactionID           string       `json:"transaction_id"`
	AccountID               string       `json:"account_id"`
	Amount                  json.Number  `json:"amount"`
	Date                    string       `json:"date"`
	Name                    string       `json:"name"`
	MerchantName            *string      `json:"merchant_name"`
	Category                []string     `json:"category"`
	PersonalFinanceCategory *struct {
		Primary  string `json:"primary"`
		Detailed string `json:"detailed"`
	} `json:"personal_finance_category"`
	Pending        bool    `json:"pending"`
	PaymentChannel *string `json:"payment_channel"`
}

func (w wireTransaction) convert() (Transaction, error) {
	cents, err := dollarsToCents(w.Amount.String())
	if err != nil {
		return Transaction{}, err
	}
	date, err := time.Parse("2006-01-02", w.Date)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: parse date: %w", w.TransactionID, err)
	}
	t := Transaction{
		TransactionID:  w.TransactionID,
		AccountID:      w.AccountID,
		AmountCents:    cents,
		Date:           date,
		Name:           w.Name,
		MerchantName:   w.MerchantName,
		Pending:        w.Pending,
		PaymentChannel: w.PaymentChannel,
	}
	if len(w.Category) > 0 {
		path := ""
		for i, c := range w.Category {
			if i > 0 {
				path += " > "
			}
			path += c
		}
		t.CategoryPath = &path
	}
	if w.PersonalFinanceCategory != nil {
		p, d := w.PersonalFinanceCategory.Primary, w.PersonalFinanceCategory.Detailed
		t.PrimaryCategory = &p
		t.DetailedCategory = &d
	}
	return t, nil
}

type wireSyncResponse struct {
	Added    []wireTransaction `json:"added"`
	Modified []wireTransaction `json:"modified"`
	Removed  []struct {
		TransactionID string `json:"transaction_id"`
	} `json:"removed"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

func (w wireSyncResponse) convert() (SyncDelta, error) {
	d := SyncDelta{HasMore: w.HasMore, NextCursor: w.NextCursor}
	for _, wt := range w.Added {
		t, err := wt.convert()
		if err != nil {
			return SyncDelta{}, err
		}
		d.Added = append(d.Added, t)
	}
	for _, wt := range w.Modified {
		t, err := wt.convert()
		if err != nil {
			return SyncDelta{}, err
		}
		d.Modified = append(d.Modified, t)
	}
	for _, r := range w.Removed {
		d.RemovedIDs = append(d.RemovedIDs, r.TransactionID)
	}
	return d, nil
}

func numStr(n *json.Number) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}
