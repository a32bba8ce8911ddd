package aggregator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perkledger/perkledger/internal/secrets"
)

// Wire shapes for the account-aggregation API. Amounts arrive as decimal
// dollars and are converted to integer cents at this boundary so no float
// noise reaches business logic.

// Account is one financial account as reported by the aggregator.
type Account struct {
	AccountID    string  `json:"account_id"`
	Name         string  `json:"name"`
	OfficialName *string `json:"official_name"`
	Mask         string  `json:"mask"`
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`

	CurrentBalanceCents   int64
	AvailableBalanceCents *int64
}

// Liability carries the credit-specific fields for one account.
type Liability struct {
	AccountID             string
	APRBps                *int64
	CreditLimitCents      *int64
	StatementBalanceCents *int64
	StatementDate         *time.Time
	MinPaymentCents       *int64
	NextDueDate           *time.Time
	LastPaymentCents      *int64
	LastPaymentDate       *time.Time
}

// Transaction is one delta-sync entry. Positive amounts are debits in the
// aggregator's convention.
type Transaction struct {
	TransactionID    string
	AccountID        string
	AmountCents      int64
	Date             time.Time
	Name             string
	MerchantName     *string
	CategoryPath     *string
	PrimaryCategory  *string
	DetailedCategory *string
	Pending          bool
	PaymentChannel   *string
}

// SyncDelta is one page of the cursor-based delta feed.
type SyncDelta struct {
	Added      []Transaction
	Modified   []Transaction
	RemovedIDs []string
	HasMore    bool
	NextCursor string
}

// ExchangeResult is the durable outcome of a link-token exchange.
type ExchangeResult struct {
	Credential secrets.Credential
	ItemID     string
}

// ItemStatus mirrors the aggregator's view of one connection.
type ItemStatus struct {
	InstitutionID     string
	Error             *APIError
	ConsentExpiration *time.Time
}

// LiabilitiesResult pairs accounts with their credit detail.
type LiabilitiesResult struct {
	Accounts    []Account
	Liabilities []Liability
}

// dollarsToCents converts a wire dollar string exactly.
func dollarsToCents(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func optCents(s *string) (*int64, error) {
	if s == nil {
		return nil, nil
	}
	c, err := dollarsToCents(*s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func optDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
