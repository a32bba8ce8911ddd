package repository

import "time"

// Item statuses.
const (
	ItemActive       = "active"
	ItemNeedsReauth  = "needs_reauth"
	ItemError        = "error"
	ItemDisconnected = "disconnected"
	ItemDeactivated  = "deactivated"
)

// LinkedItem represents one aggregator connection.
// SecretID is an opaque handle into the secret store; the raw credential
// never lands in this table, and the handle survives disconnection.
type LinkedItem struct {
	ID              string
	UserID          string
	MemberID        string
	InstitutionID   string
	InstitutionName string
	SecretID        string
	SyncCursor      *string
	Status          string
	LastSyncedAt    *time.Time
	Sandbox         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LinkedAccount represents one financial account under a LinkedItem.
type LinkedAccount struct {
	ID                    string
	ItemID                string
	MemberID              string
	InstitutionID         string
	ExternalID            string
	Name                  string
	OfficialName          *string
	Mask                  string
	AccountType           string
	Subtype               string
	ProductID             *string
	Status                string
	CurrentBalanceCents   int64
	AvailableBalanceCents *int64
	APRBps                *int64
	CreditLimitCents      *int64
	StatementBalanceCents *int64
	StatementDate         *time.Time
	MinPaymentCents       *int64
	NextDueDate           *time.Time
	LastPaymentCents      *int64
	LastPaymentDate       *time.Time
	MarkedPaidAt          *time.Time
	MarkedPaidCents       *int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Transaction represents a mirrored ledger entry. ExternalID is the
// aggregator's globally unique id and the upsert key for delta sync.
type Transaction struct {
	ID               string
	ExternalID       string
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
	MatchedBenefitID *string
	UsagePeriodID    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BenefitUsagePeriod is the ledger row for one benefit on one account for
// one accounting period. (benefit_id, account_id, period_start) is unique,
// which is what makes re-running the matcher safe.
type BenefitUsagePeriod struct {
	ID             string
	BenefitID      string
	AccountID      string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CapCents       int64
	UsedCents      int64
	RemainingCents int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
