package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/perkledger/perkledger/internal/secrets"
)

// Client is the remote account-aggregation collaborator. Every call is a
// suspension point; bounded timeouts live inside implementations, not in
// the sync engine.
type Client interface {
	// ExchangeToken trades a short-lived link token for a durable credential.
	ExchangeToken(ctx context.Context, linkToken string) (ExchangeResult, error)
	// GetLiabilities fetches accounts with credit detail. Callers fall back
	// to GetAccounts when the institution does not support it.
	GetLiabilities(ctx context.Context, credential secrets.Credential) (LiabilitiesResult, error)
	GetAccounts(ctx context.Context, credential secrets.Credential) ([]Account, error)
	GetBalances(ctx context.Context, credential secrets.Credential) ([]Account, error)
	// SyncTransactions pulls one delta page. A nil/empty cursor means "from
	// the beginning of history".
	SyncTransactions(ctx context.Context, credential secrets.Credential, cursor *string) (SyncDelta, error)
	GetItemStatus(ctx context.Context, credential secrets.Credential) (ItemStatus, error)
	RemoveItem(ctx context.Context, credential secrets.Credential) error
}

// APIError is the aggregator's own error vocabulary, distinct from
// transport failures.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator: %s: %s", e.Code, e.Message)
}

// Known recoverable degraded-state codes.
const (
	CodeLoginRequired     = "ITEM_LOGIN_REQUIRED"
	CodePendingExpiration = "PENDING_EXPIRATION"
	CodeConsentRevoked    = "USER_PERMISSION_REVOKED"
	CodeInstitutionDown   = "INSTITUTION_DOWN"
	CodeProductNotReady   = "PRODUCT_NOT_READY"
)

// ReauthRequired reports whether err is a degraded state the user fixes
// by re-authenticating, as opposed to a transport failure.
func ReauthRequired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeLoginRequired, CodePendingExpiration, CodeConsentRevoked:
		return true
	}
	return false
}

// InstitutionUnavailable reports a temporarily-down institution.
func InstitutionUnavailable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeInstitutionDown
}
